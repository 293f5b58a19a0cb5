package scheduler

import (
	"fmt"

	"github.com/holiman/uint256"
	"github.com/tendermint/tendermint/libs/service"

	"dagbft/libs/metric"
	"dagbft/types"
)

const (
	StrategyNaive = "naive"
	StrategyEager = "eager"
)

// BalanceWithdrawScheduler 判断每个交易的余额预留能否满足
//
// 同一个版本上的交易按照提交顺序依次占用余额，结果与按顺序逐个检查完全一致
// 版本V的结算必须在版本V上所有的调度请求提交之后才能到达
type BalanceWithdrawScheduler interface {
	service.Service

	// ScheduleWithdraws 结果按输入顺序写入返回的channel，全部写完后channel关闭
	// 接收方可以丢弃channel，调度不会因此阻塞
	ScheduleWithdraws(version types.Version, withdraws []*TxBalanceWithdraw) <-chan ScheduleResult
	// SettleBalances 推进结算版本，重复或更旧的结算被忽略
	SettleBalances(settlement *types.BalanceSettlement)
	LastSettledVersion() types.Version
	Metric() metric.MetricItem
}

// NewScheduler 按照策略名称创建调度器，startVersion是reader上已经结算的版本
func NewScheduler(strategy string, reader AccountBalanceRead, startVersion types.Version) (BalanceWithdrawScheduler, error) {
	switch strategy {
	case StrategyNaive:
		return NewNaiveScheduler(reader, startVersion), nil
	case StrategyEager:
		return NewEagerScheduler(reader, startVersion), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

// baseScheduler 两种策略共用的队列、版本广播和重放检查
type baseScheduler struct {
	service.BaseService

	reader AccountBalanceRead
	watch  *versionWatch
	replay *replayTable
	queue  *batchQueue
	metric *schedulerMetric

	process func(*withdrawBatch) bool
	// worker等待结算版本时监听，OnStop时关闭
	stopCh chan struct{}
}

func newBaseScheduler(strategy string, reader AccountBalanceRead, startVersion types.Version) baseScheduler {
	sm := newSchedulerMetric(strategy)
	sm.markSettled(startVersion)
	return baseScheduler{
		reader: reader,
		watch:  newVersionWatch(startVersion),
		replay: newReplayTable(),
		queue:  newBatchQueue(),
		metric: sm,
		stopCh: make(chan struct{}),
	}
}

func (bs *baseScheduler) OnStart() error {
	go bs.queue.run(bs.processBatch, bs.stopCh, bs.Logger)
	bs.Logger.Info("withdraw scheduler started", "settled", bs.watch.Load())
	return nil
}

func (bs *baseScheduler) OnStop() {
	close(bs.stopCh)
	<-bs.queue.workerDone
	if n := bs.queue.drain(); n > 0 {
		bs.Logger.Info("closed unfinished withdraw batches", "batches", n)
	}
	bs.metric.markQueued(0)
	bs.Logger.Info("withdraw scheduler stopped.")
}

func (bs *baseScheduler) ScheduleWithdraws(version types.Version, withdraws []*TxBalanceWithdraw) <-chan ScheduleResult {
	batch := newWithdrawBatch(version, withdraws)
	if len(withdraws) == 0 {
		batch.close()
		return batch.results
	}
	if !bs.IsRunning() || !bs.queue.push(batch) {
		bs.Logger.Error("schedule withdraws on a stopped scheduler", "version", version, "withdraws", len(withdraws))
		batch.close()
		return batch.results
	}
	bs.metric.markQueued(bs.queue.Len())
	return batch.results
}

func (bs *baseScheduler) LastSettledVersion() types.Version {
	return bs.watch.Load()
}

func (bs *baseScheduler) Metric() metric.MetricItem {
	return bs.metric
}

func (bs *baseScheduler) processBatch(batch *withdrawBatch) bool {
	if !bs.process(batch) {
		return false
	}
	batch.close()
	bs.metric.markBatchDone(batch.submitted)
	bs.metric.markQueued(bs.queue.Len() - 1)
	return true
}

// sendResult 写入一个结果，SufficientBalance和InsufficientBalance会记录到重放表
func (bs *baseScheduler) sendResult(batch *withdrawBatch, status ScheduleStatus, speculative bool) {
	if status == SufficientBalance || status == InsufficientBalance {
		bs.replay.Record(batch.version, batch.next().TxDigest)
	}
	bs.metric.markResult(status, speculative)
	batch.send(status)
}

// finishBatch 剩余的请求都是AlreadyExecuted
func (bs *baseScheduler) finishBatch(batch *withdrawBatch) {
	for !batch.done() {
		bs.metric.markResult(AlreadyExecuted, false)
		batch.send(AlreadyExecuted)
	}
}

// precheck 不依赖余额就能确定的结果
func (bs *baseScheduler) precheck(version types.Version, w *TxBalanceWithdraw) (ScheduleStatus, bool) {
	if err := w.ValidateBasic(); err != nil {
		bs.Logger.Debug("invalid withdraw", "version", version, "err", err)
		return InvalidWithdraw, true
	}
	if bs.replay.Seen(version, w.TxDigest) {
		return AlreadyExecuted, true
	}
	return 0, false
}

// balanceView 某个版本上账户的剩余余额
type balanceView func(account types.AccountID) *uint256.Int

// checkReservations 所有账户都满足时返回true
func checkReservations(w *TxBalanceWithdraw, accounts []types.AccountID, remaining balanceView) bool {
	for _, account := range accounts {
		if !w.Reservations[account].feasible(remaining(account)) {
			return false
		}
	}
	return true
}
