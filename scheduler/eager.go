package scheduler

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/tendermint/tendermint/libs/service"

	"dagbft/types"
)

// reservationEffect 一个版本上对某个账户的全部预留
type reservationEffect struct {
	amount uint256.Int
	entire bool
}

func (e *reservationEffect) add(r Reservation) {
	if r.Kind == EntireBalance {
		e.entire = true
		return
	}
	e.amount.Add(&e.amount, uint256.NewInt(r.Amount))
}

// applyTo 从remaining中扣除，不足时为0
func (e *reservationEffect) applyTo(remaining *uint256.Int) {
	if e.entire || remaining.Lt(&e.amount) {
		remaining.Clear()
		return
	}
	remaining.Sub(remaining, &e.amount)
}

// EagerScheduler 不等待结算，直接用最近结算的余额减去之后所有版本上的预留作为下界
// 下界能满足的预留一定能满足，只有下界不够时才等待该版本结算后再精确判断
type EagerScheduler struct {
	baseScheduler

	mtx sync.Mutex
	// 最近结算的版本
	settled types.Version
	// 已经开始处理的最高版本，更低版本的请求都是AlreadyExecuted
	frontier types.Version
	// settled版本上的实际余额，按需读取
	base map[types.AccountID]uint256.Int
	// 不低于settled的各版本上已经确定满足的预留，pendingVersions升序
	pending         map[types.Version]map[types.AccountID]*reservationEffect
	pendingVersions []types.Version
}

var _ BalanceWithdrawScheduler = (*EagerScheduler)(nil)

func NewEagerScheduler(reader AccountBalanceRead, startVersion types.Version) *EagerScheduler {
	s := &EagerScheduler{
		baseScheduler: newBaseScheduler(StrategyEager, reader, startVersion),
		settled:       startVersion,
		frontier:      startVersion,
		base:          make(map[types.AccountID]uint256.Int),
		pending:       make(map[types.Version]map[types.AccountID]*reservationEffect),
	}
	s.BaseService = *service.NewBaseService(nil, "EagerScheduler", s)
	s.process = s.schedule
	return s
}

func (s *EagerScheduler) schedule(batch *withdrawBatch) bool {
	s.mtx.Lock()
	if batch.version < s.settled || batch.version < s.frontier {
		s.Logger.Debug("withdraws behind the frontier", "version", batch.version,
			"frontier", s.frontier, "settled", s.settled)
		s.mtx.Unlock()
		s.finishBatch(batch)
		return true
	}
	if batch.version > s.frontier {
		s.frontier = batch.version
	}

	for !batch.done() {
		status, certain := s.evaluate(batch.version, batch.next())
		if certain {
			s.sendResult(batch, status, batch.version > s.settled)
			continue
		}

		// 下界不足以判断，等待版本结算后精确判断
		s.mtx.Unlock()
		if _, ok := s.watch.WaitFor(batch.version, s.stopCh); !ok {
			return false
		}
		s.mtx.Lock()
		if s.settled > batch.version {
			s.Logger.Error("version settled before its withdraws were scheduled",
				"version", batch.version, "settled", s.settled, "remaining", len(batch.withdraws)-batch.sent)
			s.mtx.Unlock()
			s.finishBatch(batch)
			return true
		}
	}
	s.mtx.Unlock()
	return true
}

// evaluate 调用时持有mtx，certain为false表示结果取决于还未结算的版本
func (s *EagerScheduler) evaluate(version types.Version, w *TxBalanceWithdraw) (ScheduleStatus, bool) {
	if status, ok := s.precheck(version, w); ok {
		return status, true
	}
	accounts := w.Accounts()
	remaining := func(account types.AccountID) *uint256.Int {
		bal := s.remaining(account, version)
		return &bal
	}
	if !checkReservations(w, accounts, remaining) {
		if version == s.settled {
			return InsufficientBalance, true
		}
		return 0, false
	}

	effects, ok := s.pending[version]
	if !ok {
		effects = make(map[types.AccountID]*reservationEffect)
		s.pending[version] = effects
		s.pendingVersions = append(s.pendingVersions, version)
	}
	for _, account := range accounts {
		effect, ok := effects[account]
		if !ok {
			effect = &reservationEffect{}
			effects[account] = effect
		}
		effect.add(w.Reservations[account])
	}
	return SufficientBalance, true
}

func (s *EagerScheduler) baseBalance(account types.AccountID) uint256.Int {
	bal, ok := s.base[account]
	if !ok {
		bal = s.reader.GetAccountBalance(account, s.settled)
		s.base[account] = bal
	}
	return bal
}

// remaining 版本不超过upTo的所有预留之后剩余余额的下界，upTo等于settled时是精确值
func (s *EagerScheduler) remaining(account types.AccountID, upTo types.Version) uint256.Int {
	bal := s.baseBalance(account)
	for _, version := range s.pendingVersions {
		if version > upTo {
			break
		}
		if effect, ok := s.pending[version][account]; ok {
			effect.applyTo(&bal)
		}
	}
	return bal
}

// SettleBalances 把变化量应用到缓存的余额上
// 余额为负或者扣减超过已经确定的预留，说明执行结果与调度结果不一致，直接panic
func (s *EagerScheduler) SettleBalances(settlement *types.BalanceSettlement) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	next := settlement.NextVersion
	if next <= s.settled {
		s.Logger.Debug("ignore stale settlement", "next", next, "settled", s.settled)
		return
	}

	updated := make(map[types.AccountID]uint256.Int, len(settlement.BalanceChanges))
	for _, account := range settlement.Accounts() {
		delta := settlement.BalanceChanges[account]
		prev := s.baseBalance(account)
		actual, ok := types.ApplyDelta(prev, delta)
		if !ok {
			panic(fmt.Sprintf("negative balance for %s at version %d: %s %s",
				account, next, prev.Dec(), types.DeltaString(&delta)))
		}
		if floor := s.remaining(account, next-1); actual.Lt(&floor) {
			panic(fmt.Sprintf("accounting imbalance for %s at version %d: balance %s below reserved floor %s",
				account, next, actual.Dec(), floor.Dec()))
		}
		updated[account] = actual
	}
	for account, actual := range updated {
		s.base[account] = actual
	}

	kept := s.pendingVersions[:0]
	for _, version := range s.pendingVersions {
		if version < next {
			delete(s.pending, version)
			continue
		}
		kept = append(kept, version)
	}
	s.pendingVersions = kept
	s.settled = next

	s.replay.Prune(next)
	s.metric.markSettled(next)
	s.watch.Advance(next)
	s.Logger.Debug("settled balances", "version", next, "accounts", len(settlement.BalanceChanges))
}
