package scheduler

import (
	"fmt"
	"sync"

	"github.com/holiman/uint256"
	"github.com/tendermint/tendermint/libs/service"

	"dagbft/types"
)

// NaiveScheduler 等到版本V结算之后，再按顺序用V上的实际余额逐个检查
type NaiveScheduler struct {
	baseScheduler

	// 保护working，worker写入，SettleBalances检查后清空
	mtx            sync.Mutex
	workingVersion types.Version
	// 读取到的余额和扣除预留之后的剩余余额
	base    map[types.AccountID]uint256.Int
	working map[types.AccountID]*uint256.Int
}

var _ BalanceWithdrawScheduler = (*NaiveScheduler)(nil)

func NewNaiveScheduler(reader AccountBalanceRead, startVersion types.Version) *NaiveScheduler {
	s := &NaiveScheduler{
		baseScheduler: newBaseScheduler(StrategyNaive, reader, startVersion),
	}
	s.BaseService = *service.NewBaseService(nil, "NaiveScheduler", s)
	s.process = s.schedule
	return s
}

func (s *NaiveScheduler) schedule(batch *withdrawBatch) bool {
	settled, ok := s.watch.WaitFor(batch.version, s.stopCh)
	if !ok {
		return false
	}
	if settled > batch.version {
		s.Logger.Debug("withdraws on a settled version", "version", batch.version, "settled", settled)
		s.finishBatch(batch)
		return true
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()
	// WaitFor返回之后结算可能又推进了
	if settled := s.watch.Load(); settled > batch.version {
		s.finishBatch(batch)
		return true
	}
	if s.working == nil || s.workingVersion != batch.version {
		s.workingVersion = batch.version
		s.base = make(map[types.AccountID]uint256.Int)
		s.working = make(map[types.AccountID]*uint256.Int)
	}
	for !batch.done() {
		s.sendResult(batch, s.evaluate(batch.version, batch.next()), false)
	}
	return true
}

func (s *NaiveScheduler) evaluate(version types.Version, w *TxBalanceWithdraw) ScheduleStatus {
	if status, ok := s.precheck(version, w); ok {
		return status
	}
	accounts := w.Accounts()
	if !checkReservations(w, accounts, s.balance) {
		return InsufficientBalance
	}
	for _, account := range accounts {
		w.Reservations[account].apply(s.balance(account))
	}
	return SufficientBalance
}

// balance 每个账户在一个版本上只读取一次
func (s *NaiveScheduler) balance(account types.AccountID) *uint256.Int {
	if bal, ok := s.working[account]; ok {
		return bal
	}
	bal := s.reader.GetAccountBalance(account, s.workingVersion)
	s.base[account] = bal
	s.working[account] = &bal
	return &bal
}

// SettleBalances 实际余额由reader提供，这里推进版本，并检查结算没有超出已经通过的预留
func (s *NaiveScheduler) SettleBalances(settlement *types.BalanceSettlement) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	next := settlement.NextVersion
	if settled := s.watch.Load(); next <= settled {
		s.Logger.Debug("ignore stale settlement", "next", next, "settled", settled)
		return
	}
	if s.working != nil && s.workingVersion < next {
		s.checkSettlement(settlement)
		s.base, s.working = nil, nil
	}
	s.watch.Advance(next)
	s.replay.Prune(next)
	s.metric.markSettled(settlement.NextVersion)
	s.Logger.Debug("settled balances", "version", settlement.NextVersion, "accounts", len(settlement.BalanceChanges))
}

// checkSettlement 结算后的余额不能低于workingVersion上扣除预留之后的剩余余额
func (s *NaiveScheduler) checkSettlement(settlement *types.BalanceSettlement) {
	for account, remaining := range s.working {
		delta := settlement.BalanceChanges[account]
		prev := s.base[account]
		actual, ok := types.ApplyDelta(prev, delta)
		if !ok {
			panic(fmt.Sprintf("negative balance for %s at version %d: %s %s",
				account, settlement.NextVersion, prev.Dec(), types.DeltaString(&delta)))
		}
		if actual.Lt(remaining) {
			panic(fmt.Sprintf("accounting imbalance for %s at version %d: balance %s below reserved floor %s",
				account, settlement.NextVersion, actual.Dec(), remaining.Dec()))
		}
	}
}
