package scheduler

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"dagbft/store"
	"dagbft/types"
)

var strategies = []string{StrategyNaive, StrategyEager}

func newTestBalanceStore(t *testing.T, balances map[types.AccountID]uint64) *store.BalanceStore {
	bs, err := store.NewBalanceStoreWithDB(memdb.NewDB(), log.TestingLogger())
	require.NoError(t, err)
	for account, balance := range balances {
		require.NoError(t, bs.InitAccount(account, *uint256.NewInt(balance)))
	}
	return bs
}

// countingReader 记录每个(账户, 版本)被读取的次数
type countingReader struct {
	mtx    sync.Mutex
	reader AccountBalanceRead
	reads  map[types.AccountID]map[types.Version]int
}

func newCountingReader(reader AccountBalanceRead) *countingReader {
	return &countingReader{
		reader: reader,
		reads:  make(map[types.AccountID]map[types.Version]int),
	}
}

func (cr *countingReader) GetAccountBalance(account types.AccountID, version types.Version) uint256.Int {
	cr.mtx.Lock()
	if cr.reads[account] == nil {
		cr.reads[account] = make(map[types.Version]int)
	}
	cr.reads[account][version]++
	cr.mtx.Unlock()
	return cr.reader.GetAccountBalance(account, version)
}

func (cr *countingReader) Reads(account types.AccountID, version types.Version) int {
	cr.mtx.Lock()
	defer cr.mtx.Unlock()
	return cr.reads[account][version]
}

func startScheduler(t *testing.T, strategy string, reader AccountBalanceRead, start types.Version) BalanceWithdrawScheduler {
	s, err := NewScheduler(strategy, reader, start)
	require.NoError(t, err)
	s.SetLogger(log.TestingLogger().With("strategy", strategy))
	require.NoError(t, s.Start())
	return s
}

func stopScheduler(t *testing.T, s BalanceWithdrawScheduler) {
	require.NoError(t, s.Stop())
}

func testDigest(i int) types.Digest {
	var d types.Digest
	binary.BigEndian.PutUint64(d[:], uint64(i)+1)
	return d
}

func maxAmount(i int, account types.AccountID, amount uint64) *TxBalanceWithdraw {
	return NewTxBalanceWithdraw(testDigest(i), map[types.AccountID]Reservation{
		account: NewMaxAmountReservation(amount),
	})
}

func entireBalance(i int, account types.AccountID) *TxBalanceWithdraw {
	return NewTxBalanceWithdraw(testDigest(i), map[types.AccountID]Reservation{
		account: NewEntireBalanceReservation(),
	})
}

// collect 读取全部结果，直到channel关闭
func collect(t *testing.T, ch <-chan ScheduleResult) []ScheduleResult {
	results, ok := collectTimeout(ch, 5*time.Second)
	require.True(t, ok, "timed out waiting for schedule results")
	return results
}

func collectTimeout(ch <-chan ScheduleResult, timeout time.Duration) ([]ScheduleResult, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var results []ScheduleResult
	for {
		select {
		case res, ok := <-ch:
			if !ok {
				return results, true
			}
			results = append(results, res)
		case <-timer.C:
			return results, false
		}
	}
}

func statusesOf(results []ScheduleResult) []ScheduleStatus {
	statuses := make([]ScheduleStatus, 0, len(results))
	for _, res := range results {
		statuses = append(statuses, res.Status)
	}
	return statuses
}

// settle 先写入余额存储，再通知调度器
func settle(t *testing.T, bs *store.BalanceStore, s BalanceWithdrawScheduler, next types.Version, changes map[types.AccountID]int64) *types.BalanceSettlement {
	settlement := types.NewBalanceSettlement(next)
	for account, change := range changes {
		settlement.AddChange(account, types.NewDelta(change))
	}
	if bs != nil {
		require.NoError(t, bs.ApplySettlement(settlement))
	}
	s.SettleBalances(settlement)
	return settlement
}
