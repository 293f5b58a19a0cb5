package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/types"
)

func TestNewSchedulerUnknownStrategy(t *testing.T) {
	_, err := NewScheduler("optimistic", nil, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownStrategy))
}

func TestScheduleSequentialWithdraws(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			defer leaktest.CheckTimeout(t, 5*time.Second)()

			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 1000})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
				maxAmount(1, "alice", 500),
				maxAmount(2, "alice", 400),
				maxAmount(3, "alice", 200),
			}))
			require.Len(t, results, 3)
			assert.Equal(t, []ScheduleStatus{SufficientBalance, SufficientBalance, InsufficientBalance}, statusesOf(results))
			assert.Equal(t, testDigest(1), results[0].TxDigest)
			assert.Equal(t, testDigest(3), results[2].TxDigest)

			settle(t, bs, s, 1, map[types.AccountID]int64{"alice": -900})
			assert.Equal(t, types.Version(1), s.LastSettledVersion())

			results = collect(t, s.ScheduleWithdraws(1, []*TxBalanceWithdraw{maxAmount(4, "alice", 100)}))
			assert.Equal(t, []ScheduleStatus{SufficientBalance}, statusesOf(results))
		})
	}
}

func TestScheduleEntireBalance(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			defer leaktest.CheckTimeout(t, 5*time.Second)()

			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 10})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
				entireBalance(1, "alice"),
				entireBalance(2, "alice"),
				maxAmount(3, "alice", 1),
				// 没有初始化的账户余额为0
				entireBalance(4, "bob"),
			}))
			assert.Equal(t, []ScheduleStatus{
				SufficientBalance, InsufficientBalance, InsufficientBalance, InsufficientBalance,
			}, statusesOf(results))
		})
	}
}

func TestScheduleMultiAccountAllOrNothing(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 100, "bob": 50})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			both := func(i int, a, b uint64) *TxBalanceWithdraw {
				return NewTxBalanceWithdraw(testDigest(i), map[types.AccountID]Reservation{
					"alice": NewMaxAmountReservation(a),
					"bob":   NewMaxAmountReservation(b),
				})
			}
			results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
				both(1, 60, 60), // bob不足，alice也不扣减
				both(2, 100, 50),
				maxAmount(3, "alice", 1),
			}))
			assert.Equal(t, []ScheduleStatus{
				InsufficientBalance, SufficientBalance, InsufficientBalance,
			}, statusesOf(results))
		})
	}
}

func TestScheduleReplay(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 1000})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{maxAmount(1, "alice", 100)}))
			assert.Equal(t, []ScheduleStatus{SufficientBalance}, statusesOf(results))

			// 同一个(交易, 版本)再次提交，也不会再占用余额
			results = collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
				maxAmount(1, "alice", 100),
				maxAmount(2, "alice", 900),
			}))
			assert.Equal(t, []ScheduleStatus{AlreadyExecuted, SufficientBalance}, statusesOf(results))

			// 批内重复
			results = collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
				maxAmount(3, "alice", 1),
				maxAmount(3, "alice", 1),
			}))
			assert.Equal(t, []ScheduleStatus{InsufficientBalance, AlreadyExecuted}, statusesOf(results))

			settle(t, bs, s, 1, map[types.AccountID]int64{"alice": -1000})

			// 已经结算的版本
			results = collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{maxAmount(4, "alice", 1)}))
			assert.Equal(t, []ScheduleStatus{AlreadyExecuted}, statusesOf(results))
		})
	}
}

func TestScheduleInvalidWithdraw(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 10})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
				maxAmount(1, "alice", 0),
				NewTxBalanceWithdraw(testDigest(2), nil),
				nil,
				maxAmount(4, "alice", 10),
			}))
			assert.Equal(t, []ScheduleStatus{
				InvalidWithdraw, InvalidWithdraw, InvalidWithdraw, SufficientBalance,
			}, statusesOf(results))
			assert.Contains(t, s.Metric().JSONString(), `"invalid":3`)
		})
	}
}

func TestScheduleStaleSettlementIgnored(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 100})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{maxAmount(1, "alice", 40)}))
			settlement := settle(t, bs, s, 1, map[types.AccountID]int64{"alice": -40})

			// 重复结算不会再次扣减
			s.SettleBalances(settlement)
			s.SettleBalances(types.NewBalanceSettlement(0))
			assert.Equal(t, types.Version(1), s.LastSettledVersion())

			results := collect(t, s.ScheduleWithdraws(1, []*TxBalanceWithdraw{
				maxAmount(2, "alice", 60),
				maxAmount(3, "alice", 1),
			}))
			assert.Equal(t, []ScheduleStatus{SufficientBalance, InsufficientBalance}, statusesOf(results))
		})
	}
}

func TestScheduleReadsBalanceOncePerVersion(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 100})
			reader := newCountingReader(bs)
			s := startScheduler(t, strategy, reader, 0)
			defer stopScheduler(t, s)

			for i := 0; i < 3; i++ {
				collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{maxAmount(i, "alice", 10)}))
			}
			assert.Equal(t, 1, reader.Reads("alice", 0))
		})
	}
}

func TestScheduleDroppedReceiver(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			defer leaktest.CheckTimeout(t, 5*time.Second)()

			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 1000})
			s := startScheduler(t, strategy, bs, 0)
			defer stopScheduler(t, s)

			// 结果没有人读取
			for i := 0; i < 50; i++ {
				s.ScheduleWithdraws(0, []*TxBalanceWithdraw{maxAmount(i, "alice", 1), maxAmount(1000+i, "alice", 1)})
			}
			results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{maxAmount(5000, "alice", 900)}))
			assert.Equal(t, []ScheduleStatus{SufficientBalance}, statusesOf(results))
		})
	}
}

func TestScheduleEmptyBatch(t *testing.T) {
	bs := newTestBalanceStore(t, nil)
	s := startScheduler(t, StrategyNaive, bs, 0)
	defer stopScheduler(t, s)

	results := collect(t, s.ScheduleWithdraws(3, nil))
	assert.Empty(t, results)
}

func TestSchedulerStopClosesPendingBatches(t *testing.T) {
	for _, strategy := range strategies {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			defer leaktest.CheckTimeout(t, 5*time.Second)()

			bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 10})
			s := startScheduler(t, strategy, bs, 0)

			// 版本5还没有结算，并且下界不足以判断
			pending := s.ScheduleWithdraws(5, []*TxBalanceWithdraw{maxAmount(1, "alice", 100)})
			queued := s.ScheduleWithdraws(5, []*TxBalanceWithdraw{maxAmount(2, "alice", 1)})

			_, done := collectTimeout(pending, 50*time.Millisecond)
			assert.False(t, done)

			stopScheduler(t, s)
			results := collect(t, pending)
			assert.Empty(t, results)
			collect(t, queued)

			// 停止之后提交的请求直接关闭
			results = collect(t, s.ScheduleWithdraws(5, []*TxBalanceWithdraw{maxAmount(3, "alice", 1)}))
			assert.Empty(t, results)
		})
	}
}

func TestSchedulerMetric(t *testing.T) {
	bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 10})
	s := startScheduler(t, StrategyEager, bs, 0)
	defer stopScheduler(t, s)

	collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
		maxAmount(1, "alice", 5),
		maxAmount(2, "alice", 5),
		maxAmount(3, "alice", 5),
	}))
	settle(t, bs, s, 1, map[types.AccountID]int64{"alice": -10})

	js := s.Metric().JSONString()
	assert.Contains(t, js, `"strategy":"eager"`)
	assert.Contains(t, js, `"sufficient":2`)
	assert.Contains(t, js, `"insufficient":1`)
	assert.Contains(t, js, `"settled_version":1`)
}
