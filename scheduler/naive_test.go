package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/types"
)

func TestNaiveSettlementImbalancePanics(t *testing.T) {
	bs := newTestBalanceStore(t, map[types.AccountID]uint64{"alice": 100, "bob": 30})
	s := NewNaiveScheduler(bs, 0)
	require.NoError(t, s.Start())
	defer stopScheduler(t, s)

	results := collect(t, s.ScheduleWithdraws(0, []*TxBalanceWithdraw{
		maxAmount(1, "alice", 60),
		entireBalance(2, "bob"),
	}))
	assert.Equal(t, []ScheduleStatus{SufficientBalance, SufficientBalance}, statusesOf(results))

	// 只预留了60，却扣减了100
	overdraw := types.NewBalanceSettlement(1)
	overdraw.AddChange("alice", types.NewDelta(-100))
	assert.Panics(t, func() { s.SettleBalances(overdraw) })

	negative := types.NewBalanceSettlement(1)
	negative.AddChange("bob", types.NewDelta(-31))
	assert.Panics(t, func() { s.SettleBalances(negative) })

	assert.Equal(t, types.Version(0), s.LastSettledVersion())

	// 扣减不超过预留
	settlement := types.NewBalanceSettlement(1)
	settlement.AddChange("alice", types.NewDelta(-60))
	settlement.AddChange("bob", types.NewDelta(-30))
	assert.NotPanics(t, func() { s.SettleBalances(settlement) })
	assert.Equal(t, types.Version(1), s.LastSettledVersion())
}
