package node

import (
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dagbft/config"
	"dagbft/consensus"
	"dagbft/scheduler"
	"dagbft/types"
)

func newTestNode(t *testing.T, configure func(*cfg.Config)) *Node {
	config := cfg.TestConfig()
	if configure != nil {
		configure(config)
	}
	n, err := NewNode(config, log.TestingLogger())
	require.NoError(t, err)
	return n
}

func TestLocalCommitteeMatchesTestCommittee(t *testing.T) {
	committee, privVals := LocalCommittee(4)
	testCommittee, _ := types.NewCommitteeForTest(4)
	require.Len(t, privVals, 4)
	for i, pv := range privVals {
		assert.Equal(t, types.AuthorityIndex(i), pv.Authority())
		assert.True(t, testCommittee.Authorities[i].PubKey.Equal(committee.Authorities[i].PubKey))
	}
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	n := newTestNode(t, nil)
	require.NoError(t, n.Start())
	assert.True(t, n.Core().IsRunning())
	assert.True(t, n.Scheduler().IsRunning())
	assert.ElementsMatch(t, []string{MetricLabelConsensus, MetricLabelScheduler, MetricLabelDag}, n.MetricSet().GetAlllabels())
	require.NoError(t, n.Stop())
	assert.False(t, n.Scheduler().IsRunning())
}

func TestNodeCommitsSignedBlocks(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	n := newTestNode(t, func(config *cfg.Config) { config.Consensus.GCDepth = 2 })
	require.NoError(t, n.Start())
	defer func() { require.NoError(t, n.Stop()) }()

	refs := make([]types.BlockRef, 0, 4)
	for _, genesis := range types.GenesisBlocks(n.Committee()) {
		refs = append(refs, genesis.Reference())
	}
	for round := types.Round(1); round <= 7; round++ {
		layer := make([]*types.Block, 0, len(refs))
		for _, pv := range n.PrivValidators() {
			block := types.NewBlock(round, pv.Authority(), int64(round)*1000, refs, nil)
			require.NoError(t, pv.SignBlock(block))
			layer = append(layer, block)
		}
		n.Core().SendMessage(&consensus.BlocksMessage{Blocks: layer}, "test")
		refs = refs[:0]
		for _, block := range layer {
			refs = append(refs, block.Reference())
		}
	}

	require.Eventually(t, func() bool {
		return n.Core().LastDecided().Round >= 3 && n.DagState().GCRound() >= 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.NewSlot(3, 3), n.Core().Commits()[0].Leader.Slot())
	assert.Eventually(t, func() bool {
		return strings.Contains(n.MetricSet().GetMetrics(MetricLabelDag).JSONString(), `"highest_accepted_round":7`)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNodeScheduleAndSettle(t *testing.T) {
	for _, strategy := range []string{scheduler.StrategyNaive, scheduler.StrategyEager} {
		strategy := strategy
		t.Run(strategy, func(t *testing.T) {
			n := newTestNode(t, func(config *cfg.Config) { config.Scheduler.Strategy = strategy })
			require.NoError(t, n.Balances().InitAccount("alice", *uint256.NewInt(100)))
			require.NoError(t, n.Start())
			defer func() { require.NoError(t, n.Stop()) }()

			withdraw := scheduler.NewTxBalanceWithdraw(types.Digest{1}, map[types.AccountID]scheduler.Reservation{
				"alice": scheduler.NewMaxAmountReservation(80),
			})
			res := <-n.Scheduler().ScheduleWithdraws(0, []*scheduler.TxBalanceWithdraw{withdraw})
			assert.Equal(t, scheduler.SufficientBalance, res.Status)

			settlement := types.NewBalanceSettlement(1)
			settlement.AddChange("alice", types.NewDelta(-80))
			require.NoError(t, n.SettleBalances(settlement))
			assert.Equal(t, types.Version(1), n.Scheduler().LastSettledVersion())

			bal, err := n.Balances().Balance("alice", 1)
			require.NoError(t, err)
			assert.Equal(t, uint64(20), bal.Uint64())

			second := scheduler.NewTxBalanceWithdraw(types.Digest{2}, map[types.AccountID]scheduler.Reservation{
				"alice": scheduler.NewMaxAmountReservation(21),
			})
			res = <-n.Scheduler().ScheduleWithdraws(1, []*scheduler.TxBalanceWithdraw{second})
			assert.Equal(t, scheduler.InsufficientBalance, res.Status)
		})
	}
}

func TestNewNodeInvalidConfig(t *testing.T) {
	config := cfg.TestConfig()
	config.Scheduler.Strategy = "optimistic"
	_, err := NewNode(config, log.TestingLogger())
	assert.Error(t, err)
}

func TestDefaultDBProvider(t *testing.T) {
	config := cfg.TestConfig()
	config.SetRoot(t.TempDir())

	db, err := DefaultDBProvider(&DBContext{ID: "dag", Config: config})
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("k"), []byte("v")))
	require.NoError(t, db.Close())

	config.DBBackend = cfg.DBBackendGoLevelDB
	db, err = DefaultDBProvider(&DBContext{ID: "dag", Config: config})
	require.NoError(t, err)
	require.NoError(t, db.Set([]byte("k"), []byte("v")))
	bz, err := db.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), bz)
	require.NoError(t, db.Close())

	config.DBBackend = "rocksdb"
	_, err = DefaultDBProvider(&DBContext{ID: "dag", Config: config})
	assert.Error(t, err)
}
