package consensus

import (
	"testing"

	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tm-db/memdb"

	"dagbft/store"
	"dagbft/types"
)

type testSetup struct {
	committee *types.Committee
	signers   []*types.BlockSigner
	dagStore  *store.DagState
	committer *UniversalCommitter
}

// basicTestSetup 4个stake相同的authority，不开启流水线，每轮一个leader
func basicTestSetup(t *testing.T) *testSetup {
	return newTestSetup(t, 4, func(b *UniversalCommitterBuilder) *UniversalCommitterBuilder { return b })
}

// pipelinedTestSetup 每一轮都是某个committer的leader轮
func pipelinedTestSetup(t *testing.T) *testSetup {
	ts := newTestSetup(t, 4, func(b *UniversalCommitterBuilder) *UniversalCommitterBuilder {
		return b.WithPipeline(true)
	})
	require.Len(t, ts.committer.Committers(), 3)
	return ts
}

func newTestSetup(t *testing.T, n int, configure func(*UniversalCommitterBuilder) *UniversalCommitterBuilder) *testSetup {
	committee, signers := types.NewCommitteeForTest(n)
	dagStore := newTestDagStore(t, committee)

	builder := NewUniversalCommitterBuilder(committee, NewRoundRobinLeaderSchedule(committee), dagStore)
	committer, err := configure(builder).Build()
	require.NoError(t, err)
	committer.SetLogger(log.TestingLogger())

	return &testSetup{
		committee: committee,
		signers:   signers,
		dagStore:  dagStore,
		committer: committer,
	}
}

func newTestDagStore(t *testing.T, committee *types.Committee) *store.DagState {
	dagStore, err := store.NewDagState(memdb.NewDB(), committee)
	require.NoError(t, err)
	dagStore.SetLogger(log.TestingLogger())
	return dagStore
}

// consensusLogger is a TestingLogger which uses a different
// color for each authority ("authority" key must exist).
func consensusLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "authority" {
				if index, ok := keyvals[i+1].(types.AuthorityIndex); ok {
					return term.FgBgColor{Fg: term.Color(uint8(index%8) + 1)}
				}
			}
		}
		return term.FgBgColor{}
	})
}

func genesisRefs(committee *types.Committee) []types.BlockRef {
	return refsOf(types.GenesisBlocks(committee))
}

func refsOf(blocks []*types.VerifiedBlock) []types.BlockRef {
	refs := make([]types.BlockRef, 0, len(blocks))
	for _, b := range blocks {
		refs = append(refs, b.Reference())
	}
	return refs
}

func withoutAuthor(refs []types.BlockRef, author types.AuthorityIndex) []types.BlockRef {
	var out []types.BlockRef
	for _, ref := range refs {
		if ref.Author != author {
			out = append(out, ref)
		}
	}
	return out
}

// makeDagLayers 在内存中构建全连接的轮次 (ancestors的下一轮 .. stop)，不写入store。
// ancestors为nil时从genesis开始。
func makeDagLayers(committee *types.Committee, ancestors []types.BlockRef, stop types.Round) [][]*types.VerifiedBlock {
	refs := ancestors
	start := types.Round(1)
	if refs == nil {
		refs = genesisRefs(committee)
	} else {
		start = refs[0].Round + 1
	}

	var layers [][]*types.VerifiedBlock
	for round := start; round <= stop; round++ {
		layer := make([]*types.VerifiedBlock, 0, committee.Size())
		for _, authority := range committee.Authorities {
			layer = append(layer, types.NewTestBlock(round, authority.Index).SetAncestors(refs).Build())
		}
		layers = append(layers, layer)
		refs = refsOf(layer)
	}
	return layers
}

// buildDag 构建全连接的轮次并写入store，返回最后一轮的引用
func buildDag(t *testing.T, ts *testSetup, ancestors []types.BlockRef, stop types.Round) []types.BlockRef {
	refs := ancestors
	if refs == nil {
		refs = genesisRefs(ts.committee)
	}
	for _, layer := range makeDagLayers(ts.committee, ancestors, stop) {
		require.NoError(t, ts.dagStore.AcceptBlocks(layer))
		refs = refsOf(layer)
	}
	return refs
}

type connection struct {
	author    types.AuthorityIndex
	ancestors []types.BlockRef
}

// buildDagLayer 按给定的连接构建一轮，轮次为祖先的最高轮次+1
func buildDagLayer(t *testing.T, ts *testSetup, connections []connection) []types.BlockRef {
	var blocks []*types.VerifiedBlock
	for _, c := range connections {
		var round types.Round
		for _, ancestor := range c.ancestors {
			if ancestor.Round+1 > round {
				round = ancestor.Round + 1
			}
		}
		blocks = append(blocks, types.NewTestBlock(round, c.author).SetAncestors(c.ancestors).Build())
	}
	require.NoError(t, ts.dagStore.AcceptBlocks(blocks))
	return refsOf(blocks)
}

// authorities 返回前n个(或跳过前n个)authority的下标
func firstAuthorities(committee *types.Committee, n int) []types.AuthorityIndex {
	var out []types.AuthorityIndex
	for _, a := range committee.Authorities[:n] {
		out = append(out, a.Index)
	}
	return out
}

func skipAuthorities(committee *types.Committee, n int) []types.AuthorityIndex {
	var out []types.AuthorityIndex
	for _, a := range committee.Authorities[n:] {
		out = append(out, a.Index)
	}
	return out
}

func connect(authors []types.AuthorityIndex, ancestors []types.BlockRef) []connection {
	connections := make([]connection, 0, len(authors))
	for _, author := range authors {
		connections = append(connections, connection{author: author, ancestors: ancestors})
	}
	return connections
}

func requireCommit(t *testing.T, status types.LeaderStatus, round types.Round, author types.AuthorityIndex) {
	t.Helper()
	require.Equal(t, types.Commit, status.Kind, "expected a committed leader, got %v", status)
	require.Equal(t, round, status.Block.Round())
	require.Equal(t, author, status.Block.Author())
}

func requireSkip(t *testing.T, status types.LeaderStatus, round types.Round, author types.AuthorityIndex) {
	t.Helper()
	require.Equal(t, types.Skip, status.Kind, "expected a skipped leader, got %v", status)
	require.Equal(t, types.NewSlot(round, author), status.Slot)
}
