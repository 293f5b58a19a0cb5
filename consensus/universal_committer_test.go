package consensus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dagbft/types"
)

// 4个authority，round-robin，wave长度3：wave w 的leader轮为 3w，决定轮为 3w+2

func TestDirectCommit(t *testing.T) {
	ts := basicTestSetup(t)
	buildDag(t, ts, nil, 7)

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 1)

	leaders := ts.committer.GetLeaders(3)
	require.Len(t, leaders, 1)
	requireCommit(t, sequence[0], 3, leaders[0])
	assert.Equal(t, types.DirectDecision, sequence[0].Decision)
}

func TestIdempotence(t *testing.T) {
	ts := basicTestSetup(t)
	refs := buildDag(t, ts, nil, 5)

	first := ts.committer.TryCommit(types.NewSlot(0, 0))
	second := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, first, 1)
	require.Equal(t, first, second)
	requireCommit(t, first[0], 3, 3)

	// 从上次的决定继续
	buildDag(t, ts, refs, 8)
	lastDecided := first[0].Slot
	sequence := ts.committer.TryCommit(lastDecided)
	require.Len(t, sequence, 1)
	requireCommit(t, sequence[0], 6, ts.committer.GetLeaders(6)[0])
}

func TestMultipleDirectCommit(t *testing.T) {
	ts := basicTestSetup(t)
	committer := ts.committer.Committers()[0]

	var refs []types.BlockRef
	lastDecided := types.NewSlot(0, 0)
	for n := uint32(1); n <= 10; n++ {
		refs = buildDag(t, ts, refs, committer.DecisionRound(n))

		sequence := ts.committer.TryCommit(lastDecided)
		require.Len(t, sequence, 1, "wave %d", n)

		leaderRound := committer.LeaderRound(n)
		requireCommit(t, sequence[0], leaderRound, ts.committer.GetLeaders(leaderRound)[0])
		lastDecided = sequence[0].Slot
	}
}

func TestDirectCommitLateCall(t *testing.T) {
	ts := basicTestSetup(t)
	committer := ts.committer.Committers()[0]
	buildDag(t, ts, nil, committer.DecisionRound(10))

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 10)
	for i, status := range sequence {
		leaderRound := committer.LeaderRound(uint32(i + 1))
		requireCommit(t, status, leaderRound, ts.committer.GetLeaders(leaderRound)[0])
	}
}

func TestNoGenesisCommit(t *testing.T) {
	ts := basicTestSetup(t)

	var refs []types.BlockRef
	for r := types.Round(0); r < 3; r++ {
		refs = buildDag(t, ts, refs, r)
		sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
		require.Empty(t, sequence, "round %d", r)
	}
}

func TestDirectSkipNoLeaderVotes(t *testing.T) {
	ts := basicTestSetup(t)
	refs := buildDag(t, ts, nil, 3)
	leader := ts.committer.GetLeaders(3)[0]

	// 第4轮所有区块都不引用leader
	refs = buildDagLayer(t, ts, connect(firstAuthorities(ts.committee, 4), withoutAuthor(refs, leader)))
	buildDag(t, ts, refs, 5)

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 1)
	requireSkip(t, sequence[0], 3, leader)
	assert.Equal(t, types.DirectDecision, sequence[0].Decision)
}

func TestDirectSkipMissingLeaderBlock(t *testing.T) {
	ts := basicTestSetup(t)
	refs := buildDag(t, ts, nil, 2)
	leader := ts.committer.GetLeaders(3)[0]

	var authors []types.AuthorityIndex
	for _, a := range ts.committee.Authorities {
		if a.Index != leader {
			authors = append(authors, a.Index)
		}
	}
	refs = buildDagLayer(t, ts, connect(authors, refs))
	buildDag(t, ts, refs, 5)

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 1)
	requireSkip(t, sequence[0], 3, leader)
}

func TestIndirectCommit(t *testing.T) {
	ts := basicTestSetup(t)

	// 1-3轮全连接，第3轮的leader是D
	refs3 := buildDag(t, ts, nil, 3)
	leader3 := ts.committer.GetLeaders(3)[0]
	require.Equal(t, types.AuthorityIndex(3), leader3)

	// 第4轮: A -> [-D3], B C D -> [*]
	a4 := buildDagLayer(t, ts, []connection{{author: 0, ancestors: withoutAuthor(refs3, leader3)}})
	others4 := buildDagLayer(t, ts, connect(skipAuthorities(ts.committee, 1), refs3))
	refs4 := append(append([]types.BlockRef{}, a4...), others4...)

	// 第5轮: A B -> [*]，C D -> [A4]
	refs5 := buildDagLayer(t, ts, connect(firstAuthorities(ts.committee, 2), refs4))
	refs5 = append(refs5, buildDagLayer(t, ts, connect(skipAuthorities(ts.committee, 2), a4))...)

	// 6-8轮全连接
	buildDag(t, ts, refs5, 8)

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 2)

	requireCommit(t, sequence[0], 3, leader3)
	assert.Equal(t, types.IndirectDecision, sequence[0].Decision)

	requireCommit(t, sequence[1], 6, ts.committer.GetLeaders(6)[0])
	assert.Equal(t, types.DirectDecision, sequence[1].Decision)
}

func TestIndirectSkip(t *testing.T) {
	ts := basicTestSetup(t)
	refs6 := buildDag(t, ts, nil, 6)
	leader6 := ts.committer.GetLeaders(6)[0]

	// 第7轮只有validity个区块引用leader，不足以直接决定
	validity := int(ts.committee.ValidityThreshold())
	refs7 := buildDagLayer(t, ts, connect(firstAuthorities(ts.committee, validity), refs6))
	refs7 = append(refs7, buildDagLayer(t, ts, connect(skipAuthorities(ts.committee, validity), withoutAuthor(refs6, leader6)))...)

	buildDag(t, ts, refs7, 11)

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 3)

	requireCommit(t, sequence[0], 3, ts.committer.GetLeaders(3)[0])
	assert.Equal(t, types.DirectDecision, sequence[0].Decision)

	requireSkip(t, sequence[1], 6, leader6)
	assert.Equal(t, types.IndirectDecision, sequence[1].Decision)

	requireCommit(t, sequence[2], 9, ts.committer.GetLeaders(9)[0])
	assert.Equal(t, types.DirectDecision, sequence[2].Decision)
}

func TestUndecided(t *testing.T) {
	ts := basicTestSetup(t)
	refs3 := buildDag(t, ts, nil, 3)
	leader3 := ts.committer.GetLeaders(3)[0]

	// 第4轮: A -> [*]，B C -> [-D3]，D没有区块
	refs4 := buildDagLayer(t, ts, []connection{{author: 0, ancestors: refs3}})
	refs4 = append(refs4, buildDagLayer(t, ts, connect([]types.AuthorityIndex{1, 2}, withoutAuthor(refs3, leader3)))...)

	buildDag(t, ts, refs4, 5)

	// leader既没有足够的blame也没有足够的支持，之后也没有anchor
	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Empty(t, sequence)
}

func TestByzantineDirectCommit(t *testing.T) {
	ts := basicTestSetup(t)
	refs12 := buildDag(t, ts, nil, 12)
	leader12 := ts.committer.GetLeaders(12)[0]

	// 第13轮: 正常的区块都引用leader
	good13 := buildDagLayer(t, ts, connect(firstAuthorities(ts.committee, 4), refs12))

	// C在第13轮作恶，再提出三个不引用leader的区块
	var byzantine []*types.VerifiedBlock
	for i := 0; i < 3; i++ {
		byzantine = append(byzantine, types.NewTestBlock(13, 2).
			SetAncestors(withoutAuthor(refs12, leader12)).
			SetTxs([][]byte{[]byte(fmt.Sprintf("equivocation-%d", i))}).
			Build())
	}
	require.NoError(t, ts.dagStore.AcceptBlocks(byzantine))
	require.Len(t, ts.dagStore.BlocksAtSlot(types.NewSlot(13, 2)), 4)

	// 第14轮: A 引用正常的区块，B C D 各自引用一个作恶的C13
	buildDagLayer(t, ts, []connection{{author: 0, ancestors: good13}})
	for i, author := range []types.AuthorityIndex{1, 2, 3} {
		ancestors := append(withoutAuthor(good13, 2), byzantine[i].Reference())
		buildDagLayer(t, ts, []connection{{author: author, ancestors: ancestors}})
	}

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 4)
	requireCommit(t, sequence[3], 12, leader12)
	assert.Equal(t, types.DirectDecision, sequence[3].Decision)
}

func TestMultipleLeadersPerRound(t *testing.T) {
	ts := newTestSetup(t, 4, func(b *UniversalCommitterBuilder) *UniversalCommitterBuilder {
		return b.WithNumberOfLeaders(2)
	})
	require.Len(t, ts.committer.Committers(), 2)
	require.Equal(t, []types.AuthorityIndex{3, 0}, ts.committer.GetLeaders(3))
	require.Empty(t, ts.committer.GetLeaders(4))

	buildDag(t, ts, nil, 5)

	sequence := ts.committer.TryCommit(types.NewSlot(0, 0))
	require.Len(t, sequence, 2)
	requireCommit(t, sequence[0], 3, 3)
	requireCommit(t, sequence[1], 3, 0)

	// 同一轮的第二个leader之后继续
	require.Empty(t, ts.committer.TryCommit(sequence[1].Slot))
}

func TestTryCommitDeterministic(t *testing.T) {
	build := func() []types.LeaderStatus {
		ts := basicTestSetup(t)
		refs3 := buildDag(t, ts, nil, 3)
		leader3 := ts.committer.GetLeaders(3)[0]
		refs4 := buildDagLayer(t, ts, connect(firstAuthorities(ts.committee, 3), withoutAuthor(refs3, leader3)))
		buildDag(t, ts, refs4, 11)
		return ts.committer.TryCommit(types.NewSlot(0, 0))
	}

	first := build()
	second := build()
	require.NotEmpty(t, first)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Kind, second[i].Kind)
		assert.Equal(t, first[i].Slot, second[i].Slot)
		assert.Equal(t, first[i].Decision, second[i].Decision)
		if first[i].Block != nil {
			assert.Equal(t, first[i].Block.Reference(), second[i].Block.Reference())
		}
	}
	// 前缀里的决定按轮次递增
	for i := 1; i < len(first); i++ {
		assert.True(t, first[i-1].Slot.Less(first[i].Slot))
	}
}

func TestUniversalCommitterBuilderValidation(t *testing.T) {
	committee, _ := types.NewCommitteeForTest(4)
	dagStore := newTestDagStore(t, committee)
	schedule := NewRoundRobinLeaderSchedule(committee)

	_, err := NewUniversalCommitterBuilder(committee, schedule, dagStore).WithWaveLength(2).Build()
	assert.Error(t, err)

	_, err = NewUniversalCommitterBuilder(committee, schedule, dagStore).WithPipelineDepth(4).Build()
	assert.Error(t, err)

	_, err = NewUniversalCommitterBuilder(committee, schedule, dagStore).WithNumberOfLeaders(5).Build()
	assert.Error(t, err)

	uc, err := NewUniversalCommitterBuilder(committee, schedule, dagStore).
		WithWaveLength(5).
		WithPipeline(true).
		WithNumberOfLeaders(2).
		Build()
	require.NoError(t, err)
	require.Len(t, uc.Committers(), 10)

	// 按 (roundOffset, leaderOffset) 排列
	for i, c := range uc.Committers() {
		assert.Equal(t, uint32(i/2), c.Options().RoundOffset)
		assert.Equal(t, uint32(i%2), c.Options().LeaderOffset)
		assert.Equal(t, uint32(5), c.Options().WaveLength)
	}
}
