package types

import (
	"encoding/json"
	"sort"
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockRefOrder(t *testing.T) {
	d1 := Digest{1}
	d2 := Digest{2}
	refs := []BlockRef{
		NewBlockRef(2, 0, d1),
		NewBlockRef(1, 3, d2),
		NewBlockRef(1, 3, d1),
		NewBlockRef(1, 0, d2),
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })

	assert.Equal(t, []BlockRef{
		NewBlockRef(1, 0, d2),
		NewBlockRef(1, 3, d1),
		NewBlockRef(1, 3, d2),
		NewBlockRef(2, 0, d1),
	}, refs)
	assert.Equal(t, 0, refs[0].Compare(refs[0]))
	assert.True(t, NewSlot(1, 3).Less(NewSlot(2, 0)))
}

func TestDigestJSON(t *testing.T) {
	ref := NewBlockRef(3, 1, Digest{0xab, 0xcd})
	bz, err := json.Marshal(ref)
	require.NoError(t, err)

	var decoded BlockRef
	require.NoError(t, json.Unmarshal(bz, &decoded))
	assert.Equal(t, ref, decoded)
	assert.Equal(t, "abcd0000", ref.Digest.String())
}

func TestBlockDigest(t *testing.T) {
	genesis := GenesisBlocks(mustCommittee(t, 4))
	require.Len(t, genesis, 4)

	refs := make([]BlockRef, 0, len(genesis))
	for _, b := range genesis {
		assert.Equal(t, Round(0), b.Round())
		refs = append(refs, b.Reference())
	}

	b1 := NewTestBlock(1, 0).SetAncestors(refs).Build()
	b2 := NewTestBlock(1, 0).SetAncestors(refs).Build()
	b3 := NewTestBlock(1, 0).SetAncestors(refs).SetTxs([][]byte{[]byte("tx")}).Build()

	assert.Equal(t, b1.Digest(), b2.Digest())
	assert.NotEqual(t, b1.Digest(), b3.Digest())
	assert.NoError(t, b1.Block().ValidateBasic())
}

func TestBlockValidateBasic(t *testing.T) {
	ref := NewBlockRef(1, 0, Digest{1})

	b := NewBlock(1, 0, 0, []BlockRef{ref}, nil)
	assert.ErrorIs(t, b.ValidateBasic(), ErrInvalidBlock)

	b = NewBlock(2, 0, 0, []BlockRef{ref, ref}, nil)
	assert.ErrorIs(t, b.ValidateBasic(), ErrInvalidBlock)
}

func TestSignBlock(t *testing.T) {
	committee, signers := NewCommitteeForTest(4)
	block := NewBlock(1, 2, 1000, nil, [][]byte{[]byte("payload")})
	require.NoError(t, signers[2].SignBlock(block))

	assert.NoError(t, VerifySignature(block, committee.GetByIndex(2).PubKey))
	assert.ErrorIs(t, VerifySignature(block, committee.GetByIndex(1).PubKey), ErrInvalidSignature)

	// 修改内容后签名失效
	block.Timestamp++
	assert.ErrorIs(t, VerifySignature(block, committee.GetByIndex(2).PubKey), ErrInvalidSignature)
}

func TestCommitteeThresholds(t *testing.T) {
	committee := mustCommittee(t, 4)
	assert.Equal(t, Stake(4), committee.TotalStake())
	assert.Equal(t, Stake(3), committee.QuorumThreshold())
	assert.Equal(t, Stake(2), committee.ValidityThreshold())
	assert.False(t, committee.IsValidIndex(4))
	assert.Equal(t, Stake(0), committee.Stake(7))

	weighted, _ := NewCommitteeWithStakes([]Stake{1, 2, 3, 4})
	assert.Equal(t, Stake(10), weighted.TotalStake())
	assert.Equal(t, Stake(7), weighted.QuorumThreshold())
	assert.Equal(t, Stake(4), weighted.ValidityThreshold())
}

func TestStakeAggregator(t *testing.T) {
	committee := mustCommittee(t, 4)

	quorum := NewStakeAggregator()
	assert.False(t, quorum.Add(0, committee))
	assert.False(t, quorum.Add(0, committee), "duplicated votes are counted once")
	assert.False(t, quorum.Add(1, committee))
	assert.True(t, quorum.Contains(1))
	assert.False(t, quorum.Contains(3))
	assert.True(t, quorum.Add(3, committee))
	assert.Equal(t, Stake(3), quorum.Stake())
}

func TestDeltaArithmetic(t *testing.T) {
	balance := *uint256.NewInt(1000)

	res, ok := ApplyDelta(balance, NewDelta(-900))
	require.True(t, ok)
	assert.Equal(t, uint64(100), res.Uint64())

	res, ok = ApplyDelta(res, NewDelta(50))
	require.True(t, ok)
	assert.Equal(t, uint64(150), res.Uint64())

	_, ok = ApplyDelta(res, NewDelta(-151))
	assert.False(t, ok)

	d := NewDelta(-42)
	assert.True(t, IsNegativeDelta(&d))
	assert.Equal(t, "-42", DeltaString(&d))

	s := NewBalanceSettlement(2)
	s.AddChange("b", NewDelta(-10))
	s.AddChange("a", NewDelta(5))
	s.AddChange("b", NewDelta(3))
	assert.Equal(t, []AccountID{"a", "b"}, s.Accounts())
	change := s.BalanceChanges["b"]
	assert.Equal(t, "-7", DeltaString(&change))
}

func mustCommittee(t *testing.T, n int) *Committee {
	committee, _ := NewCommitteeForTest(n)
	require.NoError(t, committee.ValidateBasic())
	return committee
}
