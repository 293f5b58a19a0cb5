package consensus

import (
	"github.com/pkg/errors"

	"dagbft/types"
)

// BlockVerifier 校验从网络收到的区块
type BlockVerifier interface {
	Verify(block *types.Block) (*types.VerifiedBlock, error)
}

// SignedBlockVerifier 检查签名以及区块和committee相关的结构
type SignedBlockVerifier struct {
	committee *types.Committee
}

var _ BlockVerifier = (*SignedBlockVerifier)(nil)

func NewSignedBlockVerifier(committee *types.Committee) *SignedBlockVerifier {
	return &SignedBlockVerifier{committee: committee}
}

func (v *SignedBlockVerifier) Verify(block *types.Block) (*types.VerifiedBlock, error) {
	if err := block.ValidateBasic(); err != nil {
		return nil, err
	}
	author := v.committee.GetByIndex(block.Author)
	if author == nil {
		return nil, errors.Wrapf(types.ErrInvalidBlock, "unknown author %d", block.Author)
	}
	if block.Round == 0 {
		return nil, errors.Wrap(types.ErrInvalidBlock, "genesis blocks are never received")
	}
	if err := types.VerifySignature(block, author.PubKey); err != nil {
		return nil, errors.Wrap(types.ErrInvalidBlock, err.Error())
	}

	// 每个authority最多一个祖先，前一轮的祖先需要达到quorum
	authors := types.NewStakeAggregator()
	parents := types.NewStakeAggregator()
	for _, ancestor := range block.Ancestors {
		if !v.committee.IsValidIndex(ancestor.Author) {
			return nil, errors.Wrapf(types.ErrInvalidBlock, "ancestor %v from unknown authority", ancestor)
		}
		if authors.Contains(ancestor.Author) {
			return nil, errors.Wrapf(types.ErrInvalidBlock, "more than one ancestor from authority %d", ancestor.Author)
		}
		authors.Add(ancestor.Author, v.committee)
		if ancestor.Round+1 == block.Round {
			parents.Add(ancestor.Author, v.committee)
		}
	}
	if !parents.Reached(v.committee) {
		return nil, errors.Wrapf(types.ErrInvalidBlock, "ancestors at round %d carry stake %d, below quorum", block.Round-1, parents.Stake())
	}

	return types.NewVerifiedBlock(block), nil
}
