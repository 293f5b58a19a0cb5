package consensus

import (
	"fmt"

	"dagbft/store"
	"dagbft/types"
)

// CommittedSubDag 一个已提交leader带来的、之前没有提交过的因果历史
type CommittedSubDag struct {
	Leader      types.BlockRef         `json:"leader"`
	Blocks      []*types.VerifiedBlock `json:"-"`
	TimestampMs int64                  `json:"timestamp_ms"`
	CommitIndex uint64                 `json:"commit_index"`
}

func (sd *CommittedSubDag) Refs() []types.BlockRef {
	refs := make([]types.BlockRef, 0, len(sd.Blocks))
	for _, b := range sd.Blocks {
		refs = append(refs, b.Reference())
	}
	return refs
}

func (sd *CommittedSubDag) String() string {
	return fmt.Sprintf("CommittedSubDag{#%d leader:%v blocks:%d ts:%d}", sd.CommitIndex, sd.Leader, len(sd.Blocks), sd.TimestampMs)
}

// Linearizer 把已提交的leader序列展开成区块的全序
type Linearizer struct {
	dagStore store.DagStore

	lastCommitIndex uint64
	lastTimestampMs int64
	committed       map[types.BlockRef]struct{}
}

func NewLinearizer(dagStore store.DagStore) *Linearizer {
	return &Linearizer{
		dagStore:  dagStore,
		committed: make(map[types.BlockRef]struct{}),
	}
}

// HandleCommit leader必须按提交顺序传入
func (l *Linearizer) HandleCommit(leaders []*types.VerifiedBlock) []CommittedSubDag {
	gcRound := l.dagStore.GCRound()
	l.pruneCommitted(gcRound)

	subDags := make([]CommittedSubDag, 0, len(leaders))
	for _, leader := range leaders {
		blocks := l.collectSubDag(leader, gcRound)
		store.SortBlocks(blocks)

		// 时间戳不回退
		ts := leader.Timestamp()
		if ts < l.lastTimestampMs {
			ts = l.lastTimestampMs
		}
		l.lastTimestampMs = ts
		l.lastCommitIndex++

		subDags = append(subDags, CommittedSubDag{
			Leader:      leader.Reference(),
			Blocks:      blocks,
			TimestampMs: ts,
			CommitIndex: l.lastCommitIndex,
		})
	}
	return subDags
}

func (l *Linearizer) LastCommitIndex() uint64 {
	return l.lastCommitIndex
}

func (l *Linearizer) collectSubDag(leader *types.VerifiedBlock, gcRound types.Round) []*types.VerifiedBlock {
	if _, ok := l.committed[leader.Reference()]; ok {
		return nil
	}
	l.committed[leader.Reference()] = struct{}{}

	blocks := []*types.VerifiedBlock{leader}
	stack := []*types.VerifiedBlock{leader}
	for len(stack) > 0 {
		block := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for _, ancestor := range block.Ancestors() {
			if ancestor.Round <= gcRound {
				continue
			}
			if _, ok := l.committed[ancestor]; ok {
				continue
			}
			ancestorBlock, ok := l.dagStore.GetBlock(ancestor)
			if !ok {
				panic(fmt.Sprintf("ancestor %v of committed block %v is not in the dag store", ancestor, block.Reference()))
			}
			l.committed[ancestor] = struct{}{}
			blocks = append(blocks, ancestorBlock)
			stack = append(stack, ancestorBlock)
		}
	}
	return blocks
}

func (l *Linearizer) pruneCommitted(gcRound types.Round) {
	for ref := range l.committed {
		if ref.Round <= gcRound {
			delete(l.committed, ref)
		}
	}
}
