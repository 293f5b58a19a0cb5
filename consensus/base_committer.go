package consensus

import (
	"fmt"

	"github.com/google/btree"

	"dagbft/store"
	"dagbft/types"
)

const (
	// MinimumWaveLength leader轮、投票轮、决定轮
	MinimumWaveLength = 3
	DefaultWaveLength = MinimumWaveLength
)

// BaseCommitterOptions 一个committer只由这三个整数区分
type BaseCommitterOptions struct {
	// 一个wave包含的轮数
	WaveLength uint32
	// 第一个wave开始的轮次，流水线中的committer彼此错开一轮
	RoundOffset uint32
	// 同一轮有多个leader时，该committer负责的leader
	LeaderOffset uint32
}

func DefaultBaseCommitterOptions() BaseCommitterOptions {
	return BaseCommitterOptions{
		WaveLength:   DefaultWaveLength,
		RoundOffset:  0,
		LeaderOffset: 0,
	}
}

// BaseCommitter 在一个固定的wave划分上运行直接和间接提交规则。
// 除了DagStore之外不持有任何状态。
//
// wave w: leader轮 = w*wl+offset，投票轮 = leader轮+1，决定轮 = w*wl+wl-1+offset。
// 投票轮中直接引用leader区块的区块是vote；决定轮中引用了quorum个vote的区块是certificate。
type BaseCommitter struct {
	committee *types.Committee
	schedule  LeaderSchedule
	dagStore  store.DagStore
	options   BaseCommitterOptions
}

func NewBaseCommitter(committee *types.Committee, schedule LeaderSchedule, dagStore store.DagStore, options BaseCommitterOptions) *BaseCommitter {
	if options.WaveLength < MinimumWaveLength {
		panic(fmt.Sprintf("wave length must be at least %d, got %d", MinimumWaveLength, options.WaveLength))
	}
	return &BaseCommitter{
		committee: committee,
		schedule:  schedule,
		dagStore:  dagStore,
		options:   options,
	}
}

func (bc *BaseCommitter) Options() BaseCommitterOptions {
	return bc.options
}

// WaveNumber 轮次所在的wave
func (bc *BaseCommitter) WaveNumber(round types.Round) uint32 {
	if uint32(round) < bc.options.RoundOffset {
		return 0
	}
	return (uint32(round) - bc.options.RoundOffset) / bc.options.WaveLength
}

func (bc *BaseCommitter) LeaderRound(wave uint32) types.Round {
	return types.Round(wave*bc.options.WaveLength + bc.options.RoundOffset)
}

func (bc *BaseCommitter) DecisionRound(wave uint32) types.Round {
	wl := bc.options.WaveLength
	return types.Round(wave*wl + wl - 1 + bc.options.RoundOffset)
}

// ElectLeader 只有leader轮才有leader
func (bc *BaseCommitter) ElectLeader(round types.Round) (types.Slot, bool) {
	wave := bc.WaveNumber(round)
	if bc.LeaderRound(wave) != round {
		return types.Slot{}, false
	}
	return types.NewSlot(round, bc.schedule.ElectLeader(round, bc.options.LeaderOffset)), true
}

// TryDirectDecide 只根据leader所在wave的投票轮和决定轮做决定
func (bc *BaseCommitter) TryDirectDecide(leader types.Slot) types.LeaderStatus {
	// 投票轮中有quorum不引用leader，leader不可能被提交
	votingRound := leader.Round + 1
	if bc.enoughLeaderBlame(votingRound, leader) {
		return types.NewSkipStatus(leader, types.DirectDecision)
	}

	wave := bc.WaveNumber(leader.Round)
	decisionRound := bc.DecisionRound(wave)
	var supported []*types.VerifiedBlock
	for _, leaderBlock := range bc.dagStore.BlocksAtSlot(leader) {
		if bc.enoughLeaderSupport(decisionRound, leaderBlock) {
			supported = append(supported, leaderBlock)
		}
	}
	if len(supported) > 1 {
		panic(fmt.Sprintf("[%v] more than one certified block for %v: %v", bc, leader, supported))
	}
	if len(supported) == 1 {
		return types.NewCommitStatus(supported[0], types.DirectDecision)
	}
	return types.NewUndecidedStatus(leader)
}

// TryIndirectDecide 借助之后已经决定的leader(anchor)决定当前leader。
// later 是之后轮次的leader，按轮次递减排列，从末尾(轮次最低)开始检查。
// 找到第一个至少晚一个wave的已提交anchor：
// 它的因果历史中如果有该leader的certificate则提交，否则跳过。
// 在此之前遇到未决定的anchor时无法决定。
func (bc *BaseCommitter) TryIndirectDecide(leader types.Slot, later []types.LeaderStatus) types.LeaderStatus {
	for i := len(later) - 1; i >= 0; i-- {
		anchor := later[i]
		if leader.Round+types.Round(bc.options.WaveLength) > anchor.Round() {
			continue
		}
		switch anchor.Kind {
		case types.Commit:
			return bc.decideLeaderFromAnchor(anchor.Block, leader)
		case types.Skip:
			continue
		default:
			return types.NewUndecidedStatus(leader)
		}
	}
	return types.NewUndecidedStatus(leader)
}

func (bc *BaseCommitter) decideLeaderFromAnchor(anchor *types.VerifiedBlock, leader types.Slot) types.LeaderStatus {
	wave := bc.WaveNumber(leader.Round)
	decisionRound := bc.DecisionRound(wave)
	potentialCertificates := bc.ancestorsAtRound(anchor, decisionRound)

	var certified []*types.VerifiedBlock
	for _, leaderBlock := range bc.dagStore.BlocksAtSlot(leader) {
		allVotes := make(map[types.BlockRef]bool)
		for _, potentialCertificate := range potentialCertificates {
			if bc.isCertificate(potentialCertificate, leaderBlock, allVotes) {
				certified = append(certified, leaderBlock)
				break
			}
		}
	}
	if len(certified) > 1 {
		panic(fmt.Sprintf("[%v] more than one certified block at wave %d from leader %v: %v", bc, wave, leader, certified))
	}
	if len(certified) == 1 {
		return types.NewCommitStatus(certified[0], types.IndirectDecision)
	}
	return types.NewSkipStatus(leader, types.IndirectDecision)
}

// enoughLeaderBlame 投票轮中没有引用leader slot的区块是否达到quorum
func (bc *BaseCommitter) enoughLeaderBlame(votingRound types.Round, leader types.Slot) bool {
	blame := types.NewStakeAggregator()
	for _, votingBlock := range bc.dagStore.BlocksInRound(votingRound) {
		if referencesSlot(votingBlock, leader) {
			continue
		}
		if blame.Add(votingBlock.Author(), bc.committee) {
			return true
		}
	}
	return false
}

// enoughLeaderSupport 决定轮中是否有quorum的certificate
func (bc *BaseCommitter) enoughLeaderSupport(decisionRound types.Round, leaderBlock *types.VerifiedBlock) bool {
	decisionBlocks := bc.dagStore.BlocksInRound(decisionRound)

	// 决定轮的总stake都不够时直接返回
	var total types.Stake
	for _, block := range decisionBlocks {
		total += bc.committee.Stake(block.Author())
	}
	if total < bc.committee.QuorumThreshold() {
		return false
	}

	certificates := types.NewStakeAggregator()
	allVotes := make(map[types.BlockRef]bool)
	for _, decisionBlock := range decisionBlocks {
		if bc.isCertificate(decisionBlock, leaderBlock, allVotes) {
			if certificates.Add(decisionBlock.Author(), bc.committee) {
				return true
			}
		}
	}
	return false
}

// isCertificate 祖先中的vote是否达到quorum，allVotes缓存已经判断过的区块
func (bc *BaseCommitter) isCertificate(potentialCertificate, leaderBlock *types.VerifiedBlock, allVotes map[types.BlockRef]bool) bool {
	votes := types.NewStakeAggregator()
	for _, ref := range potentialCertificate.Ancestors() {
		isVote, ok := allVotes[ref]
		if !ok {
			if potentialVote, found := bc.getBlock(ref); found {
				isVote = bc.isVote(potentialVote, leaderBlock)
			}
			allVotes[ref] = isVote
		}
		if isVote && votes.Add(ref.Author, bc.committee) {
			return true
		}
	}
	return false
}

func (bc *BaseCommitter) isVote(potentialVote, leaderBlock *types.VerifiedBlock) bool {
	ref := leaderBlock.Reference()
	supported, ok := bc.findSupportedBlock(ref.Slot(), potentialVote)
	return ok && supported == ref
}

// findSupportedBlock 在from的因果历史中找到它支持的leader slot上的区块
func (bc *BaseCommitter) findSupportedBlock(leader types.Slot, from *types.VerifiedBlock) (types.BlockRef, bool) {
	if from.Round() < leader.Round {
		return types.BlockRef{}, false
	}
	for _, ancestor := range from.Ancestors() {
		if ancestor.Slot() == leader {
			return ancestor, true
		}
		if ancestor.Round <= leader.Round {
			continue
		}
		block, ok := bc.getBlock(ancestor)
		if !ok {
			continue
		}
		if supported, ok := bc.findSupportedBlock(leader, block); ok {
			return supported, true
		}
	}
	return types.BlockRef{}, false
}

// ancestorsAtRound later的因果历史中位于earlierRound及以上的区块，按BlockRef排序
func (bc *BaseCommitter) ancestorsAtRound(later *types.VerifiedBlock, earlierRound types.Round) []*types.VerifiedBlock {
	linked := btree.NewG[types.BlockRef](btreeDegree, types.BlockRefLess)
	for _, ancestor := range later.Ancestors() {
		linked.ReplaceOrInsert(ancestor)
	}
	for linked.Len() > 0 {
		last, _ := linked.Max()
		if last.Round <= earlierRound {
			break
		}
		linked.DeleteMax()
		block, ok := bc.getBlock(last)
		if !ok {
			continue
		}
		for _, ancestor := range block.Ancestors() {
			linked.ReplaceOrInsert(ancestor)
		}
	}

	var blocks []*types.VerifiedBlock
	linked.AscendGreaterOrEqual(types.NewBlockRef(earlierRound, 0, types.MinDigest), func(ref types.BlockRef) bool {
		if block, ok := bc.getBlock(ref); ok {
			blocks = append(blocks, block)
		}
		return true
	})
	return blocks
}

// getBlock 已接受区块的祖先一定已经存储，除非低于gc轮次
func (bc *BaseCommitter) getBlock(ref types.BlockRef) (*types.VerifiedBlock, bool) {
	block, ok := bc.dagStore.GetBlock(ref)
	if !ok && ref.Round > bc.dagStore.GCRound() {
		panic(fmt.Sprintf("[%v] block %v should exist in the dag store", bc, ref))
	}
	return block, ok
}

func (bc *BaseCommitter) String() string {
	return fmt.Sprintf("Committer-L%d-R%d", bc.options.LeaderOffset, bc.options.RoundOffset)
}

func referencesSlot(block *types.VerifiedBlock, slot types.Slot) bool {
	for _, ancestor := range block.Ancestors() {
		if ancestor.Slot() == slot {
			return true
		}
	}
	return false
}
