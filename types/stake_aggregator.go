package types

// StakeAggregator 累加不同authority的stake，同一个authority只计一次，达到quorum时Reached
type StakeAggregator struct {
	votes map[AuthorityIndex]struct{}
	stake Stake
}

func NewStakeAggregator() *StakeAggregator {
	return &StakeAggregator{
		votes: make(map[AuthorityIndex]struct{}),
	}
}

// Add 添加一个authority的投票，返回是否已经达到quorum
func (sa *StakeAggregator) Add(author AuthorityIndex, committee *Committee) bool {
	if _, ok := sa.votes[author]; !ok {
		sa.votes[author] = struct{}{}
		sa.stake += committee.Stake(author)
	}
	return sa.Reached(committee)
}

func (sa *StakeAggregator) Reached(committee *Committee) bool {
	return sa.stake >= committee.QuorumThreshold()
}

func (sa *StakeAggregator) Stake() Stake {
	return sa.stake
}

func (sa *StakeAggregator) Contains(author AuthorityIndex) bool {
	_, ok := sa.votes[author]
	return ok
}
