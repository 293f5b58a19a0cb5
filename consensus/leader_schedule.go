package consensus

import (
	"fmt"
	"math/rand"

	"dagbft/types"
)

const (
	RoundRobinSchedule    = "round-robin"
	StakeWeightedSchedule = "stake-weighted"
)

// LeaderSchedule 根据轮次和leader偏移确定性地选出leader
type LeaderSchedule interface {
	ElectLeader(round types.Round, leaderOffset uint32) types.AuthorityIndex
}

// NewLeaderSchedule 根据配置名称创建
func NewLeaderSchedule(kind string, committee *types.Committee) (LeaderSchedule, error) {
	switch kind {
	case RoundRobinSchedule, "":
		return NewRoundRobinLeaderSchedule(committee), nil
	case StakeWeightedSchedule:
		return NewStakeWeightedLeaderSchedule(committee), nil
	default:
		return nil, fmt.Errorf("unknown leader schedule %q", kind)
	}
}

type RoundRobinLeaderSchedule struct {
	committee *types.Committee
}

func NewRoundRobinLeaderSchedule(committee *types.Committee) *RoundRobinLeaderSchedule {
	return &RoundRobinLeaderSchedule{committee: committee}
}

func (s *RoundRobinLeaderSchedule) ElectLeader(round types.Round, leaderOffset uint32) types.AuthorityIndex {
	n := uint64(s.committee.Size())
	return types.AuthorityIndex((uint64(round) + uint64(leaderOffset)) % n)
}

// StakeWeightedLeaderSchedule 以轮次为种子按stake做不放回的加权抽样，
// 第offset次抽中的authority就是该偏移的leader，同一轮不同偏移的leader互不相同。
type StakeWeightedLeaderSchedule struct {
	committee *types.Committee
}

func NewStakeWeightedLeaderSchedule(committee *types.Committee) *StakeWeightedLeaderSchedule {
	return &StakeWeightedLeaderSchedule{committee: committee}
}

func (s *StakeWeightedLeaderSchedule) ElectLeader(round types.Round, leaderOffset uint32) types.AuthorityIndex {
	n := s.committee.Size()
	rng := rand.New(rand.NewSource(int64(round)))

	candidates := make([]*types.Authority, n)
	copy(candidates, s.committee.Authorities)
	total := s.committee.TotalStake()

	pick := int(leaderOffset) % n
	for i := 0; ; i++ {
		target := types.Stake(rng.Int63n(int64(total)))
		idx := 0
		for acc := types.Stake(0); idx < len(candidates)-1; idx++ {
			acc += candidates[idx].Stake
			if target < acc {
				break
			}
		}
		chosen := candidates[idx]
		if i == pick {
			return chosen.Index
		}
		total -= chosen.Stake
		candidates = append(candidates[:idx], candidates[idx+1:]...)
	}
}
