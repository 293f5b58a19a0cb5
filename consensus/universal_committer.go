package consensus

import (
	"fmt"

	"github.com/tendermint/tendermint/libs/log"

	"dagbft/store"
	"dagbft/types"
)

// UniversalCommitter 组合多个BaseCommitter：流水线中每一轮都可能是某个committer的leader轮，
// 每一轮也可以有多个leader。
type UniversalCommitter struct {
	dagStore   store.DagStore
	committers []*BaseCommitter

	metrics *Metrics
	logger  log.Logger
}

// UniversalCommitterBuilder 构建UniversalCommitter
type UniversalCommitterBuilder struct {
	committee       *types.Committee
	schedule        LeaderSchedule
	dagStore        store.DagStore
	waveLength      uint32
	pipelineDepth   uint32
	numberOfLeaders uint32
	metrics         *Metrics
}

func NewUniversalCommitterBuilder(committee *types.Committee, schedule LeaderSchedule, dagStore store.DagStore) *UniversalCommitterBuilder {
	return &UniversalCommitterBuilder{
		committee:       committee,
		schedule:        schedule,
		dagStore:        dagStore,
		waveLength:      DefaultWaveLength,
		pipelineDepth:   1,
		numberOfLeaders: 1,
		metrics:         NopMetrics(),
	}
}

func (b *UniversalCommitterBuilder) WithWaveLength(waveLength uint32) *UniversalCommitterBuilder {
	b.waveLength = waveLength
	return b
}

// WithPipeline 开启流水线时每一轮都是某个committer的leader轮
func (b *UniversalCommitterBuilder) WithPipeline(pipeline bool) *UniversalCommitterBuilder {
	if pipeline {
		b.pipelineDepth = b.waveLength
	} else {
		b.pipelineDepth = 1
	}
	return b
}

// WithPipelineDepth 错开的committer数量，取值 1..waveLength
func (b *UniversalCommitterBuilder) WithPipelineDepth(depth uint32) *UniversalCommitterBuilder {
	b.pipelineDepth = depth
	return b
}

func (b *UniversalCommitterBuilder) WithNumberOfLeaders(n uint32) *UniversalCommitterBuilder {
	b.numberOfLeaders = n
	return b
}

func (b *UniversalCommitterBuilder) WithMetrics(metrics *Metrics) *UniversalCommitterBuilder {
	b.metrics = metrics
	return b
}

func (b *UniversalCommitterBuilder) Build() (*UniversalCommitter, error) {
	if b.waveLength < MinimumWaveLength {
		return nil, fmt.Errorf("wave length must be at least %d, got %d", MinimumWaveLength, b.waveLength)
	}
	if b.pipelineDepth == 0 || b.pipelineDepth > b.waveLength {
		return nil, fmt.Errorf("pipeline depth must be in [1, %d], got %d", b.waveLength, b.pipelineDepth)
	}
	if b.numberOfLeaders == 0 || int(b.numberOfLeaders) > b.committee.Size() {
		return nil, fmt.Errorf("number of leaders must be in [1, %d], got %d", b.committee.Size(), b.numberOfLeaders)
	}

	committers := make([]*BaseCommitter, 0, b.pipelineDepth*b.numberOfLeaders)
	for roundOffset := uint32(0); roundOffset < b.pipelineDepth; roundOffset++ {
		for leaderOffset := uint32(0); leaderOffset < b.numberOfLeaders; leaderOffset++ {
			committers = append(committers, NewBaseCommitter(b.committee, b.schedule, b.dagStore, BaseCommitterOptions{
				WaveLength:   b.waveLength,
				RoundOffset:  roundOffset,
				LeaderOffset: leaderOffset,
			}))
		}
	}
	return &UniversalCommitter{
		dagStore:   b.dagStore,
		committers: committers,
		metrics:    b.metrics,
		logger:     log.NewNopLogger(),
	}, nil
}

func (uc *UniversalCommitter) SetLogger(logger log.Logger) {
	uc.logger = logger
}

// Committers 按 (roundOffset, leaderOffset) 排列
func (uc *UniversalCommitter) Committers() []*BaseCommitter {
	return uc.committers
}

// TryCommit 从最高可决定的轮次向下扫描到lastDecided，返回lastDecided之后
// 已经决定的最长前缀，按 (round, leader offset) 递增。
// 直接决定需要leader轮之后两轮的区块，所以只扫描到 highestAcceptedRound-2。
func (uc *UniversalCommitter) TryCommit(lastDecided types.Slot) []types.LeaderStatus {
	highestAcceptedRound := uc.dagStore.HighestAcceptedRound()
	if highestAcceptedRound < 2 || highestAcceptedRound-2 < lastDecided.Round {
		return nil
	}

	// 逆序收集，reversed[0]是最新的
	var reversed []types.LeaderStatus

outer:
	for round := highestAcceptedRound - 2; ; round-- {
		for i := len(uc.committers) - 1; i >= 0; i-- {
			committer := uc.committers[i]
			slot, ok := committer.ElectLeader(round)
			if !ok {
				continue
			}
			if slot == lastDecided {
				break outer
			}

			status := committer.TryDirectDecide(slot)
			if !status.IsDecided() {
				status = committer.TryIndirectDecide(slot, reversed)
			}
			uc.logger.Debug("try decide leader", "slot", slot, "status", status)
			reversed = append(reversed, status)
		}
		if round == lastDecided.Round || round == 0 {
			break
		}
	}

	var decided []types.LeaderStatus
	for i := len(reversed) - 1; i >= 0; i-- {
		status := reversed[i]
		if status.Round() == 0 {
			continue
		}
		if !status.IsDecided() {
			break
		}
		decided = append(decided, status)
		uc.metrics.DecidedLeaders.With("kind", status.Kind.String(), "decision", status.Decision.String()).Add(1)
	}
	if len(decided) > 0 {
		uc.metrics.LastDecidedRound.Set(float64(decided[len(decided)-1].Round()))
	}
	return decided
}

// GetLeaders 返回该轮的所有leader，按leader偏移排列
func (uc *UniversalCommitter) GetLeaders(round types.Round) []types.AuthorityIndex {
	var leaders []types.AuthorityIndex
	for _, committer := range uc.committers {
		if slot, ok := committer.ElectLeader(round); ok {
			leaders = append(leaders, slot.Authority)
		}
	}
	return leaders
}
