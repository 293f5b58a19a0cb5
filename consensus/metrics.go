package consensus

import (
	"sync"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	jsoniter "github.com/json-iterator/go"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"dagbft/types"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "consensus"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// 等待获取的祖先区块数量
	MissingBlocks metrics.Gauge
	// 缺少祖先而挂起的区块数量
	SuspendedBlocks metrics.Gauge
	// Number of blocks written to the dag store.
	AcceptedBlocks metrics.Counter
	// Number of blocks dropped, by reason.
	DroppedBlocks metrics.Counter

	// Decided leaders, by kind (commit / skip) and decision (direct / indirect).
	DecidedLeaders metrics.Counter
	// Round of the last decided leader.
	LastDecidedRound metrics.Gauge

	// Number of committed sub-dags.
	CommittedSubDags metrics.Counter
	// Number of blocks in committed sub-dags.
	CommittedBlocks metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		MissingBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "missing_blocks",
			Help:      "Number of ancestors waiting to be fetched.",
		}, labels).With(labelsAndValues...),
		SuspendedBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "suspended_blocks",
			Help:      "Number of blocks waiting for their ancestors.",
		}, labels).With(labelsAndValues...),
		AcceptedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "accepted_blocks",
			Help:      "Number of causally complete blocks accepted.",
		}, labels).With(labelsAndValues...),
		DroppedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_blocks",
			Help:      "Number of blocks dropped by the block manager.",
		}, append(labels, "reason")).With(labelsAndValues...),
		DecidedLeaders: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "decided_leaders",
			Help:      "Number of decided leader slots.",
		}, append(labels, "kind", "decision")).With(labelsAndValues...),
		LastDecidedRound: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "last_decided_round",
			Help:      "Round of the last decided leader.",
		}, labels).With(labelsAndValues...),
		CommittedSubDags: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_subdags",
			Help:      "Number of committed sub-dags.",
		}, labels).With(labelsAndValues...),
		CommittedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "committed_blocks",
			Help:      "Number of blocks linearized into committed sub-dags.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		MissingBlocks:    discard.NewGauge(),
		SuspendedBlocks:  discard.NewGauge(),
		AcceptedBlocks:   discard.NewCounter(),
		DroppedBlocks:    discard.NewCounter(),
		DecidedLeaders:   discard.NewCounter(),
		LastDecidedRound: discard.NewGauge(),
		CommittedSubDags: discard.NewCounter(),
		CommittedBlocks:  discard.NewCounter(),
	}
}

//----------------------------------------

// consensusMetric Core的运行快照，以JSON形式输出
func newConsensusMetric() *consensusMetric {
	return &consensusMetric{
		LastDecidedRound: 0,
		LastDecidedSlot:  "",
	}
}

type consensusMetric struct {
	mtx sync.RWMutex

	HighestAcceptedRound types.Round `json:"highest_accepted_round"`
	LastDecidedRound     types.Round `json:"last_decided_round"`
	LastDecidedSlot      string      `json:"last_decided_slot"`

	AcceptedBlocks  int64 `json:"accepted_blocks"`
	MissingBlocks   int   `json:"missing_blocks"`
	SuspendedBlocks int   `json:"suspended_blocks"`

	DirectCommits   int64 `json:"direct_commits"`
	IndirectCommits int64 `json:"indirect_commits"`
	DirectSkips     int64 `json:"direct_skips"`
	IndirectSkips   int64 `json:"indirect_skips"`

	CommitIndex     uint64 `json:"commit_index"`
	CommittedBlocks int64  `json:"committed_blocks"`
}

func (cm *consensusMetric) JSONString() string {
	cm.mtx.RLock()
	defer cm.mtx.RUnlock()
	s, _ := jsoniter.MarshalToString(cm)
	return s
}

func (cm *consensusMetric) MarkAccepted(n int, highest types.Round) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.AcceptedBlocks += int64(n)
	cm.HighestAcceptedRound = highest
}

func (cm *consensusMetric) MarkBlockManager(missing, suspended int) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.MissingBlocks = missing
	cm.SuspendedBlocks = suspended
}

func (cm *consensusMetric) MarkDecided(status types.LeaderStatus) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()

	switch {
	case status.Kind == types.Commit && status.Decision == types.DirectDecision:
		cm.DirectCommits++
	case status.Kind == types.Commit:
		cm.IndirectCommits++
	case status.Kind == types.Skip && status.Decision == types.DirectDecision:
		cm.DirectSkips++
	case status.Kind == types.Skip:
		cm.IndirectSkips++
	}
	cm.LastDecidedRound = status.Round()
	cm.LastDecidedSlot = status.Slot.String()
}

func (cm *consensusMetric) MarkCommitted(index uint64, blocks int) {
	cm.mtx.Lock()
	defer cm.mtx.Unlock()
	cm.CommitIndex = index
	cm.CommittedBlocks += int64(blocks)
}
