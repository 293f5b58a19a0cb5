package node

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
	"github.com/tendermint/tm-db/memdb"

	cfg "dagbft/config"
	"dagbft/consensus"
	"dagbft/libs/metric"
	"dagbft/privval"
	"dagbft/scheduler"
	"dagbft/store"
	"dagbft/types"
)

const (
	MetricLabelConsensus = "consensus"
	MetricLabelScheduler = "scheduler"
	MetricLabelDag       = "dag"

	gcListenerID = "node-gc"
)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *cfg.Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (tmdb.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the ctx.Config.
func DefaultDBProvider(ctx *DBContext) (tmdb.DB, error) {
	switch ctx.Config.DBBackend {
	case cfg.DBBackendGoLevelDB:
		db, err := leveldb.NewDB(ctx.ID, ctx.Config.DBDir())
		if err != nil {
			return nil, err
		}
		return db, nil
	case cfg.DBBackendMemDB:
		return memdb.NewDB(), nil
	default:
		return nil, fmt.Errorf("unknown db_backend %q", ctx.Config.DBBackend)
	}
}

// LocalCommittee 本地模拟的committee，第i个authority的密钥由 "authority-i" 生成
func LocalCommittee(size int) (*types.Committee, []*privval.FilePV) {
	authorities := make([]*types.Authority, size)
	privVals := make([]*privval.FilePV, size)
	for i := 0; i < size; i++ {
		index := types.AuthorityIndex(i)
		pv := privval.GenFilePVWithSeed("", index, []byte(fmt.Sprintf("authority-%d", i)))
		privVals[i] = pv
		authorities[i] = &types.Authority{
			Index:    index,
			Stake:    1,
			Hostname: fmt.Sprintf("authority-%d", i),
			PubKey:   pv.Signer().PubKey(),
		}
	}
	return types.NewCommittee(authorities), privVals
}

type Option func(*Node)

// WithDBProvider 替换默认的数据库
func WithDBProvider(provider DBProvider) Option {
	return func(n *Node) { n.dbProvider = provider }
}

// Node 在一个进程中组合共识core、DAG存储、余额存储和调度器
type Node struct {
	service.BaseService

	// config
	config *cfg.Config

	committee *types.Committee
	privVals  []*privval.FilePV

	// storage
	dbProvider DBProvider
	dagDB      tmdb.DB
	balanceDB  tmdb.DB
	dagState   *store.DagState
	balances   *store.BalanceStore

	// services
	core      *consensus.Core
	scheduler scheduler.BalanceWithdrawScheduler

	metricSet     *metric.MetricSet
	prometheusSrv *http.Server
}

func NewNode(config *cfg.Config, logger log.Logger, options ...Option) (*Node, error) {
	if err := config.ValidateBasic(); err != nil {
		return nil, err
	}
	n := &Node{
		config:     config,
		dbProvider: DefaultDBProvider,
		metricSet:  metric.NewMetricSet(),
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	for _, option := range options {
		option(n)
	}
	n.committee, n.privVals = LocalCommittee(config.Consensus.CommitteeSize)

	var err error
	if n.dagDB, err = n.dbProvider(&DBContext{"dag", config}); err != nil {
		return nil, err
	}
	if n.balanceDB, err = n.dbProvider(&DBContext{"balance", config}); err != nil {
		return nil, err
	}
	n.dagState, err = store.NewDagState(n.dagDB, n.committee, store.WithBlockCacheSize(config.Consensus.BlockCacheSize))
	if err != nil {
		return nil, err
	}
	n.dagState.SetLogger(logger.With("module", "dag-store"))
	n.balances, err = store.NewBalanceStoreWithDB(n.balanceDB, logger.With("module", "balance-store"))
	if err != nil {
		return nil, err
	}

	metrics := consensus.NopMetrics()
	if config.Instrumentation.Prometheus {
		metrics = consensus.PrometheusMetrics(config.Instrumentation.Namespace)
	}
	if n.core, err = createCore(config.Consensus, n.committee, n.dagState, metrics); err != nil {
		return nil, err
	}
	n.core.SetLogger(logger.With("module", "consensus"))

	startVersion := types.Version(config.Scheduler.StartVersion)
	if settled := n.balances.SettledVersion(); settled > startVersion {
		startVersion = settled
	}
	n.scheduler, err = scheduler.NewScheduler(config.Scheduler.Strategy, n.balances, startVersion)
	if err != nil {
		return nil, err
	}
	n.scheduler.SetLogger(logger.With("module", "scheduler"))

	if err := n.metricSet.SetMetrics(MetricLabelConsensus, n.core.Metric()); err != nil {
		return nil, err
	}
	if err := n.metricSet.SetMetrics(MetricLabelScheduler, n.scheduler.Metric()); err != nil {
		return nil, err
	}
	if err := n.metricSet.SetMetrics(MetricLabelDag, metric.FuncItem(n.dagMetric)); err != nil {
		return nil, err
	}
	return n, nil
}

func createCore(
	config *cfg.ConsensusConfig,
	committee *types.Committee,
	dagState *store.DagState,
	metrics *consensus.Metrics,
) (*consensus.Core, error) {
	schedule, err := consensus.NewLeaderSchedule(config.LeaderSchedule, committee)
	if err != nil {
		return nil, err
	}
	committer, err := consensus.NewUniversalCommitterBuilder(committee, schedule, dagState).
		WithWaveLength(config.WaveLength).
		WithPipelineDepth(config.PipelineDepth).
		WithNumberOfLeaders(config.LeadersPerRound).
		WithMetrics(metrics).
		Build()
	if err != nil {
		return nil, err
	}
	blockManager := consensus.NewBlockManager(committee, dagState,
		consensus.WithMaxMissingBlocks(config.MaxMissingBlocks),
		consensus.WithBlockManagerMetrics(metrics),
	)
	return consensus.NewCore(committee, dagState, blockManager, committer, consensus.WithCoreMetrics(metrics)), nil
}

func (n *Node) OnStart() error {
	if n.config.Instrumentation.Prometheus {
		n.prometheusSrv = n.startPrometheusServer(n.config.Instrumentation.PrometheusListenAddr)
	}

	if err := n.core.Start(); err != nil {
		return err
	}
	if depth := n.config.Consensus.GCDepth; depth > 0 {
		err := n.core.EventSwitch().AddListenerForEvent(gcListenerID, consensus.EventNewCommit, func(data events.EventData) {
			subDag := data.(consensus.CommittedSubDag)
			if subDag.Leader.Round > types.Round(depth) {
				n.core.SendMessage(&consensus.GCRoundMessage{Round: subDag.Leader.Round - types.Round(depth)}, "")
			}
		})
		if err != nil {
			return err
		}
	}
	if err := n.scheduler.Start(); err != nil {
		return err
	}

	n.Logger.Info("node started", "committee", n.committee.Size(),
		"strategy", n.config.Scheduler.Strategy, "settled", n.scheduler.LastSettledVersion())
	return nil
}

func (n *Node) OnStop() {
	if err := n.scheduler.Stop(); err != nil {
		n.Logger.Error("Error stopping scheduler", "err", err)
	}
	n.core.EventSwitch().RemoveListener(gcListenerID)
	if err := n.core.Stop(); err != nil {
		n.Logger.Error("Error stopping core", "err", err)
	}
	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Close(); err != nil {
			n.Logger.Error("Prometheus HTTP server Close", "err", err)
		}
	}
	if err := n.dagDB.Close(); err != nil {
		n.Logger.Error("Error closing dag db", "err", err)
	}
	if err := n.balanceDB.Close(); err != nil {
		n.Logger.Error("Error closing balance db", "err", err)
	}
}

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			// Error starting or closing listener:
			n.Logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

func (n *Node) Config() *cfg.Config {
	return n.config
}

func (n *Node) Committee() *types.Committee {
	return n.committee
}

// PrivValidators 本地模拟的所有authority的密钥
func (n *Node) PrivValidators() []*privval.FilePV {
	return n.privVals
}

func (n *Node) Core() *consensus.Core {
	return n.core
}

func (n *Node) DagState() *store.DagState {
	return n.dagState
}

func (n *Node) Balances() *store.BalanceStore {
	return n.balances
}

func (n *Node) Scheduler() scheduler.BalanceWithdrawScheduler {
	return n.scheduler
}

// SettleBalances 先写入余额存储，再推进调度器
func (n *Node) SettleBalances(settlement *types.BalanceSettlement) error {
	if err := n.balances.ApplySettlement(settlement); err != nil {
		return err
	}
	n.scheduler.SettleBalances(settlement)
	return nil
}

type dagMetric struct {
	HighestAcceptedRound types.Round   `json:"highest_accepted_round"`
	GCRound              types.Round   `json:"gc_round"`
	MissingBlocks        int           `json:"missing_blocks"`
	SuspendedBlocks      int           `json:"suspended_blocks"`
	SettledVersion       types.Version `json:"settled_version"`
}

func (n *Node) dagMetric() interface{} {
	return dagMetric{
		HighestAcceptedRound: n.dagState.HighestAcceptedRound(),
		GCRound:              n.dagState.GCRound(),
		MissingBlocks:        len(n.core.MissingBlocks()),
		SuspendedBlocks:      n.core.BlockManager().SuspendedBlocksCount(),
		SettledVersion:       n.balances.SettledVersion(),
	}
}

func (n *Node) MetricSet() *metric.MetricSet {
	return n.metricSet
}
