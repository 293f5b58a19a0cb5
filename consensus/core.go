package consensus

import (
	"fmt"
	"sync"

	"github.com/tendermint/tendermint/libs/events"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/libs/service"

	"dagbft/libs/metric"
	"dagbft/store"
	"dagbft/types"
)

const (
	// EventNewCommit 每个新提交的sub-dag触发一次，数据为 CommittedSubDag
	EventNewCommit = "NewCommit"
)

type CoreOption func(*Core)

func WithBlockVerifier(verifier BlockVerifier) CoreOption {
	return func(c *Core) { c.verifier = verifier }
}

func WithCoreMetrics(metrics *Metrics) CoreOption {
	return func(c *Core) { c.metrics = metrics }
}

// Core 驱动共识：接收区块 -> BlockManager -> UniversalCommitter -> Linearizer -> 通知提交
type Core struct {
	service.BaseService

	committee    *types.Committee
	dagStore     store.DagStore
	verifier     BlockVerifier
	blockManager *BlockManager
	committer    *UniversalCommitter
	linearizer   *Linearizer

	mtx         sync.Mutex
	lastDecided types.Slot
	commits     []CommittedSubDag

	// 来自其他节点的消息，由receiveRoutine串行处理
	peerMsgQueue chan msgInfo

	eventSwitch events.EventSwitch
	metric      *consensusMetric
	metrics     *Metrics
}

func NewCore(
	committee *types.Committee,
	dagStore store.DagStore,
	blockManager *BlockManager,
	committer *UniversalCommitter,
	options ...CoreOption,
) *Core {
	c := &Core{
		committee:    committee,
		dagStore:     dagStore,
		verifier:     NewSignedBlockVerifier(committee),
		blockManager: blockManager,
		committer:    committer,
		linearizer:   NewLinearizer(dagStore),
		lastDecided:  types.NewSlot(0, 0),
		peerMsgQueue: make(chan msgInfo, msgQueueSize),
		eventSwitch:  events.NewEventSwitch(),
		metric:       newConsensusMetric(),
		metrics:      NopMetrics(),
	}
	c.BaseService = *service.NewBaseService(nil, "CORE", c)

	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *Core) SetLogger(logger log.Logger) {
	c.Logger = logger
	c.blockManager.SetLogger(logger.With("module", "block-manager"))
	c.committer.SetLogger(logger.With("module", "committer"))
	c.eventSwitch.SetLogger(logger.With("module", "events"))
}

func (c *Core) OnStart() error {
	if err := c.eventSwitch.Start(); err != nil {
		return err
	}
	go c.receiveRoutine()
	c.Logger.Info("core started", "committee", c.committee.Size(), "last_decided", c.LastDecided())
	return nil
}

func (c *Core) OnStop() {
	if err := c.eventSwitch.Stop(); err != nil {
		c.Logger.Error("failed trying to stop eventSwitch", "error", err)
	}
	c.Logger.Info("core stopped.")
}

// receiveRoutine 负责接收所有来自其他节点的消息
func (c *Core) receiveRoutine() {
	c.Logger.Debug("core receive routine starts.")
	for {
		select {
		case <-c.Quit():
			c.Logger.Debug("receiveRoutine quit.")
			return
		case mi := <-c.peerMsgQueue:
			c.handleMsg(mi)
		}
	}
}

func (c *Core) handleMsg(mi msgInfo) {
	if err := mi.Msg.ValidateBasic(); err != nil {
		c.Logger.Debug("drop invalid message", "peer", mi.PeerID, "err", err)
		return
	}
	switch msg := mi.Msg.(type) {
	case *BlocksMessage:
		missing := c.ReceiveBlocks(msg.Blocks)
		if len(missing) > 0 {
			c.Logger.Debug("blocks from peer miss ancestors", "peer", mi.PeerID, "missing", len(missing))
		}
	case *BlockRefsMessage:
		if added := c.FindBlocks(msg.Refs); len(added) > 0 {
			c.Logger.Debug("blocks announced by peer are missing", "peer", mi.PeerID, "missing", len(added))
		}
	case *GCRoundMessage:
		c.SetGCRound(msg.Round)
	default:
		c.Logger.Error("unknown message type", "peer", mi.PeerID, "type", fmt.Sprintf("%T", msg))
	}
}

// SendMessage 把消息交给receiveRoutine，不会阻塞调用方
func (c *Core) SendMessage(msg Message, peerID string) {
	mi := msgInfo{Msg: msg, PeerID: peerID}
	select {
	case c.peerMsgQueue <- mi:
	default:
		// NOTE: 使用goroutine时消息可能乱序，BlockManager可以处理乱序的区块
		c.Logger.Debug("peer msg queue is full; using a go-routine")
		go func() {
			select {
			case c.peerMsgQueue <- mi:
			case <-c.Quit():
			}
		}()
	}
}

// EventSwitch 订阅 EventNewCommit
func (c *Core) EventSwitch() events.EventSwitch {
	return c.eventSwitch
}

// ReceiveBlocks 校验从网络收到的区块，不合法的区块只记录日志
func (c *Core) ReceiveBlocks(blocks []*types.Block) []types.BlockRef {
	verified := make([]*types.VerifiedBlock, 0, len(blocks))
	for _, block := range blocks {
		vb, err := c.verifier.Verify(block)
		if err != nil {
			c.Logger.Debug("reject invalid block", "block", block, "err", err)
			c.metrics.DroppedBlocks.With("reason", dropReasonMalformed).Add(1)
			continue
		}
		verified = append(verified, vb)
	}
	return c.AddBlocks(verified)
}

// AddBlocks 接受已经校验过的区块并尝试提交，返回仍然缺失的祖先
func (c *Core) AddBlocks(blocks []*types.VerifiedBlock) []types.BlockRef {
	c.mtx.Lock()
	accepted, missing := c.blockManager.TryAcceptBlocks(blocks)
	c.metric.MarkAccepted(len(accepted), c.dagStore.HighestAcceptedRound())
	var subDags []CommittedSubDag
	if len(accepted) > 0 {
		subDags = c.tryCommit()
	}
	c.metric.MarkBlockManager(len(c.blockManager.MissingBlocks()), c.blockManager.SuspendedBlocksCount())
	c.mtx.Unlock()

	c.notify(subDags)
	return missing
}

// FindBlocks 把需要获取的区块加入缺失集合，返回新加入的区块
func (c *Core) FindBlocks(refs []types.BlockRef) []types.BlockRef {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	added := c.blockManager.TryFindBlocks(refs)
	c.metric.MarkBlockManager(len(c.blockManager.MissingBlocks()), c.blockManager.SuspendedBlocksCount())
	return added
}

// SetGCRound 推进gc轮次，释放不再等待的挂起区块
func (c *Core) SetGCRound(round types.Round) {
	c.mtx.Lock()
	c.dagStore.SetGCRound(round)
	accepted := c.blockManager.TryUnsuspendBlocksForLatestGCRound()
	var subDags []CommittedSubDag
	if len(accepted) > 0 {
		c.metric.MarkAccepted(len(accepted), c.dagStore.HighestAcceptedRound())
		subDags = c.tryCommit()
	}
	c.mtx.Unlock()

	c.notify(subDags)
}

// TryCommit 在没有新区块的情况下重新尝试提交
func (c *Core) TryCommit() []CommittedSubDag {
	c.mtx.Lock()
	subDags := c.tryCommit()
	c.mtx.Unlock()

	c.notify(subDags)
	return subDags
}

func (c *Core) tryCommit() []CommittedSubDag {
	decided := c.committer.TryCommit(c.lastDecided)
	if len(decided) == 0 {
		return nil
	}

	var leaders []*types.VerifiedBlock
	for _, status := range decided {
		c.metric.MarkDecided(status)
		if status.Kind == types.Commit {
			leaders = append(leaders, status.Block)
		}
		c.Logger.Debug("decided leader", "status", status)
	}
	c.lastDecided = decided[len(decided)-1].Slot

	subDags := c.linearizer.HandleCommit(leaders)
	for _, subDag := range subDags {
		c.metrics.CommittedSubDags.Add(1)
		c.metrics.CommittedBlocks.Add(float64(len(subDag.Blocks)))
		c.metric.MarkCommitted(subDag.CommitIndex, len(subDag.Blocks))
		c.Logger.Info("committed sub-dag", "index", subDag.CommitIndex, "leader", subDag.Leader, "blocks", len(subDag.Blocks))
	}
	c.commits = append(c.commits, subDags...)
	return subDags
}

func (c *Core) notify(subDags []CommittedSubDag) {
	for i := range subDags {
		c.eventSwitch.FireEvent(EventNewCommit, subDags[i])
	}
}

func (c *Core) LastDecided() types.Slot {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.lastDecided
}

// Commits 返回到目前为止所有提交的sub-dag
func (c *Core) Commits() []CommittedSubDag {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	out := make([]CommittedSubDag, len(c.commits))
	copy(out, c.commits)
	return out
}

func (c *Core) MissingBlocks() []types.BlockRef {
	return c.blockManager.MissingBlocks()
}

func (c *Core) BlockManager() *BlockManager {
	return c.blockManager
}

func (c *Core) Committer() *UniversalCommitter {
	return c.committer
}

// Metric JSON快照
func (c *Core) Metric() metric.MetricItem {
	return c.metric
}
