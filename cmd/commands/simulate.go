package commands

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/events"
	"golang.org/x/sync/errgroup"

	"dagbft/consensus"
	"dagbft/libs/utils"
	nm "dagbft/node"
	"dagbft/privval"
	"dagbft/types"
)

var (
	simRounds     int
	simMaxDelayMs int
	simSeed       int64
	simTimeout    time.Duration
)

func init() {
	SimulateCmd.Flags().IntVar(&simRounds, "rounds", 30, "number of DAG rounds every authority proposes")
	SimulateCmd.Flags().IntVar(&simMaxDelayMs, "max-delay", 5, "maximum delivery delay of a block in ms")
	SimulateCmd.Flags().Int64Var(&simSeed, "seed", 1, "随机数种子，决定DAG的形状和投递顺序")
	SimulateCmd.Flags().DurationVar(&simTimeout, "timeout", 30*time.Second, "simulation timeout")
}

// SimulateCmd 在本地生成一个committee的签名区块，乱序投递给共识core，打印提交结果
var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process committee and print the committed sub-dags",
	RunE:  runSimulate,
}

// simBlock 区块及其投递时间
type simBlock struct {
	block  *types.Block
	sentAt time.Time
}

// buildSignedDag 每个区块引用自己的上一个区块，加上随机的其他区块凑够quorum
func buildSignedDag(committee *types.Committee, privVals []*privval.FilePV, rounds int, r *rand.Rand) ([][]*types.Block, error) {
	prev := make([]types.BlockRef, 0, committee.Size())
	for _, genesis := range types.GenesisBlocks(committee) {
		prev = append(prev, genesis.Reference())
	}

	quorum := int(committee.QuorumThreshold())
	layers := make([][]*types.Block, 0, rounds)
	for round := 1; round <= rounds; round++ {
		layer := make([]*types.Block, 0, committee.Size())
		for i, pv := range privVals {
			ancestors := []types.BlockRef{prev[i]}
			for _, j := range r.Perm(len(prev)) {
				if len(ancestors) >= quorum {
					break
				}
				if j != i {
					ancestors = append(ancestors, prev[j])
				}
			}
			block := types.NewBlock(types.Round(round), pv.Authority(), int64(round)*100, ancestors,
				[][]byte{[]byte(fmt.Sprintf("tx-%d-%d", round, i))})
			if err := pv.SignBlock(block); err != nil {
				return nil, err
			}
			layer = append(layer, block)
		}
		layers = append(layers, layer)

		prev = prev[:0]
		for _, block := range layer {
			prev = append(prev, block.Reference())
		}
	}
	return layers, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	node, err := nm.NewNode(config, logger)
	if err != nil {
		return err
	}
	if err := node.Start(); err != nil {
		return err
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logger.Error("failed to stop node", "err", err)
		}
	}()

	r := rand.New(rand.NewSource(simSeed))
	layers, err := buildSignedDag(node.Committee(), node.PrivValidators(), simRounds, r)
	if err != nil {
		return err
	}

	var (
		mtx       sync.Mutex
		sentAt    = make(map[types.BlockRef]time.Time)
		latencies []float64
	)
	core := node.Core()
	err = core.EventSwitch().AddListenerForEvent("simulate", consensus.EventNewCommit, func(data events.EventData) {
		subDag := data.(consensus.CommittedSubDag)
		mtx.Lock()
		defer mtx.Unlock()
		if t, ok := sentAt[subDag.Leader]; ok {
			latencies = append(latencies, float64(time.Since(t))/float64(time.Millisecond))
		}
		fmt.Printf("commit #%d leader %v blocks %d ts %d\n",
			subDag.CommitIndex, subDag.Leader, len(subDag.Blocks), subDag.TimestampMs)
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), simTimeout)
	defer cancel()

	// 每个authority一个goroutine，按轮次发送自己的区块，随机延迟造成乱序到达
	g, gctx := errgroup.WithContext(ctx)
	for i := range node.PrivValidators() {
		i := i
		peerRand := rand.New(rand.NewSource(simSeed + int64(i) + 1))
		g.Go(func() error {
			peerID := fmt.Sprintf("authority-%d", i)
			for _, layer := range layers {
				block := layer[i]
				mtx.Lock()
				sentAt[block.Reference()] = time.Now()
				mtx.Unlock()
				core.SendMessage(&consensus.BlocksMessage{Blocks: []*types.Block{block}}, peerID)

				delay := time.Duration(peerRand.Intn(simMaxDelayMs+1)) * time.Millisecond
				select {
				case <-time.After(delay):
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// 等待所有区块被接受
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for node.DagState().HighestAcceptedRound() < types.Round(simRounds) ||
		core.BlockManager().SuspendedBlocksCount() > 0 {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("simulation timed out: highest accepted round %d, missing %d",
				node.DagState().HighestAcceptedRound(), len(core.MissingBlocks()))
		}
	}

	mtx.Lock()
	stats := utils.Summarize(latencies...)
	mtx.Unlock()

	logger.Info("simulation finished", "rounds", simRounds, "commits", len(core.Commits()),
		"last_decided", core.LastDecided())
	bz, err := jsoniter.MarshalToString(stats)
	if err != nil {
		return err
	}
	fmt.Println("commit latency (ms):", bz)
	for _, label := range node.MetricSet().GetAlllabels() {
		fmt.Printf("%s: %s\n", label, node.MetricSet().GetMetrics(label).JSONString())
	}
	return nil
}
