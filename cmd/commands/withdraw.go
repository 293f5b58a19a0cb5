package commands

import (
	"fmt"
	"io/ioutil"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	nm "dagbft/node"
	"dagbft/scheduler"
	"dagbft/store"
	"dagbft/types"
)

var (
	withdrawFile    string
	withdrawTimeout time.Duration
)

func init() {
	WithdrawCmd.Flags().StringVar(&withdrawFile, "file", "", "JSON file with withdraw batches and settlements")
	WithdrawCmd.Flags().DurationVar(&withdrawTimeout, "timeout", 5*time.Second, "how long to wait for results")
	_ = WithdrawCmd.MarkFlagRequired("file")
}

// WithdrawCmd 按顺序执行文件中的调度和结算，打印每个交易的调度结果
//
// 文件格式:
//
//	[
//	  {"version": 0, "withdraws": [{"tx_digest": "...", "reservations": {"alice": {"kind": "max_amount", "amount": 10}}}]},
//	  {"settle": {"next_version": 1, "changes": {"alice": -10}}}
//	]
var WithdrawCmd = &cobra.Command{
	Use:   "withdraw",
	Short: "Schedule balance withdraws against the balance database",
	RunE:  runWithdraw,
}

type withdrawStep struct {
	Version   types.Version                  `json:"version"`
	Withdraws []*scheduler.TxBalanceWithdraw `json:"withdraws,omitempty"`
	Settle    *settleStep                    `json:"settle,omitempty"`
}

type settleStep struct {
	NextVersion types.Version             `json:"next_version"`
	Changes     map[types.AccountID]int64 `json:"changes"`
}

func (s *settleStep) settlement() *types.BalanceSettlement {
	settlement := types.NewBalanceSettlement(s.NextVersion)
	for account, change := range s.Changes {
		settlement.AddChange(account, types.NewDelta(change))
	}
	return settlement
}

type withdrawOutput struct {
	Version types.Version              `json:"version"`
	Results []scheduler.ScheduleResult `json:"results"`
}

func loadWithdrawSteps(path string) ([]withdrawStep, error) {
	bz, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var steps []withdrawStep
	if err := jsoniter.Unmarshal(bz, &steps); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return steps, nil
}

func runWithdraw(cmd *cobra.Command, args []string) error {
	steps, err := loadWithdrawSteps(withdrawFile)
	if err != nil {
		return err
	}

	db, err := nm.DefaultDBProvider(&nm.DBContext{ID: "balance", Config: config})
	if err != nil {
		return err
	}
	defer db.Close()
	balances, err := store.NewBalanceStoreWithDB(db, logger.With("module", "balance-store"))
	if err != nil {
		return err
	}

	start := balances.SettledVersion()
	sched, err := scheduler.NewScheduler(config.Scheduler.Strategy, balances, start)
	if err != nil {
		return err
	}
	sched.SetLogger(logger.With("module", "scheduler"))
	if err := sched.Start(); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Error("failed to stop scheduler", "err", err)
		}
	}()

	type pendingBatch struct {
		version types.Version
		results <-chan scheduler.ScheduleResult
	}
	var pending []pendingBatch
	for i, step := range steps {
		switch {
		case step.Settle != nil:
			settlement := step.Settle.settlement()
			if err := balances.ApplySettlement(settlement); err != nil {
				return errors.Wrapf(err, "step %d", i)
			}
			sched.SettleBalances(settlement)
		case len(step.Withdraws) > 0:
			pending = append(pending, pendingBatch{
				version: step.Version,
				results: sched.ScheduleWithdraws(step.Version, step.Withdraws),
			})
		default:
			logger.Info("skip empty step", "step", i)
		}
	}

	deadline := time.After(withdrawTimeout)
	for _, batch := range pending {
		out := withdrawOutput{Version: batch.version}
	collect:
		for {
			select {
			case res, ok := <-batch.results:
				if !ok {
					break collect
				}
				out.Results = append(out.Results, res)
			case <-deadline:
				return fmt.Errorf("timed out waiting for withdraws at version %d (settled %d)",
					batch.version, sched.LastSettledVersion())
			}
		}
		bz, err := jsoniter.Marshal(out)
		if err != nil {
			return err
		}
		fmt.Println(string(bz))
	}
	fmt.Println(sched.Metric().JSONString())
	return nil
}
