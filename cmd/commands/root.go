package commands

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tendermint/tendermint/libs/cli"
	tmflags "github.com/tendermint/tendermint/libs/cli/flags"
	"github.com/tendermint/tendermint/libs/log"

	cfg "dagbft/config"
)

const defaultLogLevel = "info"

var (
	config = cfg.DefaultConfig()
	logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
)

func init() {
	registerFlagsRootCmd(RootCmd)
}

func registerFlagsRootCmd(cmd *cobra.Command) {
	cmd.PersistentFlags().String("log_level", config.LogLevel, "log level")
	cmd.PersistentFlags().String("scheduler.strategy", config.Scheduler.Strategy, "withdraw scheduler: naive | eager")
	cmd.PersistentFlags().Int("consensus.committee_size", config.Consensus.CommitteeSize, "number of authorities in the local committee")
}

// ParseConfig retrieves the default environment configuration,
// sets up the dagbft root and ensures that the root exists
func ParseConfig() (*cfg.Config, error) {
	conf, err := cfg.Load(viper.GetViper(), viper.GetString(cli.HomeFlag))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.RootDir, 0700); err != nil {
		return nil, err
	}
	return conf, nil
}

// RootCmd is the root command for dagbft.
var RootCmd = &cobra.Command{
	Use:   "dagbft",
	Short: "DAG based BFT consensus core and balance withdraw scheduling",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) (err error) {
		config, err = ParseConfig()
		if err != nil {
			return err
		}

		if config.LogFormat == cfg.LogFormatJSON {
			logger = log.NewTMJSONLogger(log.NewSyncWriter(os.Stdout))
		}

		logger, err = tmflags.ParseLogLevel(config.LogLevel, logger, defaultLogLevel)
		if err != nil {
			return err
		}

		if viper.GetBool(cli.TraceFlag) {
			logger = log.NewTracingLogger(logger)
		}

		logger = logger.With("module", "main")
		return nil
	},
}
