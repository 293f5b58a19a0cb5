package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tendermint/tendermint/libs/cli"

	cmd "dagbft/cmd/commands"
	cfg "dagbft/config"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.InitFilesCmd,
		cmd.GenKeyCmd,
		cmd.ShowConfigCmd,
		cmd.InitDBCmd,
		cmd.WithdrawCmd,
		cmd.SimulateCmd,
		cli.NewCompletionCmd(rootCmd, true),
	)

	cmd := cli.PrepareBaseCmd(rootCmd, cfg.EnvPrefix, os.ExpandEnv(filepath.Join("$HOME", cfg.DefaultDagbftDir)))
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
