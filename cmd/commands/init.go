package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	tmos "github.com/tendermint/tendermint/libs/os"

	cfg "dagbft/config"
	"dagbft/privval"
	"dagbft/types"
)

var authorityIndex uint32

// InitFilesCmd initialises a fresh dagbft home directory.
var InitFilesCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize dagbft config and key files",
	RunE:  initFiles,
}

func init() {
	InitFilesCmd.Flags().Uint32Var(&authorityIndex, "authority", 0, "本节点在committee中的编号")
}

func initFiles(cmd *cobra.Command, args []string) error {
	return initFilesWithConfig(config)
}

func initFilesWithConfig(config *cfg.Config) error {
	configFile := config.ConfigFile()
	if tmos.FileExists(configFile) {
		logger.Info("Found config file", "path", configFile)
	} else {
		if err := cfg.WriteConfigFile(viper.GetViper(), config); err != nil {
			return err
		}
		logger.Info("Generated config file", "path", configFile)
	}

	// block signing key
	keyFile := config.PrivKeyFile()
	if tmos.FileExists(keyFile) {
		logger.Info("Found private key", "keyFile", keyFile)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0700); err != nil {
		return err
	}
	pv := privval.GenFilePV(keyFile, types.AuthorityIndex(authorityIndex))
	if err := pv.Save(); err != nil {
		return err
	}
	logger.Info("Generated private key", "keyFile", keyFile, "authority", pv.Authority())
	return nil
}
