package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmos "github.com/tendermint/tendermint/libs/os"

	"dagbft/privval"
	"dagbft/types"
)

var keySeed string

// GenKeyCmd 生成区块签名密钥并打印，不写入文件
var GenKeyCmd = &cobra.Command{
	Use:     "gen-key",
	Aliases: []string{"gen_key"},
	Args:    cobra.NoArgs,
	Short:   "Generate a new block signing key",
	RunE:    genKey,
}

func init() {
	GenKeyCmd.Flags().Uint32Var(&authorityIndex, "authority", 0, "密钥对应的authority编号")
	GenKeyCmd.Flags().StringVar(&keySeed, "seed", "", "随机数种子，相同的种子生成相同的密钥，为空时随机生成")
	GenKeyCmd.Flags().Bool("save", false, "保存到配置的priv_key_file")
}

func genKey(cmd *cobra.Command, args []string) error {
	keyFile := config.PrivKeyFile()
	save, _ := cmd.Flags().GetBool("save")
	if save && tmos.FileExists(keyFile) {
		return fmt.Errorf("private key at %s already exists", keyFile)
	}

	var pv *privval.FilePV
	if keySeed != "" {
		pv = privval.GenFilePVWithSeed(keyFile, types.AuthorityIndex(authorityIndex), []byte(keySeed))
	} else {
		pv = privval.GenFilePV(keyFile, types.AuthorityIndex(authorityIndex))
	}
	jsbz, err := tmjson.Marshal(pv.Key)
	if err != nil {
		return err
	}
	if save {
		if err := pv.Save(); err != nil {
			return err
		}
		logger.Info("Saved private key", "keyFile", keyFile)
	}

	fmt.Printf(`%v
`, string(jsbz))
	return nil
}
