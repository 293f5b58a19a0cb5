package commands

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"dagbft/store"
	"dagbft/types"
)

var (
	accountSum     int
	accountBalance uint64
	dbdir          string
)

func init() {
	InitDBCmd.Flags().IntVar(&accountSum, "account-sum", 100, "number of balance accounts")
	InitDBCmd.Flags().Uint64Var(&accountBalance, "balance", 1000, "initial balance of every account")
	InitDBCmd.Flags().StringVar(&dbdir, "dir", "", "levelDB dir，为空时使用配置中的db_dir")
}

var InitDBCmd = &cobra.Command{
	Use:     "init-db",
	Aliases: []string{"init_db", "initdb"},
	Short:   "initiate a test balance database",
	RunE:    initDB,
}

// AccountName init-db生成的第i个账户
func AccountName(i int) types.AccountID {
	return types.AccountID(fmt.Sprintf("account%v", i+1))
}

func initDB(cmd *cobra.Command, args []string) error {
	if accountSum <= 0 {
		return errors.New("account sum must > 0")
	}
	dir := dbdir
	if dir == "" {
		dir = config.DBDir()
	}
	balances, err := store.NewBalanceStore("balance", dir, logger)
	if err != nil {
		return err
	}
	defer balances.GetDB().Close()

	initial := uint256.NewInt(accountBalance)
	for i := 0; i < accountSum; i++ {
		if err := balances.InitAccount(AccountName(i), *initial); err != nil {
			return err
		}
	}
	logger.Info("initialized balance accounts", "dir", dir, "accounts", accountSum,
		"balance", accountBalance, "version", balances.SettledVersion())
	return nil
}
