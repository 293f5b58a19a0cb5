package store

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"dagbft/types"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
	leveldb "github.com/tendermint/tm-db/goleveldb"
)

const (
	tableAccount      = "a/"
	metaSettledVerKey = "m/settled_version"
)

var (
	ErrAccountExists   = errors.New("account already exists")
	ErrBalanceNegative = errors.New("balance would become negative")
)

// NewBalanceStore 打开goleveldb保存的余额表
func NewBalanceStore(name, dir string, logger log.Logger) (*BalanceStore, error) {
	levelDB, err := leveldb.NewDB(name, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "open balance db %s/%s", dir, name)
	}
	return NewBalanceStoreWithDB(levelDB, logger)
}

func NewBalanceStoreWithDB(db tmdb.DB, logger log.Logger) (*BalanceStore, error) {
	bs := &BalanceStore{db: db, logger: logger}
	bz, err := db.Get([]byte(metaSettledVerKey))
	if err != nil {
		return nil, errors.Wrap(err, "read settled version")
	}
	if len(bz) == 8 {
		bs.settledVersion = types.Version(binary.BigEndian.Uint64(bz))
	}
	return bs, nil
}

// BalanceStore 按版本保存账户余额
//
// table definition:
// account table: key=a/{hex(account)}/{version BE}; value=balance, 32 bytes big endian
// 某个版本的余额是不超过该版本的最近一次写入，没有写入则为0
type BalanceStore struct {
	mtx sync.RWMutex
	db  tmdb.DB

	settledVersion types.Version

	logger log.Logger
}

func (bs *BalanceStore) SetLogger(l log.Logger) {
	bs.logger = l
}

func (bs *BalanceStore) GetDB() tmdb.DB {
	return bs.db
}

// SettledVersion 最近一次结算后的版本
func (bs *BalanceStore) SettledVersion() types.Version {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.settledVersion
}

// InitAccount 在当前结算版本上写入初始余额
func (bs *BalanceStore) InitAccount(account types.AccountID, balance uint256.Int) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	exists, err := bs.hasAccount(account)
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(ErrAccountExists, "account %s", account)
	}
	return bs.db.Set(balanceKey(account, bs.settledVersion), balanceBytes(balance))
}

// Balance 返回账户在version上的余额
func (bs *BalanceStore) Balance(account types.AccountID, version types.Version) (uint256.Int, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.balance(account, version)
}

// GetAccountBalance 供调度器读取余额，读取失败说明存储已经损坏
func (bs *BalanceStore) GetAccountBalance(account types.AccountID, version types.Version) uint256.Int {
	bal, err := bs.Balance(account, version)
	if err != nil {
		panic(fmt.Sprintf("failed to read balance of %s at version %d: %v", account, version, err))
	}
	return bal
}

func (bs *BalanceStore) balance(account types.AccountID, version types.Version) (uint256.Int, error) {
	var bal uint256.Int
	prefix := accountPrefix(account)
	end := append(balanceKey(account, version), 0x00)
	it, err := bs.db.ReverseIterator(prefix, end)
	if err != nil {
		return bal, errors.Wrap(err, "iterate balances")
	}
	defer it.Close()

	if it.Valid() {
		bal.SetBytes(it.Value())
	}
	return bal, it.Error()
}

func (bs *BalanceStore) hasAccount(account types.AccountID) (bool, error) {
	prefix := accountPrefix(account)
	it, err := bs.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return false, errors.Wrap(err, "iterate balances")
	}
	defer it.Close()
	return it.Valid(), it.Error()
}

// ApplySettlement 在NextVersion上写入结算后的余额，重复结算同一版本不会生效
func (bs *BalanceStore) ApplySettlement(settlement *types.BalanceSettlement) error {
	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	if settlement.NextVersion <= bs.settledVersion {
		bs.logger.Debug("settlement already applied", "version", settlement.NextVersion, "settled", bs.settledVersion)
		return nil
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	for _, account := range settlement.Accounts() {
		delta := settlement.BalanceChanges[account]
		pre, err := bs.balance(account, bs.settledVersion)
		if err != nil {
			return err
		}
		post, ok := types.ApplyDelta(pre, delta)
		if !ok {
			return errors.Wrapf(ErrBalanceNegative, "account %s balance %s delta %s", account, pre.Dec(), types.DeltaString(&delta))
		}
		if err := batch.Set(balanceKey(account, settlement.NextVersion), balanceBytes(post)); err != nil {
			return err
		}
	}

	ver := make([]byte, 8)
	binary.BigEndian.PutUint64(ver, uint64(settlement.NextVersion))
	if err := batch.Set([]byte(metaSettledVerKey), ver); err != nil {
		return err
	}
	if err := batch.WriteSync(); err != nil {
		return errors.Wrap(err, "write settlement")
	}
	bs.settledVersion = settlement.NextVersion
	bs.logger.Debug("applied settlement", "version", settlement.NextVersion, "accounts", len(settlement.BalanceChanges))
	return nil
}

// Accounts 返回所有账户，按字典序
func (bs *BalanceStore) Accounts() ([]types.AccountID, error) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()

	prefix := []byte(tableAccount)
	it, err := bs.db.Iterator(prefix, prefixEnd(prefix))
	if err != nil {
		return nil, errors.Wrap(err, "iterate balances")
	}
	defer it.Close()

	var accounts []types.AccountID
	for ; it.Valid(); it.Next() {
		key := it.Key()[len(prefix):]
		// {hex}/{version}
		raw, err := hex.DecodeString(string(key[:len(key)-9]))
		if err != nil {
			return nil, errors.Wrap(ErrCorruptedData, err.Error())
		}
		account := types.AccountID(raw)
		if len(accounts) == 0 || accounts[len(accounts)-1] != account {
			accounts = append(accounts, account)
		}
	}
	return accounts, it.Error()
}

func accountPrefix(account types.AccountID) []byte {
	key := make([]byte, 0, len(tableAccount)+2*len(account)+1+8)
	key = append(key, tableAccount...)
	key = append(key, hex.EncodeToString([]byte(account))...)
	return append(key, '/')
}

func balanceKey(account types.AccountID, version types.Version) []byte {
	var ver [8]byte
	binary.BigEndian.PutUint64(ver[:], uint64(version))
	return append(accountPrefix(account), ver[:]...)
}

func balanceBytes(balance uint256.Int) []byte {
	bz := balance.Bytes32()
	return bz[:]
}
