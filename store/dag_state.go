package store

import (
	"encoding/binary"
	"sort"
	"sync"

	"dagbft/types"

	lru "github.com/hashicorp/golang-lru"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"
)

const (
	DefaultBlockCacheSize = 10_000

	blockKeyPrefix = "b/"
	metaGCRoundKey = "m/gc_round"
)

var (
	ErrBlockNotFound = errors.New("block not found")
	ErrCorruptedData = errors.New("corrupted data")

	json = jsoniter.ConfigCompatibleWithStandardLibrary
)

// DagStore 共识模块读取和写入DAG的接口
type DagStore interface {
	GetBlock(ref types.BlockRef) (*types.VerifiedBlock, bool)
	Contains(ref types.BlockRef) bool
	ContainsBlocks(refs []types.BlockRef) []bool
	// BlocksInRound 按 (author, digest) 排序
	BlocksInRound(round types.Round) []*types.VerifiedBlock
	BlocksAtSlot(slot types.Slot) []*types.VerifiedBlock
	// AcceptBlocks 写入已经因果完整的区块，重复写入是幂等的
	AcceptBlocks(blocks []*types.VerifiedBlock) error
	HighestAcceptedRound() types.Round
	GCRound() types.Round
	SetGCRound(round types.Round)
}

var _ DagStore = (*DagState)(nil)

type DagStateOption func(*DagState)

// WithBlockCacheSize 设置解码后区块的缓存大小
func WithBlockCacheSize(size int) DagStateOption {
	return func(ds *DagState) { ds.cacheSize = size }
}

// DagState 把区块保存在tm-db中，并在内存中缓存最近访问的区块
//
// key: b/<round BE><author BE><digest>，同一轮的区块在key空间中连续，
// 按轮查询就是一次范围迭代。
type DagState struct {
	mtx sync.RWMutex

	db        tmdb.DB
	committee *types.Committee
	cache     *lru.Cache
	cacheSize int

	highestAcceptedRound types.Round
	gcRound              types.Round

	logger log.Logger
}

// NewDagState 创建DagState，并写入genesis区块
func NewDagState(db tmdb.DB, committee *types.Committee, options ...DagStateOption) (*DagState, error) {
	ds := &DagState{
		db:        db,
		committee: committee,
		cacheSize: DefaultBlockCacheSize,
		logger:    log.NewNopLogger(),
	}
	for _, option := range options {
		option(ds)
	}

	cache, err := lru.New(ds.cacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "create block cache")
	}
	ds.cache = cache

	if err := ds.AcceptBlocks(types.GenesisBlocks(committee)); err != nil {
		return nil, errors.Wrap(err, "write genesis blocks")
	}
	if err := ds.recover(); err != nil {
		return nil, err
	}
	return ds, nil
}

func (ds *DagState) SetLogger(l log.Logger) {
	ds.logger = l
}

// recover 从db中恢复最高轮次和gc轮次
func (ds *DagState) recover() error {
	bz, err := ds.db.Get([]byte(metaGCRoundKey))
	if err != nil {
		return errors.Wrap(err, "read gc round")
	}
	if len(bz) == 4 {
		ds.gcRound = types.Round(binary.BigEndian.Uint32(bz))
	}

	it, err := ds.db.ReverseIterator([]byte(blockKeyPrefix), prefixEnd([]byte(blockKeyPrefix)))
	if err != nil {
		return errors.Wrap(err, "iterate blocks")
	}
	defer it.Close()
	if it.Valid() {
		ref, err := decodeBlockKey(it.Key())
		if err != nil {
			return err
		}
		ds.highestAcceptedRound = ref.Round
	}
	return it.Error()
}

func (ds *DagState) GetBlock(ref types.BlockRef) (*types.VerifiedBlock, bool) {
	ds.mtx.RLock()
	defer ds.mtx.RUnlock()

	block, err := ds.getBlock(ref)
	if err != nil {
		if !errors.Is(err, ErrBlockNotFound) {
			ds.logger.Error("read block failed", "ref", ref, "err", err)
		}
		return nil, false
	}
	return block, true
}

func (ds *DagState) getBlock(ref types.BlockRef) (*types.VerifiedBlock, error) {
	if v, ok := ds.cache.Get(ref); ok {
		return v.(*types.VerifiedBlock), nil
	}
	bz, err := ds.db.Get(blockKey(ref))
	if err != nil {
		return nil, err
	}
	if bz == nil {
		return nil, ErrBlockNotFound
	}
	block, err := decodeBlock(bz)
	if err != nil {
		return nil, err
	}
	ds.cache.Add(ref, block)
	return block, nil
}

func (ds *DagState) Contains(ref types.BlockRef) bool {
	ds.mtx.RLock()
	defer ds.mtx.RUnlock()
	return ds.contains(ref)
}

func (ds *DagState) contains(ref types.BlockRef) bool {
	if ds.cache.Contains(ref) {
		return true
	}
	ok, err := ds.db.Has(blockKey(ref))
	if err != nil {
		ds.logger.Error("read block failed", "ref", ref, "err", err)
		return false
	}
	return ok
}

func (ds *DagState) ContainsBlocks(refs []types.BlockRef) []bool {
	ds.mtx.RLock()
	defer ds.mtx.RUnlock()

	exist := make([]bool, len(refs))
	for i, ref := range refs {
		exist[i] = ds.contains(ref)
	}
	return exist
}

func (ds *DagState) BlocksInRound(round types.Round) []*types.VerifiedBlock {
	start := roundKeyPrefix(round)
	return ds.scanBlocks(start, prefixEnd(start))
}

func (ds *DagState) BlocksAtSlot(slot types.Slot) []*types.VerifiedBlock {
	start := slotKeyPrefix(slot)
	return ds.scanBlocks(start, prefixEnd(start))
}

func (ds *DagState) scanBlocks(start, end []byte) []*types.VerifiedBlock {
	ds.mtx.RLock()
	defer ds.mtx.RUnlock()

	it, err := ds.db.Iterator(start, end)
	if err != nil {
		ds.logger.Error("iterate blocks failed", "err", err)
		return nil
	}
	defer it.Close()

	var blocks []*types.VerifiedBlock
	for ; it.Valid(); it.Next() {
		ref, err := decodeBlockKey(it.Key())
		if err != nil {
			ds.logger.Error("bad block key", "key", it.Key(), "err", err)
			continue
		}
		if v, ok := ds.cache.Get(ref); ok {
			blocks = append(blocks, v.(*types.VerifiedBlock))
			continue
		}
		block, err := decodeBlock(it.Value())
		if err != nil {
			ds.logger.Error("bad block value", "ref", ref, "err", err)
			continue
		}
		ds.cache.Add(ref, block)
		blocks = append(blocks, block)
	}
	if err := it.Error(); err != nil {
		ds.logger.Error("iterate blocks failed", "err", err)
	}
	return blocks
}

func (ds *DagState) AcceptBlocks(blocks []*types.VerifiedBlock) error {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()

	batch := ds.db.NewBatch()
	defer batch.Close()

	for _, block := range blocks {
		bz, err := json.Marshal(block.Block())
		if err != nil {
			return errors.Wrapf(err, "encode block %v", block.Reference())
		}
		if err := batch.Set(blockKey(block.Reference()), bz); err != nil {
			return errors.Wrapf(err, "write block %v", block.Reference())
		}
	}
	if err := batch.Write(); err != nil {
		return errors.Wrap(err, "write blocks")
	}

	for _, block := range blocks {
		ds.cache.Add(block.Reference(), block)
		if block.Round() > ds.highestAcceptedRound {
			ds.highestAcceptedRound = block.Round()
		}
	}
	return nil
}

func (ds *DagState) HighestAcceptedRound() types.Round {
	ds.mtx.RLock()
	defer ds.mtx.RUnlock()
	return ds.highestAcceptedRound
}

func (ds *DagState) GCRound() types.Round {
	ds.mtx.RLock()
	defer ds.mtx.RUnlock()
	return ds.gcRound
}

// SetGCRound gc轮次只能增加
func (ds *DagState) SetGCRound(round types.Round) {
	ds.mtx.Lock()
	defer ds.mtx.Unlock()

	if round <= ds.gcRound {
		return
	}
	ds.gcRound = round
	bz := make([]byte, 4)
	binary.BigEndian.PutUint32(bz, uint32(round))
	if err := ds.db.Set([]byte(metaGCRoundKey), bz); err != nil {
		ds.logger.Error("persist gc round failed", "round", round, "err", err)
	}
}

// Committee returns the committee the genesis blocks were built from.
func (ds *DagState) Committee() *types.Committee {
	return ds.committee
}

//----------------------------------------
// keys

func roundKeyPrefix(round types.Round) []byte {
	key := make([]byte, 0, len(blockKeyPrefix)+8+types.DigestSize)
	key = append(key, blockKeyPrefix...)
	return appendUint32(key, uint32(round))
}

func slotKeyPrefix(slot types.Slot) []byte {
	return appendUint32(roundKeyPrefix(slot.Round), uint32(slot.Authority))
}

func blockKey(ref types.BlockRef) []byte {
	return append(slotKeyPrefix(ref.Slot()), ref.Digest[:]...)
}

func decodeBlockKey(key []byte) (types.BlockRef, error) {
	var ref types.BlockRef
	if len(key) != len(blockKeyPrefix)+8+types.DigestSize {
		return ref, errors.Wrapf(ErrCorruptedData, "block key length %d", len(key))
	}
	key = key[len(blockKeyPrefix):]
	ref.Round = types.Round(binary.BigEndian.Uint32(key[:4]))
	ref.Author = types.AuthorityIndex(binary.BigEndian.Uint32(key[4:8]))
	copy(ref.Digest[:], key[8:])
	return ref, nil
}

func appendUint32(bz []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(bz, buf[:]...)
}

// prefixEnd 返回大于所有以prefix开头的key的最小key
func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func decodeBlock(bz []byte) (*types.VerifiedBlock, error) {
	block := new(types.Block)
	if err := json.Unmarshal(bz, block); err != nil {
		return nil, errors.Wrap(ErrCorruptedData, err.Error())
	}
	return types.NewVerifiedBlock(block), nil
}

// SortBlocks 按 BlockRef 排序
func SortBlocks(blocks []*types.VerifiedBlock) {
	sort.Slice(blocks, func(i, j int) bool {
		return blocks[i].Reference().Less(blocks[j].Reference())
	})
}
