package consensus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"dagbft/store"
	"dagbft/types"
)

const (
	// MaxMissingBlocks 缺失区块索引的上限，同时也是带有未跟踪祖先的挂起区块数量上限
	MaxMissingBlocks = 100_000

	btreeDegree = 32
)

const (
	dropReasonGC        = "gc"
	dropReasonMalformed = "malformed"
	dropReasonFlooding  = "flooding"
)

type BlockManagerOption func(*BlockManager)

func WithMaxMissingBlocks(n int) BlockManagerOption {
	return func(bm *BlockManager) { bm.maxMissingBlocks = n }
}

func WithBlockManagerMetrics(metrics *Metrics) BlockManagerOption {
	return func(bm *BlockManager) { bm.metrics = metrics }
}

// suspendedBlock 已经收到但祖先不完整的区块
type suspendedBlock struct {
	block *types.VerifiedBlock
	// 在缺失索引中跟踪的祖先
	missing map[types.BlockRef]struct{}
	// 索引已满时没有跟踪的祖先
	untracked map[types.BlockRef]struct{}
}

func (sb *suspendedBlock) resolved() bool {
	return len(sb.missing) == 0 && len(sb.untracked) == 0
}

// missingEntry 一个缺失的祖先以及等待它的区块
type missingEntry struct {
	ref        types.BlockRef
	dependents map[types.BlockRef]struct{}
}

func missingEntryLess(a, b *missingEntry) bool {
	return a.ref.Less(b.ref)
}

func entryKey(ref types.BlockRef) *missingEntry {
	return &missingEntry{ref: ref}
}

// BlockManager 决定哪些区块可以进入DAG：只有祖先都已经存储(或者已经被gc)的区块才会被接受。
//
// 缺失祖先的索引大小不超过 maxMissingBlocks。索引满了之后新出现的缺失祖先不再跟踪，
// 只记录在挂起区块上，等索引有空间或者gc轮次推进时再处理。
// 这类区块最多保留 maxMissingBlocks 个，更多的直接丢弃。
type BlockManager struct {
	mtx sync.Mutex

	committee        *types.Committee
	dagStore         store.DagStore
	maxMissingBlocks int

	suspended map[types.BlockRef]*suspendedBlock
	// 跟踪中的缺失祖先，按BlockRef排序
	missing *btree.BTreeG[*missingEntry]
	// 没有跟踪的缺失祖先
	untracked       *btree.BTreeG[*missingEntry]
	untrackedBlocks int

	metrics *Metrics
	logger  log.Logger
}

func NewBlockManager(committee *types.Committee, dagStore store.DagStore, options ...BlockManagerOption) *BlockManager {
	bm := &BlockManager{
		committee:        committee,
		dagStore:         dagStore,
		maxMissingBlocks: MaxMissingBlocks,
		suspended:        make(map[types.BlockRef]*suspendedBlock),
		missing:          btree.NewG[*missingEntry](btreeDegree, missingEntryLess),
		untracked:        btree.NewG[*missingEntry](btreeDegree, missingEntryLess),
		metrics:          NopMetrics(),
		logger:           log.NewNopLogger(),
	}
	for _, option := range options {
		option(bm)
	}
	return bm
}

func (bm *BlockManager) SetLogger(logger log.Logger) {
	bm.logger = logger
}

// TryAcceptBlocks 尝试接受一组区块，返回新接受的区块(包括因此解除挂起的区块)，
// 以及这次调用引入的、仍然缺失的祖先。
func (bm *BlockManager) TryAcceptBlocks(blocks []*types.VerifiedBlock) ([]*types.VerifiedBlock, []types.BlockRef) {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	sorted := make([]*types.VerifiedBlock, len(blocks))
	copy(sorted, blocks)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Reference().Less(sorted[j].Reference())
	})

	gcRound := bm.dagStore.GCRound()
	touched := make(map[types.BlockRef]struct{})

	var accepted []*types.VerifiedBlock
	for _, block := range sorted {
		ref := block.Reference()
		if _, ok := bm.suspended[ref]; ok || bm.dagStore.Contains(ref) {
			continue
		}
		if block.Round() <= gcRound {
			bm.logger.Debug("drop block below gc round", "block", ref, "gc_round", gcRound)
			bm.metrics.DroppedBlocks.With("reason", dropReasonGC).Add(1)
			continue
		}
		if err := bm.checkBlock(block); err != nil {
			bm.logger.Debug("drop malformed block", "block", ref, "err", err)
			bm.metrics.DroppedBlocks.With("reason", dropReasonMalformed).Add(1)
			continue
		}

		missing := bm.missingAncestors(block, gcRound)
		if len(missing) == 0 {
			accepted = append(accepted, bm.acceptBlocks([]*types.VerifiedBlock{block})...)
			continue
		}
		if !bm.suspendBlock(block, missing, touched) {
			bm.logger.Debug("drop block, too many untracked missing ancestors", "block", ref)
			bm.metrics.DroppedBlocks.With("reason", dropReasonFlooding).Add(1)
		}
	}

	accepted = append(accepted, bm.retrackUntracked(gcRound)...)

	missingRefs := make([]types.BlockRef, 0, len(touched))
	for ref := range touched {
		if _, ok := bm.suspended[ref]; ok {
			continue
		}
		if bm.missing.Has(entryKey(ref)) {
			missingRefs = append(missingRefs, ref)
		}
	}
	sort.Slice(missingRefs, func(i, j int) bool { return missingRefs[i].Less(missingRefs[j]) })

	bm.updateMetrics()
	return accepted, missingRefs
}

// TryUnsuspendBlocksForLatestGCRound gc轮次推进之后调用：
// 不超过gc轮次的挂起区块被丢弃，不超过gc轮次的缺失祖先不再等待。
func (bm *BlockManager) TryUnsuspendBlocksForLatestGCRound() []*types.VerifiedBlock {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	gcRound := bm.dagStore.GCRound()

	var stale []types.BlockRef
	for ref := range bm.suspended {
		if ref.Round <= gcRound {
			stale = append(stale, ref)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Less(stale[j]) })
	for _, ref := range stale {
		bm.removeSuspended(ref)
	}

	pivot := entryKey(types.NewBlockRef(gcRound+1, 0, types.MinDigest))
	var expired []types.BlockRef
	collect := func(e *missingEntry) bool {
		expired = append(expired, e.ref)
		return true
	}
	bm.missing.AscendLessThan(pivot, collect)
	bm.untracked.AscendLessThan(pivot, collect)
	sort.Slice(expired, func(i, j int) bool { return expired[i].Less(expired[j]) })

	var accepted []*types.VerifiedBlock
	for _, ref := range expired {
		accepted = append(accepted, bm.acceptBlocks(bm.resolveMissing(ref))...)
	}
	accepted = append(accepted, bm.retrackUntracked(gcRound)...)

	if len(stale) > 0 || len(expired) > 0 {
		bm.logger.Debug("gc sweep", "gc_round", gcRound, "dropped", len(stale), "released", len(expired), "accepted", len(accepted))
	}
	bm.updateMetrics()
	return accepted
}

// TryFindBlocks 把调用方需要获取的区块加入缺失集合，返回新加入的区块
func (bm *BlockManager) TryFindBlocks(refs []types.BlockRef) []types.BlockRef {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	sorted := make([]types.BlockRef, len(refs))
	copy(sorted, refs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	gcRound := bm.dagStore.GCRound()
	var added []types.BlockRef
	for _, ref := range sorted {
		if ref.Round <= gcRound || bm.missing.Has(entryKey(ref)) {
			continue
		}
		if _, ok := bm.suspended[ref]; ok {
			continue
		}
		if bm.dagStore.Contains(ref) {
			continue
		}
		if bm.missing.Len() >= bm.maxMissingBlocks {
			break
		}
		if entry, ok := bm.untracked.Get(entryKey(ref)); ok {
			bm.trackEntry(entry)
		} else {
			bm.missing.ReplaceOrInsert(&missingEntry{ref: ref, dependents: make(map[types.BlockRef]struct{})})
		}
		added = append(added, ref)
	}
	bm.updateMetrics()
	return added
}

// MissingBlocks 返回需要从其他节点获取的区块，有序
func (bm *BlockManager) MissingBlocks() []types.BlockRef {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()

	refs := make([]types.BlockRef, 0, bm.missing.Len())
	bm.missing.Ascend(func(e *missingEntry) bool {
		if _, ok := bm.suspended[e.ref]; !ok {
			refs = append(refs, e.ref)
		}
		return true
	})
	return refs
}

func (bm *BlockManager) SuspendedBlocksCount() int {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	return len(bm.suspended)
}

// UntrackedSuspendedBlocksCount 带有未跟踪祖先的挂起区块数量
func (bm *BlockManager) UntrackedSuspendedBlocksCount() int {
	bm.mtx.Lock()
	defer bm.mtx.Unlock()
	return bm.untrackedBlocks
}

//----------------------------------------

// checkBlock 结构上不合法的区块直接拒绝
func (bm *BlockManager) checkBlock(block *types.VerifiedBlock) error {
	if !bm.committee.IsValidIndex(block.Author()) {
		return errors.Wrapf(types.ErrInvalidBlock, "unknown author %d", block.Author())
	}
	if err := block.Block().ValidateBasic(); err != nil {
		return err
	}
	for _, ancestor := range block.Ancestors() {
		if !bm.committee.IsValidIndex(ancestor.Author) {
			return errors.Wrapf(types.ErrInvalidBlock, "ancestor %v from unknown authority", ancestor)
		}
	}
	return nil
}

// missingAncestors 没有存储并且高于gc轮次的祖先，有序
func (bm *BlockManager) missingAncestors(block *types.VerifiedBlock, gcRound types.Round) []types.BlockRef {
	candidates := make([]types.BlockRef, 0, len(block.Ancestors()))
	for _, ancestor := range block.Ancestors() {
		if ancestor.Round > gcRound {
			candidates = append(candidates, ancestor)
		}
	}
	exist := bm.dagStore.ContainsBlocks(candidates)

	var missing []types.BlockRef
	for i, ancestor := range candidates {
		if !exist[i] {
			missing = append(missing, ancestor)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Less(missing[j]) })
	return missing
}

// suspendBlock 挂起区块。需要新增未跟踪祖先但这类区块已经达到上限时，不修改任何状态并返回false
func (bm *BlockManager) suspendBlock(block *types.VerifiedBlock, missing []types.BlockRef, touched map[types.BlockRef]struct{}) bool {
	free := bm.maxMissingBlocks - bm.missing.Len()
	var tracked, untracked []types.BlockRef
	for _, ancestor := range missing {
		switch {
		case bm.missing.Has(entryKey(ancestor)):
			tracked = append(tracked, ancestor)
		case bm.untracked.Has(entryKey(ancestor)):
			untracked = append(untracked, ancestor)
		case free > 0:
			free--
			tracked = append(tracked, ancestor)
		default:
			untracked = append(untracked, ancestor)
		}
	}
	if len(untracked) > 0 && bm.untrackedBlocks >= bm.maxMissingBlocks {
		return false
	}

	ref := block.Reference()
	sb := &suspendedBlock{
		block:     block,
		missing:   make(map[types.BlockRef]struct{}, len(tracked)),
		untracked: make(map[types.BlockRef]struct{}, len(untracked)),
	}
	for _, ancestor := range tracked {
		sb.missing[ancestor] = struct{}{}
		addDependent(bm.missing, ancestor, ref)
		touched[ancestor] = struct{}{}
	}
	for _, ancestor := range untracked {
		sb.untracked[ancestor] = struct{}{}
		addDependent(bm.untracked, ancestor, ref)
	}
	if len(untracked) > 0 {
		bm.untrackedBlocks++
	}
	bm.suspended[ref] = sb
	return true
}

func addDependent(tree *btree.BTreeG[*missingEntry], ancestor, dependent types.BlockRef) {
	entry, ok := tree.Get(entryKey(ancestor))
	if !ok {
		entry = &missingEntry{ref: ancestor, dependents: make(map[types.BlockRef]struct{})}
		tree.ReplaceOrInsert(entry)
	}
	entry.dependents[dependent] = struct{}{}
}

// acceptBlocks 写入区块，并递归接受因此解除挂起的区块
func (bm *BlockManager) acceptBlocks(blocks []*types.VerifiedBlock) []*types.VerifiedBlock {
	var accepted []*types.VerifiedBlock
	queue := blocks
	for len(queue) > 0 {
		block := queue[0]
		queue = queue[1:]

		if err := bm.dagStore.AcceptBlocks([]*types.VerifiedBlock{block}); err != nil {
			panic(fmt.Sprintf("failed to write block %v to dag store: %v", block.Reference(), err))
		}
		accepted = append(accepted, block)
		bm.metrics.AcceptedBlocks.Add(1)

		queue = append(queue, bm.resolveMissing(block.Reference())...)
	}
	return accepted
}

// resolveMissing ref已经存储或者已经被gc，不再等待它。返回所有祖先都齐全的挂起区块，有序
func (bm *BlockManager) resolveMissing(ref types.BlockRef) []*types.VerifiedBlock {
	var unsuspended []*types.VerifiedBlock

	if entry, ok := bm.missing.Delete(entryKey(ref)); ok {
		for dependent := range entry.dependents {
			sb := bm.suspended[dependent]
			delete(sb.missing, ref)
			if sb.resolved() {
				delete(bm.suspended, dependent)
				unsuspended = append(unsuspended, sb.block)
			}
		}
	}
	if entry, ok := bm.untracked.Delete(entryKey(ref)); ok {
		for dependent := range entry.dependents {
			sb := bm.suspended[dependent]
			delete(sb.untracked, ref)
			if len(sb.untracked) == 0 {
				bm.untrackedBlocks--
			}
			if sb.resolved() {
				delete(bm.suspended, dependent)
				unsuspended = append(unsuspended, sb.block)
			}
		}
	}

	sort.Slice(unsuspended, func(i, j int) bool {
		return unsuspended[i].Reference().Less(unsuspended[j].Reference())
	})
	return unsuspended
}

// retrackUntracked 索引有空间时，把未跟踪的祖先按顺序移入索引；已经存储或者被gc的直接解除等待
func (bm *BlockManager) retrackUntracked(gcRound types.Round) []*types.VerifiedBlock {
	var accepted []*types.VerifiedBlock
	for bm.untracked.Len() > 0 {
		entry, _ := bm.untracked.Min()
		if entry.ref.Round <= gcRound || bm.dagStore.Contains(entry.ref) {
			accepted = append(accepted, bm.acceptBlocks(bm.resolveMissing(entry.ref))...)
			continue
		}
		if bm.missing.Len() >= bm.maxMissingBlocks {
			break
		}
		bm.trackEntry(entry)
	}
	return accepted
}

// trackEntry 把一个未跟踪的祖先移入索引
func (bm *BlockManager) trackEntry(entry *missingEntry) {
	bm.untracked.Delete(entry)
	bm.missing.ReplaceOrInsert(entry)
	for dependent := range entry.dependents {
		sb := bm.suspended[dependent]
		delete(sb.untracked, entry.ref)
		sb.missing[entry.ref] = struct{}{}
		if len(sb.untracked) == 0 {
			bm.untrackedBlocks--
		}
	}
}

// removeSuspended 丢弃一个挂起区块，并把它从所有等待的祖先中移除
func (bm *BlockManager) removeSuspended(ref types.BlockRef) {
	sb, ok := bm.suspended[ref]
	if !ok {
		return
	}
	delete(bm.suspended, ref)

	for ancestor := range sb.missing {
		if entry, ok := bm.missing.Get(entryKey(ancestor)); ok {
			delete(entry.dependents, ref)
		}
	}
	for ancestor := range sb.untracked {
		if entry, ok := bm.untracked.Get(entryKey(ancestor)); ok {
			delete(entry.dependents, ref)
			if len(entry.dependents) == 0 {
				bm.untracked.Delete(entry)
			}
		}
	}
	if len(sb.untracked) > 0 {
		bm.untrackedBlocks--
	}
}

func (bm *BlockManager) updateMetrics() {
	bm.metrics.MissingBlocks.Set(float64(bm.missing.Len()))
	bm.metrics.SuspendedBlocks.Set(float64(len(bm.suspended)))
}
