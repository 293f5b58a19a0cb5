package scheduler

import (
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	"dagbft/types"
)

// withdrawBatch 同一个版本上一次调度请求
// 结果按输入顺序写入results，results的容量等于请求数量，写入不会阻塞
type withdrawBatch struct {
	version   types.Version
	withdraws []*TxBalanceWithdraw
	results   chan ScheduleResult
	submitted time.Time

	sent   int
	closed bool
}

func newWithdrawBatch(version types.Version, withdraws []*TxBalanceWithdraw) *withdrawBatch {
	return &withdrawBatch{
		version:   version,
		withdraws: withdraws,
		results:   make(chan ScheduleResult, len(withdraws)),
		submitted: time.Now(),
	}
}

func (b *withdrawBatch) done() bool {
	return b.sent >= len(b.withdraws)
}

// next 下一个还没有结果的请求
func (b *withdrawBatch) next() *TxBalanceWithdraw {
	return b.withdraws[b.sent]
}

func (b *withdrawBatch) send(status ScheduleStatus) {
	var digest types.Digest
	if w := b.withdraws[b.sent]; w != nil {
		digest = w.TxDigest
	}
	b.results <- ScheduleResult{TxDigest: digest, Status: status}
	b.sent++
}

func (b *withdrawBatch) close() {
	if !b.closed {
		b.closed = true
		close(b.results)
	}
}

// batchQueue FIFO的调度队列，由单个worker按提交顺序处理
type batchQueue struct {
	mtx     sync.Mutex
	stopped bool
	batches *clist.CList

	workerDone chan struct{}
}

func newBatchQueue() *batchQueue {
	return &batchQueue{
		batches:    clist.New(),
		workerDone: make(chan struct{}),
	}
}

// push 队列已经停止时返回false
func (q *batchQueue) push(batch *withdrawBatch) bool {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	if q.stopped {
		return false
	}
	q.batches.PushBack(batch)
	return true
}

func (q *batchQueue) Len() int {
	return q.batches.Len()
}

// run 处理队列中的batch，process返回false表示被中断，该batch留在队列中由drain关闭
func (q *batchQueue) run(process func(*withdrawBatch) bool, quit <-chan struct{}, logger log.Logger) {
	defer close(q.workerDone)

	var next *clist.CElement
	for {
		if next == nil {
			select {
			case <-q.batches.WaitChan():
				if next = q.batches.Front(); next == nil {
					continue
				}
			case <-quit:
				return
			}
		}

		batch := next.Value.(*withdrawBatch)
		if !process(batch) {
			logger.Debug("withdraw worker interrupted", "version", batch.version)
			return
		}
		q.batches.Remove(next)

		// 当next有下一个元素或者被移除时，NextWaitChan关闭
		select {
		case <-next.NextWaitChan():
			next = next.Next()
		case <-quit:
			return
		}
	}
}

// drain 在worker退出之后调用，关闭所有还没有完成的batch
func (q *batchQueue) drain() int {
	q.mtx.Lock()
	q.stopped = true
	q.mtx.Unlock()

	var pending []*clist.CElement
	for e := q.batches.Front(); e != nil; e = e.Next() {
		pending = append(pending, e)
	}
	for _, e := range pending {
		e.Value.(*withdrawBatch).close()
		q.batches.Remove(e)
	}
	return len(pending)
}
