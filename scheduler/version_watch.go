package scheduler

import (
	"sync"

	"dagbft/types"
)

// versionWatch 广播最近结算的版本
// 每次推进都会关闭旧的changed并换一个新的，等待方重新读取版本即可
type versionWatch struct {
	mtx     sync.Mutex
	version types.Version
	changed chan struct{}
}

func newVersionWatch(start types.Version) *versionWatch {
	return &versionWatch{
		version: start,
		changed: make(chan struct{}),
	}
}

func (w *versionWatch) Load() types.Version {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.version
}

// Advance 只接受更大的版本
func (w *versionWatch) Advance(v types.Version) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if v <= w.version {
		return false
	}
	w.version = v
	close(w.changed)
	w.changed = make(chan struct{})
	return true
}

func (w *versionWatch) current() (types.Version, <-chan struct{}) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.version, w.changed
}

// WaitFor 阻塞直到结算版本不小于v，quit关闭时返回false
func (w *versionWatch) WaitFor(v types.Version, quit <-chan struct{}) (types.Version, bool) {
	for {
		cur, changed := w.current()
		if cur >= v {
			return cur, true
		}
		select {
		case <-changed:
		case <-quit:
			return cur, false
		}
	}
}
