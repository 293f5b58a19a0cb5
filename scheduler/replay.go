package scheduler

import (
	"sync"

	"dagbft/types"
)

// replayTable 记录每个版本上已经给出结果的交易
type replayTable struct {
	mtx      sync.Mutex
	versions map[types.Version]map[types.Digest]struct{}
}

func newReplayTable() *replayTable {
	return &replayTable{
		versions: make(map[types.Version]map[types.Digest]struct{}),
	}
}

func (rt *replayTable) Seen(version types.Version, digest types.Digest) bool {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	_, ok := rt.versions[version][digest]
	return ok
}

func (rt *replayTable) Record(version types.Version, digest types.Digest) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	digests, ok := rt.versions[version]
	if !ok {
		digests = make(map[types.Digest]struct{})
		rt.versions[version] = digests
	}
	digests[digest] = struct{}{}
}

// Prune 删除低于settled的版本，这些版本上的请求都会得到AlreadyExecuted
func (rt *replayTable) Prune(settled types.Version) {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	for version := range rt.versions {
		if version < settled {
			delete(rt.versions, version)
		}
	}
}

func (rt *replayTable) Len() int {
	rt.mtx.Lock()
	defer rt.mtx.Unlock()
	n := 0
	for _, digests := range rt.versions {
		n += len(digests)
	}
	return n
}
