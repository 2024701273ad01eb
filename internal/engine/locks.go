package engine

import "sync"

// runLocks serializes mutating operations per run id. Two concurrent
// mutations of the same run take turns; different runs never contend.
type runLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newRunLocks() *runLocks {
	return &runLocks{locks: make(map[string]*sync.Mutex)}
}

func (r *runLocks) lock(runID string) func() {
	r.mu.Lock()
	l, ok := r.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[runID] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}
