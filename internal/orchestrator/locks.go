package orchestrator

import "sync"

// runLocks serializes work on a run within one process. Cross-process
// writers are caught by the store's version check.
type runLocks struct {
	mu   sync.Mutex
	held map[string]*runLock
}

type runLock struct {
	mu    sync.Mutex
	users int
}

func newRunLocks() *runLocks {
	return &runLocks{held: make(map[string]*runLock)}
}

// lock blocks until runID is free and returns the matching unlock.
func (l *runLocks) lock(runID string) func() {
	l.mu.Lock()
	rl, ok := l.held[runID]
	if !ok {
		rl = &runLock{}
		l.held[runID] = rl
	}
	rl.users++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.users--
		if rl.users == 0 {
			delete(l.held, runID)
		}
		l.mu.Unlock()
	}
}

func (l *runLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}
