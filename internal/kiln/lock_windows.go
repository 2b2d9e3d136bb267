//go:build windows

package kiln

import "sync"

// Windows builds run from a single kiln process, so an in-process mutex
// keyed by path is enough.
var (
	lockMu    sync.Mutex
	pathLocks = map[string]*sync.Mutex{}
)

type fileLock struct {
	mu *sync.Mutex
}

func pathMutex(path string) *sync.Mutex {
	lockMu.Lock()
	defer lockMu.Unlock()
	m, ok := pathLocks[path]
	if !ok {
		m = &sync.Mutex{}
		pathLocks[path] = m
	}
	return m
}

func lockFile(path string) (*fileLock, error) {
	m := pathMutex(path)
	m.Lock()
	return &fileLock{mu: m}, nil
}

func tryLockFile(path string) (*fileLock, bool) {
	m := pathMutex(path)
	if !m.TryLock() {
		return nil, false
	}
	return &fileLock{mu: m}, true
}

func (l *fileLock) Unlock() {
	l.mu.Unlock()
}
