package safewrite

import "sync"

// PathLocks serializes operations on individual file paths. The write
// path and the watcher path share one instance so the receipt table and
// hash cache are never mutated concurrently for the same file, while
// unrelated paths proceed in parallel.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// NewPathLocks builds an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*pathLock)}
}

// Lock acquires the lock for path and returns its release function.
// Entries are reference-counted so the table does not grow with every
// path ever touched.
func (p *PathLocks) Lock(path string) (unlock func()) {
	p.mu.Lock()
	l, ok := p.locks[path]
	if !ok {
		l = &pathLock{}
		p.locks[path] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, path)
		}
		p.mu.Unlock()
	}
}
