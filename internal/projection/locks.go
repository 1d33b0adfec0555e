package projection

import "sync"

// streamLocks hands out one mutex per stream so a stream has a single writer
// while unrelated streams proceed concurrently. Entries are dropped once no
// goroutine holds or waits for them.
type streamLocks struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (l *streamLocks) lock(stream string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*refMutex)
	}
	m, ok := l.locks[stream]
	if !ok {
		m = &refMutex{}
		l.locks[stream] = m
	}
	m.refs++
	l.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		l.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(l.locks, stream)
		}
		l.mu.Unlock()
	}
}
