package ponggame

import "sync"

// JoinLock tracks connections that are in the middle of a join. A second
// join for the same connection is refused rather than queued.
type JoinLock struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewJoinLock() *JoinLock {
	return &JoinLock{inflight: make(map[string]struct{})}
}

// TryAcquire marks conn as joining. The returned release func is safe to
// call more than once and must be deferred by the caller.
func (l *JoinLock) TryAcquire(conn string) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[conn]; busy {
		return func() {}, false
	}
	l.inflight[conn] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.inflight, conn)
			l.mu.Unlock()
		})
	}, true
}

// Held reports whether conn is mid-join.
func (l *JoinLock) Held(conn string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[conn]
	return ok
}

func (l *JoinLock) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}
