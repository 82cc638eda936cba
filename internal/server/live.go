package server

import (
	"context"
	"sync"
)

type closer interface {
	Close()
}

// liveSessions tracks sessions that should block draining.
type liveSessions struct {
	mu     sync.Mutex
	m      map[string]closer
	zeroCh chan struct{}
}

func newLiveSessions() *liveSessions {
	ch := make(chan struct{})
	close(ch)
	return &liveSessions{m: map[string]closer{}, zeroCh: ch}
}

func (l *liveSessions) add(id string, c closer) {
	l.mu.Lock()
	if len(l.m) == 0 {
		l.zeroCh = make(chan struct{})
	}
	l.m[id] = c
	l.mu.Unlock()
}

func (l *liveSessions) remove(id string) {
	l.mu.Lock()
	if _, ok := l.m[id]; ok {
		delete(l.m, id)
		if len(l.m) == 0 {
			close(l.zeroCh)
		}
	}
	l.mu.Unlock()
}

// Len returns the number of live sessions.
func (l *liveSessions) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

// WaitForZero blocks until no session is live or the context is done.
func (l *liveSessions) WaitForZero(ctx context.Context) bool {
	l.mu.Lock()
	ch := l.zeroCh
	l.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// CloseAll closes every live session. Sessions remove themselves as their
// control connections unwind.
func (l *liveSessions) CloseAll() {
	l.mu.Lock()
	cs := make([]closer, 0, len(l.m))
	for _, c := range l.m {
		cs = append(cs, c)
	}
	l.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range cs {
		wg.Add(1)
		go func(c closer) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}
