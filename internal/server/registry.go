// Package server tracks live sessions across transports and coordinates their
// graceful shutdown via the Registry type.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/roomchat/internal/logger"
)

// Registry tracks live sessions across every transport so shutdown can reach
// them all and wait for their goroutines.
type Registry struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	closed   bool
	wg       sync.WaitGroup
	log      logger.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.Discard()
	}
	return &Registry{
		sessions: make(map[*Session]struct{}),
		log:      log.With("registry"),
	}
}

// Start registers s and runs it on its own goroutine. It returns false once
// the registry is shutting down; the caller then owns the connection.
func (r *Registry) Start(ctx context.Context, s *Session) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	r.sessions[s] = struct{}{}
	count := len(r.sessions)
	r.wg.Add(1)
	r.mu.Unlock()

	r.log.Debugf("session %s registered from %s. Total sessions: %d", s.ID(), s.RemoteAddr(), count)
	go func() {
		defer r.wg.Done()
		defer r.remove(s)
		s.Run(ctx)
	}()
	return true
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s)
	count := len(r.sessions)
	r.mu.Unlock()
	r.log.Debugf("session %s unregistered. Total sessions: %d", s.ID(), count)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Shutdown stops accepting sessions, asks every live session to flush and
// close, and waits up to timeout. Sessions still running at the deadline are
// evicted and context.DeadlineExceeded is returned.
func (r *Registry) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	sessions := r.snapshot()
	r.log.Infof("shutting down %d sessions", len(sessions))
	for _, s := range sessions {
		s.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Infof("all sessions closed")
		return nil
	case <-time.After(timeout):
		remaining := r.snapshot()
		r.log.Warnf("shutdown timeout reached, evicting %d sessions", len(remaining))
		for _, s := range remaining {
			s.Evict("shutdown timeout")
		}
		return context.DeadlineExceeded
	}
}
