package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Registry tracks live sessions for shutdown, draining and status callbacks.
type Registry struct {
	sessions sync.Map
	count    atomic.Int64
	draining atomic.Bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers s. It refuses new sessions while draining.
func (r *Registry) Add(s *Session) bool {
	if r.draining.Load() {
		return false
	}
	if _, loaded := r.sessions.LoadOrStore(s.TraceID(), s); !loaded {
		r.count.Add(1)
	}
	return true
}

func (r *Registry) Remove(s *Session) {
	if _, ok := r.sessions.LoadAndDelete(s.TraceID()); ok {
		r.count.Add(-1)
	}
}

// ByCallSID returns the live session streaming the given call.
func (r *Registry) ByCallSID(callSID string) (*Session, bool) {
	if callSID == "" {
		return nil, false
	}
	var found *Session
	r.sessions.Range(func(_, value any) bool {
		s := value.(*Session)
		if s.CallSID() == callSID {
			found = s
			return false
		}
		return true
	})
	return found, found != nil
}

// CloseAll starts a close on every live session.
func (r *Registry) CloseAll(code int, reason string) {
	r.sessions.Range(func(_, value any) bool {
		value.(*Session).Close(code, reason)
		return true
	})
}

// AbortAll drops every live connection. Used once a graceful drain has
// overrun its deadline.
func (r *Registry) AbortAll() int {
	n := 0
	r.sessions.Range(func(_, value any) bool {
		value.(*Session).Abort()
		n++
		return true
	})
	return n
}

func (r *Registry) Count() int64 {
	return r.count.Load()
}

func (r *Registry) SetDraining(v bool) {
	r.draining.Store(v)
}

func (r *Registry) Draining() bool {
	return r.draining.Load()
}

func (r *Registry) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if r.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
