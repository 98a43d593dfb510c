package session

import (
	"context"
	"errors"
	"sort"
	"sync"

	"terminal/internal/monitor"
)

var ErrDuplicateSession = errors.New("session id already registered")

// Registry is the process-wide set of live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.ID]; ok {
		return ErrDuplicateSession
	}
	r.sessions[s.ID] = s
	monitor.SessionActiveCount.Set(float64(len(r.sessions)))
	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove 返回是否确实删除了该会话
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	monitor.SessionActiveCount.Set(float64(len(r.sessions)))
	return true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot ordered by creation time.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// CloseAll closes every registered session with reason and waits until each
// one has finished teardown or ctx is done.
func (r *Registry) CloseAll(ctx context.Context, reason CloseReason) error {
	sessions := r.List()
	for _, s := range sessions {
		s.Close(reason)
	}
	for _, s := range sessions {
		select {
		case <-s.Closed():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
