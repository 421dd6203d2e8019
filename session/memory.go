package session

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/llmdispatch/logging"
	"go.uber.org/zap"
)

// MemoryRegistry is an in-process Registry.
// It is safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	onEvict  func(Session)
	logger   *logging.Logger
	nowFunc  func() time.Time
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg Config) (*MemoryRegistry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &MemoryRegistry{
		sessions: make(map[string]*Session),
		timeout:  cfg.Timeout,
		onEvict:  cfg.OnEvict,
		logger:   cfg.Logger.WithComponent("sessions"),
		nowFunc:  cfg.Now,
	}, nil
}

// Register creates or overwrites a session.
func (r *MemoryRegistry) Register(id string) {
	now := r.nowFunc()

	r.mu.Lock()
	r.sessions[id] = &Session{ID: id, ConnectedAt: now, LastHeartbeat: now}
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.SessionEvent("session_registered", id, n)
}

// Heartbeat refreshes a session, registering it if unknown.
func (r *MemoryRegistry) Heartbeat(id string) {
	now := r.nowFunc()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.LastHeartbeat = now
	}
	r.mu.Unlock()

	if !ok {
		r.Register(id)
	}
}

// RecordRequest stamps a request on a known session.
func (r *MemoryRegistry) RecordRequest(id string) {
	now := r.nowFunc()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		s.LastRequestTime = now
		s.RequestCount++
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Debug("record_request_unknown_session", zap.String("session", id))
	}
}

// Get returns a live session by ID.
func (r *MemoryRegistry) Get(id string) (Session, bool) {
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok || expired(*s, now, r.timeout) {
		return Session{}, false
	}
	return *s, true
}

// ActiveCount evicts expired sessions and returns how many remain.
func (r *MemoryRegistry) ActiveCount() int {
	r.mu.Lock()
	evicted := r.evictLocked()
	n := len(r.sessions)
	r.mu.Unlock()

	r.notify(evicted, n)
	return n
}

// Sessions evicts expired sessions and returns the rest, oldest first.
func (r *MemoryRegistry) Sessions() []Session {
	r.mu.Lock()
	evicted := r.evictLocked()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()

	r.notify(evicted, len(out))
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Remove deletes a session.
func (r *MemoryRegistry) Remove(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	n := len(r.sessions)
	r.mu.Unlock()

	r.logger.SessionEvent("session_removed", id, n)
}

// Clear deletes every session.
func (r *MemoryRegistry) Clear() {
	r.mu.Lock()
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()
}

// evictLocked removes expired sessions. Caller must hold r.mu.
func (r *MemoryRegistry) evictLocked() []Session {
	now := r.nowFunc()
	var evicted []Session
	for id, s := range r.sessions {
		if expired(*s, now, r.timeout) {
			evicted = append(evicted, *s)
			delete(r.sessions, id)
		}
	}
	return evicted
}

// notify runs eviction callbacks outside the lock.
func (r *MemoryRegistry) notify(evicted []Session, remaining int) {
	for _, s := range evicted {
		r.logger.SessionEvent("session_evicted", s.ID, remaining)
		if r.onEvict != nil {
			r.onEvict(s)
		}
	}
}
