package consultation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrSessionNotFound = errors.New("session not found")

// Registry owns the live sessions of a server process.
type Registry struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.Named("registry"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Open returns the session with the given id, creating it if needed. An
// empty id creates a new session. Reopening a known id keeps its state, as
// a page reload does.
func (r *Registry) Open(id, patientID string) *Session {
	if id == "" {
		id = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		s.touch(r.now())
		return s
	}
	s := NewSession(id, patientID, r.opts)
	s.touch(r.now())
	r.sessions[id] = s
	r.logger.Info("Registry: session opened", zap.String("session_id", id))
	return s
}

func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(r.now())
	return s, nil
}

// Remove tears a session down and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	r.logger.Info("Registry: session closed", zap.String("session_id", id))
	return s.Close()
}

// Close tears down every session.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var errs []error
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Evict closes and forgets every session not used for longer than ttl and
// reports how many went.
func (r *Registry) Evict(ttl time.Duration) int {
	cutoff := r.now().Add(-ttl)

	r.mu.Lock()
	var idle []*Session
	for id, s := range r.sessions {
		if s.lastSeen().Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		if err := s.Close(); err != nil {
			r.logger.Warn("Registry: closing idle session failed", zap.String("session_id", s.ID()), zap.Error(err))
		}
		r.logger.Info("Registry: idle session evicted", zap.String("session_id", s.ID()))
	}
	return len(idle)
}

// RunEviction calls Evict every interval until ctx is done.
func (r *Registry) RunEviction(ctx context.Context, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict(ttl)
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
