package storage

import (
	"sort"
	"sync"
	"time"

	"consultation-capture/pkg/models"
)

// JobStore keeps the processing history of every browsing session.
type JobStore interface {
	StoreJob(job *models.ProcessingJob) error
	GetJob(id string) (*models.ProcessingJob, error)
	GetSessionJobs(sessionID string) ([]*models.ProcessingJob, error)
	UpdateJobStage(id string, stage models.ProcessingStage) error
}

type memoryJobStore struct {
	jobs map[string]*models.ProcessingJob
	mu   sync.RWMutex
}

func NewMemoryJobStore() JobStore {
	return &memoryJobStore{
		jobs: make(map[string]*models.ProcessingJob),
	}
}

func (s *memoryJobStore) StoreJob(job *models.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memoryJobStore) GetJob(id string) (*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, ErrJobNotFound
	}

	cp := *job
	return &cp, nil
}

// GetSessionJobs returns the session's jobs, newest first.
func (s *memoryJobStore) GetSessionJobs(sessionID string) ([]*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.ProcessingJob
	for _, job := range s.jobs {
		if job.SessionID == sessionID {
			cp := *job
			jobs = append(jobs, &cp)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (s *memoryJobStore) UpdateJobStage(id string, stage models.ProcessingStage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return ErrJobNotFound
	}

	job.Stage = stage
	if stage == models.StageComplete || stage == models.StageFailed {
		job.CompletedAt = time.Now()
	}
	return nil
}

// SessionStore holds small per-session flags for the lifetime of a
// browsing session.
type SessionStore interface {
	GetFlag(sessionID, key string) (bool, error)
	SetFlag(sessionID, key string, value bool) error
	Close() error
}

type memorySessionStore struct {
	flags map[string]bool
	mu    sync.RWMutex
}

func NewMemorySessionStore() SessionStore {
	return &memorySessionStore{
		flags: make(map[string]bool),
	}
}

func (s *memorySessionStore) GetFlag(sessionID, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags[flagKey(sessionID, key)], nil
}

func (s *memorySessionStore) SetFlag(sessionID, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags[flagKey(sessionID, key)] = value
	return nil
}

func (s *memorySessionStore) Close() error {
	return nil
}

func flagKey(sessionID, key string) string {
	return "session:" + sessionID + ":" + key
}
