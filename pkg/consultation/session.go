// Package consultation wires consent, capture, ingestion, processing and
// persistence together for one browsing session.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"consultation-capture/pkg/capture"
	"consultation-capture/pkg/config"
	"consultation-capture/pkg/consent"
	"consultation-capture/pkg/ingestion"
	"consultation-capture/pkg/models"
	"consultation-capture/pkg/persistence"
	"consultation-capture/pkg/pipeline"
	"consultation-capture/pkg/storage"

	"go.uber.org/zap"
)

// Analysis is everything a session needs from the remote API.
type Analysis interface {
	pipeline.Analyzer
	persistence.NotesSaver
}

type Options struct {
	Microphone capture.Microphone
	Analysis   Analysis
	Sessions   storage.SessionStore
	Jobs       storage.JobStore
	// Pool runs analysis in the background. When nil, uploads and stops
	// block until the analysis finishes.
	Pool     *pipeline.WorkerPool
	Capture  config.CaptureConfig
	Pipeline config.PipelineConfig
	Logger   *zap.Logger

	NewTicker capture.TickerFunc
}

type Session struct {
	id        string
	patientID string
	createdAt time.Time

	gate     *consent.Gate
	recorder *capture.Recorder
	router   *ingestion.Router
	pipeline *pipeline.Pipeline
	bridge   *persistence.Bridge
	pool     *pipeline.WorkerPool
	jobs     storage.JobStore
	logger   *zap.Logger

	mu           sync.Mutex
	pendingStart bool
	seen         time.Time
}

func NewSession(id, patientID string, opts Options) *Session {
	logger := opts.Logger.With(zap.String("session_id", id))
	if opts.Jobs == nil {
		opts.Jobs = storage.NewMemoryJobStore()
	}
	if opts.Sessions == nil {
		opts.Sessions = storage.NewMemorySessionStore()
	}

	s := &Session{
		id:        id,
		patientID: patientID,
		createdAt: time.Now(),
		pool:      opts.Pool,
		jobs:      opts.Jobs,
		logger:    logger.Named("session"),
	}
	s.gate = consent.NewGate(id, opts.Sessions, logger)
	s.recorder = capture.NewRecorder(opts.Microphone, s.gate, capture.Options{
		ChunkInterval: opts.Capture.ChunkInterval,
		TickInterval:  opts.Capture.TickInterval,
		NewTicker:     opts.NewTicker,
	}, logger)
	s.pipeline = pipeline.New(id, opts.Analysis, opts.Jobs, opts.Pipeline, logger)
	s.router = ingestion.NewRouter(s.gate, s.process, logger)
	s.bridge = persistence.NewBridge(opts.Analysis, logger)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.seen = now
	s.mu.Unlock()
}

func (s *Session) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen
}

func (s *Session) PatientID() string { return s.patientID }

// StartRecording starts a capture. Without consent the request is
// remembered and GrantConsent starts it.
func (s *Session) StartRecording(ctx context.Context) error {
	err := s.recorder.Start(ctx)
	if errors.Is(err, models.ErrConsentRequired) {
		s.mu.Lock()
		s.pendingStart = true
		s.mu.Unlock()
		s.logger.Info("Session: recording waits for consent")
	}
	return err
}

func (s *Session) PauseRecording() error {
	return s.recorder.Pause()
}

func (s *Session) ResumeRecording() error {
	return s.recorder.Resume()
}

// StopRecording finalizes the capture and sends it for analysis.
func (s *Session) StopRecording(ctx context.Context) (*models.AudioPayload, error) {
	payload, err := s.recorder.Stop()
	if err != nil {
		return nil, err
	}
	return s.router.Submit(ctx, ingestion.RecordedAudio{Payload: payload})
}

// Upload validates a user file and sends it for analysis, or holds it until
// consent is granted.
func (s *Session) Upload(ctx context.Context, f ingestion.UploadedFile) (*models.AudioPayload, error) {
	return s.router.Submit(ctx, f)
}

// ConsentOutcome reports what granting consent resumed.
type ConsentOutcome struct {
	Forwarded        *models.AudioPayload `json:"forwarded,omitempty"`
	RecordingStarted bool                 `json:"recording_started"`
}

// GrantConsent records consent and resumes whatever was waiting on it: a
// held file is forwarded, a requested recording is started.
func (s *Session) GrantConsent(ctx context.Context) (ConsentOutcome, error) {
	var out ConsentOutcome

	forwarded, err := s.router.GrantConsent(ctx)
	out.Forwarded = forwarded
	if err != nil {
		return out, err
	}

	s.mu.Lock()
	start := s.pendingStart
	s.pendingStart = false
	s.mu.Unlock()

	if start {
		if err := s.recorder.Start(ctx); err != nil {
			return out, err
		}
		out.RecordingStarted = true
	}
	return out, nil
}

// DeclineConsent cancels a pending recording start. A held file stays held.
func (s *Session) DeclineConsent() {
	s.mu.Lock()
	s.pendingStart = false
	s.mu.Unlock()
	s.logger.Info("Session: consent declined")
}

// ScanImage validates a prescription image and sends it for analysis.
// With a worker pool the result arrives later and nil is returned.
func (s *Session) ScanImage(ctx context.Context, f ingestion.UploadedFile) (*models.ConsultationResult, error) {
	img, err := ingestion.NormalizeImage(f)
	if err != nil {
		return nil, err
	}

	r, err := s.pipeline.ReserveImage(img)
	if err != nil {
		return nil, err
	}
	return s.dispatch(ctx, r)
}

// Save stores derived notes for the current result. It reports whether
// this call did the save.
func (s *Session) Save(ctx context.Context) (bool, error) {
	return s.bridge.Save(ctx, s.pipeline.Result())
}

// Reset prepares a new consultation: the recording is discarded, a held
// file dropped, and the result and save state cleared. Consent is kept.
func (s *Session) Reset() error {
	if err := s.pipeline.Reset(); err != nil {
		return err
	}
	if err := s.recorder.Close(); err != nil {
		s.logger.Warn("Session: releasing recorder on reset failed", zap.Error(err))
	}
	s.router.ClearPending()
	s.bridge.Reset()

	s.mu.Lock()
	s.pendingStart = false
	s.mu.Unlock()

	s.logger.Info("Session: reset")
	return nil
}

// Close releases the microphone whatever state the recording is in.
func (s *Session) Close() error {
	return s.recorder.Close()
}

// Subscribe forwards pipeline stage events to l until the returned func is
// called.
func (s *Session) Subscribe(l pipeline.Listener) func() {
	return s.pipeline.Subscribe(l)
}

// Jobs lists the session's processing jobs, newest first.
func (s *Session) Jobs(limit int) ([]*models.ProcessingJob, error) {
	jobs, err := s.jobs.GetSessionJobs(s.id)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// process is the router's forwarder.
func (s *Session) process(ctx context.Context, payload *models.AudioPayload) error {
	r, err := s.pipeline.Reserve(payload, s.patientID)
	if err != nil {
		return err
	}
	_, err = s.dispatch(ctx, r)
	return err
}

// dispatch runs a reserved job in the foreground, or queues it on the pool.
// The reservation is taken before queueing, so a second submission made
// while this one waits for a worker is refused with pipeline.ErrBusy.
func (s *Session) dispatch(ctx context.Context, r *pipeline.Reservation) (*models.ConsultationResult, error) {
	if s.pool == nil {
		return r.Execute(ctx)
	}

	err := s.pool.Submit(func(ctx context.Context) {
		if _, err := r.Execute(ctx); err != nil {
			s.logger.Warn("Session: background analysis failed", zap.String("job_id", r.JobID()), zap.Error(err))
		}
	})
	if err != nil {
		r.Abandon(err)
		return nil, err
	}
	return nil, nil
}
