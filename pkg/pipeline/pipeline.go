package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"consultation-capture/pkg/config"
	"consultation-capture/pkg/ingestion"
	"consultation-capture/pkg/models"
	"consultation-capture/pkg/storage"

	"go.uber.org/zap"
)

var ErrBusy = errors.New("a processing job is already in progress")

// Analyzer is the remote analysis API as seen by the pipeline.
type Analyzer interface {
	Transcribe(ctx context.Context, payload *models.AudioPayload, patientID string) (*models.ConsultationResult, error)
	ScanImage(ctx context.Context, payload *models.ImagePayload) (*models.ConsultationResult, error)
}

// Listener receives every stage transition.
type Listener func(models.StatusEvent)

// Pipeline tracks one browsing session's processing jobs through
// Idle -> Submitting -> Awaiting -> Complete. A failure passes through
// Failed and lands back on Idle with no result. Only one job may be in
// flight; a new run supersedes a finished one.
type Pipeline struct {
	sessionID string
	analyzer  Analyzer
	jobs      storage.JobStore
	timeout   time.Duration
	logger    *zap.Logger

	// transition orders a stage change with its notification.
	transition sync.Mutex

	mu        sync.Mutex
	stage     models.ProcessingStage
	job       *models.ProcessingJob
	result    *models.ConsultationResult
	lastErr   error
	listeners map[int]Listener
	nextID    int
}

func New(sessionID string, analyzer Analyzer, jobs storage.JobStore, cfg config.PipelineConfig, logger *zap.Logger) *Pipeline {
	if jobs == nil {
		jobs = storage.NewMemoryJobStore()
	}
	return &Pipeline{
		sessionID: sessionID,
		analyzer:  analyzer,
		jobs:      jobs,
		timeout:   cfg.ProcessingTimeout,
		logger:    logger.Named("pipeline"),
		stage:     models.StageIdle,
		listeners: make(map[int]Listener),
	}
}

// Run submits a validated audio payload and blocks until the analysis
// answers or fails. Payloads that do not pass ingestion.Validate never
// reach the network.
func (p *Pipeline) Run(ctx context.Context, payload *models.AudioPayload, patientID string) (*models.ConsultationResult, error) {
	r, err := p.Reserve(payload, patientID)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx)
}

// RunImage is Run for a prescription image.
func (p *Pipeline) RunImage(ctx context.Context, payload *models.ImagePayload) (*models.ConsultationResult, error) {
	r, err := p.ReserveImage(payload)
	if err != nil {
		return nil, err
	}
	return r.Execute(ctx)
}

// Reservation is a job that has claimed the pipeline but not yet sent its
// request. Exactly one of Execute or Abandon must be called.
type Reservation struct {
	p    *Pipeline
	job  *models.ProcessingJob
	call analysisCall
}

// Reserve validates payload and moves the pipeline to Submitting for it, so
// a second submission is refused with ErrBusy before any request is queued.
func (p *Pipeline) Reserve(payload *models.AudioPayload, patientID string) (*Reservation, error) {
	if payload == nil {
		return nil, models.ErrUnsupportedFormat
	}
	checked := *payload
	if err := ingestion.Validate(&checked); err != nil {
		return nil, err
	}

	job, err := p.begin(models.JobAudio, checked.FileName, checked.SizeBytes)
	if err != nil {
		return nil, err
	}
	return &Reservation{p: p, job: job, call: func(ctx context.Context) (*models.ConsultationResult, error) {
		return p.analyzer.Transcribe(ctx, &checked, patientID)
	}}, nil
}

// ReserveImage is Reserve for a prescription image.
func (p *Pipeline) ReserveImage(payload *models.ImagePayload) (*Reservation, error) {
	if payload == nil {
		return nil, models.ErrUnsupportedFormat
	}
	checked := *payload
	if err := ingestion.ValidateImage(&checked); err != nil {
		return nil, err
	}

	job, err := p.begin(models.JobImage, checked.FileName, checked.SizeBytes)
	if err != nil {
		return nil, err
	}
	return &Reservation{p: p, job: job, call: func(ctx context.Context) (*models.ConsultationResult, error) {
		return p.analyzer.ScanImage(ctx, &checked)
	}}, nil
}

func (r *Reservation) JobID() string { return r.job.ID }

// Execute sends the reserved request and blocks until it answers or fails.
func (r *Reservation) Execute(ctx context.Context) (*models.ConsultationResult, error) {
	return r.p.execute(ctx, r.job, r.call)
}

// Abandon fails a reservation whose request will never be sent, returning
// the pipeline to Idle.
func (r *Reservation) Abandon(err error) {
	r.p.fail(r.job, err, 0)
}

func (p *Pipeline) Stage() models.ProcessingStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stage
}

// Result is the last completed result, or nil.
func (p *Pipeline) Result() *models.ConsultationResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Job returns a copy of the current or most recent job.
func (p *Pipeline) Job() *models.ProcessingJob {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.job == nil {
		return nil
	}
	cp := *p.job
	return &cp
}

// LastError is the failure of the most recent job, cleared by the next run.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Reset drops a finished result. It refuses while a job is in flight.
func (p *Pipeline) Reset() error {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	if p.stage.Active() {
		p.mu.Unlock()
		return ErrBusy
	}
	p.stage = models.StageIdle
	p.job = nil
	p.result = nil
	p.lastErr = nil
	p.mu.Unlock()

	p.notify(models.StatusEvent{State: string(models.StageIdle), Detail: "reset"})
	return nil
}

// Subscribe registers l for stage transitions and returns the function that
// removes it.
func (p *Pipeline) Subscribe(l Listener) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = l
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}
