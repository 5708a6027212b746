package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptrace"
	"time"

	"consultation-capture/pkg/models"

	"go.uber.org/zap"
)

type analysisCall func(ctx context.Context) (*models.ConsultationResult, error)

// begin claims the pipeline for a new job and moves it to Submitting.
func (p *Pipeline) begin(kind models.JobKind, fileName string, size int64) (*models.ProcessingJob, error) {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	if p.stage.Active() {
		p.mu.Unlock()
		p.logger.Info("Pipeline: run refused, job in flight")
		return nil, ErrBusy
	}

	job := models.NewProcessingJob(p.sessionID, kind, fileName, size)
	job.Stage = models.StageSubmitting
	p.job = job
	p.stage = models.StageSubmitting
	p.result = nil
	p.lastErr = nil
	snapshot := *job
	p.mu.Unlock()

	if err := p.jobs.StoreJob(&snapshot); err != nil {
		p.logger.Warn("Pipeline: failed to record job", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.logger.Info("Pipeline: job submitted",
		zap.String("job_id", job.ID),
		zap.String("kind", string(kind)),
		zap.Int64("size_bytes", size))
	p.notify(p.event(job, models.StageSubmitting, ""))
	return job, nil
}

// execute performs the single analysis request. The Awaiting stage starts
// once the request body is on the wire; an analyzer that bypasses HTTP is
// moved through Awaiting before its outcome is applied.
func (p *Pipeline) execute(ctx context.Context, job *models.ProcessingJob, call analysisCall) (*models.ConsultationResult, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ctx = httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		WroteRequest: func(httptrace.WroteRequestInfo) {
			p.await(job)
		},
	})

	start := time.Now()
	result, err := call(ctx)
	if err == nil && result == nil {
		err = fmt.Errorf("%w: empty result", models.ErrRequestFailed)
	}
	if err != nil {
		if !errors.Is(err, models.ErrRequestFailed) {
			err = fmt.Errorf("%w: %v", models.ErrRequestFailed, err)
		}
		p.fail(job, err, time.Since(start))
		return nil, err
	}

	p.await(job)
	p.complete(job, result, time.Since(start))
	return result, nil
}

func (p *Pipeline) await(job *models.ProcessingJob) {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	if p.job != job || p.stage != models.StageSubmitting {
		p.mu.Unlock()
		return
	}
	p.stage = models.StageAwaiting
	job.Stage = models.StageAwaiting
	p.mu.Unlock()

	if err := p.jobs.UpdateJobStage(job.ID, models.StageAwaiting); err != nil {
		p.logger.Warn("Pipeline: failed to update job", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.logger.Debug("Pipeline: awaiting analysis", zap.String("job_id", job.ID))
	p.notify(p.event(job, models.StageAwaiting, ""))
}

func (p *Pipeline) complete(job *models.ProcessingJob, result *models.ConsultationResult, took time.Duration) {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	if p.job != job {
		p.mu.Unlock()
		return
	}
	p.stage = models.StageComplete
	p.result = result
	job.Stage = models.StageComplete
	job.ResultRef = result.ConsultationID
	job.CompletedAt = time.Now()
	snapshot := *job
	p.mu.Unlock()

	if err := p.jobs.StoreJob(&snapshot); err != nil {
		p.logger.Warn("Pipeline: failed to update job", zap.String("job_id", job.ID), zap.Error(err))
	}
	p.logger.Info("Pipeline: job complete",
		zap.String("job_id", job.ID),
		zap.String("consultation_id", result.ConsultationID),
		zap.Duration("took", took))
	p.notify(p.event(job, models.StageComplete, result.ConsultationID))
}

// fail records the failure and returns the pipeline to Idle without a
// result, so the user starts over from the first step.
func (p *Pipeline) fail(job *models.ProcessingJob, err error, took time.Duration) {
	p.transition.Lock()
	defer p.transition.Unlock()

	p.mu.Lock()
	if p.job != job {
		p.mu.Unlock()
		return
	}
	p.stage = models.StageIdle
	p.result = nil
	p.lastErr = err
	job.Stage = models.StageFailed
	job.Error = err.Error()
	job.CompletedAt = time.Now()
	snapshot := *job
	p.mu.Unlock()

	if storeErr := p.jobs.StoreJob(&snapshot); storeErr != nil {
		p.logger.Warn("Pipeline: failed to update job", zap.String("job_id", job.ID), zap.Error(storeErr))
	}
	p.logger.Error("Pipeline: job failed",
		zap.String("job_id", job.ID),
		zap.Duration("took", took),
		zap.Error(err))
	p.notify(p.event(job, models.StageFailed, models.UserMessage(err)))
	p.notify(p.event(job, models.StageIdle, ""))
}

func (p *Pipeline) event(job *models.ProcessingJob, stage models.ProcessingStage, detail string) models.StatusEvent {
	if detail == "" {
		detail = stage.Step().String()
	}
	return models.StatusEvent{
		JobID:  job.ID,
		State:  string(stage),
		Detail: detail,
	}
}

func (p *Pipeline) notify(ev models.StatusEvent) {
	ev.SessionID = p.sessionID
	ev.Component = "pipeline"
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	p.mu.Lock()
	listeners := make([]Listener, 0, len(p.listeners))
	for _, l := range p.listeners {
		listeners = append(listeners, l)
	}
	p.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
