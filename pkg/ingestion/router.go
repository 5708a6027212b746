package ingestion

import (
	"context"
	"errors"
	"sync"

	"consultation-capture/pkg/models"

	"go.uber.org/zap"
)

// ConsentGate is the part of consent.Gate the router depends on.
type ConsentGate interface {
	HasConsent() bool
	Grant()
}

// Forwarder hands a validated payload to processing.
type Forwarder func(ctx context.Context, payload *models.AudioPayload) error

// Router is the single entry point for audio headed to the pipeline.
//
// A payload submitted before consent is held, not dropped, and GrantConsent
// forwards that same payload. Only the most recent submission is held.
type Router struct {
	gate    ConsentGate
	forward Forwarder
	logger  *zap.Logger

	mu      sync.Mutex
	pending *models.AudioPayload
}

func NewRouter(gate ConsentGate, forward Forwarder, logger *zap.Logger) *Router {
	return &Router{
		gate:    gate,
		forward: forward,
		logger:  logger.Named("ingestion"),
	}
}

// Submit validates src and forwards it. Validation failures stop here. When
// consent is missing the payload is held and models.ErrConsentRequired is
// returned alongside it so the caller can prompt.
func (r *Router) Submit(ctx context.Context, src Source) (*models.AudioPayload, error) {
	payload, err := Normalize(src)
	if err != nil {
		r.logger.Info("Ingestion: payload rejected", zap.Error(err))
		return nil, err
	}

	if !r.gate.HasConsent() {
		r.mu.Lock()
		r.pending = payload
		r.mu.Unlock()

		r.logger.Info("Ingestion: holding payload until consent",
			zap.String("file_name", payload.FileName),
			zap.Int64("size_bytes", payload.SizeBytes))
		return payload, models.ErrConsentRequired
	}

	r.logger.Debug("Ingestion: forwarding payload",
		zap.String("file_name", payload.FileName),
		zap.String("mime_type", payload.MimeType),
		zap.String("source", string(payload.Source)))
	return payload, r.forward(ctx, payload)
}

// GrantConsent records consent and forwards the held payload, if any. The
// returned payload is nil when nothing was held. A forward refused before
// processing started, because of a busy pipeline or a full queue, leaves the
// payload held for the next grant.
func (r *Router) GrantConsent(ctx context.Context) (*models.AudioPayload, error) {
	r.gate.Grant()

	r.mu.Lock()
	payload := r.pending
	r.pending = nil
	r.mu.Unlock()

	if payload == nil {
		return nil, nil
	}

	r.logger.Info("Ingestion: consent granted, forwarding held payload",
		zap.String("file_name", payload.FileName))
	if err := r.forward(ctx, payload); err != nil {
		if !errors.Is(err, models.ErrRequestFailed) {
			r.mu.Lock()
			if r.pending == nil {
				r.pending = payload
			}
			r.mu.Unlock()
			r.logger.Warn("Ingestion: forward refused, payload still held",
				zap.String("file_name", payload.FileName),
				zap.Error(err))
		}
		return payload, err
	}
	return payload, nil
}

// Pending returns the held payload without releasing it.
func (r *Router) Pending() *models.AudioPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Router) ClearPending() {
	r.mu.Lock()
	r.pending = nil
	r.mu.Unlock()
}
