// Package persistence commits derived consultation notes to the remote
// record store.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"consultation-capture/pkg/models"

	"go.uber.org/zap"
)

var ErrNoResult = errors.New("no consultation result to save")

type NotesSaver interface {
	SaveNotes(ctx context.Context, consultationID, notes string) error
}

// Bridge saves notes at most once per result. While a save is in flight or
// has succeeded, further calls are suppressed; a failed save leaves both
// flags as they were so the user can retry.
type Bridge struct {
	saver  NotesSaver
	logger *zap.Logger

	mu     sync.Mutex
	saving bool
	saved  bool
}

func NewBridge(saver NotesSaver, logger *zap.Logger) *Bridge {
	return &Bridge{saver: saver, logger: logger.Named("persistence")}
}

// Save derives notes from result and stores them. It reports whether this
// call performed the save; suppressed calls return false and no error.
func (b *Bridge) Save(ctx context.Context, result *models.ConsultationResult) (bool, error) {
	if result == nil || result.ConsultationID == "" {
		return false, ErrNoResult
	}

	b.mu.Lock()
	if b.saving || b.saved {
		b.mu.Unlock()
		b.logger.Debug("Persistence: save suppressed", zap.String("consultation_id", result.ConsultationID))
		return false, nil
	}
	b.saving = true
	b.mu.Unlock()

	err := b.saver.SaveNotes(ctx, result.ConsultationID, DeriveNotes(result))

	b.mu.Lock()
	b.saving = false
	if err == nil {
		b.saved = true
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("Persistence: saving notes failed",
			zap.String("consultation_id", result.ConsultationID),
			zap.Error(err))
		if !errors.Is(err, models.ErrRequestFailed) {
			err = fmt.Errorf("%w: %v", models.ErrRequestFailed, err)
		}
		return false, err
	}

	b.logger.Info("Persistence: notes saved", zap.String("consultation_id", result.ConsultationID))
	return true, nil
}

func (b *Bridge) Saving() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saving
}

func (b *Bridge) Saved() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saved
}

// Reset forgets a completed save for the next result. An in-flight save
// keeps its flag.
func (b *Bridge) Reset() {
	b.mu.Lock()
	b.saved = false
	b.mu.Unlock()
}

// DeriveNotes renders the present fields of a result as one line each:
// chief complaint, diagnosis, medicines, plan.
func DeriveNotes(r *models.ConsultationResult) string {
	var parts []string

	if r.Summary.ChiefComplaint != "" {
		parts = append(parts, "Chief Complaint: "+r.Summary.ChiefComplaint)
	}
	if len(r.KeyPoints.Diagnosis) > 0 {
		parts = append(parts, "Diagnosis: "+strings.Join(r.KeyPoints.Diagnosis, ", "))
	}
	if len(r.Prescription.Medicines) > 0 {
		meds := make([]string, 0, len(r.Prescription.Medicines))
		for _, m := range r.Prescription.Medicines {
			meds = append(meds, fmt.Sprintf("%s %s - %s for %s", m.Name, m.Dosage, m.Frequency, m.Duration))
		}
		parts = append(parts, "Medicines: "+strings.Join(meds, "; "))
	}
	if len(r.Summary.Plan) > 0 {
		parts = append(parts, "Plan: "+strings.Join(r.Summary.Plan, "; "))
	}

	return strings.Join(parts, "\n")
}
