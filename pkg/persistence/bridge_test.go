package persistence

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"consultation-capture/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeSaver struct {
	calls   atomic.Int32
	err     error
	entered chan struct{}
	release chan struct{}
	notes   string
}

func (s *fakeSaver) SaveNotes(_ context.Context, _, notes string) error {
	s.calls.Add(1)
	s.notes = notes
	if s.entered != nil {
		close(s.entered)
		<-s.release
	}
	return s.err
}

func fullResult() *models.ConsultationResult {
	return &models.ConsultationResult{
		ConsultationID: "c-1",
		KeyPoints:      models.KeyPoints{Diagnosis: []string{"Migraine", "Dehydration"}},
		Prescription: models.Prescription{Medicines: []models.Medicine{
			{Name: "Ibuprofen", Dosage: "400mg", Frequency: "twice daily", Duration: "5 days"},
			{Name: "ORS", Dosage: "1 sachet", Frequency: "after meals", Duration: "3 days"},
		}},
		Summary: models.VisitSummary{ChiefComplaint: "Headache", Plan: []string{"Hydrate", "Review in a week"}},
	}
}

func TestDeriveNotesKeepsFixedOrder(t *testing.T) {
	want := "Chief Complaint: Headache\n" +
		"Diagnosis: Migraine, Dehydration\n" +
		"Medicines: Ibuprofen 400mg - twice daily for 5 days; ORS 1 sachet - after meals for 3 days\n" +
		"Plan: Hydrate; Review in a week"
	assert.Equal(t, want, DeriveNotes(fullResult()))
}

func TestDeriveNotesOmitsAbsentFields(t *testing.T) {
	r := &models.ConsultationResult{
		ConsultationID: "c-1",
		Summary:        models.VisitSummary{Plan: []string{"Rest"}},
	}
	assert.Equal(t, "Plan: Rest", DeriveNotes(r))
	assert.Empty(t, DeriveNotes(&models.ConsultationResult{}))
}

func TestConcurrentSavesMakeOneCall(t *testing.T) {
	saver := &fakeSaver{entered: make(chan struct{}), release: make(chan struct{})}
	b := NewBridge(saver, zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		saved, err := b.Save(ctx, fullResult())
		assert.NoError(t, err)
		assert.True(t, saved)
	}()

	<-saver.entered
	assert.True(t, b.Saving())

	saved, err := b.Save(ctx, fullResult())
	assert.NoError(t, err)
	assert.False(t, saved)

	close(saver.release)
	wg.Wait()

	saved, err = b.Save(ctx, fullResult())
	assert.NoError(t, err)
	assert.False(t, saved)

	assert.Equal(t, int32(1), saver.calls.Load())
	assert.True(t, b.Saved())
	assert.False(t, b.Saving())
}

func TestFailedSaveCanBeRetried(t *testing.T) {
	saver := &fakeSaver{err: errors.New("connection refused")}
	b := NewBridge(saver, zaptest.NewLogger(t))
	ctx := context.Background()

	saved, err := b.Save(ctx, fullResult())
	assert.False(t, saved)
	assert.ErrorIs(t, err, models.ErrRequestFailed)
	assert.False(t, b.Saving())
	assert.False(t, b.Saved())

	saver.err = nil
	saved, err = b.Save(ctx, fullResult())
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int32(2), saver.calls.Load())
}

func TestSaveRequiresResult(t *testing.T) {
	saver := &fakeSaver{}
	b := NewBridge(saver, zaptest.NewLogger(t))

	_, err := b.Save(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoResult)
	_, err = b.Save(context.Background(), &models.ConsultationResult{})
	assert.ErrorIs(t, err, ErrNoResult)
	assert.Zero(t, saver.calls.Load())
}

func TestResetAllowsSavingTheNextResult(t *testing.T) {
	saver := &fakeSaver{}
	b := NewBridge(saver, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := b.Save(ctx, fullResult())
	require.NoError(t, err)
	b.Reset()
	assert.False(t, b.Saved())

	saved, err := b.Save(ctx, fullResult())
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int32(2), saver.calls.Load())
}
