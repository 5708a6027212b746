package consent

import (
	"errors"
	"testing"

	"consultation-capture/pkg/storage"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

type countingStore struct {
	storage.SessionStore
	sets   int
	setErr error
}

func (s *countingStore) SetFlag(sessionID, key string, value bool) error {
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	return s.SessionStore.SetFlag(sessionID, key, value)
}

func TestGateStartsUngranted(t *testing.T) {
	gate := NewGate("s1", storage.NewMemorySessionStore(), zaptest.NewLogger(t))
	assert.False(t, gate.HasConsent())
}

func TestGrantIsIdempotentAndPersisted(t *testing.T) {
	store := &countingStore{SessionStore: storage.NewMemorySessionStore()}
	gate := NewGate("s1", store, zaptest.NewLogger(t))

	gate.Grant()
	gate.Grant()

	assert.True(t, gate.HasConsent())
	assert.Equal(t, 1, store.sets)

	granted, err := store.GetFlag("s1", flagName)
	assert.NoError(t, err)
	assert.True(t, granted)
}

func TestGrantSurvivesReloadWithinSession(t *testing.T) {
	store := storage.NewMemorySessionStore()
	NewGate("s1", store, zaptest.NewLogger(t)).Grant()

	reloaded := NewGate("s1", store, zaptest.NewLogger(t))
	assert.True(t, reloaded.HasConsent())

	otherSession := NewGate("s2", store, zaptest.NewLogger(t))
	assert.False(t, otherSession.HasConsent())
}

func TestGrantHoldsWhenPersistenceFails(t *testing.T) {
	store := &countingStore{SessionStore: storage.NewMemorySessionStore(), setErr: errors.New("disk full")}
	gate := NewGate("s1", store, zaptest.NewLogger(t))

	gate.Grant()
	assert.True(t, gate.HasConsent())
}
