// Package consent tracks whether recording consent was granted for a
// browsing session.
package consent

import (
	"sync"

	"consultation-capture/pkg/storage"

	"go.uber.org/zap"
)

const flagName = "recordingConsent"

// Gate is the session-scoped consent record. It starts ungranted unless the
// session store already holds a grant for the same browsing session, and it
// has no revoke operation.
type Gate struct {
	sessionID string
	store     storage.SessionStore
	logger    *zap.Logger

	mu      sync.RWMutex
	granted bool
}

func NewGate(sessionID string, store storage.SessionStore, logger *zap.Logger) *Gate {
	g := &Gate{
		sessionID: sessionID,
		store:     store,
		logger:    logger.Named("consent").With(zap.String("session_id", sessionID)),
	}

	granted, err := store.GetFlag(sessionID, flagName)
	if err != nil {
		g.logger.Warn("Consent: could not read stored consent, starting ungranted", zap.Error(err))
	}
	g.granted = granted
	return g
}

func (g *Gate) HasConsent() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.granted
}

// Grant records consent for the rest of the session. Repeated calls are
// no-ops. A failure to persist is logged only: the in-memory grant still
// holds for this process.
func (g *Gate) Grant() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.granted {
		return
	}
	g.granted = true

	if err := g.store.SetFlag(g.sessionID, flagName, true); err != nil {
		g.logger.Warn("Consent: failed to persist grant", zap.Error(err))
		return
	}
	g.logger.Info("Consent: granted")
}
