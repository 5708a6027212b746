package api

import (
	"encoding/json"
	"net/http"
	"time"

	"consultation-capture/pkg/consultation"
	"consultation-capture/pkg/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const statusInterval = 500 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	JobID     string          `json:"job_id,omitempty"`
	Status    string          `json:"status,omitempty"`
	Detail    string          `json:"detail,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// WebSocketHandler streams a session's progress: every pipeline stage
// change as it happens and the recording status whenever it moves.
func (h *Handlers) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	s, err := h.sessions.Get(sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	logger := h.logger.With(zap.String("session_id", sessionID))
	logger.Debug("API: status stream opened")

	events := make(chan models.StatusEvent, 16)
	unsubscribe := s.Subscribe(func(ev models.StatusEvent) {
		select {
		case events <- ev:
		default:
			logger.Warn("API: status stream lagging, event dropped", zap.String("state", ev.State))
		}
	})
	defer unsubscribe()

	incoming := make(chan WebSocketMessage)
	closed := make(chan struct{})
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(closed)
		for {
			var msg WebSocketMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			select {
			case incoming <- msg:
			case <-done:
				return
			}
		}
	}()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	var last models.RecordingSession
	for {
		select {
		case <-closed:
			logger.Debug("API: status stream closed")
			return

		case msg := <-incoming:
			switch msg.Type {
			case "ping":
				h.sendMessage(conn, WebSocketMessage{Type: "pong"})
			case "snapshot":
				h.sendMessage(conn, WebSocketMessage{
					Type:      "snapshot",
					SessionID: sessionID,
					Data:      mustMarshal(s.Snapshot()),
				})
			default:
				h.sendMessage(conn, WebSocketMessage{
					Type:  "error",
					Error: "Unknown message type",
				})
			}

		case ev := <-events:
			h.sendMessage(conn, stageMessage(s, ev))

		case <-ticker.C:
			rec := s.Snapshot().Recording
			if rec.ID == last.ID && rec.Status == last.Status && rec.ElapsedSeconds == last.ElapsedSeconds {
				continue
			}
			last = rec
			h.sendMessage(conn, WebSocketMessage{
				Type:      "recording",
				SessionID: sessionID,
				Status:    string(rec.Status),
				Detail:    models.FormatDuration(rec.ElapsedSeconds),
				Error:     rec.Error,
			})
		}
	}
}

func stageMessage(s *consultation.Session, ev models.StatusEvent) WebSocketMessage {
	msg := WebSocketMessage{
		Type:      "status_update",
		SessionID: ev.SessionID,
		JobID:     ev.JobID,
		Status:    ev.State,
		Detail:    ev.Detail,
	}

	switch models.ProcessingStage(ev.State) {
	case models.StageComplete:
		msg.Type = "processing_complete"
		if result := s.Snapshot().Result; result != nil {
			msg.Data = mustMarshal(result)
		}
	case models.StageFailed:
		msg.Type = "processing_failed"
		msg.Error = ev.Detail
	}
	return msg
}

func (h *Handlers) sendMessage(conn *websocket.Conn, msg WebSocketMessage) {
	if err := conn.WriteJSON(msg); err != nil {
		h.logger.Debug("API: websocket write failed", zap.Error(err))
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
