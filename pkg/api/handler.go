package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"consultation-capture/pkg/capture"
	"consultation-capture/pkg/consultation"
	"consultation-capture/pkg/ingestion"
	"consultation-capture/pkg/models"
	"consultation-capture/pkg/persistence"
	"consultation-capture/pkg/pipeline"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// multipart framing allowance on top of the payload ceiling
const formOverhead = 1 << 20

type Handlers struct {
	sessions *consultation.Registry
	async    bool
	logger   *zap.Logger
}

// NewHandlers serves the sessions in reg. async tells the handlers that
// analysis runs on a worker pool, so accepted submissions answer 202.
func NewHandlers(reg *consultation.Registry, async bool, logger *zap.Logger) *Handlers {
	return &Handlers{
		sessions: reg,
		async:    async,
		logger:   logger.Named("api"),
	}
}

func (h *Handlers) Register(router *mux.Router) {
	router.HandleFunc("/sessions", h.CreateSessionHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}", h.GetSessionHandler).Methods("GET")
	router.HandleFunc("/sessions/{id}", h.DeleteSessionHandler).Methods("DELETE")
	router.HandleFunc("/sessions/{id}/consent", h.GrantConsentHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/consent/decline", h.DeclineConsentHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/recording/{action:start|pause|resume|stop}", h.RecordingHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/upload", h.UploadHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/scan", h.ScanHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/save", h.SaveHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/reset", h.ResetHandler).Methods("POST")
	router.HandleFunc("/sessions/{id}/jobs", h.GetSessionJobsHandler).Methods("GET")
	router.HandleFunc("/ws", h.WebSocketHandler)
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
	PatientID string `json:"patient_id"`
}

func (h *Handlers) CreateSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	s := h.sessions.Open(req.SessionID, req.PatientID)
	writeJSON(w, http.StatusCreated, s.Snapshot())
}

func (h *Handlers) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Remove(mux.Vars(r)["id"]); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) GrantConsentHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	out, err := s.GrantConsent(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"consent": out,
		"session": s.Snapshot(),
	})
}

func (h *Handlers) DeclineConsentHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.DeclineConsent()
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) RecordingHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	var err error
	status := http.StatusOK
	switch mux.Vars(r)["action"] {
	case "start":
		err = s.StartRecording(r.Context())
	case "pause":
		err = s.PauseRecording()
	case "resume":
		err = s.ResumeRecording()
	case "stop":
		_, err = s.StopRecording(r.Context())
		status = h.submitted()
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, status, s.Snapshot())
}

func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	f, cleanup, ok := h.formFile(w, r, ingestion.MaxPayloadBytes)
	if !ok {
		return
	}
	defer cleanup()

	payload, err := s.Upload(r.Context(), f)
	if errors.Is(err, models.ErrConsentRequired) {
		writeJSON(w, http.StatusPreconditionRequired, map[string]interface{}{
			"error":        err.Error(),
			"message":      models.UserMessage(err),
			"pending_file": payload.FileName,
		})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.logger.Info("API: upload accepted",
		zap.String("session_id", s.ID()),
		zap.String("file_name", payload.FileName),
		zap.Int64("size_bytes", payload.SizeBytes))
	writeJSON(w, h.submitted(), s.Snapshot())
}

func (h *Handlers) ScanHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	f, cleanup, ok := h.formFile(w, r, ingestion.MaxImageBytes)
	if !ok {
		return
	}
	defer cleanup()

	if _, err := s.ScanImage(r.Context(), f); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, h.submitted(), s.Snapshot())
}

func (h *Handlers) SaveHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	saved, err := s.Save(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"saved":           saved,
		"consultation_id": s.Snapshot().ConsultationID,
	})
}

func (h *Handlers) ResetHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	if err := s.Reset(); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (h *Handlers) GetSessionJobsHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			limit = parsedLimit
		}
	}

	jobs, err := s.Jobs(limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": s.ID(),
		"jobs":       jobs,
		"count":      len(jobs),
	})
}

func (h *Handlers) session(w http.ResponseWriter, r *http.Request) (*consultation.Session, bool) {
	s, err := h.sessions.Get(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return s, true
}

// formFile opens the multipart "file" field. Bodies well past limit are cut
// off before they are buffered.
func (h *Handlers) formFile(w http.ResponseWriter, r *http.Request, limit int64) (ingestion.UploadedFile, func(), bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, models.ErrFileTooLarge)
			return ingestion.UploadedFile{}, nil, false
		}
		http.Error(w, "Failed to parse form", http.StatusBadRequest)
		return ingestion.UploadedFile{}, nil, false
	}

	file, hdr, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "file is required", http.StatusBadRequest)
		return ingestion.UploadedFile{}, nil, false
	}

	cleanup := func() {
		file.Close()
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}
	return ingestion.UploadedFile{
		Name:     hdr.Filename,
		MimeType: hdr.Header.Get("Content-Type"),
		Size:     hdr.Size,
		Reader:   file,
	}, cleanup, true
}

func (h *Handlers) submitted() int {
	if h.async {
		return http.StatusAccepted
	}
	return http.StatusOK
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.logger.Error("API: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{
		"error":   err.Error(),
		"message": models.UserMessage(err),
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, consultation.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConsentRequired):
		return http.StatusPreconditionRequired
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrDeviceUnavailable),
		errors.Is(err, pipeline.ErrQueueFull),
		errors.Is(err, pipeline.ErrPoolStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, models.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, models.ErrRequestFailed):
		return http.StatusBadGateway
	case errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, capture.ErrCaptureActive),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, capture.ErrCaptureCancelled),
		errors.Is(err, persistence.ErrNoResult):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
