package consultation

import (
	"time"

	"consultation-capture/pkg/models"
)

// View is a read-only picture of a session for the control surface.
type View struct {
	ID        string    `json:"id"`
	PatientID string    `json:"patient_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	Consent      bool `json:"consent"`
	PendingStart bool `json:"pending_start"`

	Recording models.RecordingSession `json:"recording"`
	Elapsed   string                  `json:"elapsed"`

	PendingFile string `json:"pending_file,omitempty"`

	Stage          models.ProcessingStage     `json:"stage"`
	Step           string                     `json:"step"`
	Job            *models.ProcessingJob      `json:"job,omitempty"`
	Result         *models.ConsultationResult `json:"result,omitempty"`
	ConsultationID string                     `json:"consultation_id,omitempty"`
	Error          string                     `json:"error,omitempty"`

	Saving bool `json:"saving"`
	Saved  bool `json:"saved"`
}

func (s *Session) Snapshot() View {
	rec := s.recorder.Session()
	stage := s.pipeline.Stage()

	s.mu.Lock()
	pendingStart := s.pendingStart
	s.mu.Unlock()

	v := View{
		ID:           s.id,
		PatientID:    s.patientID,
		CreatedAt:    s.createdAt,
		Consent:      s.gate.HasConsent(),
		PendingStart: pendingStart,
		Recording:    rec,
		Elapsed:      models.FormatDuration(rec.ElapsedSeconds),
		Stage:        stage,
		Step:         stage.Step().String(),
		Job:          s.pipeline.Job(),
		Result:       s.pipeline.Result(),
		Saving:       s.bridge.Saving(),
		Saved:        s.bridge.Saved(),
	}
	if p := s.router.Pending(); p != nil {
		v.PendingFile = p.FileName
	}
	if v.Result != nil {
		v.ConsultationID = v.Result.ConsultationID
	}
	if err := s.pipeline.LastError(); err != nil {
		v.Error = models.UserMessage(err)
	}
	return v
}
