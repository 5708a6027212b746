package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type RecordingStatus string

const (
	RecordingIdle       RecordingStatus = "idle"
	RecordingRequesting RecordingStatus = "requesting"
	RecordingActive     RecordingStatus = "recording"
	RecordingPaused     RecordingStatus = "paused"
	RecordingStopped    RecordingStatus = "stopped"
	RecordingError      RecordingStatus = "error"
)

// Terminal reports whether a session in this status can no longer record.
func (s RecordingStatus) Terminal() bool {
	return s == RecordingStopped || s == RecordingError
}

// Live reports whether the session currently holds the hardware stream.
func (s RecordingStatus) Live() bool {
	return s == RecordingActive || s == RecordingPaused
}

type RecordingSession struct {
	ID             string          `json:"id"`
	Status         RecordingStatus `json:"status"`
	StartedAt      time.Time       `json:"started_at"`
	ElapsedSeconds int             `json:"elapsed_seconds"`
	Chunks         [][]byte        `json:"-"`
	Error          string          `json:"error,omitempty"`
}

func NewRecordingSession() *RecordingSession {
	return &RecordingSession{
		ID:     uuid.New().String(),
		Status: RecordingRequesting,
	}
}

// BufferedBytes is the total size of the chunks collected so far.
func (s *RecordingSession) BufferedBytes() int {
	n := 0
	for _, c := range s.Chunks {
		n += len(c)
	}
	return n
}

type PayloadSource string

const (
	SourceRecording PayloadSource = "recording"
	SourceUpload    PayloadSource = "upload"
)

// AudioPayload is a validated audio buffer ready for the analysis API.
type AudioPayload struct {
	Data      []byte        `json:"-"`
	MimeType  string        `json:"mime_type"`
	FileName  string        `json:"file_name"`
	SizeBytes int64         `json:"size_bytes"`
	Source    PayloadSource `json:"source"`
}

// ImagePayload is a validated document image for the scan path.
type ImagePayload struct {
	Data      []byte `json:"-"`
	MimeType  string `json:"mime_type"`
	FileName  string `json:"file_name"`
	SizeBytes int64  `json:"size_bytes"`
}

type ProcessingStage string

const (
	StageIdle       ProcessingStage = "idle"
	StageSubmitting ProcessingStage = "submitting"
	StageAwaiting   ProcessingStage = "awaiting"
	StageComplete   ProcessingStage = "complete"
	StageFailed     ProcessingStage = "failed"
)

// Active reports whether a request is in flight for a job in this stage.
func (s ProcessingStage) Active() bool {
	return s == StageSubmitting || s == StageAwaiting
}

// Step is one of the three user-visible phases.
type Step int

const (
	StepCapture Step = iota
	StepAnalyze
	StepReview
)

var stepLabels = [...]string{"Capture", "Analyze", "Review"}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepLabels) {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepLabels[s]
}

// Step maps a processing stage onto the step indicator. Failure shows the
// first step again so the user can retry from the start.
func (s ProcessingStage) Step() Step {
	switch s {
	case StageSubmitting, StageAwaiting:
		return StepAnalyze
	case StageComplete:
		return StepReview
	default:
		return StepCapture
	}
}

type JobKind string

const (
	JobAudio JobKind = "audio"
	JobImage JobKind = "image"
)

type ProcessingJob struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	Kind        JobKind         `json:"kind"`
	Stage       ProcessingStage `json:"stage"`
	ResultRef   string          `json:"result_ref,omitempty"`
	FileName    string          `json:"file_name,omitempty"`
	SizeBytes   int64           `json:"size_bytes"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func NewProcessingJob(sessionID string, kind JobKind, fileName string, size int64) *ProcessingJob {
	return &ProcessingJob{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Kind:      kind,
		Stage:     StageIdle,
		FileName:  fileName,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}
}

// StatusEvent is a progress update for one browsing session.
type StatusEvent struct {
	SessionID string    `json:"session_id"`
	JobID     string    `json:"job_id,omitempty"`
	Component string    `json:"component"`
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// FormatDuration renders elapsed seconds as MM:SS.
func FormatDuration(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
