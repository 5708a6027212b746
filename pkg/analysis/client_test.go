package analysis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"consultation-capture/pkg/config"
	"consultation-capture/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const resultBody = `{
	"consultation_id": "c-42",
	"transcript": "patient reports headache",
	"keyPoints": {"symptoms": ["headache"], "diagnosis": ["migraine"], "allergies": [], "notes": []},
	"prescription": {"medicines": [{"name": "Ibuprofen", "dosage": "400mg", "frequency": "twice daily", "duration": "5 days"}], "instructions": ["rest"], "date": "2026-01-01", "patientName": "A"},
	"summary": {"chiefComplaint": "headache", "history": "", "assessment": [{"code": "G43", "description": "Migraine"}], "plan": ["hydrate"]}
}`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(config.AnalysisConfig{BaseURL: srv.URL + "/api/v1", AuthToken: "tok"}, zaptest.NewLogger(t))
}

func audio() *models.AudioPayload {
	return &models.AudioPayload{Data: []byte("RIFFWAVE"), MimeType: "audio/wav", FileName: "visit.wav", SizeBytes: 8}
}

func TestTranscribeSendsMultipartAndParsesResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/consultations/transcribe", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "p-7", r.FormValue("patient_id"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "RIFFWAVE", string(data))
		assert.Equal(t, "visit.wav", hdr.Filename)
		assert.Equal(t, "audio/wav", hdr.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, resultBody)
	})

	result, err := client.Transcribe(context.Background(), audio(), "p-7")
	require.NoError(t, err)

	assert.Equal(t, "c-42", result.ConsultationID)
	assert.Equal(t, []string{"migraine"}, result.KeyPoints.Diagnosis)
	require.Len(t, result.Prescription.Medicines, 1)
	assert.Equal(t, "Ibuprofen", result.Prescription.Medicines[0].Name)
	assert.Equal(t, "headache", result.Summary.ChiefComplaint)
	assert.Equal(t, "G43", result.Summary.Assessment[0].Code)
}

func TestTranscribeOmitsEmptyPatientID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, present := r.MultipartForm.Value["patient_id"]
		assert.False(t, present)
		_, _ = io.WriteString(w, resultBody)
	})

	_, err := client.Transcribe(context.Background(), audio(), "")
	assert.NoError(t, err)
}

func TestTranscribeFailuresAreRequestFailed(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"detail": "model offline"})
		},
		"unauthorized": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"malformed body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "{not json")
		},
		"missing consultation id": func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"transcript": "x"}`)
		},
	}

	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, h)
			result, err := client.Transcribe(context.Background(), audio(), "")
			assert.Nil(t, result)
			assert.ErrorIs(t, err, models.ErrRequestFailed)
		})
	}
}

func TestServerErrorCarriesDetail(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail": "Unsupported audio type"}`)
	})

	_, err := client.Transcribe(context.Background(), audio(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400 Unsupported audio type")
}

func TestTransportErrorIsRequestFailed(t *testing.T) {
	client := NewClient(config.AnalysisConfig{BaseURL: "http://127.0.0.1:1"}, zaptest.NewLogger(t))

	_, err := client.Transcribe(context.Background(), audio(), "")
	assert.ErrorIs(t, err, models.ErrRequestFailed)
}

func TestContextDeadlineIsRequestFailed(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Transcribe(ctx, audio(), "")
	assert.ErrorIs(t, err, models.ErrRequestFailed)
}

func TestScanImage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/prescriptions/scan-image", r.URL.Path)
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		f.Close()
		assert.Equal(t, "rx.png", hdr.Filename)
		_, _ = io.WriteString(w, resultBody)
	})

	result, err := client.ScanImage(context.Background(), &models.ImagePayload{
		Data: []byte("\x89PNG"), MimeType: "image/png", FileName: "rx.png", SizeBytes: 4,
	})
	require.NoError(t, err)
	assert.Equal(t, "c-42", result.ConsultationID)
}

func TestSaveNotes(t *testing.T) {
	var got map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/consultations/c-42/notes", r.URL.Path)
		assert.Contains(t, r.Header.Get("Content-Type"), "application/json")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.SaveNotes(context.Background(), "c-42", "Plan: rest"))
	assert.Equal(t, map[string]string{"notes": "Plan: rest"}, got)
}

func TestSaveNotesFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	err := client.SaveNotes(context.Background(), "c-42", "Plan: rest")
	assert.ErrorIs(t, err, models.ErrRequestFailed)
}
