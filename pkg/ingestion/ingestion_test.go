package ingestion

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"consultation-capture/pkg/consent"
	"consultation-capture/pkg/models"
	"consultation-capture/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var wavHeader = append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 32)...)

type forwardRecorder struct {
	calls []*models.AudioPayload
	err   error
}

func (f *forwardRecorder) forward(_ context.Context, p *models.AudioPayload) error {
	f.calls = append(f.calls, p)
	return f.err
}

func newRouter(t *testing.T, granted bool) (*Router, *consent.Gate, *forwardRecorder) {
	t.Helper()
	gate := consent.NewGate("s1", storage.NewMemorySessionStore(), zaptest.NewLogger(t))
	if granted {
		gate.Grant()
	}
	fwd := &forwardRecorder{}
	return NewRouter(gate, fwd.forward, zaptest.NewLogger(t)), gate, fwd
}

func upload(name, mimeType string, data []byte) UploadedFile {
	return UploadedFile{Name: name, MimeType: mimeType, Size: int64(len(data)), Reader: bytes.NewReader(data)}
}

func TestNormalizeAcceptsAllowlistedUploads(t *testing.T) {
	for _, mt := range []string{
		"audio/webm", "audio/wav", "audio/mp3", "audio/mpeg", "audio/mp4",
		"audio/ogg", "audio/x-m4a", "audio/aac", "audio/webm;codecs=opus",
	} {
		t.Run(mt, func(t *testing.T) {
			p, err := Normalize(upload("visit", mt, []byte("audio")))
			require.NoError(t, err)
			assert.Equal(t, strings.Split(mt, ";")[0], p.MimeType)
			assert.Equal(t, int64(5), p.SizeBytes)
			assert.Equal(t, models.SourceUpload, p.Source)
			assert.Equal(t, "visit", p.FileName)
		})
	}
}

func TestNormalizeRejectsUnsupportedType(t *testing.T) {
	for _, mt := range []string{"video/mp4", "text/plain", "image/png", "not a type"} {
		_, err := Normalize(upload("notes", mt, []byte("data")))
		assert.ErrorIs(t, err, models.ErrUnsupportedFormat, mt)
	}
}

func TestNormalizeChecksTypeBeforeSize(t *testing.T) {
	f := UploadedFile{Name: "big.txt", MimeType: "text/plain", Size: MaxPayloadBytes * 2}
	_, err := Normalize(f)
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestNormalizeRejectsDeclaredOversizeWithoutReading(t *testing.T) {
	r := &countingReader{}
	f := UploadedFile{Name: "long.wav", MimeType: "audio/wav", Size: 26_214_400, Reader: r}

	_, err := Normalize(f)

	assert.ErrorIs(t, err, models.ErrFileTooLarge)
	assert.Zero(t, r.reads)
}

func TestNormalizeRejectsOversizeBody(t *testing.T) {
	data := make([]byte, MaxPayloadBytes)
	f := UploadedFile{Name: "long.wav", MimeType: "audio/wav", Size: -1, Reader: bytes.NewReader(data)}

	_, err := Normalize(f)
	assert.ErrorIs(t, err, models.ErrFileTooLarge)
}

func TestNormalizeAcceptsJustUnderCeiling(t *testing.T) {
	data := make([]byte, MaxPayloadBytes-1)
	p, err := Normalize(upload("long.wav", "audio/wav", data))
	require.NoError(t, err)
	assert.Equal(t, int64(MaxPayloadBytes-1), p.SizeBytes)
}

func TestNormalizeRejectsEmptyFile(t *testing.T) {
	_, err := Normalize(upload("empty.wav", "audio/wav", nil))
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestNormalizeSniffsMissingType(t *testing.T) {
	p, err := Normalize(upload("clip", "", wavHeader))
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", p.MimeType)

	p, err = Normalize(upload("clip", "application/octet-stream", wavHeader))
	require.NoError(t, err)
	assert.Equal(t, "audio/wav", p.MimeType)

	_, err = Normalize(upload("notes", "", []byte("just some text")))
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestNormalizeRecordedAudio(t *testing.T) {
	p, err := Normalize(RecordedAudio{Payload: &models.AudioPayload{
		Data:     []byte("opus"),
		MimeType: "audio/webm",
		FileName: "recording.webm",
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(4), p.SizeBytes)
	assert.Equal(t, models.SourceRecording, p.Source)

	_, err = Normalize(RecordedAudio{Payload: &models.AudioPayload{MimeType: "audio/webm"}})
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)

	_, err = Normalize(RecordedAudio{})
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestNormalizeImage(t *testing.T) {
	png := append([]byte("\x89PNG\r\n\x1a\n"), make([]byte, 16)...)

	p, err := NormalizeImage(upload("rx.png", "image/png", png))
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.MimeType)

	p, err = NormalizeImage(upload("rx", "", png))
	require.NoError(t, err)
	assert.Equal(t, "image/png", p.MimeType)

	_, err = NormalizeImage(upload("rx.pdf", "application/pdf", []byte("%PDF")))
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)

	_, err = NormalizeImage(UploadedFile{Name: "rx.png", MimeType: "image/png", Size: MaxImageBytes})
	assert.ErrorIs(t, err, models.ErrFileTooLarge)
}

func TestNormalizeImageRejectsBitmaps(t *testing.T) {
	bmp := append([]byte("BM"), make([]byte, 52)...)

	_, err := NormalizeImage(upload("rx.bmp", "image/bmp", bmp))
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)

	_, err = NormalizeImage(upload("rx", "", bmp))
	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
}

func TestSubmitForwardsWithConsent(t *testing.T) {
	router, _, fwd := newRouter(t, true)

	p, err := router.Submit(context.Background(), upload("visit.wav", "audio/wav", []byte("audio")))

	require.NoError(t, err)
	require.Len(t, fwd.calls, 1)
	assert.Same(t, p, fwd.calls[0])
	assert.Nil(t, router.Pending())
}

func TestSubmitOversizeNeverForwards(t *testing.T) {
	router, _, fwd := newRouter(t, true)

	_, err := router.Submit(context.Background(), UploadedFile{
		Name: "long.wav", MimeType: "audio/wav", Size: 26_214_400, Reader: &countingReader{},
	})

	assert.ErrorIs(t, err, models.ErrFileTooLarge)
	assert.Empty(t, fwd.calls)
	assert.Nil(t, router.Pending())
}

func TestSubmitHoldsPayloadUntilConsent(t *testing.T) {
	router, gate, fwd := newRouter(t, false)
	ctx := context.Background()

	held, err := router.Submit(ctx, upload("visit.wav", "audio/wav", []byte("audio")))
	require.ErrorIs(t, err, models.ErrConsentRequired)
	assert.Empty(t, fwd.calls)
	assert.Same(t, held, router.Pending())

	forwarded, err := router.GrantConsent(ctx)
	require.NoError(t, err)

	assert.True(t, gate.HasConsent())
	require.Len(t, fwd.calls, 1)
	assert.Same(t, held, fwd.calls[0])
	assert.Same(t, held, forwarded)
	assert.Nil(t, router.Pending())

	again, err := router.GrantConsent(ctx)
	assert.NoError(t, err)
	assert.Nil(t, again)
	assert.Len(t, fwd.calls, 1)
}

func TestInvalidPayloadIsNotHeld(t *testing.T) {
	router, _, _ := newRouter(t, false)

	_, err := router.Submit(context.Background(), upload("notes.txt", "text/plain", []byte("x")))

	assert.ErrorIs(t, err, models.ErrUnsupportedFormat)
	assert.Nil(t, router.Pending())
}

func TestGrantConsentKeepsPayloadWhenForwardRefused(t *testing.T) {
	router, _, fwd := newRouter(t, false)
	fwd.err = errors.New("busy")
	ctx := context.Background()

	_, err := router.Submit(ctx, upload("visit.wav", "audio/wav", []byte("audio")))
	require.ErrorIs(t, err, models.ErrConsentRequired)

	p, err := router.GrantConsent(ctx)
	assert.EqualError(t, err, "busy")
	require.NotNil(t, p)
	assert.Same(t, p, router.Pending())

	fwd.err = nil
	again, err := router.GrantConsent(ctx)
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Len(t, fwd.calls, 2)
	assert.Nil(t, router.Pending())
}

func TestGrantConsentDropsPayloadAfterFailedAnalysis(t *testing.T) {
	router, _, fwd := newRouter(t, false)
	fwd.err = models.ErrRequestFailed
	ctx := context.Background()

	_, err := router.Submit(ctx, upload("visit.wav", "audio/wav", []byte("audio")))
	require.ErrorIs(t, err, models.ErrConsentRequired)

	_, err = router.GrantConsent(ctx)
	assert.ErrorIs(t, err, models.ErrRequestFailed)
	assert.Nil(t, router.Pending())
}

func TestClearPending(t *testing.T) {
	router, _, fwd := newRouter(t, false)
	ctx := context.Background()

	_, _ = router.Submit(ctx, upload("visit.wav", "audio/wav", []byte("audio")))
	router.ClearPending()

	p, err := router.GrantConsent(ctx)
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.Empty(t, fwd.calls)
}

type countingReader struct{ reads int }

func (r *countingReader) Read(p []byte) (int, error) {
	r.reads++
	return 0, errors.New("should not be read")
}
