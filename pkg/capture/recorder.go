package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"consultation-capture/pkg/models"

	"go.uber.org/zap"
)

var (
	ErrCaptureActive    = errors.New("a recording session is already active")
	ErrNotRecording     = errors.New("no recording in progress")
	ErrCaptureCancelled = errors.New("recording cancelled before the microphone opened")
)

// DefaultMimeTypes mirrors what browsers negotiate: webm when supported,
// mp4 otherwise.
var DefaultMimeTypes = []string{"audio/webm", "audio/mp4"}

const flushTimeout = 2 * time.Second

type ConsentChecker interface {
	HasConsent() bool
}

type Options struct {
	ChunkInterval time.Duration
	TickInterval  time.Duration
	MimeTypes     []string
	NewTicker     TickerFunc
}

// Recorder owns the microphone for one recording session at a time.
//
// Sessions move Idle -> Requesting -> Recording <-> Paused -> Stopped, and
// any of them may fall into Error on a device failure. Stopped and Error are
// terminal; Start creates a fresh session. Whatever the exit path (Stop,
// Close or a device failure) the stream is released exactly once.
type Recorder struct {
	mic     Microphone
	consent ConsentChecker
	opts    Options
	logger  *zap.Logger

	mu     sync.Mutex
	active *activeSession
}

type activeSession struct {
	rec       *models.RecordingSession
	stream    Stream
	release   func() error
	collected chan struct{}
	err       error

	timerStop chan struct{}
	timerDone chan struct{}

	// opening is set while Open is in flight or a cancelled stream is
	// still being released.
	opening bool
}

func NewRecorder(mic Microphone, consent ConsentChecker, opts Options, logger *zap.Logger) *Recorder {
	if opts.ChunkInterval <= 0 {
		opts.ChunkInterval = time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if len(opts.MimeTypes) == 0 {
		opts.MimeTypes = DefaultMimeTypes
	}
	if opts.NewTicker == nil {
		opts.NewTicker = NewTicker
	}
	return &Recorder{
		mic:     mic,
		consent: consent,
		opts:    opts,
		logger:  logger.Named("capture"),
	}
}

// Start opens the microphone and begins a new session. Without consent it
// fails with models.ErrConsentRequired before touching the hardware.
func (r *Recorder) Start(ctx context.Context) error {
	if !r.consent.HasConsent() {
		return models.ErrConsentRequired
	}

	r.mu.Lock()
	if r.active != nil && (r.active.opening || !r.active.rec.Status.Terminal()) {
		r.mu.Unlock()
		return ErrCaptureActive
	}
	a := &activeSession{rec: models.NewRecordingSession(), opening: true}
	r.active = a
	r.mu.Unlock()

	logger := r.logger.With(zap.String("recording_id", a.rec.ID))
	logger.Debug("Capture: requesting microphone")

	stream, err := r.mic.Open(ctx, StreamOptions{PreferredMimeTypes: r.opts.MimeTypes})
	if err != nil {
		r.mu.Lock()
		a.opening = false
		if a.rec.Status == models.RecordingRequesting {
			a.rec.Status = models.RecordingError
			a.rec.Error = err.Error()
			a.err = err
		}
		r.mu.Unlock()
		logger.Warn("Capture: microphone request failed", zap.Error(err))
		return fmt.Errorf("opening microphone: %w", err)
	}

	release := releaseOnce(stream, logger)

	r.mu.Lock()
	if a.rec.Status != models.RecordingRequesting {
		// Stopped or torn down while the permission prompt was open.
		r.mu.Unlock()
		r.releaseOpening(a, release)
		return ErrCaptureCancelled
	}

	if err := stream.Start(r.opts.ChunkInterval); err != nil {
		a.rec.Status = models.RecordingError
		a.rec.Error = err.Error()
		a.err = err
		r.mu.Unlock()
		r.releaseOpening(a, release)
		return fmt.Errorf("starting microphone: %w", err)
	}

	a.opening = false
	a.stream = stream
	a.release = release
	a.collected = make(chan struct{})
	a.rec.Status = models.RecordingActive
	a.rec.StartedAt = time.Now()
	a.rec.ElapsedSeconds = 0
	go r.collect(a)
	r.startTimerLocked(a)
	r.mu.Unlock()

	logger.Info("Capture: recording started", zap.String("mime_type", stream.MimeType()))
	return nil
}

// releaseOpening gives back a stream that never started recording. The
// session stays busy until the release has returned.
func (r *Recorder) releaseOpening(a *activeSession, release func() error) {
	_ = release()
	r.mu.Lock()
	a.opening = false
	r.mu.Unlock()
}

// Pause is a no-op unless the session is recording.
func (r *Recorder) Pause() error {
	r.mu.Lock()
	a := r.active
	if a == nil || a.rec.Status != models.RecordingActive {
		r.mu.Unlock()
		return nil
	}

	if err := a.stream.Pause(); err != nil {
		r.mu.Unlock()
		r.fail(a, err)
		return fmt.Errorf("pausing microphone: %w", err)
	}

	done := a.stopTimerLocked()
	a.rec.Status = models.RecordingPaused
	r.mu.Unlock()

	waitClosed(done)
	return nil
}

// Resume is a no-op unless the session is paused. The elapsed time carries
// on from where Pause left it.
func (r *Recorder) Resume() error {
	r.mu.Lock()
	a := r.active
	if a == nil || a.rec.Status != models.RecordingPaused {
		r.mu.Unlock()
		return nil
	}

	if err := a.stream.Resume(); err != nil {
		r.mu.Unlock()
		r.fail(a, err)
		return fmt.Errorf("resuming microphone: %w", err)
	}

	a.rec.Status = models.RecordingActive
	r.startTimerLocked(a)
	r.mu.Unlock()
	return nil
}

// Stop finalizes the session into a single buffer. The hardware stream is
// released before Stop waits for the last chunk. After a device failure Stop
// returns that failure and no payload.
func (r *Recorder) Stop() (*models.AudioPayload, error) {
	r.mu.Lock()
	a := r.active
	if a == nil {
		r.mu.Unlock()
		return nil, ErrNotRecording
	}

	switch a.rec.Status {
	case models.RecordingRequesting:
		a.rec.Status = models.RecordingStopped
		r.mu.Unlock()
		return nil, ErrNotRecording
	case models.RecordingError:
		release, err := a.release, a.err
		r.mu.Unlock()
		if release != nil {
			_ = release()
		}
		return nil, fmt.Errorf("recording failed: %w", err)
	case models.RecordingActive, models.RecordingPaused:
	default:
		r.mu.Unlock()
		return nil, ErrNotRecording
	}

	a.rec.Status = models.RecordingStopped
	timerDone := a.stopTimerLocked()
	r.mu.Unlock()

	r.shutdown(a, timerDone)

	r.mu.Lock()
	data := bytes.Join(a.rec.Chunks, nil)
	a.rec.Chunks = nil
	elapsed := a.rec.ElapsedSeconds
	r.mu.Unlock()

	mimeType := a.stream.MimeType()
	payload := &models.AudioPayload{
		Data:      data,
		MimeType:  mimeType,
		FileName:  "recording" + extensionFor(mimeType),
		SizeBytes: int64(len(data)),
		Source:    models.SourceRecording,
	}

	r.logger.Info("Capture: recording stopped",
		zap.String("recording_id", a.rec.ID),
		zap.Int("elapsed_seconds", elapsed),
		zap.Int64("size_bytes", payload.SizeBytes))
	return payload, nil
}

// Close tears the recorder down from any state, discarding buffered audio.
// It is the scoped release owners defer when they go away.
func (r *Recorder) Close() error {
	r.mu.Lock()
	a := r.active
	if a == nil {
		r.mu.Unlock()
		return nil
	}

	switch {
	case a.rec.Status == models.RecordingRequesting:
		a.rec.Status = models.RecordingStopped
		r.mu.Unlock()
		return nil
	case a.rec.Status.Live():
		a.rec.Status = models.RecordingStopped
		timerDone := a.stopTimerLocked()
		r.mu.Unlock()

		err := r.shutdown(a, timerDone)
		r.mu.Lock()
		a.rec.Chunks = nil
		r.mu.Unlock()
		r.logger.Info("Capture: recording discarded on teardown", zap.String("recording_id", a.rec.ID))
		return err
	default:
		release := a.release
		r.mu.Unlock()
		if release != nil {
			return release()
		}
		return nil
	}
}

// Session returns a snapshot of the current session, without audio data.
func (r *Recorder) Session() models.RecordingSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active == nil {
		return models.RecordingSession{Status: models.RecordingIdle}
	}
	snap := *r.active.rec
	snap.Chunks = nil
	return snap
}

func (r *Recorder) Status() models.RecordingStatus {
	return r.Session().Status
}

func (r *Recorder) ElapsedSeconds() int {
	return r.Session().ElapsedSeconds
}

// shutdown stops the device, releases it and waits for the timer and the
// chunk collector to finish. The session status must already be terminal.
func (r *Recorder) shutdown(a *activeSession, timerDone chan struct{}) error {
	if err := a.stream.Stop(); err != nil {
		r.logger.Warn("Capture: stream stop failed", zap.String("recording_id", a.rec.ID), zap.Error(err))
	}
	err := a.release()
	waitClosed(timerDone)

	select {
	case <-a.collected:
	case <-time.After(flushTimeout):
		r.logger.Warn("Capture: timed out waiting for final chunk", zap.String("recording_id", a.rec.ID))
	}
	return err
}

func (r *Recorder) collect(a *activeSession) {
	defer close(a.collected)

	for chunk := range a.stream.Chunks() {
		if chunk.Err != nil {
			r.fail(a, chunk.Err)
			continue
		}
		if len(chunk.Data) == 0 {
			continue
		}

		r.mu.Lock()
		if a.rec.Status != models.RecordingError {
			a.rec.Chunks = append(a.rec.Chunks, chunk.Data)
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) fail(a *activeSession, err error) {
	r.mu.Lock()
	if a.rec.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	a.rec.Status = models.RecordingError
	a.rec.Error = err.Error()
	a.err = err
	a.rec.Chunks = nil
	timerDone := a.stopTimerLocked()
	release := a.release
	r.mu.Unlock()

	r.logger.Error("Capture: device failure", zap.String("recording_id", a.rec.ID), zap.Error(err))
	if release != nil {
		_ = release()
	}
	waitClosed(timerDone)
}

func (r *Recorder) startTimerLocked(a *activeSession) {
	stop := make(chan struct{})
	done := make(chan struct{})
	a.timerStop = stop
	a.timerDone = done

	ticker := r.opts.NewTicker(r.opts.TickInterval)
	go func() {
		defer close(done)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				r.mu.Lock()
				// A tick racing with Pause belongs to a stopped timer.
				if a.timerStop == stop && a.rec.Status == models.RecordingActive {
					a.rec.ElapsedSeconds++
				}
				r.mu.Unlock()
			}
		}
	}()
}

func (a *activeSession) stopTimerLocked() chan struct{} {
	if a.timerStop == nil {
		return nil
	}
	close(a.timerStop)
	done := a.timerDone
	a.timerStop = nil
	a.timerDone = nil
	return done
}

func waitClosed(ch chan struct{}) {
	if ch != nil {
		<-ch
	}
}

func releaseOnce(s Stream, logger *zap.Logger) func() error {
	var (
		once sync.Once
		err  error
	)
	return func() error {
		once.Do(func() {
			err = s.Release()
			if err != nil {
				logger.Warn("Capture: releasing microphone failed", zap.Error(err))
				return
			}
			logger.Debug("Capture: microphone released")
		})
		return err
	}
}

var extensions = map[string]string{
	"audio/webm":  ".webm",
	"audio/mp4":   ".mp4",
	"audio/ogg":   ".ogg",
	"audio/wav":   ".wav",
	"audio/mpeg":  ".mp3",
	"audio/aac":   ".aac",
	"audio/x-m4a": ".m4a",
}

func extensionFor(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	if ext, ok := extensions[strings.TrimSpace(strings.ToLower(base))]; ok {
		return ext
	}
	return ".webm"
}
