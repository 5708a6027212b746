//go:build linux || darwin

package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"consultation-capture/pkg/config"
	"consultation-capture/pkg/models"

	"go.uber.org/zap"
)

const (
	startupGrace = 300 * time.Millisecond
	stopGrace    = 3 * time.Second
)

// FFmpegMicrophone captures the default input device through an ffmpeg
// child process that encodes opus in an ogg container on stdout.
type FFmpegMicrophone struct {
	path   string
	format string
	device string
	logger *zap.Logger
}

func NewFFmpegMicrophone(cfg config.CaptureConfig, logger *zap.Logger) *FFmpegMicrophone {
	format, device := cfg.InputFormat, cfg.InputDevice
	if format == "" {
		format = "alsa"
		if runtime.GOOS == "darwin" {
			format = "avfoundation"
		}
	}
	if device == "" {
		device = "default"
		if format == "avfoundation" {
			device = ":default"
		}
	}
	return &FFmpegMicrophone{
		path:   cfg.FFmpegPath,
		format: format,
		device: device,
		logger: logger.Named("ffmpeg"),
	}
}

// Open launches ffmpeg on the input device. A process that dies within the
// startup grace period is treated as a refused or missing microphone.
func (m *FFmpegMicrophone) Open(ctx context.Context, _ StreamOptions) (Stream, error) {
	path, err := exec.LookPath(m.path)
	if err != nil {
		return nil, fmt.Errorf("%w: ffmpeg not found", models.ErrDeviceUnavailable)
	}

	cmd := exec.Command(path,
		"-hide_banner",
		"-loglevel", "error",
		"-f", m.format,
		"-i", m.device,
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "libopus",
		"-f", "ogg",
		"pipe:1",
	)
	// Own process group, so a terminal Ctrl+C reaches only the caller and
	// the recording is finished through Stop.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	s := &ffmpegStream{
		cmd:      cmd,
		logger:   m.logger,
		chunks:   make(chan Chunk, 16),
		exited:   make(chan struct{}),
		drained:  make(chan struct{}),
		released: make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating ffmpeg pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrDeviceUnavailable, err)
	}
	go s.pump(stdout)

	select {
	case <-s.exited:
		err := s.classify()
		_ = s.Release()
		return nil, err
	case <-ctx.Done():
		_ = s.Release()
		return nil, ctx.Err()
	case <-time.After(startupGrace):
	}

	m.logger.Debug("FFmpeg: capture process started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("format", m.format),
		zap.String("device", m.device))
	return s, nil
}

type ffmpegStream struct {
	cmd    *exec.Cmd
	logger *zap.Logger

	stderr lockedBuffer

	mu       sync.Mutex
	buf      bytes.Buffer
	started  bool
	stopping bool

	chunks      chan Chunk
	exited      chan struct{}
	drained     chan struct{}
	released    chan struct{}
	releaseOnce sync.Once

	flushStop chan struct{}
	flushDone chan struct{}
}

func (s *ffmpegStream) Start(timeslice time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true
	s.flushStop = make(chan struct{})
	s.flushDone = make(chan struct{})
	go s.flushLoop(timeslice, s.flushStop, s.flushDone)
	return nil
}

func (s *ffmpegStream) Pause() error {
	return s.cmd.Process.Signal(syscall.SIGSTOP)
}

func (s *ffmpegStream) Resume() error {
	return s.cmd.Process.Signal(syscall.SIGCONT)
}

// Stop asks ffmpeg to finish the container and waits until the last bytes
// are queued on Chunks.
func (s *ffmpegStream) Stop() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	// A paused process never sees SIGINT.
	_ = s.cmd.Process.Signal(syscall.SIGCONT)
	// An error here means the process is already gone; its output is still
	// being drained.
	_ = s.cmd.Process.Signal(syscall.SIGINT)

	select {
	case <-s.drained:
		return nil
	case <-time.After(stopGrace):
		_ = s.cmd.Process.Kill()
		<-s.exited
		return fmt.Errorf("ffmpeg did not exit within %s", stopGrace)
	}
}

func (s *ffmpegStream) Chunks() <-chan Chunk {
	return s.chunks
}

func (s *ffmpegStream) MimeType() string {
	return "audio/ogg"
}

func (s *ffmpegStream) Release() error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	select {
	case <-s.exited:
	default:
		_ = s.cmd.Process.Signal(syscall.SIGCONT)
		_ = s.cmd.Process.Kill()
	}
	s.releaseOnce.Do(func() { close(s.released) })
	return nil
}

// pump reads ffmpeg's stdout until the process exits, then flushes what is
// left and closes the chunk channel. A clean exit nobody asked for still
// ends the stream normally, so the recorded audio is kept.
func (s *ffmpegStream) pump(stdout io.Reader) {
	readBuf := make([]byte, 32*1024)
	for {
		n, err := stdout.Read(readBuf)
		if n > 0 {
			s.mu.Lock()
			s.buf.Write(readBuf[:n])
			s.mu.Unlock()
		}
		if err != nil {
			break
		}
	}
	waitErr := s.cmd.Wait()
	close(s.exited)

	s.mu.Lock()
	flushStop, flushDone := s.flushStop, s.flushDone
	started, stopping := s.started, s.stopping
	s.mu.Unlock()

	if flushStop != nil {
		close(flushStop)
		<-flushDone
	}
	if started {
		s.flush()
	}
	switch {
	case stopping:
	case waitErr == nil && started:
		s.logger.Info("FFmpeg: capture process finished on its own")
	default:
		s.logger.Warn("FFmpeg: capture process exited unexpectedly", zap.Error(waitErr))
		s.emit(Chunk{Err: s.classify()})
	}
	close(s.chunks)
	close(s.drained)
}

func (s *ffmpegStream) flushLoop(timeslice time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

func (s *ffmpegStream) flush() {
	s.mu.Lock()
	if s.buf.Len() == 0 {
		s.mu.Unlock()
		return
	}
	data := make([]byte, s.buf.Len())
	copy(data, s.buf.Bytes())
	s.buf.Reset()
	s.mu.Unlock()

	s.emit(Chunk{Data: data})
}

func (s *ffmpegStream) emit(c Chunk) {
	select {
	case s.chunks <- c:
	case <-s.released:
	}
}

func (s *ffmpegStream) classify() error {
	msg := strings.TrimSpace(s.stderr.String())
	lower := strings.ToLower(msg)
	for _, marker := range []string{"permission denied", "not authorized", "operation not permitted"} {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: %s", models.ErrPermissionDenied, msg)
		}
	}
	if msg == "" {
		msg = "capture process exited"
	}
	return fmt.Errorf("%w: %s", models.ErrDeviceUnavailable, msg)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
