// Package capture drives a microphone through one recording session at a
// time: consent check, permission request, chunk collection, duration
// tracking and a guaranteed release of the hardware stream.
package capture

import (
	"context"
	"time"
)

// Microphone is the platform capability behind the recorder. Open performs
// the permission request; implementations report refusal with
// models.ErrPermissionDenied and missing hardware with
// models.ErrDeviceUnavailable.
type Microphone interface {
	Open(ctx context.Context, opts StreamOptions) (Stream, error)
}

type StreamOptions struct {
	// PreferredMimeTypes is tried in order; the stream reports the one it
	// actually produces.
	PreferredMimeTypes []string
}

// Stream is an acquired microphone stream.
//
// Chunks delivers buffered data every timeslice passed to Start. A chunk
// carrying Err reports a device failure. The channel is closed once Stop or
// Release has flushed the last data.
type Stream interface {
	Start(timeslice time.Duration) error
	Pause() error
	Resume() error
	Stop() error
	Chunks() <-chan Chunk
	MimeType() string
	// Release stops the underlying hardware tracks.
	Release() error
}

type Chunk struct {
	Data []byte
	Err  error
}

type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func NewTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}
