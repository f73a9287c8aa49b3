// Package audio provides the capture devices that feed encoded audio
// fragments into a capture session.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/config"
)

var (
	// ErrPermissionDenied is returned when the operator or the OS refuses
	// access to the capture device.
	ErrPermissionDenied = errors.New("audio capture permission denied")
	// ErrNoDevice is returned when no capture device is available.
	ErrNoDevice = errors.New("no audio capture device")
)

// MimeType is the media type declared for every recording, whatever the
// device actually encoded.
const MimeType = "audio/wav"

// Event carries one encoded fragment. Final marks the end of the stream: the
// device has flushed its encoder after a stop request and sends nothing more.
type Event struct {
	Data  []byte
	Final bool
}

// Device opens a capture stream that pushes events into out. Implementations
// must select on ctx.Done() when sending so a cancelled session never blocks
// them.
type Device interface {
	Open(ctx context.Context, out chan<- Event) (Stream, error)
}

// Stream is an open capture. Stop requests finalization and returns without
// waiting; trailing fragments and the Final event follow asynchronously.
type Stream interface {
	Stop() error
}

// NewDevice builds the device selected by cfg.Mode.
func NewDevice(cfg config.CaptureConfig, logger *slog.Logger) (Device, error) {
	fragment := time.Duration(cfg.FragmentMS) * time.Millisecond
	switch cfg.Mode {
	case "", "mock":
		return &MockDevice{SampleRate: cfg.SampleRate, Channels: cfg.Channels, ChunkBytes: chunkBytes(cfg)}, nil
	case "wav":
		return &FileDevice{Path: cfg.File, Fragment: fragment}, nil
	case "exec":
		return NewExecDevice(cfg.Command, chunkBytes(cfg), logger)
	default:
		return nil, fmt.Errorf("unsupported capture mode %q", cfg.Mode)
	}
}

// chunkBytes is the size of 16-bit PCM covering one fragment interval.
func chunkBytes(cfg config.CaptureConfig) int {
	n := cfg.SampleRate * cfg.Channels * 2 * cfg.FragmentMS / 1000
	if n <= 0 {
		return 4096
	}
	return n
}

func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
