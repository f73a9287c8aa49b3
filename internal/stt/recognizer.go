package stt

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-annotate/internal/bus"
	"github.com/loqalabs/loqa-annotate/internal/config"
	"github.com/loqalabs/loqa-annotate/internal/transcript"
)

// EngineError is a recoverable error reported by the recognition engine, such
// as "no-speech" or "audio-capture". It never ends a capture session.
type EngineError struct {
	Code    string
	Message string
}

func (e *EngineError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("recognition engine error: %s", e.Code)
	}
	return fmt.Sprintf("recognition engine error: %s: %s", e.Code, e.Message)
}

// Recognizer abstracts streaming STT backends. Start begins listening and
// pushes result batches into out until the returned Stream is stopped.
// Implementations must select on ctx.Done() when sending.
type Recognizer interface {
	Start(ctx context.Context, out chan<- transcript.Event) (Stream, error)
}

// Stream is a running recognition. Stop is idempotent; once it returns no
// further events are sent.
type Stream interface {
	Stop() error
}

// New builds the recognizer selected by cfg.Mode. busClient is only required
// for mode=bus.
func New(cfg config.RecognitionConfig, busClient *bus.Client) (Recognizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockRecognizer(ParseScript(cfg.Script), 0), nil
	case "exec":
		return NewExecRecognizer(cfg)
	case "bus":
		if busClient == nil {
			return nil, fmt.Errorf("recognition mode bus requires a bus connection")
		}
		return NewBusRecognizer(busClient, cfg.SessionID), nil
	default:
		return nil, fmt.Errorf("unsupported recognition mode %q", cfg.Mode)
	}
}

func emit(ctx context.Context, out chan<- transcript.Event, ev transcript.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
