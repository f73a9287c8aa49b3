// Package capture coordinates one recording: it owns the audio capture stream
// and the live recognition stream, starts and stops them together, feeds
// recognizer output into the transcript accumulator and buffers audio
// fragments until the device finalizes, then materializes a single
// AudioArtifact.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-annotate/internal/audio"
	"github.com/loqalabs/loqa-annotate/internal/stt"
	"github.com/loqalabs/loqa-annotate/internal/transcript"
)

// State is the capture lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrFinalizeInterrupted is returned by Stop when the context ended before the
// audio device finalized. The artifact holds whatever was buffered.
var ErrFinalizeInterrupted = errors.New("audio finalization interrupted")

// ErrAudioEnded is reported to the observer when the device stops on its own
// while the session is still recording.
var ErrAudioEnded = errors.New("audio device ended before stop")

// PermissionError reports that the audio device could not be acquired. The
// session is left as it was before Start.
type PermissionError struct {
	Err error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("audio capture unavailable: %v", e.Err)
}

func (e *PermissionError) Unwrap() error { return e.Err }

// AudioArtifact is one materialized recording. It is never mutated after
// creation; a later recording produces a new artifact. Transcript is the
// finalized text recognized while the audio was captured.
type AudioArtifact struct {
	SessionID  string
	Data       []byte
	MimeType   string
	Transcript string
	CreatedAt  time.Time
}

// Observer receives session notifications. Calls are made from the session's
// event loop and must not block.
type Observer interface {
	TranscriptChanged(final, interim string)
	RecognitionFailed(err error)
	// AudioEnded reports that the device finished before Stop was requested.
	// Recognition keeps running until Stop.
	AudioEnded()
}

const eventBuffer = 64

// Session owns the capture state for one client.
type Session struct {
	device     audio.Device
	recognizer stt.Recognizer
	observer   Observer
	logger     *slog.Logger
	clock      func() time.Time

	// ctl serializes Start and Stop.
	ctl      sync.Mutex
	stopping atomic.Bool

	mu         sync.Mutex
	state      State
	id         string
	fragments  [][]byte
	artifact   *AudioArtifact
	transcript *transcript.Accumulator

	audioStream audio.Stream
	recStream   stt.Stream
	cancel      context.CancelFunc
	finalized   chan struct{}
	loopDone    chan struct{}
}

// NewSession creates an idle session. observer may be nil.
func NewSession(device audio.Device, recognizer stt.Recognizer, observer Observer, logger *slog.Logger) *Session {
	return &Session{
		device:     device,
		recognizer: recognizer,
		observer:   observer,
		logger:     logger.With(slog.String("component", "capture.session")),
		clock:      time.Now,
		state:      StateIdle,
		transcript: transcript.NewAccumulator(),
	}
}

// Start acquires the audio device and starts recognition. Calling Start while
// recording logs a warning and does nothing.
func (s *Session) Start(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.State() == StateRecording {
		s.logger.Warn("start ignored: already recording", slog.String("session_id", s.ID()))
		return nil
	}

	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	audioCh := make(chan audio.Event, eventBuffer)
	recCh := make(chan transcript.Event, eventBuffer)

	audioStream, err := s.device.Open(recCtx, audioCh)
	if err != nil {
		cancel()
		if errors.Is(err, audio.ErrPermissionDenied) || errors.Is(err, audio.ErrNoDevice) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("open audio device: %w", err)
	}

	recStream, err := s.recognizer.Start(recCtx, recCh)
	if err != nil {
		if stopErr := audioStream.Stop(); stopErr != nil {
			s.logger.Warn("failed to release audio device", slogError(stopErr))
		}
		cancel()
		return fmt.Errorf("start recognition: %w", err)
	}

	id := uuid.NewString()
	finalized := make(chan struct{})
	loopDone := make(chan struct{})

	s.mu.Lock()
	s.id = id
	s.state = StateRecording
	s.fragments = nil
	s.audioStream = audioStream
	s.recStream = recStream
	s.cancel = cancel
	s.finalized = finalized
	s.loopDone = loopDone
	s.mu.Unlock()
	s.stopping.Store(false)
	s.transcript.Reset()
	s.notifyTranscript()

	go s.run(recCtx, audioCh, recCh, finalized, loopDone)

	s.logger.Info("recording started", slog.String("session_id", id))
	return nil
}

// run is the per-recording event loop. It exits once the audio device reports
// Final after a stop request, or when the recording context is cancelled. A
// Final that arrives without a stop request only ends audio buffering;
// recognition events are still consumed until Stop.
func (s *Session) run(ctx context.Context, audioCh <-chan audio.Event, recCh <-chan transcript.Event, finalized, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			s.drainRecognition(recCh)
			return
		case ev := <-audioCh:
			if len(ev.Data) > 0 {
				s.mu.Lock()
				s.fragments = append(s.fragments, ev.Data)
				s.mu.Unlock()
			}
			if !ev.Final {
				continue
			}
			close(finalized)
			if s.stopping.Load() {
				s.drainRecognition(recCh)
				return
			}
			// Nil blocks forever in select.
			audioCh = nil
			s.logger.Warn(ErrAudioEnded.Error(), slog.String("session_id", s.ID()))
			if s.observer != nil {
				s.observer.AudioEnded()
			}
		case ev := <-recCh:
			s.handleRecognition(ev)
		}
	}
}

func (s *Session) drainRecognition(recCh <-chan transcript.Event) {
	for {
		select {
		case ev := <-recCh:
			s.handleRecognition(ev)
		default:
			return
		}
	}
}

func (s *Session) handleRecognition(ev transcript.Event) {
	if ev.Err != nil {
		s.logger.Warn("recognition error", slogError(ev.Err))
		if s.observer != nil {
			s.observer.RecognitionFailed(ev.Err)
		}
		return
	}
	s.transcript.Apply(ev)
	s.notifyTranscript()
}

func (s *Session) notifyTranscript() {
	if s.observer != nil {
		s.observer.TranscriptChanged(s.transcript.Text(), s.transcript.Interim())
	}
}

// Stop ends recognition immediately, asks the audio device to finalize, waits
// for its last fragment and materializes the artifact. Calling Stop when not
// recording logs a warning and returns nil, nil.
func (s *Session) Stop(ctx context.Context) (*AudioArtifact, error) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.state != StateRecording {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("stop ignored: not recording", slog.String("state", state.String()))
		return nil, nil
	}
	audioStream, recStream := s.audioStream, s.recStream
	cancel, finalized, loopDone := s.cancel, s.finalized, s.loopDone
	s.mu.Unlock()

	s.stopping.Store(true)
	if err := recStream.Stop(); err != nil {
		s.logger.Warn("failed to stop recognition", slogError(err))
	}
	if err := audioStream.Stop(); err != nil {
		s.logger.Warn("failed to stop audio device", slogError(err))
	}

	var waitErr error
	select {
	case <-finalized:
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %v", ErrFinalizeInterrupted, ctx.Err())
	}
	cancel()
	<-loopDone

	artifact := s.materialize()
	if waitErr != nil {
		s.logger.Warn("recording stopped before audio finalized", slogError(waitErr))
		return artifact, waitErr
	}
	s.logger.Info("recording stopped",
		slog.String("session_id", artifact.SessionID),
		slog.String("size", humanize.Bytes(uint64(len(artifact.Data)))))
	return artifact, nil
}

// materialize joins the buffered fragments into a new artifact and clears the
// buffer.
func (s *Session) materialize() *AudioArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := 0
	for _, f := range s.fragments {
		size += len(f)
	}
	data := make([]byte, 0, size)
	for _, f := range s.fragments {
		data = append(data, f...)
	}
	s.fragments = nil

	s.artifact = &AudioArtifact{
		SessionID:  s.id,
		Data:       data,
		MimeType:   audio.MimeType,
		Transcript: s.transcript.Text(),
		CreatedAt:  s.clock().UTC(),
	}
	s.state = StateStopped
	s.audioStream = nil
	s.recStream = nil
	s.cancel = nil
	return s.artifact
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the identifier of the current or last recording.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Artifact returns the most recent recording, if any.
func (s *Session) Artifact() (*AudioArtifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.artifact, s.artifact != nil
}

// BufferedFragments reports how many fragments are waiting to be
// materialized.
func (s *Session) BufferedFragments() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fragments)
}

// Transcript returns the finalized transcript.
func (s *Session) Transcript() string {
	return s.transcript.Text()
}

func (s *Session) Interim() string {
	return s.transcript.Interim()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
