package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-annotate/internal/bus"
	"github.com/loqalabs/loqa-annotate/internal/protocol"
	"github.com/loqalabs/loqa-annotate/internal/transcript"
	"github.com/nats-io/nats.go"
)

// BusRecognizer listens to transcripts published by a remote STT service on
// the stt.text.* subjects. When sessionID is empty every session is accepted.
type BusRecognizer struct {
	bus       *bus.Client
	sessionID string
}

func NewBusRecognizer(busClient *bus.Client, sessionID string) *BusRecognizer {
	return &BusRecognizer{bus: busClient, sessionID: sessionID}
}

type busStream struct {
	ctx       context.Context
	out       chan<- transcript.Event
	sessionID string
	log       *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	once    sync.Once
	stopped bool
	sub     *nats.Subscription
}

func (r *BusRecognizer) Start(ctx context.Context, out chan<- transcript.Event) (Stream, error) {
	s := &busStream{
		ctx:       ctx,
		out:       out,
		sessionID: r.sessionID,
		log:       r.bus.Logger().With(slog.String("component", "stt.bus")),
		stop:      make(chan struct{}),
	}
	// One subscription keeps partial, final and error messages in publish
	// order.
	sub, err := r.bus.Conn().Subscribe(protocol.SubjectRecognitionWildcard, s.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectRecognitionWildcard, err)
	}
	s.sub = sub
	return s, nil
}

func (s *busStream) dispatch(msg *nats.Msg) {
	switch msg.Subject {
	case protocol.SubjectTranscriptPartial, protocol.SubjectTranscriptFinal:
		s.handleTranscript(msg)
	case protocol.SubjectRecognitionError:
		s.handleError(msg)
	}
}

func (s *busStream) handleTranscript(msg *nats.Msg) {
	var t protocol.Transcript
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		s.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if s.sessionID != "" && t.SessionID != s.sessionID {
		return
	}
	s.deliver(transcript.Event{Results: []transcript.Result{{Text: t.Text, Final: !t.Partial}}})
}

func (s *busStream) handleError(msg *nats.Msg) {
	var e protocol.RecognitionError
	if err := json.Unmarshal(msg.Data, &e); err != nil {
		s.log.Warn("failed to decode recognition error", slogError(err))
		return
	}
	if s.sessionID != "" && e.SessionID != s.sessionID {
		return
	}
	s.deliver(transcript.Event{Err: &EngineError{Code: e.Code, Message: e.Message}})
}

func (s *busStream) deliver(ev transcript.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	select {
	case s.out <- ev:
	case <-s.ctx.Done():
	case <-s.stop:
	}
}

func (s *busStream) Stop() error {
	s.once.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
