package stt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/transcript"
)

type mockRecognizer struct {
	script   []transcript.Event
	interval time.Duration
}

// NewMockRecognizer replays script, one event per interval, then stays idle
// until stopped.
func NewMockRecognizer(script []transcript.Event, interval time.Duration) Recognizer {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &mockRecognizer{script: script, interval: interval}
}

// ParseScript turns "~hel|hello world|!no-speech" into events: a leading "~"
// marks an interim result, "!" an engine error code, anything else a final
// result.
func ParseScript(script string) []transcript.Event {
	var events []transcript.Event
	for _, step := range strings.Split(script, "|") {
		if step == "" {
			continue
		}
		switch step[0] {
		case '~':
			events = append(events, transcript.Event{Results: []transcript.Result{{Text: step[1:]}}})
		case '!':
			events = append(events, transcript.Event{Err: &EngineError{Code: step[1:]}})
		default:
			events = append(events, transcript.Event{Results: []transcript.Result{{Text: step, Final: true}}})
		}
	}
	return events
}

type mockStream struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (m *mockRecognizer) Start(ctx context.Context, out chan<- transcript.Event) (Stream, error) {
	s := &mockStream{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(s.done)
		for _, ev := range m.script {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-time.After(m.interval):
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
	return s, nil
}

func (s *mockStream) Stop() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
