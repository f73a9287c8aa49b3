package audio

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// MockDevice synthesizes a sine tone for as long as the stream stays open. Like
// a browser recorder started without a timeslice it emits nothing until Stop,
// then flushes the whole WAV-encoded recording in ChunkBytes fragments.
type MockDevice struct {
	SampleRate int
	Channels   int
	ChunkBytes int
	Frequency  float64
	// Duration fixes the synthesized length instead of using wall time.
	Duration time.Duration
	// Deny makes Open fail as if the operator refused microphone access.
	Deny bool
}

type mockStream struct {
	dev     *MockDevice
	ctx     context.Context
	out     chan<- Event
	started time.Time
	once    sync.Once
}

func (d *MockDevice) Open(ctx context.Context, out chan<- Event) (Stream, error) {
	if d.Deny {
		return nil, fmt.Errorf("mock device: %w", ErrPermissionDenied)
	}
	return &mockStream{dev: d, ctx: ctx, out: out, started: time.Now()}, nil
}

func (s *mockStream) Stop() error {
	s.once.Do(func() {
		elapsed := s.dev.Duration
		if elapsed <= 0 {
			elapsed = time.Since(s.started)
		}
		go s.flush(elapsed)
	})
	return nil
}

func (s *mockStream) flush(elapsed time.Duration) {
	data, err := s.dev.encode(elapsed)
	if err != nil {
		// Final is still sent so the session can materialize.
		data = nil
	}
	chunk := s.dev.ChunkBytes
	if chunk <= 0 {
		chunk = 4096
	}
	for len(data) > 0 {
		n := min(chunk, len(data))
		if !send(s.ctx, s.out, Event{Data: data[:n]}) {
			return
		}
		data = data[n:]
	}
	send(s.ctx, s.out, Event{Final: true})
}

func (d *MockDevice) encode(elapsed time.Duration) ([]byte, error) {
	rate := d.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	channels := d.Channels
	if channels <= 0 {
		channels = 1
	}
	freq := d.Frequency
	if freq <= 0 {
		freq = 440
	}

	frames := int(elapsed.Seconds() * float64(rate))
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*channels),
	}
	for i := 0; i < frames; i++ {
		v := int(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		for c := 0; c < channels; c++ {
			buf.Data[i*channels+c] = v
		}
	}

	file, err := os.CreateTemp("", "annotate_mock_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	enc := wav.NewEncoder(file, rate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close wav encoder: %w", err)
	}
	return os.ReadFile(file.Name())
}
