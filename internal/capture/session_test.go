package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/audio"
	"github.com/loqalabs/loqa-annotate/internal/stt"
	"github.com/loqalabs/loqa-annotate/internal/transcript"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeDevice hands its output channel to the test and reports stop requests.
type fakeDevice struct {
	openErr error
	opens   atomic.Int32

	mu      sync.Mutex
	out     chan<- audio.Event
	ctx     context.Context
	stopped chan struct{}
	// onStop, when set, runs in a goroutine after Stop, like a real encoder
	// flushing its tail.
	onStop func(ctx context.Context, out chan<- audio.Event)
}

type fakeAudioStream struct {
	dev  *fakeDevice
	once sync.Once
}

func (d *fakeDevice) Open(ctx context.Context, out chan<- audio.Event) (audio.Stream, error) {
	d.opens.Add(1)
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.mu.Lock()
	d.out = out
	d.ctx = ctx
	d.stopped = make(chan struct{})
	d.mu.Unlock()
	return &fakeAudioStream{dev: d}, nil
}

func (s *fakeAudioStream) Stop() error {
	s.once.Do(func() {
		s.dev.mu.Lock()
		close(s.dev.stopped)
		onStop, ctx, out := s.dev.onStop, s.dev.ctx, s.dev.out
		s.dev.mu.Unlock()
		if onStop != nil {
			go onStop(ctx, out)
		}
	})
	return nil
}

func (d *fakeDevice) push(t *testing.T, data string) {
	t.Helper()
	d.mu.Lock()
	out := d.out
	d.mu.Unlock()
	select {
	case out <- audio.Event{Data: []byte(data)}:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out pushing fragment")
	}
}

// end sends Final without a stop request, like a recorder process exiting.
func (d *fakeDevice) end(t *testing.T) {
	t.Helper()
	d.mu.Lock()
	out := d.out
	d.mu.Unlock()
	select {
	case out <- audio.Event{Final: true}:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out ending device")
	}
}

// flushTail emits the given trailing fragments then Final.
func flushTail(tail ...string) func(context.Context, chan<- audio.Event) {
	return func(ctx context.Context, out chan<- audio.Event) {
		for _, f := range tail {
			select {
			case out <- audio.Event{Data: []byte(f)}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case out <- audio.Event{Final: true}:
		case <-ctx.Done():
		}
	}
}

type fakeRecognizer struct {
	startErr error
	starts   atomic.Int32
	stops    atomic.Int32

	mu  sync.Mutex
	out chan<- transcript.Event
}

type fakeRecStream struct{ rec *fakeRecognizer }

func (r *fakeRecognizer) Start(ctx context.Context, out chan<- transcript.Event) (stt.Stream, error) {
	r.starts.Add(1)
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.mu.Lock()
	r.out = out
	r.mu.Unlock()
	return &fakeRecStream{rec: r}, nil
}

func (s *fakeRecStream) Stop() error {
	s.rec.stops.Add(1)
	return nil
}

func (r *fakeRecognizer) push(t *testing.T, ev transcript.Event) {
	t.Helper()
	r.mu.Lock()
	out := r.out
	r.mu.Unlock()
	select {
	case out <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out pushing recognition event")
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	finals  []string
	interim string
	errs    []error
	ended   atomic.Int32
}

func (o *recordingObserver) AudioEnded() { o.ended.Add(1) }

func (o *recordingObserver) TranscriptChanged(final, interim string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finals = append(o.finals, final)
	o.interim = interim
}

func (o *recordingObserver) RecognitionFailed(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) errCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.errs)
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestSessionConcatenatesFragmentsInOrder(t *testing.T) {
	dev := &fakeDevice{onStop: flushTail("-tail")}
	rec := &fakeRecognizer{}
	s := NewSession(dev, rec, nil, newLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatalf("expected recording, got %s", s.State())
	}
	for _, f := range []string{"a", "b", "c", "d"} {
		dev.push(t, f)
	}
	waitFor(t, func() bool { return s.BufferedFragments() == 4 })

	artifact, err := s.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(artifact.Data) != "abcd-tail" {
		t.Fatalf("unexpected artifact %q", artifact.Data)
	}
	if artifact.MimeType != "audio/wav" {
		t.Fatalf("unexpected mime type %q", artifact.MimeType)
	}
	if s.BufferedFragments() != 0 {
		t.Fatal("expected fragment buffer cleared after materialization")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if got, ok := s.Artifact(); !ok || got != artifact {
		t.Fatal("expected session to hold the artifact")
	}
	if rec.stops.Load() != 1 {
		t.Fatalf("expected recognition stopped once, got %d", rec.stops.Load())
	}
}

func TestSessionStopWaitsForTrailingFragment(t *testing.T) {
	release := make(chan struct{})
	dev := &fakeDevice{}
	dev.onStop = func(ctx context.Context, out chan<- audio.Event) {
		<-release
		flushTail("late")(ctx, out)
	}
	s := NewSession(dev, &fakeRecognizer{}, nil, newLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.push(t, "early-")

	result := make(chan *AudioArtifact, 1)
	go func() {
		artifact, _ := s.Stop(stopCtx(t))
		result <- artifact
	}()

	select {
	case <-result:
		t.Fatal("stop returned before the device finalized")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case artifact := <-result:
		if string(artifact.Data) != "early-late" {
			t.Fatalf("unexpected artifact %q", artifact.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop never returned")
	}
}

func TestSessionStartWhileRecordingIsNoop(t *testing.T) {
	dev := &fakeDevice{onStop: flushTail()}
	rec := &fakeRecognizer{}
	s := NewSession(dev, rec, nil, newLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	id := s.ID()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("second start should not fail: %v", err)
	}
	if s.State() != StateRecording {
		t.Fatalf("expected recording, got %s", s.State())
	}
	if dev.opens.Load() != 1 || rec.starts.Load() != 1 {
		t.Fatalf("expected a single acquisition, got opens=%d starts=%d", dev.opens.Load(), rec.starts.Load())
	}
	if s.ID() != id {
		t.Fatal("expected session id unchanged")
	}
	if _, err := s.Stop(stopCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSessionStopWhenNotRecordingIsNoop(t *testing.T) {
	s := NewSession(&fakeDevice{}, &fakeRecognizer{}, nil, newLogger())
	artifact, err := s.Stop(stopCtx(t))
	if err != nil || artifact != nil {
		t.Fatalf("expected no-op, got %v %v", artifact, err)
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
}

func TestSessionPermissionDenied(t *testing.T) {
	dev := &fakeDevice{openErr: audio.ErrPermissionDenied}
	rec := &fakeRecognizer{}
	s := NewSession(dev, rec, nil, newLogger())

	err := s.Start(context.Background())
	var permErr *PermissionError
	if !errors.As(err, &permErr) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatal("expected wrapped sentinel")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle after failed start, got %s", s.State())
	}
	if rec.starts.Load() != 0 {
		t.Fatal("recognition must not start when the device is unavailable")
	}
	if _, ok := s.Artifact(); ok {
		t.Fatal("expected no artifact")
	}
}

func TestSessionRecognizerFailureReleasesDevice(t *testing.T) {
	dev := &fakeDevice{}
	rec := &fakeRecognizer{startErr: errors.New("engine unavailable")}
	s := NewSession(dev, rec, nil, newLogger())

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected start error")
	}
	select {
	case <-dev.stopped:
	default:
		t.Fatal("expected audio stream stopped after recognizer failure")
	}
	if s.State() != StateIdle {
		t.Fatalf("expected idle, got %s", s.State())
	}
}

func TestSessionRestartResetsBufferAndTranscript(t *testing.T) {
	dev := &fakeDevice{onStop: flushTail()}
	rec := &fakeRecognizer{}
	s := NewSession(dev, rec, nil, newLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.push(t, "first")
	rec.push(t, transcript.Event{Results: []transcript.Result{{Text: "one", Final: true}}})
	first, err := s.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if s.Transcript() != "" {
		t.Fatalf("expected transcript reset, got %q", s.Transcript())
	}
	dev.push(t, "second")
	second, err := s.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(second.Data) != "second" {
		t.Fatalf("expected fresh buffer, got %q", second.Data)
	}
	if string(first.Data) != "first" {
		t.Fatalf("previous artifact must not change, got %q", first.Data)
	}
	if first.SessionID == second.SessionID {
		t.Fatal("expected a new session id per recording")
	}
	if first.Transcript != "one" || second.Transcript != "" {
		t.Fatalf("transcripts must stay with their recording: %q / %q", first.Transcript, second.Transcript)
	}
}

func TestSessionKeepsRecognizingAfterDeviceEnds(t *testing.T) {
	dev := &fakeDevice{}
	rec := &fakeRecognizer{}
	obs := &recordingObserver{}
	s := NewSession(dev, rec, obs, newLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.push(t, "a")
	dev.end(t)
	waitFor(t, func() bool { return obs.ended.Load() == 1 })

	rec.push(t, transcript.Event{Results: []transcript.Result{{Text: "late words", Final: true}}})
	waitFor(t, func() bool { return s.Transcript() == "late words" })
	if s.State() != StateRecording {
		t.Fatalf("expected recording until stop, got %s", s.State())
	}

	artifact, err := s.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(artifact.Data) != "a" || artifact.Transcript != "late words" {
		t.Fatalf("unexpected artifact %q / %q", artifact.Data, artifact.Transcript)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
}

func TestSessionRecognitionErrorsAreRecoverable(t *testing.T) {
	dev := &fakeDevice{onStop: flushTail()}
	rec := &fakeRecognizer{}
	obs := &recordingObserver{}
	s := NewSession(dev, rec, obs, newLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.push(t, transcript.Event{Err: &stt.EngineError{Code: "no-speech"}})
	rec.push(t, transcript.Event{Results: []transcript.Result{{Text: "still listening", Final: true}}})
	waitFor(t, func() bool { return s.Transcript() == "still listening" })

	if s.State() != StateRecording {
		t.Fatalf("expected recording to continue, got %s", s.State())
	}
	if obs.errCount() != 1 {
		t.Fatalf("expected 1 surfaced error, got %d", obs.errCount())
	}
	if _, err := s.Stop(stopCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestSessionStopInterrupted(t *testing.T) {
	dev := &fakeDevice{} // never finalizes
	s := NewSession(dev, &fakeRecognizer{}, nil, newLogger())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	dev.push(t, "partial")
	waitFor(t, func() bool { return s.BufferedFragments() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	artifact, err := s.Stop(ctx)
	if !errors.Is(err, ErrFinalizeInterrupted) {
		t.Fatalf("expected interrupted error, got %v", err)
	}
	if artifact == nil || !bytes.Equal(artifact.Data, []byte("partial")) {
		t.Fatalf("expected buffered audio kept, got %v", artifact)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
}

func TestSessionScenarioHelloWorld(t *testing.T) {
	dev := &fakeDevice{onStop: flushTail("trailing")}
	rec := &fakeRecognizer{}
	obs := &recordingObserver{}
	s := NewSession(dev, rec, obs, newLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	rec.push(t, transcript.Event{Results: []transcript.Result{{Text: "hello wor"}}})
	waitFor(t, func() bool { return s.Interim() == "hello wor" })
	rec.push(t, transcript.Event{Results: []transcript.Result{{Text: "hello world", Final: true}}})
	waitFor(t, func() bool { return s.Transcript() == "hello world" })

	artifact, err := s.Stop(stopCtx(t))
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if string(artifact.Data) != "trailing" {
		t.Fatalf("unexpected artifact %q", artifact.Data)
	}
	if s.Transcript() != "hello world" {
		t.Fatalf("unexpected transcript %q", s.Transcript())
	}
	if s.Interim() != "" {
		t.Fatalf("expected interim cleared by the final batch, got %q", s.Interim())
	}
}
