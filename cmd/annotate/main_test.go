package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-annotate/internal/protocol"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

type stubServer struct {
	mu       sync.Mutex
	paths    []string
	texts    []string
	failures map[string]int
}

func (s *stubServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.paths = append(s.paths, r.URL.Path)
	status := s.failures[r.URL.Path]
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(protocol.UploadResponse{Error: "unavailable"})
		return
	}
	switch r.URL.Path {
	case protocol.PathUploadTranscription:
		var req protocol.TranscriptionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.texts = append(s.texts, req.Text)
		s.mu.Unlock()
		_ = json.NewEncoder(w).Encode(protocol.TranscriptionResponse{
			Status:      "success",
			ModelOutput: []protocol.GeneratedOutput{{GeneratedText: "note: " + req.Text}},
		})
	default:
		_ = json.NewEncoder(w).Encode(protocol.UploadResponse{Status: "success", Filename: "x"})
	}
}

func (s *stubServer) calls() ([]string, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]string(nil), s.texts...)
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func isolateEnv(t *testing.T) {
	t.Setenv("ANNOTATE_CAPTURE_MODE", "mock")
	t.Setenv("ANNOTATE_RECOGNITION_MODE", "mock")
	t.Setenv("ANNOTATE_TELEMETRY_LOG_LEVEL", "error")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "", "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if strings.TrimSpace(out) != version {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTextCommandPrintsAnnotation(t *testing.T) {
	isolateEnv(t)
	stub := &stubServer{}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	out, err := runCLI(t, "", "--server", ts.URL, "text", "fix the railing")
	if err != nil {
		t.Fatalf("text: %v", err)
	}
	if strings.TrimSpace(out) != "note: fix the railing" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestTextCommandReadsStdin(t *testing.T) {
	isolateEnv(t)
	stub := &stubServer{}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	if _, err := runCLI(t, "  from stdin\n", "--server", ts.URL, "text"); err != nil {
		t.Fatalf("text: %v", err)
	}
	_, texts := stub.calls()
	if len(texts) != 1 || texts[0] != "from stdin" {
		t.Fatalf("unexpected texts %v", texts)
	}
}

func TestTextCommandRejectsEmptyInput(t *testing.T) {
	isolateEnv(t)
	if _, err := runCLI(t, "   ", "text"); err == nil {
		t.Fatalf("expected error for empty transcript")
	}
}

func TestRecordCommandSubmits(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ANNOTATE_RECOGNITION_SCRIPT", "~hel|hello world")
	stub := &stubServer{}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	out, err := runCLI(t, "", "--server", ts.URL, "record", "--duration", "50ms")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	paths, texts := stub.calls()
	if len(paths) != 2 {
		t.Fatalf("expected audio and transcription uploads, got %v", paths)
	}
	if len(texts) != 1 || texts[0] != "hello world" {
		t.Fatalf("unexpected transcript %v", texts)
	}
	if !strings.Contains(out, "note: hello world") {
		t.Fatalf("annotation missing from output:\n%s", out)
	}
}

func TestRecordCommandReportsFailedUploads(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ANNOTATE_RECOGNITION_SCRIPT", "hello")
	stub := &stubServer{failures: map[string]int{protocol.PathUploadAudio: http.StatusServiceUnavailable}}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	out, err := runCLI(t, "", "--server", ts.URL, "record", "--duration", "20ms")
	if err == nil || err.Error() != "1 of 2 uploads failed" {
		t.Fatalf("expected one failed upload out of two, got %v", err)
	}
	if !strings.Contains(out, "note: hello") {
		t.Fatalf("successful transcription should still print:\n%s", out)
	}
}

func TestRecordCommandNoSend(t *testing.T) {
	isolateEnv(t)
	stub := &stubServer{}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	out, err := runCLI(t, "", "--server", ts.URL, "record", "--duration", "20ms", "--no-send")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if paths, _ := stub.calls(); len(paths) != 0 {
		t.Fatalf("expected no uploads, got %v", paths)
	}
	if !strings.Contains(out, "not sent") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestTextCommandInstallsTracing(t *testing.T) {
	isolateEnv(t)
	otel.SetTracerProvider(noop.NewTracerProvider())
	stub := &stubServer{}
	ts := httptest.NewServer(stub)
	defer ts.Close()

	if _, err := runCLI(t, "", "--server", ts.URL, "text", "x"); err != nil {
		t.Fatalf("text: %v", err)
	}
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected sdk tracer provider, got %T", otel.GetTracerProvider())
	}
}
