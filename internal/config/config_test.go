package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Client.ServerURL != "http://localhost:5000" {
		t.Fatalf("expected default server url, got %q", cfg.Client.ServerURL)
	}
	if len(cfg.Uploads.ImageExtensions) != 2 {
		t.Fatalf("expected png and jpg defaults, got %v", cfg.Uploads.ImageExtensions)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ANNOTATE_BUS_ENABLED", "true")
	t.Setenv("ANNOTATE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("ANNOTATE_BUS_USERNAME", "alice")
	t.Setenv("ANNOTATE_BUS_PASSWORD", "secret")
	t.Setenv("ANNOTATE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("ANNOTATE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("ANNOTATE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("ANNOTATE_EVENT_STORE_MAX_UPLOADS", "123")
	t.Setenv("ANNOTATE_UPLOADS_MAX_BYTES", "1024")
	t.Setenv("ANNOTATE_LLM_TEMPERATURE", "0.2")
	t.Setenv("ANNOTATE_CLIENT_SERVER_URL", "http://annotator:8080")
	t.Setenv("ANNOTATE_CLIENT_REQUIRE_IMAGE", "true")
	t.Setenv("ANNOTATE_RECOGNITION_MODE", "bus")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxUploads != 123 {
		t.Fatalf("expected event store max uploads override")
	}
	if cfg.Uploads.MaxBytes != 1024 {
		t.Fatalf("expected max bytes override, got %d", cfg.Uploads.MaxBytes)
	}
	if cfg.LLM.Temperature != 0.2 {
		t.Fatalf("expected temperature override, got %v", cfg.LLM.Temperature)
	}
	if cfg.Client.ServerURL != "http://annotator:8080" {
		t.Fatalf("expected server url override")
	}
	if !cfg.Client.RequireImage {
		t.Fatalf("expected require image override")
	}
	if cfg.Recognition.Mode != "bus" {
		t.Fatalf("expected recognition mode override")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "annotate.yaml")
	data := []byte(`
http:
  port: 9000
llm:
  mode: exec
  command: "python3 generate.py --fast"
capture:
  mode: wav
  file: ./sample.wav
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
	if cfg.LLM.Mode != "exec" || cfg.LLM.Command == "" {
		t.Fatalf("expected exec llm config, got %+v", cfg.LLM)
	}
	if cfg.Capture.SampleRate != 16000 {
		t.Fatalf("expected default sample rate to survive partial file, got %d", cfg.Capture.SampleRate)
	}
}

func TestValidateRejectsBusRecognizerWithoutBus(t *testing.T) {
	t.Setenv("ANNOTATE_RECOGNITION_MODE", "bus")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestValidateRejectsExecWithoutCommand(t *testing.T) {
	t.Setenv("ANNOTATE_CAPTURE_MODE", "exec")
	if _, err := Load(""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSlogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := (TelemetryConfig{LogLevel: in}).SlogLevel(); got != want {
			t.Fatalf("%q: got %v want %v", in, got, want)
		}
	}
}
