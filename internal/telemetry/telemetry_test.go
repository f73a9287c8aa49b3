package telemetry

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-annotate/internal/config"
	"go.opentelemetry.io/otel"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSetupInstallsGlobalProviders(t *testing.T) {
	p, err := Setup(context.Background(), config.Default(), newLogger())
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected a recording tracer provider")
	}

	counter, err := otel.Meter("test").Int64Counter("annotate.test.events")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "annotate_test_events") {
		t.Fatalf("counter missing from scrape:\n%s", rec.Body.String())
	}
}

func TestSetupTwice(t *testing.T) {
	for i := 0; i < 2; i++ {
		p, err := Setup(context.Background(), config.Default(), newLogger())
		if err != nil {
			t.Fatalf("setup %d: %v", i, err)
		}
		if p.MetricsHandler() == nil {
			t.Fatalf("setup %d: missing metrics handler", i)
		}
		if err := p.Shutdown(context.Background()); err != nil {
			t.Fatalf("shutdown %d: %v", i, err)
		}
	}
}

func TestNilProviders(t *testing.T) {
	var p *Providers
	if p.MetricsHandler() != nil || p.Shutdown(context.Background()) != nil {
		t.Fatalf("nil providers should be inert")
	}
}
