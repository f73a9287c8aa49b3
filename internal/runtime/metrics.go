package runtime

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentation = "github.com/loqalabs/loqa-annotate/runtime"

// serverMetrics holds the annotation server's instruments. Any instrument
// that failed to register is left nil and skipped.
type serverMetrics struct {
	uploads    metric.Int64Counter
	uploadSize metric.Int64Histogram
	generation metric.Float64Histogram
}

func newServerMetrics(logger *slog.Logger) *serverMetrics {
	meter := otel.Meter(instrumentation)
	m := &serverMetrics{}
	var err error
	if m.uploads, err = meter.Int64Counter("annotate.uploads",
		metric.WithDescription("Uploads received by kind and status")); err != nil {
		logger.Warn("failed to register upload counter", slog.String("error", err.Error()))
	}
	if m.uploadSize, err = meter.Int64Histogram("annotate.upload.size",
		metric.WithUnit("By"),
		metric.WithDescription("Size of stored uploads")); err != nil {
		logger.Warn("failed to register upload size histogram", slog.String("error", err.Error()))
	}
	if m.generation, err = meter.Float64Histogram("annotate.generation.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Model latency for transcription annotations")); err != nil {
		logger.Warn("failed to register generation histogram", slog.String("error", err.Error()))
	}
	return m
}

func (m *serverMetrics) upload(ctx context.Context, kind, status string, size int64) {
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("status", status))
	if m.uploads != nil {
		m.uploads.Add(ctx, 1, attrs)
	}
	if m.uploadSize != nil && status == "success" {
		m.uploadSize.Record(ctx, size, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *serverMetrics) generated(ctx context.Context, backend, status string, seconds float64) {
	if m.generation == nil {
		return
	}
	m.generation.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status),
	))
}
