// Package submit packages a finished recording, its transcript and an
// optional image into independent uploads, sends them concurrently and
// reports each outcome separately.
package submit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/loqalabs/loqa-annotate/internal/capture"
	"github.com/loqalabs/loqa-annotate/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "github.com/loqalabs/loqa-annotate/submit"

// Source supplies the last materialized recording. The transcript submitted
// is the one stored on the artifact, so audio and text always come from the
// same recording. *capture.Session implements it.
type Source interface {
	Artifact() (*capture.AudioArtifact, bool)
}

// Status classifies one endpoint outcome.
type Status int

const (
	// StatusSkipped means no request was made, e.g. no image was selected.
	StatusSkipped Status = iota
	StatusSucceeded
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Outcome is the result of one upload.
type Outcome struct {
	Endpoint   string
	Status     Status
	StatusCode int
	Filename   string
	Err        error
	Duration   time.Duration
}

func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }
func (o Outcome) Attempted() bool { return o.Status != StatusSkipped }

// Result aggregates every endpoint outcome of one submission.
type Result struct {
	Audio         Outcome
	Transcription Outcome
	Image         Outcome
	// Annotation is the generated text returned for the transcript. It is
	// empty unless Transcription succeeded.
	Annotation string
}

// Outcomes returns the attempted outcomes in audio, transcription, image order.
func (r Result) Outcomes() []Outcome {
	var out []Outcome
	for _, o := range []Outcome{r.Audio, r.Transcription, r.Image} {
		if o.Attempted() {
			out = append(out, o)
		}
	}
	return out
}

// Failures returns the outcomes that failed.
func (r Result) Failures() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes() {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Options tune an Orchestrator.
type Options struct {
	RequireImage bool
	Prefix       string
	Clock        func() time.Time
}

// Orchestrator issues the uploads for one client. It never retries and keeps
// no copy of failed payloads.
type Orchestrator struct {
	client      *Client
	source      Source
	images      *ImageSlot
	annotations *AnnotationLog
	opts        Options
	logger      *slog.Logger
	tracer      trace.Tracer
	outcomes    metric.Int64Counter
}

// NewOrchestrator builds an orchestrator. images may be nil when the client
// never attaches pictures.
func NewOrchestrator(client *Client, source Source, images *ImageSlot, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if images == nil {
		images = &ImageSlot{}
	}
	o := &Orchestrator{
		client:      client,
		source:      source,
		images:      images,
		annotations: &AnnotationLog{},
		opts:        opts,
		logger:      logger.With(slog.String("component", "submit.orchestrator")),
		tracer:      otel.Tracer(instrumentation),
	}
	counter, err := otel.Meter(instrumentation).Int64Counter("annotate.submission.outcomes",
		metric.WithDescription("Upload outcomes by endpoint and status"))
	if err != nil {
		o.logger.Warn("failed to initialize metrics", slogError(err))
	} else {
		o.outcomes = counter
	}
	return o
}

// Annotations returns the running log of generated annotations.
func (o *Orchestrator) Annotations() *AnnotationLog {
	return o.annotations
}

// Images returns the image selection consulted at submission.
func (o *Orchestrator) Images() *ImageSlot {
	return o.images
}

// Submit sends the current recording, transcript and image. Precondition
// failures are returned as *PreconditionError before any request is made;
// endpoint failures are reported per outcome and never as the returned error.
func (o *Orchestrator) Submit(ctx context.Context) (Result, error) {
	artifact, ok := o.source.Artifact()
	if !ok || artifact == nil {
		return Result{}, &PreconditionError{Err: ErrNoRecording}
	}
	img, hasImage := o.images.Current()
	if o.opts.RequireImage && !hasImage {
		return Result{}, &PreconditionError{Err: ErrNoImage}
	}
	text := artifact.Transcript
	now := o.opts.Clock()
	filename := Filename(o.opts.Prefix, now)

	ctx, span := o.tracer.Start(ctx, "submit",
		trace.WithAttributes(
			attribute.String("session_id", artifact.SessionID),
			attribute.Int("audio_bytes", len(artifact.Data)),
			attribute.Bool("image", hasImage),
		))
	defer span.End()

	result := Result{
		Audio:         Outcome{Endpoint: protocol.PathUploadAudio},
		Transcription: Outcome{Endpoint: protocol.PathUploadTranscription},
		Image:         Outcome{Endpoint: protocol.PathUploadImage},
	}
	var annotation string

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		result.Audio = o.sendAudio(ctx, filename, artifact)
	}()
	go func() {
		defer wg.Done()
		result.Transcription, annotation = o.sendTranscription(ctx, text)
	}()
	if hasImage {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.Image = o.sendImage(ctx, img, now)
		}()
	}
	wg.Wait()

	if result.Transcription.Succeeded() {
		result.Annotation = annotation
		o.annotations.Append(annotation)
	}

	for _, outcome := range result.Outcomes() {
		o.record(ctx, outcome)
	}
	if failures := result.Failures(); len(failures) > 0 {
		span.SetStatus(codes.Error, "partial failure")
	}
	o.logger.Info("submission complete",
		slog.String("session_id", artifact.SessionID),
		slog.String("audio", result.Audio.Status.String()),
		slog.String("transcription", result.Transcription.Status.String()),
		slog.String("image", result.Image.Status.String()))
	return result, nil
}

func (o *Orchestrator) sendAudio(ctx context.Context, filename string, artifact *capture.AudioArtifact) Outcome {
	ctx, span := o.tracer.Start(ctx, "submit.audio")
	defer span.End()
	start := time.Now()
	reply, err := o.client.UploadAudio(ctx, filename, artifact.MimeType, artifact.Data)
	outcome := classify(protocol.PathUploadAudio, reply.StatusCode, err, time.Since(start))
	outcome.Filename = filename
	if err == nil {
		o.logger.Debug("audio uploaded",
			slog.String("filename", filename),
			slog.String("size", humanize.Bytes(uint64(len(artifact.Data)))))
	}
	markSpan(span, err)
	return outcome
}

func (o *Orchestrator) sendTranscription(ctx context.Context, text string) (Outcome, string) {
	ctx, span := o.tracer.Start(ctx, "submit.transcription")
	defer span.End()
	start := time.Now()
	resp, err := o.client.UploadTranscription(ctx, text)
	if err == nil && len(resp.ModelOutput) == 0 {
		err = &SubmissionError{
			Endpoint:   protocol.PathUploadTranscription,
			StatusCode: resp.StatusCode,
			Message:    "response carried no model output",
		}
	}
	outcome := classify(protocol.PathUploadTranscription, resp.StatusCode, err, time.Since(start))
	markSpan(span, err)
	if err != nil {
		return outcome, ""
	}
	return outcome, resp.ModelOutput[0].GeneratedText
}

func (o *Orchestrator) sendImage(ctx context.Context, img Image, now time.Time) Outcome {
	ctx, span := o.tracer.Start(ctx, "submit.image")
	defer span.End()
	name := img.Filename
	if name == "" {
		name = Filename(o.opts.Prefix, now)
	}
	start := time.Now()
	reply, err := o.client.UploadImage(ctx, name, img.Data)
	outcome := classify(protocol.PathUploadImage, reply.StatusCode, err, time.Since(start))
	outcome.Filename = name
	markSpan(span, err)
	return outcome
}

func classify(endpoint string, status int, err error, elapsed time.Duration) Outcome {
	outcome := Outcome{Endpoint: endpoint, Status: StatusSucceeded, StatusCode: status, Duration: elapsed}
	if err == nil {
		return outcome
	}
	outcome.Status = StatusFailed
	outcome.Err = err
	var subErr *SubmissionError
	if errors.As(err, &subErr) {
		outcome.StatusCode = subErr.StatusCode
	}
	return outcome
}

func (o *Orchestrator) record(ctx context.Context, outcome Outcome) {
	if outcome.Err != nil {
		o.logger.Warn("upload failed", slog.String("endpoint", outcome.Endpoint), slogError(outcome.Err))
	}
	if o.outcomes == nil {
		return
	}
	o.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", outcome.Endpoint),
		attribute.String("status", outcome.Status.String()),
	))
}

func markSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
