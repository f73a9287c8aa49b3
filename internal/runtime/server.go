package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/loqalabs/loqa-annotate/internal/bus"
	"github.com/loqalabs/loqa-annotate/internal/config"
	"github.com/loqalabs/loqa-annotate/internal/eventstore"
	"github.com/loqalabs/loqa-annotate/internal/llm"
	"github.com/loqalabs/loqa-annotate/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Server implements the annotation endpoints: it stores uploaded audio and
// images and forwards transcripts to the configured model backend.
type Server struct {
	uploads   config.UploadsConfig
	llmCfg    config.LLMConfig
	store     *eventstore.Store
	bus       *bus.Client
	generator llm.Generator
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *serverMetrics
	clock     func() time.Time
}

// NewServer creates the upload directory if needed. busClient may be nil.
func NewServer(cfg config.Config, store *eventstore.Store, busClient *bus.Client, generator llm.Generator, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(cfg.Uploads.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	logger = logger.With(slog.String("component", "annotate.server"))
	return &Server{
		uploads:   cfg.Uploads,
		llmCfg:    cfg.LLM,
		store:     store,
		bus:       busClient,
		generator: generator,
		logger:    logger,
		tracer:    otel.Tracer(instrumentation),
		metrics:   newServerMetrics(logger),
		clock:     time.Now,
	}, nil
}

// Register mounts the upload endpoints on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST "+protocol.PathUploadAudio, s.handleUploadAudio)
	mux.HandleFunc("POST "+protocol.PathUploadImage, s.handleUploadImage)
	mux.HandleFunc("POST "+protocol.PathUploadTranscription, s.handleUploadTranscription)
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "upload.audio")
	defer span.End()

	name, file, err := s.formFile(w, r, protocol.FieldAudio)
	if err != nil {
		s.fail(ctx, span, w, eventstore.KindAudio, http.StatusBadRequest, err)
		return
	}
	defer file.Close()

	id, err := s.store.RecordUpload(ctx, eventstore.Upload{Kind: eventstore.KindAudio, Filename: name})
	if err != nil {
		s.fail(ctx, span, w, eventstore.KindAudio, http.StatusInternalServerError, err)
		return
	}
	path := filepath.Join(s.uploads.Directory, name)
	size, err := writeFile(path, file)
	if err != nil {
		s.fail(ctx, span, w, eventstore.KindAudio, http.StatusInternalServerError, err)
		return
	}
	s.stored(ctx, span, w, eventstore.KindAudio, protocol.SubjectAudioStored, id, name, path, size)
}

func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "upload.image")
	defer span.End()

	name, file, err := s.formFile(w, r, protocol.FieldImage)
	if err != nil {
		s.fail(ctx, span, w, eventstore.KindImage, http.StatusBadRequest, err)
		return
	}
	defer file.Close()
	if !AllowedImage(name, s.uploads.ImageExtensions) {
		s.fail(ctx, span, w, eventstore.KindImage, http.StatusBadRequest,
			fmt.Errorf("unsupported image type %q", name))
		return
	}

	// The row goes in first so its id can name the image directory.
	id, err := s.store.RecordUpload(ctx, eventstore.Upload{Kind: eventstore.KindImage, Filename: name})
	if err != nil {
		s.fail(ctx, span, w, eventstore.KindImage, http.StatusInternalServerError, err)
		return
	}
	dir := filepath.Join(s.uploads.Directory, "images", strconv.FormatInt(id, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.fail(ctx, span, w, eventstore.KindImage, http.StatusInternalServerError, err)
		return
	}
	path := filepath.Join(dir, name)
	size, err := writeFile(path, file)
	if err != nil {
		s.fail(ctx, span, w, eventstore.KindImage, http.StatusInternalServerError, err)
		return
	}
	s.stored(ctx, span, w, eventstore.KindImage, protocol.SubjectImageStored, id, name, path, size)
}

func (s *Server) handleUploadTranscription(w http.ResponseWriter, r *http.Request) {
	ctx, span := s.tracer.Start(r.Context(), "upload.transcription")
	defer span.End()

	var req protocol.TranscriptionRequest
	body := http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		span.SetStatus(codes.Error, "invalid body")
		return
	}
	s.logger.Debug("received text", slog.String("text", req.Text))

	if s.llmCfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.llmCfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	start := time.Now()
	output, _, err := llm.Collect(ctx, s.generator, llm.RequestFromConfig(s.llmCfg, req.Text))
	elapsed := time.Since(start)
	if err != nil {
		s.metrics.generated(ctx, s.llmCfg.Mode, "error", elapsed.Seconds())
		s.logger.Warn("model generation failed", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.metrics.generated(ctx, s.llmCfg.Mode, "success", elapsed.Seconds())
	s.logger.Debug("model output", slog.String("output", output), slog.Duration("latency", elapsed))

	if _, err := s.store.RecordAnnotation(ctx, eventstore.Annotation{
		Transcript: req.Text,
		Output:     output,
		Backend:    s.llmCfg.Mode,
		Latency:    elapsed,
	}); err != nil {
		s.logger.Warn("failed to record annotation", slog.String("error", err.Error()))
	}
	if err := s.bus.PublishJSON(protocol.SubjectAnnotated, protocol.Annotated{
		ID:        uuid.NewString(),
		Prompt:    req.Text,
		Output:    output,
		LatencyMS: elapsed.Milliseconds(),
		Timestamp: s.clock().UTC(),
	}); err != nil {
		s.logger.Warn("failed to publish annotation", slog.String("error", err.Error()))
	}

	writeJSON(w, http.StatusOK, protocol.TranscriptionResponse{
		Status:      "success",
		ModelOutput: []protocol.GeneratedOutput{{GeneratedText: output}},
	})
}

// formFile extracts the named multipart file and reduces its client-supplied
// name to a base name.
func (s *Server) formFile(w http.ResponseWriter, r *http.Request, field string) (string, multipart.File, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes)
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", nil, fmt.Errorf("missing %s file: %w", field, err)
	}
	name := filepath.Base(filepath.Clean("/" + strings.ReplaceAll(header.Filename, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		file.Close()
		return "", nil, fmt.Errorf("%s file has no name", field)
	}
	return name, file, nil
}

func (s *Server) stored(ctx context.Context, span trace.Span, w http.ResponseWriter, kind, subject string, id int64, name, path string, size int64) {
	if err := s.store.SetUploadPath(ctx, id, path, size); err != nil {
		s.logger.Warn("failed to record upload path", slog.Int64("id", id), slog.String("error", err.Error()))
	}
	idStr := strconv.FormatInt(id, 10)
	if err := s.bus.PublishJSON(subject, protocol.UploadStored{
		ID:        idStr,
		Kind:      kind,
		Filename:  name,
		Path:      path,
		Size:      size,
		Timestamp: s.clock().UTC(),
	}); err != nil {
		s.logger.Warn("failed to publish upload", slog.String("error", err.Error()))
	}
	s.metrics.upload(ctx, kind, "success", size)
	span.SetAttributes(attribute.String("filename", name), attribute.Int64("size", size))
	s.logger.Info("upload stored",
		slog.String("kind", kind),
		slog.String("filename", name),
		slog.String("size", humanize.Bytes(uint64(size))))
	writeJSON(w, http.StatusOK, protocol.UploadResponse{Status: "success", ID: idStr, Filename: name})
}

func (s *Server) fail(ctx context.Context, span trace.Span, w http.ResponseWriter, kind string, status int, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		status = http.StatusRequestEntityTooLarge
	}
	s.metrics.upload(ctx, kind, "error", 0)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Warn("upload rejected", slog.String("kind", kind), slog.String("error", err.Error()))
	writeError(w, status, err.Error())
}

// AllowedImage reports whether name has one of the allowed extensions. Only
// the last extension counts, so "a.png.jpg" is a jpg.
func AllowedImage(name string, extensions []string) bool {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return false
	}
	for _, allowed := range extensions {
		if strings.EqualFold(ext, allowed) {
			return true
		}
	}
	return false
}

// writeFile writes r to path through a temporary file in the same directory.
func writeFile(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	size, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("store upload: %w", err)
	}
	return size, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.UploadResponse{Error: msg})
}
