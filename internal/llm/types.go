package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/config"
)

// Request describes one annotation prompt.
type Request struct {
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	TraceID     string
}

// Chunk represents streamed model output.
type Chunk struct {
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// BackendError is returned when the model service answered with an error
// instead of output.
type BackendError struct {
	Backend    string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s backend: status %d: %s", e.Backend, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s backend: %s", e.Backend, e.Message)
}

// RequestFromConfig fills model defaults around prompt.
func RequestFromConfig(cfg config.LLMConfig, prompt string) Request {
	return Request{
		Prompt:      prompt,
		System:      cfg.System,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig, httpClient *http.Client) (Generator, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	switch cfg.Mode {
	case "", "mock":
		return NewMockGenerator(), nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.Model, httpClient), nil
	case "exec":
		g, err := NewExecGenerator(cfg.Command)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "huggingface":
		return NewHuggingFaceGenerator(cfg.Endpoint, cfg.Token, httpClient), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

// Collect runs req to completion and returns the concatenated output.
func Collect(ctx context.Context, g Generator, req Request) (string, Chunk, error) {
	var sb strings.Builder
	var last Chunk
	err := g.Generate(ctx, req, func(c Chunk) error {
		sb.WriteString(c.Content)
		last = c
		return nil
	})
	if err != nil {
		return "", last, err
	}
	return sb.String(), last, nil
}
