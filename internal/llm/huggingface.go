package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// huggingFaceGenerator calls a hosted text-generation inference endpoint.
type huggingFaceGenerator struct {
	endpoint string
	token    string
	client   *http.Client
}

func NewHuggingFaceGenerator(endpoint, token string, client *http.Client) Generator {
	if client == nil {
		client = http.DefaultClient
	}
	return &huggingFaceGenerator{endpoint: endpoint, token: token, client: client}
}

type hfRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters *hfParameters `json:"parameters,omitempty"`
}

type hfParameters struct {
	MaxNewTokens int     `json:"max_new_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

type hfGenerated struct {
	GeneratedText string `json:"generated_text"`
}

type hfError struct {
	Error string `json:"error"`
}

func (g *huggingFaceGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := hfRequest{Inputs: req.Prompt}
	if req.MaxTokens > 0 || req.Temperature > 0 {
		payload.Parameters = &hfParameters{MaxNewTokens: req.MaxTokens, Temperature: req.Temperature}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("huggingface request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read huggingface response: %w", err)
	}

	text, err := decodeHuggingFace(raw)
	if err != nil {
		var be *BackendError
		if errors.As(err, &be) {
			be.StatusCode = resp.StatusCode
		}
		return err
	}
	if resp.StatusCode >= 300 {
		return &BackendError{Backend: "huggingface", StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	return consumer(Chunk{
		Content: stripPrompt(text, req.Prompt),
		Latency: time.Since(start),
	})
}

// decodeHuggingFace accepts either [{"generated_text": ...}] or
// {"error": ...}.
func decodeHuggingFace(raw []byte) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var out []hfGenerated
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return "", fmt.Errorf("decode huggingface output: %w", err)
		}
		if len(out) == 0 {
			return "", &BackendError{Backend: "huggingface", Message: "empty output"}
		}
		return out[0].GeneratedText, nil
	}
	var eb hfError
	if err := json.Unmarshal(trimmed, &eb); err != nil {
		return "", fmt.Errorf("decode huggingface output: %w", err)
	}
	if eb.Error == "" {
		return "", &BackendError{Backend: "huggingface", Message: "unexpected response shape"}
	}
	return "", &BackendError{Backend: "huggingface", Message: eb.Error}
}

// stripPrompt removes the echoed prompt that text-generation endpoints
// prepend to their output.
func stripPrompt(output, prompt string) string {
	if prompt == "" || !strings.HasPrefix(output, prompt) {
		return output
	}
	return strings.TrimSpace(output[len(prompt):])
}
