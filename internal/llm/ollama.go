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

const defaultOllamaModel = "llama3.2:latest"

// OllamaGenerator streams annotations from an Ollama server's /api/generate.
type OllamaGenerator struct {
	url    string
	model  string
	client *http.Client
}

func NewOllamaGenerator(endpoint, model string, client *http.Client) *OllamaGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = defaultOllamaModel
	}
	return &OllamaGenerator{
		url:    strings.TrimRight(endpoint, "/") + "/api/generate",
		model:  model,
		client: client,
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// ollamaFrame is one newline-delimited object of the streamed response.
type ollamaFrame struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	Error           string `json:"error,omitempty"`
	EvalCount       int    `json:"eval_count,omitempty"`
	PromptEvalCount int    `json:"prompt_eval_count,omitempty"`
}

func (g *OllamaGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	model := req.Model
	if model == "" {
		model = g.model
	}
	body, err := json.Marshal(ollamaRequest{
		Model:   model,
		Prompt:  req.Prompt,
		System:  req.System,
		Stream:  true,
		Options: ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ollamaStatusError(resp)
	}

	began := time.Now()
	var prompt, completion int
	dec := json.NewDecoder(resp.Body)
	for {
		var frame ollamaFrame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("decode ollama stream: %w", err)
		}
		if frame.Error != "" {
			return &BackendError{Backend: "ollama", Message: frame.Error}
		}
		prompt = max(prompt, frame.PromptEvalCount)
		completion = max(completion, frame.EvalCount)
		chunk := Chunk{
			Content:          frame.Response,
			Partial:          !frame.Done,
			PromptTokens:     prompt,
			CompletionTokens: completion,
			Latency:          time.Since(began),
		}
		if err := consumer(chunk); err != nil {
			return err
		}
		if frame.Done {
			return nil
		}
	}
}

func ollamaStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := strings.TrimSpace(string(raw))
	var frame ollamaFrame
	if json.Unmarshal(raw, &frame) == nil && frame.Error != "" {
		msg = frame.Error
	}
	return &BackendError{Backend: "ollama", StatusCode: resp.StatusCode, Message: msg}
}
