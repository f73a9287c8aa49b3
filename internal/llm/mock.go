package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct{}

// NewMockGenerator echoes the prompt back as a bracketed annotation.
func NewMockGenerator() Generator { return &mockGenerator{} }

func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return consumer(Chunk{
		Content: "[annotation: " + strings.TrimSpace(req.Prompt) + "]",
		Latency: 5 * time.Millisecond,
	})
}
