package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/submit"
)

// ConsoleView renders controller output as plain text lines.
type ConsoleView struct {
	mu       sync.Mutex
	out      io.Writer
	lastText string
	controls Controls
}

func NewConsoleView(out io.Writer) *ConsoleView {
	return &ConsoleView{out: out}
}

func (v *ConsoleView) SetControls(c Controls) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.controls = c
}

// Controls returns the most recent control state.
func (v *ConsoleView) Controls() Controls {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.controls
}

// ShowTranscript prints newly finalized text and the current interim
// preview, skipping repeats.
func (v *ConsoleView) ShowTranscript(final, interim string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	line := final
	if interim != "" {
		if line != "" {
			line += "\n"
		}
		line += interim + " ..."
	}
	if line == v.lastText || line == "" {
		v.lastText = line
		return
	}
	v.lastText = line
	fmt.Fprintf(v.out, "transcript:\n%s\n", indent(line))
}

func (v *ConsoleView) ShowResult(r submit.Result) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, o := range r.Outcomes() {
		switch o.Status {
		case submit.StatusSucceeded:
			fmt.Fprintf(v.out, "%-22s ok (%s)\n", o.Endpoint, o.Duration.Round(time.Millisecond))
		default:
			fmt.Fprintf(v.out, "%-22s failed: %v\n", o.Endpoint, o.Err)
		}
	}
	if r.Annotation != "" {
		fmt.Fprintf(v.out, "annotation:\n%s\n", indent(r.Annotation))
	}
}

func (v *ConsoleView) ShowError(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fmt.Fprintf(v.out, "error: %v\n", err)
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
