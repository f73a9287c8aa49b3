// Package transcript accumulates streaming recognizer output into the
// finalized text that gets submitted and the interim preview shown while
// speaking.
package transcript

import (
	"strings"
	"sync"
)

// Result is one recognizer hypothesis inside an event batch.
type Result struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// Event is a batch of results delivered by a recognizer callback. Err is set
// when the engine reports a problem instead of results.
type Event struct {
	Results []Result
	Err     error
}

// Accumulator holds finalized segments and the latest interim preview.
type Accumulator struct {
	mu        sync.RWMutex
	finalized []string
	interim   string
	lastFinal string
}

func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Apply consumes one recognition batch. It reports whether the finalized text
// changed. Events carrying an error are ignored.
//
// A final candidate is appended only when it differs from the previous
// candidate by exact string equality. Partial overlap is not detected.
func (a *Accumulator) Apply(ev Event) bool {
	if ev.Err != nil {
		return false
	}

	var final strings.Builder
	interim := ""
	for _, r := range ev.Results {
		if r.Final {
			final.WriteString(r.Text)
		} else {
			interim = r.Text
		}
	}
	candidate := final.String()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.interim = interim
	if candidate == a.lastFinal {
		return false
	}
	a.lastFinal = candidate
	if candidate == "" {
		return false
	}
	a.finalized = append(a.finalized, candidate)
	return true
}

// Text returns the finalized segments joined by newlines.
func (a *Accumulator) Text() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return strings.Join(a.finalized, "\n")
}

// Segments returns a copy of the finalized segments in arrival order.
func (a *Accumulator) Segments() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.finalized...)
}

func (a *Accumulator) Interim() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.interim
}

// Reset discards all text and the dedup baseline.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = nil
	a.interim = ""
	a.lastFinal = ""
}
