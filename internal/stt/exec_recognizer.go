package stt

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loqalabs/loqa-annotate/internal/config"
	"github.com/loqalabs/loqa-annotate/internal/transcript"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a streaming recognizer process that writes one JSON
// object per line:
//
//	{"results":[{"text":"hello","final":false}]}
//	{"error":"no-speech","message":"no speech detected"}
type execRecognizer struct {
	cmd []string
	cfg config.RecognitionConfig
}

type execLine struct {
	Results []transcript.Result `json:"results"`
	Error   string              `json:"error"`
	Message string              `json:"message"`
}

func NewExecRecognizer(cfg config.RecognitionConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (r *execRecognizer) Start(ctx context.Context, out chan<- transcript.Event) (Stream, error) {
	args := append([]string{}, r.cmd[1:]...)
	if r.cfg.Language != "" {
		args = append(args, "--language", r.cfg.Language)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, r.cmd[0], args...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 2 * time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	s := &execStream{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		readLines(runCtx, stdout, out)
		_ = cmd.Wait()
	}()
	return s, nil
}

func readLines(ctx context.Context, r io.Reader, out chan<- transcript.Event) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := decodeLine(line)
		if err != nil {
			ev = transcript.Event{Err: &EngineError{Code: "bad-output", Message: err.Error()}}
		}
		if !emit(ctx, out, ev) {
			return
		}
	}
}

func decodeLine(line []byte) (transcript.Event, error) {
	var msg execLine
	if err := json.Unmarshal(line, &msg); err != nil {
		return transcript.Event{}, fmt.Errorf("decode recognizer line: %w", err)
	}
	if msg.Error != "" {
		return transcript.Event{Err: &EngineError{Code: msg.Error, Message: msg.Message}}, nil
	}
	return transcript.Event{Results: msg.Results}, nil
}

// Stop interrupts the recognizer and waits for its reader to finish so no
// event is delivered after Stop returns.
func (s *execStream) Stop() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}
