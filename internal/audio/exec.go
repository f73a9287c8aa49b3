package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattn/go-shellwords"
)

// ExecDevice records by running an external command (for example
// `arecord -q -f S16_LE -r 16000 -c 1 -t wav`) and reading its stdout.
type ExecDevice struct {
	cmd        []string
	chunkBytes int
	logger     *slog.Logger
}

// NewExecDevice parses command with shell quoting rules. Recorder exit
// failures are logged to logger together with the recorder's stderr.
func NewExecDevice(command string, chunkBytes int, logger *slog.Logger) (*ExecDevice, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse capture command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("capture command is empty")
	}
	if chunkBytes <= 0 {
		chunkBytes = 4096
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ExecDevice{cmd: args, chunkBytes: chunkBytes, logger: logger.With(slog.String("component", "audio.exec"))}, nil
}

type execStream struct {
	cmd     *exec.Cmd
	stderr  bytes.Buffer
	stopped atomic.Bool
	once    sync.Once
}

func (d *ExecDevice) Open(ctx context.Context, out chan<- Event) (Stream, error) {
	cmd := exec.Command(d.cmd[0], d.cmd[1:]...)
	s := &execStream{cmd: cmd}
	cmd.Stderr = &s.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("capture stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		switch {
		case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("start %s: %w", d.cmd[0], ErrNoDevice)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("start %s: %w", d.cmd[0], ErrPermissionDenied)
		}
		return nil, fmt.Errorf("start %s: %w", d.cmd[0], err)
	}

	go func() {
		<-ctx.Done()
		s.kill()
	}()
	go d.pump(ctx, stdout, s, out)
	return s, nil
}

// pump forwards stdout until the recorder exits, then reports Final.
func (d *ExecDevice) pump(ctx context.Context, stdout io.Reader, s *execStream, out chan<- Event) {
	buf := make([]byte, d.chunkBytes)
	for {
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			if !send(ctx, out, Event{Data: data}) {
				d.wait(s)
				return
			}
		}
		if err != nil {
			break
		}
	}
	d.wait(s)
	send(ctx, out, Event{Final: true})
}

// wait reaps the recorder. A failing exit is logged at warn level unless the
// stream was asked to stop, in which case the signal explains it.
func (d *ExecDevice) wait(s *execStream) {
	err := s.cmd.Wait()
	if err == nil {
		return
	}
	attrs := []any{slog.String("command", d.cmd[0]), slog.String("error", err.Error())}
	if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
		attrs = append(attrs, slog.String("stderr", msg))
	}
	if s.stopped.Load() {
		d.logger.Debug("recorder exited after stop", attrs...)
		return
	}
	d.logger.Warn("recorder exited with error", attrs...)
}

func (s *execStream) Stop() error {
	var err error
	s.stopped.Store(true)
	s.once.Do(func() {
		if s.cmd.Process == nil {
			return
		}
		// Recorders flush and close their container on SIGINT.
		if sigErr := s.cmd.Process.Signal(os.Interrupt); sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = s.cmd.Process.Kill()
		}
	})
	return err
}

func (s *execStream) kill() {
	s.stopped.Store(true)
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}
