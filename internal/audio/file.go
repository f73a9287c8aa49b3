package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
)

// FileDevice replays a WAV file as if it were being recorded live, emitting
// one fragment per Fragment interval sized to the file's byte rate.
type FileDevice struct {
	Path     string
	Fragment time.Duration
}

type fileStream struct {
	file     *os.File
	chunk    int
	interval time.Duration
	ctx      context.Context
	out      chan<- Event
	stop     chan struct{}
	once     sync.Once
}

func (d *FileDevice) Open(ctx context.Context, out chan<- Event) (Stream, error) {
	file, err := os.Open(d.Path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("open %s: %w", d.Path, ErrNoDevice)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("open %s: %w", d.Path, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("open %s: %w", d.Path, err)
	}

	dec := wav.NewDecoder(file)
	if !dec.IsValidFile() {
		file.Close()
		return nil, fmt.Errorf("%s is not a valid wav file: %w", d.Path, ErrNoDevice)
	}
	interval := d.Fragment
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	chunk := int(float64(dec.SampleRate) * float64(dec.NumChans) * float64(dec.BitDepth) / 8 * interval.Seconds())
	if chunk <= 0 {
		chunk = 4096
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("rewind %s: %w", d.Path, err)
	}

	s := &fileStream{
		file:     file,
		chunk:    chunk,
		interval: interval,
		ctx:      ctx,
		out:      out,
		stop:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *fileStream) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *fileStream) run() {
	defer s.file.Close()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	eof := false
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.stop:
			// Flush one trailing fragment, as an encoder does on stop.
			if !eof {
				if data, _ := s.read(); len(data) > 0 {
					if !send(s.ctx, s.out, Event{Data: data}) {
						return
					}
				}
			}
			send(s.ctx, s.out, Event{Final: true})
			return
		case <-ticker.C:
			if eof {
				continue
			}
			data, err := s.read()
			if len(data) > 0 && !send(s.ctx, s.out, Event{Data: data}) {
				return
			}
			if err != nil {
				eof = true
			}
		}
	}
}

func (s *fileStream) read() ([]byte, error) {
	buf := make([]byte, s.chunk)
	n, err := io.ReadFull(s.file, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return buf[:n], err
}
