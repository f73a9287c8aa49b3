package submit

import (
	"strings"
	"sync"
)

// Image is an operator-selected picture submitted alongside a recording.
type Image struct {
	Filename string
	Data     []byte
}

// ImageSlot holds the current image selection. It can be replaced at any time
// and is only read at submission.
type ImageSlot struct {
	mu  sync.RWMutex
	img *Image
}

// Select replaces the current selection.
func (s *ImageSlot) Select(img Image) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = &img
}

func (s *ImageSlot) Current() (Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return Image{}, false
	}
	return *s.img, true
}

// AnnotationLog accumulates generated annotations across submissions.
type AnnotationLog struct {
	mu      sync.RWMutex
	entries []string
}

func (l *AnnotationLog) Append(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, text)
}

// String returns all annotations, newline separated, oldest first.
func (l *AnnotationLog) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return strings.Join(l.entries, "\n")
}

func (l *AnnotationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
