package submit

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRecording means Submit was called before any recording was
	// stopped.
	ErrNoRecording = errors.New("no recording to submit")
	// ErrNoImage means an image is required but none was selected.
	ErrNoImage = errors.New("no image selected")
)

// PreconditionError rejects a submission before any request is issued.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("submission rejected: %v", e.Err)
}

func (e *PreconditionError) Unwrap() error { return e.Err }

// SubmissionError describes the failure of one endpoint. StatusCode is zero
// when the request never got a response.
type SubmissionError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *SubmissionError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Endpoint, e.Message)
	}
}

func (e *SubmissionError) Unwrap() error { return e.Err }
