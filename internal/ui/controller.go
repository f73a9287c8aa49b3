// Package ui binds the capture session and submission orchestrator to a view.
package ui

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-annotate/internal/capture"
	"github.com/loqalabs/loqa-annotate/internal/submit"
)

// Controls reports which buttons are enabled.
type Controls struct {
	Start bool
	Stop  bool
	Send  bool
}

// View renders controller state. Implementations must be safe for calls from
// the recording goroutine as well as the caller's.
type View interface {
	SetControls(Controls)
	ShowTranscript(final, interim string)
	ShowResult(submit.Result)
	ShowError(error)
}

// Recorder is the capture surface the controller drives.
type Recorder interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (*capture.AudioArtifact, error)
	State() capture.State
	Artifact() (*capture.AudioArtifact, bool)
}

// Submitter sends the current recording.
type Submitter interface {
	Submit(ctx context.Context) (submit.Result, error)
	Images() *submit.ImageSlot
}

// Controller turns button presses into session and submission calls and
// keeps the view's controls consistent with session state.
type Controller struct {
	view   View
	logger *slog.Logger

	mu        sync.Mutex
	recorder  Recorder
	submitter Submitter
	sending   bool
}

func NewController(view View, logger *slog.Logger) *Controller {
	return &Controller{
		view:   view,
		logger: logger.With(slog.String("component", "ui.controller")),
	}
}

// Attach wires the recorder and submitter. The controller is usually created
// first so it can be passed to capture.NewSession as the observer.
func (c *Controller) Attach(recorder Recorder, submitter Submitter) {
	c.mu.Lock()
	c.recorder = recorder
	c.submitter = submitter
	c.mu.Unlock()
	c.refresh()
}

func (c *Controller) OnStartPressed(ctx context.Context) error {
	recorder, _ := c.parts()
	if recorder == nil {
		return errNotAttached
	}
	err := recorder.Start(ctx)
	if err != nil {
		var perm *capture.PermissionError
		if errors.As(err, &perm) {
			c.logger.Warn("microphone unavailable", slogError(err))
		}
		c.view.ShowError(err)
	}
	c.refresh()
	return err
}

func (c *Controller) OnStopPressed(ctx context.Context) error {
	recorder, _ := c.parts()
	if recorder == nil {
		return errNotAttached
	}
	_, err := recorder.Stop(ctx)
	if err != nil {
		c.view.ShowError(err)
	}
	c.refresh()
	return err
}

// OnSendPressed submits the current recording. Endpoint failures are shown
// through ShowResult; only precondition failures and ErrRecordingInProgress
// are returned.
func (c *Controller) OnSendPressed(ctx context.Context) (submit.Result, error) {
	recorder, submitter := c.parts()
	if submitter == nil || recorder == nil {
		return submit.Result{}, errNotAttached
	}
	if recorder.State() == capture.StateRecording {
		c.view.ShowError(ErrRecordingInProgress)
		return submit.Result{}, ErrRecordingInProgress
	}
	c.mu.Lock()
	c.sending = true
	c.mu.Unlock()
	c.refresh()

	res, err := submitter.Submit(ctx)

	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
	if err != nil {
		c.view.ShowError(err)
	} else {
		c.view.ShowResult(res)
	}
	c.refresh()
	return res, err
}

// OnImageSelected replaces the image sent with the next submission.
func (c *Controller) OnImageSelected(name string, data []byte) {
	_, submitter := c.parts()
	if submitter == nil {
		return
	}
	submitter.Images().Select(submit.Image{Filename: name, Data: data})
	c.logger.Debug("image selected", slog.String("filename", name), slog.Int("bytes", len(data)))
}

// TranscriptChanged implements capture.Observer.
func (c *Controller) TranscriptChanged(final, interim string) {
	c.view.ShowTranscript(final, interim)
}

// RecognitionFailed implements capture.Observer.
func (c *Controller) RecognitionFailed(err error) {
	c.view.ShowError(err)
}

// AudioEnded implements capture.Observer. The recording stays open so
// trailing recognition results are kept; the operator still presses Stop.
func (c *Controller) AudioEnded() {
	c.view.ShowError(capture.ErrAudioEnded)
	c.refresh()
}

// Controls computes the current button state.
func (c *Controller) Controls() Controls {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recorder == nil {
		return Controls{}
	}
	recording := c.recorder.State() == capture.StateRecording
	_, hasArtifact := c.recorder.Artifact()
	return Controls{
		Start: !recording,
		Stop:  recording,
		Send:  hasArtifact && !recording && !c.sending,
	}
}

func (c *Controller) refresh() {
	c.view.SetControls(c.Controls())
}

func (c *Controller) parts() (Recorder, Submitter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recorder, c.submitter
}

var errNotAttached = errors.New("ui: controller not attached")

// ErrRecordingInProgress rejects Send while a recording is open.
var ErrRecordingInProgress = errors.New("stop the recording before sending")

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
