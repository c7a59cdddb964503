package assistant

import (
	"errors"
	"fmt"
)

// ErrExtractionEmpty means the expected application surface (prompt input,
// answer area) could not be located in the page. The transport is fine; the
// page just is not the assistant app.
var ErrExtractionEmpty = errors.New("assistant: expected page surface not found")

// ErrNotConnected is returned for operations that need an attached session
// before Connect has succeeded.
var ErrNotConnected = errors.New("assistant: not connected, call Connect first")

// Stage names the phase an operation failed in.
type Stage string

const (
	StageConnect Stage = "connect"
	StageStartup Stage = "startup"
	StageSubmit  Stage = "submit"
	StagePoll    Stage = "poll"
)

// StageError is the structured failure surfaced to callers: which stage
// broke, the underlying cause, and whatever step log had accumulated before
// the failure so the caller can see how far the task got.
type StageError struct {
	Stage Stage
	Steps []string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("assistant: %s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, steps []string, err error) *StageError {
	return &StageError{Stage: stage, Steps: steps, Err: err}
}
