package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStageStartupFailed is wrapped by every *StageError
	ErrStageStartupFailed = errors.New("stage startup failed")
	// ErrProcessVanished marks a tracked process that no longer exists
	ErrProcessVanished = errors.New("process vanished")
	// ErrTerminationFailed is wrapped by *TerminationError
	ErrTerminationFailed = errors.New("termination failed")
)

// StageError reports a pipeline stage that did not become ready
type StageError struct {
	Stage  Stage
	Output string // Captured diagnostics, if any
	Err    error
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("%s failed to start: %v", e.Stage, e.Err)
	if e.Output != "" && !strings.Contains(msg, e.Output) {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *StageError) Unwrap() []error { return []error{ErrStageStartupFailed, e.Err} }

// TerminationError collects the stages that could not be stopped
type TerminationError struct {
	Errs []error
}

func (e *TerminationError) Error() string {
	return "termination failed: " + errors.Join(e.Errs...).Error()
}

func (e *TerminationError) Unwrap() []error {
	return append([]error{ErrTerminationFailed}, e.Errs...)
}
