package supervisor

import (
	"errors"
	"fmt"
	"strings"

	"scripthost/services/admission"
)

var (
	// ErrAlreadyRunning is returned when starting an artifact that has a live
	// or in-flight job.
	ErrAlreadyRunning = errors.New("artifact is already running")
	// ErrUnsupportedKind is returned when the entry point has no interpreter.
	ErrUnsupportedKind = errors.New("unsupported file type")
	// ErrStopTimeout is returned when a process survives SIGKILL past the
	// confirmation window.
	ErrStopTimeout = errors.New("process did not exit after SIGKILL")
)

// AdmissionError reports a start refused by the admission controller.
type AdmissionError struct {
	Err *admission.Error
}

func (e *AdmissionError) Error() string { return e.Err.Error() }

func (e *AdmissionError) Unwrap() error { return e.Err }

// Reason is the human-readable rejection reason.
func (e *AdmissionError) Reason() string { return e.Err.Reason }

// SpawnError reports an OS-level failure to launch the interpreter.
type SpawnError struct {
	Argv []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", strings.Join(e.Argv, " "), e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }
