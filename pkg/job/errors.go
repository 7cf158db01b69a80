package job

import (
	"errors"
	"fmt"
)

// Sentinel errors for job lifecycle operations.
var (
	// ErrConfiguration indicates a malformed resource definition or a resource that
	// does not match its declared properties. Not retryable.
	ErrConfiguration = errors.New("configuration error")

	// ErrAdmission indicates the resource does not have enough free capacity.
	ErrAdmission = errors.New("insufficient resource capacity")

	// ErrSubmission indicates the backend could not start the job.
	ErrSubmission = errors.New("submission failed")

	// ErrTransport indicates a command or file operation on the target host failed.
	ErrTransport = errors.New("transport failure")

	// ErrDataStaging indicates input or output data could not be copied.
	ErrDataStaging = errors.New("data staging failed")

	// ErrInvalidState indicates backend bookkeeping is corrupted, e.g. the process
	// is gone but left no accounting artifact.
	ErrInvalidState = errors.New("invalid job state")

	// ErrDetached indicates an operation on a task with no backend attached.
	ErrDetached = errors.New("task is detached from any backend")

	// ErrInvalidOperation indicates the operation is not allowed in the current state.
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrOutputNotAvailable indicates output was requested before the job ran.
	ErrOutputNotAvailable = errors.New("output not available")

	// ErrUnexpectedState indicates progress stalled in STOPPED or UNKNOWN.
	ErrUnexpectedState = errors.New("unexpected job state")

	// ErrNoResources indicates no resource is enabled or compatible with the job.
	ErrNoResources = errors.New("no compatible resources")

	// ErrUnknownJob indicates the backend has no record of the job.
	ErrUnknownJob = errors.New("unknown job")

	// ErrInvalidTransition indicates a state write that would break the state order.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Error wraps a lifecycle failure with the task and resource it concerns.
type Error struct {
	// Op is the operation that failed (e.g., "submit", "update").
	Op string

	// Task is the task identifier or name, if known.
	Task string

	// Resource is the resource name, if applicable.
	Resource string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Task != "" && e.Resource != "":
		return fmt.Sprintf("%s %s on %s: %v", e.Op, e.Task, e.Resource, e.Err)
	case e.Resource != "":
		return fmt.Sprintf("%s on %s: %v", e.Op, e.Resource, e.Err)
	case e.Task != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Task, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attaches a sentinel kind to a cause so both satisfy errors.Is.
func Wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// WrapCause is Wrap for an existing error; the result matches both kind and cause.
func WrapCause(kind, cause error, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %w", kind, fmt.Sprintf(format, args...), cause)
}

// IsConfiguration returns true if the error is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsAdmission returns true if the error indicates insufficient capacity.
func IsAdmission(err error) bool {
	return errors.Is(err, ErrAdmission)
}

// IsSubmission returns true if the error indicates a failed submission.
func IsSubmission(err error) bool {
	return errors.Is(err, ErrSubmission)
}

// IsDataStaging returns true if the error indicates a data staging failure.
func IsDataStaging(err error) bool {
	return errors.Is(err, ErrDataStaging)
}

// IsInvalidState returns true if the error indicates corrupted bookkeeping.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsDetached returns true if the task had no backend attached.
func IsDetached(err error) bool {
	return errors.Is(err, ErrDetached)
}
