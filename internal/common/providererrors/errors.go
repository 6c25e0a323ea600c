// Package providererrors contains the error types returned by the slurm provider components.
// Callers recover them with errors.As to decide whether a failure is transient, local to a single
// item, or a stable misconfiguration.
//
// If multiple errors occur in some function (e.g., persisting several adopted jobs), that
// function should return an error of type multierror.Error from package
// github.com/hashicorp/go-multierror that encapsulates those individual errors.
package providererrors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrAlreadyExists is a generic error to be returned whenever some resource already exists.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrAlreadyExists struct {
	Type    string // Resource type, e.g., "job mapping" or "session"
	Value   string // Resource name, e.g., "12345"
	Message string // An optional message to include in the error message
}

func (err *ErrAlreadyExists) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q already exists", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q already exists", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Only used where absence is exceptional; expected absence is reported with an ok flag.
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "partition"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrCommandFailed is returned when a scheduler command exits with a non-zero exit code.
type ErrCommandFailed struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (err *ErrCommandFailed) Error() string {
	return fmt.Sprintf("command %q exited with code %d; stdout: %q; stderr: %q",
		err.Command, err.ExitCode, strings.TrimSpace(err.Stdout), strings.TrimSpace(err.Stderr))
}

// ErrSubmissionFailed is returned when a batch script could not be submitted to the scheduler.
type ErrSubmissionFailed struct {
	ScriptPath string
	ExitCode   int
	Stdout     string
	Stderr     string
}

func (err *ErrSubmissionFailed) Error() string {
	return fmt.Sprintf("submission of %s failed with exit code %d; stdout: %q; stderr: %q",
		err.ScriptPath, err.ExitCode, strings.TrimSpace(err.Stdout), strings.TrimSpace(err.Stderr))
}

// ErrCancellationFailed is returned when the scheduler refused to cancel a job.
type ErrCancellationFailed struct {
	SchedulerId string
	Partition   string
	ExitCode    int
	Stdout      string
	Stderr      string
}

func (err *ErrCancellationFailed) Error() string {
	return fmt.Sprintf("cancellation of job %s in partition %s failed with exit code %d; stdout: %q; stderr: %q",
		err.SchedulerId, err.Partition, err.ExitCode, strings.TrimSpace(err.Stdout), strings.TrimSpace(err.Stderr))
}

// ErrStorageUnavailable wraps any failure of the persistent store. It is always transient from the
// point of view of the reconciliation loop.
type ErrStorageUnavailable struct {
	Operation string
	Cause     error
}

func (err *ErrStorageUnavailable) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", err.Operation, err.Cause)
}

func (err *ErrStorageUnavailable) Unwrap() error {
	return err.Cause
}

// StorageUnavailable wraps cause in an ErrStorageUnavailable carrying a stack trace.
// A nil cause yields nil.
func StorageUnavailable(operation string, cause error) error {
	if cause == nil {
		return nil
	}
	return errors.WithStack(&ErrStorageUnavailable{Operation: operation, Cause: cause})
}

// ErrExtensionFailed is returned when an operator supplied extension script fails or returns
// something that cannot be understood.
type ErrExtensionFailed struct {
	Script   string
	ExitCode int
	Output   string
	Message  string
}

func (err *ErrExtensionFailed) Error() string {
	s := fmt.Sprintf("extension %s failed with exit code %d", err.Script, err.ExitCode)
	if err.Message != "" {
		s += "; " + err.Message
	}
	if err.Output != "" {
		s += fmt.Sprintf("; output: %q", strings.TrimSpace(err.Output))
	}
	return s
}

// ErrControlPlane is returned when the control plane answers with a non-successful status.
type ErrControlPlane struct {
	Call       string
	StatusCode int
	Body       string
}

func (err *ErrControlPlane) Error() string {
	return fmt.Sprintf("control plane call %s failed with status %d: %s", err.Call, err.StatusCode, strings.TrimSpace(err.Body))
}

// IsStorageUnavailable reports whether err was caused by the persistent store.
func IsStorageUnavailable(err error) bool {
	var e *ErrStorageUnavailable
	return errors.As(err, &e)
}
