// Package executor drives one task from Pending through Running to a
// terminal state, coordinating sessions, the process runner, the event
// parser and the event bus.
package executor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a task failed. It is carried on the terminal
// TaskResult rather than thrown across the task/publisher boundary.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindResource   ErrorKind = "resource"
	KindLaunch     ErrorKind = "launch"
	KindTimeout    ErrorKind = "timeout"
	KindRepository ErrorKind = "repository"
	KindRuntime    ErrorKind = "runtime"
	KindCancelled  ErrorKind = "cancelled"
)

// TaskError pairs a failure cause with its taxonomy kind.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

func taskErr(kind ErrorKind, format string, args ...interface{}) *TaskError {
	return &TaskError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from an error chain, defaulting to
// runtime for untyped errors.
func KindOf(err error) ErrorKind {
	var te *TaskError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindRuntime
}
