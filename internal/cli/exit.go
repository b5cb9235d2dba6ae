package cli

import (
	"errors"
	"fmt"
)

// Exit codes for the audit CLI.
const (
	ExitSuccess      = 0 // all exports written
	ExitFailure      = 1 // pipeline aborted; prior exports untouched
	ExitCommandError = 2 // bad invocation (config, paths, flags)
)

// ExitError carries a process exit code alongside the error chain, so RunE
// handlers can distinguish invocation mistakes from pipeline failures.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError attaches an exit code to an existing error.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error, defaulting to
// ExitFailure for errors that carry none.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}
