// Package cli holds exit-code handling shared by the dbmigrator commands.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/ksred/dbmigrator/internal/migrator"
)

// Exit codes
const (
	ExitSuccess        = 0
	ExitGeneral        = 1
	ExitConfig         = 2
	ExitNothingToDo    = 3
	ExitDBConnect      = 4
	ExitMissingReverse = 5
)

// ExitError wraps an error with an exit code.
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

// ConfigError creates an ExitError with ExitConfig code.
func ConfigError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitConfig, Message: msg, Err: err}
}

// DBConnectError creates an ExitError with ExitDBConnect code.
func DBConnectError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitDBConnect, Message: msg, Err: err}
}

// GeneralError creates an ExitError with ExitGeneral code.
func GeneralError(msg string, err error) *ExitError {
	return &ExitError{Code: ExitGeneral, Message: msg, Err: err}
}

// EngineError classifies an engine failure into an ExitError
func EngineError(msg string, err error) *ExitError {
	code := ExitGeneral
	switch {
	case migrator.IsConnectivityError(err):
		code = ExitDBConnect
	case migrator.IsNothingToRollBack(err):
		code = ExitNothingToDo
	case migrator.IsMissingReverseScript(err):
		code = ExitMissingReverse
	}
	return &ExitError{Code: code, Message: msg, Err: err}
}

// Report prints err to w and returns the process exit code for it.
func Report(w io.Writer, err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		fmt.Fprintln(w, "Error:", exitErr.Error())
		return exitErr.Code
	}
	fmt.Fprintln(w, "Error:", err)
	return ExitGeneral
}
