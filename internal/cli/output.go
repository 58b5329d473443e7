package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/ontask/dataengine/internal/errs"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // The engine rejected the operation
	ExitCommandError = 2 // Command error (bad flags, unreadable files, database unreachable)
)

// ExitError represents an error with a specific exit code.
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

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses. Kind is the engine
// error kind when there is one.
type CLIError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Column  string `json:"column,omitempty"`
}

// Success outputs a result. Text mode prints text and ignores data.
func (f *OutputFormatter) Success(text string, data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(f.Writer, text)
	return err
}

// Fail outputs err and returns it wrapped with ExitFailure so the process
// exits non-zero.
func (f *OutputFormatter) Fail(message string, err error) error {
	cliErr := &CLIError{Kind: "ERROR", Message: err.Error()}
	var ee *errs.Error
	if errors.As(err, &ee) {
		cliErr.Kind = string(ee.Kind)
		cliErr.Column = ee.Column
	}
	if f.Format == "json" {
		if encErr := json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "error", Error: cliErr}); encErr != nil {
			return encErr
		}
	} else {
		fmt.Fprintf(f.Writer, "Error [%s]: %s: %s\n", cliErr.Kind, message, cliErr.Message)
	}
	return WrapExitError(ExitFailure, message, err)
}
