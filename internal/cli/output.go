package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // the workflow was checked and rejected
	ExitCommandError = 2 // the command could not run
)

// Error codes carried in JSON responses.
const (
	ErrCodeGeneric         = "E001"
	ErrCodeInvalidFile     = "E002" // file missing or not a workflow
	ErrCodeInvalidWorkflow = "E003" // workflow fails validation
	ErrCodeStore           = "E004" // offline store failure
	ErrCodeRoomNotFound    = "E005"
	ErrCodeConnection      = "E006"
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// WrapExitError returns an ExitError for message with cause err, which
// may be nil.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode maps err to a process exit code. Errors that are not an
// ExitError exit with ExitFailure.
func GetExitCode(err error) int {
	var exitErr *ExitError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &exitErr):
		return exitErr.Code
	default:
		return ExitFailure
	}
}

// Response is the envelope written for every command under --format json.
type Response struct {
	Status string         `json:"status"` // "ok" or "error"
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Printer writes command results. Results and failures go to Out;
// verbose progress lines go to Diag so they never mix with JSON.
type Printer struct {
	JSON    bool
	Out     io.Writer
	Diag    io.Writer
	Verbose bool
}

func newPrinter(opts *RootOptions, cmd *cobra.Command) *Printer {
	return &Printer{
		JSON:    opts.Format == "json",
		Out:     cmd.OutOrStdout(),
		Diag:    cmd.ErrOrStderr(),
		Verbose: opts.Verbose,
	}
}

// Result prints data. Text output relies on data's String method.
func (p *Printer) Result(data any) error {
	if p.JSON {
		return json.NewEncoder(p.Out).Encode(Response{Status: "ok", Data: data})
	}
	_, err := fmt.Fprintln(p.Out, data)
	return err
}

// Problem prints an error response. Details are only shown in text mode
// with --verbose.
func (p *Printer) Problem(code, message string, details any) error {
	if p.JSON {
		return json.NewEncoder(p.Out).Encode(Response{
			Status: "error",
			Error:  &ResponseError{Code: code, Message: message, Details: details},
		})
	}
	if _, err := fmt.Fprintf(p.Out, "Error [%s]: %s\n", code, message); err != nil {
		return err
	}
	if p.Verbose && details != nil {
		_, err := fmt.Fprintf(p.Out, "Details: %v\n", details)
		return err
	}
	return nil
}

// Fail prints the problem and returns the ExitError the command should
// return.
func (p *Printer) Fail(exitCode int, code, message string, err error) error {
	var details any
	if err != nil {
		details = err.Error()
	}
	_ = p.Problem(code, message, details)
	return WrapExitError(exitCode, message, err)
}

// Logf writes a progress line to Diag when verbose.
func (p *Printer) Logf(format string, args ...any) {
	if p.Verbose {
		fmt.Fprintf(p.Diag, format+"\n", args...)
	}
}
