package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes.
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // denied plan, invalid file, hash mismatch
	ExitCommandError = 2 // unreadable input, unresolvable plan
)

// ExitError carries the process exit code for a failed command.
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

func exitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// ExitCode maps err to a process exit code. Errors without a code exit with ExitCommandError,
// which covers cobra's own flag and argument errors.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitCommandError
}

// Response is the envelope for --format json.
type Response struct {
	Status string         `json:"status"` // ok | error
	Data   any            `json:"data,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError describes a failed command.
type ResponseError struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// printer writes command output in the selected format.
type printer struct {
	format string
	out    io.Writer
}

func (p *printer) json() bool { return p.format == "json" }

// result writes data. text renders the human form and is ignored for json.
func (p *printer) result(data any, text func(w io.Writer)) error {
	if p.json() {
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(Response{Status: "ok", Data: data})
	}
	text(p.out)
	return nil
}

// fail reports a command failure and returns the matching ExitError.
func (p *printer) fail(code int, message string, err error, details any) error {
	if p.json() {
		resp := Response{Status: "error", Error: &ResponseError{Message: message, Details: details}}
		if err != nil {
			resp.Error.Message = fmt.Sprintf("%s: %v", message, err)
		}
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	} else if err != nil {
		fmt.Fprintf(p.out, "error: %s: %v\n", message, err)
	} else {
		fmt.Fprintf(p.out, "error: %s\n", message)
	}
	return exitError(code, message, err)
}
