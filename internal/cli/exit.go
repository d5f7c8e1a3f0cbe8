package cli

import (
	"errors"
	"fmt"

	"github.com/roach88/vouch/internal/model"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // command succeeded and any decision passed
	ExitFailure      = 1 // a campaign, verification or scenario did not pass
	ExitCommandError = 2 // bad flags, unreachable database, engine errors
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

// NewExitError creates an ExitError without a cause.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError attaches an exit code to err.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Errors that carry no
// code exit with ExitFailure.
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

// ErrorCode returns the engine error kind carried by err, or "ERROR".
func ErrorCode(err error) string {
	if kind := model.KindOf(err); kind != "" {
		return string(kind)
	}
	return "ERROR"
}

// errorDetails names the record an engine error is about.
func errorDetails(err error) map[string]string {
	var me *model.Error
	if !errors.As(err, &me) || (me.Entity == "" && me.ItemID == "") {
		return nil
	}
	details := map[string]string{}
	if me.Entity != "" {
		details["entity"] = me.Entity
	}
	if me.ItemID != "" {
		details["itemid"] = me.ItemID
	}
	return details
}
