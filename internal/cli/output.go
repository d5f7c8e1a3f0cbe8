package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// OutputFormatter writes command results as text or as a JSON envelope.
type OutputFormatter struct {
	Format string
	Writer io.Writer
	// ErrWriter receives verbose diagnostics so they never mix with JSON
	// on Writer.
	ErrWriter io.Writer
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command in --format json.
type CLIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error half of CLIResponse.
type CLIError struct {
	Code    string `json:"code"` // engine error kind, e.g. "NOT_FOUND"
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (f *OutputFormatter) isJSON() bool {
	return f.Format == "json"
}

// Success writes data. Text mode prints string-keyed maps one sorted
// "key: value" line at a time and anything else with fmt.
func (f *OutputFormatter) Success(data any) error {
	if f.isJSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	switch m := data.(type) {
	case map[string]string:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(f.Writer, "%s: %s\n", k, m[k])
		}
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(f.Writer, "%s: %v\n", k, m[k])
		}
	default:
		fmt.Fprintln(f.Writer, data)
	}
	return nil
}

// Emit writes data as a JSON response, or calls text in text mode.
func (f *OutputFormatter) Emit(data any, text func(w io.Writer) error) error {
	if f.isJSON() {
		return f.Success(data)
	}
	return text(f.Writer)
}

// Error writes an error report. Details are only shown in text mode when
// verbose.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.isJSON() {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}
	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports an engine error and returns it as a command error. When
// details is nil the record named by the error is reported instead.
func (f *OutputFormatter) Fail(message string, err error, details any) error {
	if details == nil {
		if d := errorDetails(err); d != nil {
			details = d
		}
	}
	if outErr := f.Error(ErrorCode(err), err.Error(), details); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitCommandError, message, err)
}

// VerboseLog writes a diagnostic line when verbose, on ErrWriter if set.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}
