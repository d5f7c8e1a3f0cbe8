package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vouch/internal/model"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"itemid": "session-1"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"itemid": "session-1"}, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error("NOT_FOUND", "claim not found", map[string]string{"claim": "c1"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "claim not found", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error("UNKNOWN_RULE", "no rule named x", map[string]string{"rule": "x"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [UNKNOWN_RULE]")
	assert.Contains(t, buf.String(), "no rule named x")
	assert.NotContains(t, buf.String(), "Details:")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error("UNKNOWN_RULE", "no rule named x", map[string]string{"rule": "x"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_Emit(t *testing.T) {
	text := func(w io.Writer) error {
		_, err := fmt.Fprintln(w, "plain")
		return err
	}

	buf := &bytes.Buffer{}
	require.NoError(t, (&OutputFormatter{Format: "text", Writer: buf}).Emit("data", text))
	assert.Equal(t, "plain\n", buf.String())

	buf.Reset()
	require.NoError(t, (&OutputFormatter{Format: "json", Writer: buf}).Emit("data", text))
	assert.JSONEq(t, `{"status":"ok","data":"data"}`, buf.String())
}

func TestOutputFormatter_Fail(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Fail("verify failed", model.NewError(model.KindNoBaseline, "no expected value"), nil)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, model.IsKind(err, model.KindNoBaseline))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "NO_BASELINE", resp.Error.Code)
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("loading %s", "fixture.yaml")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "loading fixture.yaml")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", NewExitError(ExitCommandError, "bad flag"))))
}

func TestErrorCode(t *testing.T) {
	assert.Equal(t, "SESSION_CLOSED", ErrorCode(fmt.Errorf("op: %w", model.NewError(model.KindSessionClosed, "closed"))))
	assert.Equal(t, "ERROR", ErrorCode(errors.New("plain")))
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success(map[string]string{"session": "s1", "claim": "c1"}))
	assert.Equal(t, "claim: c1\nsession: s1\n", buf.String())

	buf.Reset()
	require.NoError(t, formatter.Success("done"))
	assert.Equal(t, "done\n", buf.String())
}

func TestOutputFormatter_FailNamesRecord(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Fail("show failed", model.NotFound("session", "s9"), nil)
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, map[string]any{"entity": "session", "itemid": "s9"}, resp.Error.Details)

	buf.Reset()
	_ = formatter.Fail("failed", errors.New("plain"), nil)
	var plain CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &plain))
	assert.Equal(t, "ERROR", plain.Error.Code)
	assert.Nil(t, plain.Error.Details)
}
