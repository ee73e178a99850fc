package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPrinter(asJSON, verbose bool) (p *Printer, out, diag *bytes.Buffer) {
	out, diag = &bytes.Buffer{}, &bytes.Buffer{}
	return &Printer{JSON: asJSON, Out: out, Diag: diag, Verbose: verbose}, out, diag
}

func decodeResponse(t *testing.T, b []byte) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(b, &resp))
	return resp
}

func TestPrinter_JSONResult(t *testing.T) {
	p, out, _ := newTestPrinter(true, false)

	require.NoError(t, p.Result(map[string]string{"room": "wf-1"}))

	resp := decodeResponse(t, out.Bytes())
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"room": "wf-1"}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestPrinter_JSONProblem(t *testing.T) {
	tests := []struct {
		name    string
		details any
		want    any
	}{
		{"without_details", nil, nil},
		{"with_details", map[string]string{"file": "workflow.yaml"}, map[string]any{"file": "workflow.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, out, _ := newTestPrinter(true, false)

			require.NoError(t, p.Problem(ErrCodeStore, "failed to open store", tt.details))

			resp := decodeResponse(t, out.Bytes())
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, "E004", resp.Error.Code)
			assert.Equal(t, "failed to open store", resp.Error.Message)
			assert.Equal(t, tt.want, resp.Error.Details)
		})
	}
}

func TestPrinter_TextResult(t *testing.T) {
	p, out, _ := newTestPrinter(false, false)

	require.NoError(t, p.Result(ExportResult{Room: "wf-1", File: "out.yaml"}))

	assert.Equal(t, "Exported room wf-1 to out.yaml\n", out.String())
}

func TestPrinter_TextProblem(t *testing.T) {
	quiet, out, _ := newTestPrinter(false, false)
	require.NoError(t, quiet.Problem(ErrCodeGeneric, "failed to write export", "disk full"))
	assert.Equal(t, "Error [E001]: failed to write export\n", out.String())

	loud, out, _ := newTestPrinter(false, true)
	require.NoError(t, loud.Problem(ErrCodeGeneric, "failed to write export", "disk full"))
	assert.Contains(t, out.String(), "Details: disk full")
}

func TestPrinter_Fail(t *testing.T) {
	p, out, _ := newTestPrinter(true, false)
	cause := errors.New("no such table")

	err := p.Fail(ExitCommandError, ErrCodeStore, "failed to list rooms", cause)

	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, cause)

	resp := decodeResponse(t, out.Bytes())
	require.NotNil(t, resp.Error)
	assert.Equal(t, "no such table", resp.Error.Details)
}

func TestPrinter_Logf(t *testing.T) {
	for _, asJSON := range []bool{false, true} {
		p, out, diag := newTestPrinter(asJSON, true)
		p.Logf("Importing %s", "workflow.yaml")

		assert.Empty(t, out.String())
		assert.Equal(t, "Importing workflow.yaml\n", diag.String())
	}

	p, out, diag := newTestPrinter(false, false)
	p.Logf("Importing %s", "workflow.yaml")
	assert.Empty(t, out.String())
	assert.Empty(t, diag.String())
}

func TestNewPrinter_WritesDiagnosticsToStderr(t *testing.T) {
	cmd := NewRootCommand()
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(diag)

	p := newPrinter(&RootOptions{Format: "json", Verbose: true}, cmd)
	p.Logf("Session %s", "synced")

	assert.True(t, p.JSON)
	assert.Empty(t, out.String())
	assert.Contains(t, diag.String(), "Session synced")
}

func TestGetExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitSuccess},
		{"plain error", errors.New("boom"), ExitFailure},
		{"exit error", WrapExitError(ExitCommandError, "bad flags", nil), ExitCommandError},
		{"wrapped exit error", WrapExitError(ExitFailure, "invalid", errors.New("cycle")), ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	assert.Equal(t, "room not found", WrapExitError(ExitCommandError, "room not found", nil).Error())
	assert.Equal(t, "failed to open store: locked",
		WrapExitError(ExitCommandError, "failed to open store", errors.New("locked")).Error())
}
