package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/flowsync/internal/graph"
	"github.com/roach88/flowsync/internal/stores"
	"github.com/roach88/flowsync/internal/workflowyaml"
)

func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "flowsync.db")
}

// =============================================================================
// check
// =============================================================================

func TestCheck_Valid(t *testing.T) {
	out, err := runCLI(t, "check", "testdata/valid.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "testdata/valid.yaml: ok")
}

func TestCheck_Cycle(t *testing.T) {
	out, err := runCLI(t, "check", "testdata/cycle.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "invalid")
	assert.Contains(t, out, "Circular workflow detected")
}

func TestCheck_UnknownJob(t *testing.T) {
	out, err := runCLI(t, "check", "testdata/unknown-job.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, `unknown job "missing"`)
}

func TestCheck_JSON(t *testing.T) {
	out, err := runCLI(t, "--format", "json", "check", "testdata/refused-edges.yaml")
	require.Error(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInvalidWorkflow, resp.Error.Code)
}

func TestCheckDocument_RefusedEdges(t *testing.T) {
	doc, err := workflowyaml.ReadFile("testdata/refused-edges.yaml", stores.UUIDv7Generator{})
	require.NoError(t, err)

	result := checkDocument("refused-edges.yaml", doc)

	assert.False(t, result.Valid)
	require.Len(t, result.Problems, 2)
	assert.Equal(t, EdgeProblem{
		Edge:    "edge-self",
		Code:    string(graph.ErrCodeSelfConnection),
		Message: graph.MessageSelfConnection,
	}, result.Problems[0])
	assert.Equal(t, "edge-2", result.Problems[1].Edge)
	assert.Equal(t, string(graph.ErrCodeAlreadyConnected), result.Problems[1].Code)
	require.Len(t, result.Cycles, 1)
	assert.Equal(t, []string{"job-a", "job-a"}, result.Cycles[0].Path)
}

func TestCheckDocument_CircularEdgeIsReportedOnceAsCycle(t *testing.T) {
	doc, err := workflowyaml.ReadFile("testdata/cycle.yaml", stores.UUIDv7Generator{})
	require.NoError(t, err)

	result := checkDocument("cycle.yaml", doc)

	assert.False(t, result.Valid)
	assert.Empty(t, result.Problems)
	require.Len(t, result.Cycles, 1)
	assert.ElementsMatch(t, []string{"job-a", "job-b"}, result.Cycles[0].Path[:2])
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: one\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 16)
	done := make(chan error, 1)
	go func() {
		done <- watchFile(ctx, path, func() { changes <- struct{}{} })
	}()

	// The watcher is registered asynchronously; keep writing until it
	// notices.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("name: two\n"), 0o644)
		select {
		case <-changes:
			return true
		default:
			return false
		}
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watchFile did not return after cancel")
	}
}

// =============================================================================
// import / export / rooms
// =============================================================================

func TestImport(t *testing.T) {
	db := testDB(t)

	out, err := runCLI(t, "--db", db, "import", "testdata/valid.yaml")
	require.NoError(t, err)
	assert.Contains(t, out, `Imported "Patient sync" into room wf-1 (2 jobs, 1 triggers, 2 edges)`)
}

func TestImport_RoomFlag(t *testing.T) {
	db := testDB(t)

	_, err := runCLI(t, "--db", db, "import", "--room", "staging", "testdata/valid.yaml")
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "--format", "json", "rooms")
	require.NoError(t, err)

	var resp struct {
		Status string      `json:"status"`
		Data   RoomsResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Rooms, 1)
	assert.Equal(t, "staging", resp.Data.Rooms[0].ID)
	assert.Equal(t, 1, resp.Data.Rooms[0].Updates)
}

func TestImport_InvalidFile(t *testing.T) {
	out, err := runCLI(t, "--db", testDB(t), "import", "testdata/unknown-job.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E002]")
}

func TestImport_MissingFile(t *testing.T) {
	_, err := runCLI(t, "--db", testDB(t), "import", "testdata/does-not-exist.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExport_RoundTrip(t *testing.T) {
	db := testDB(t)
	_, err := runCLI(t, "--db", db, "import", "testdata/valid.yaml")
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "export", "wf-1")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Patient sync")
	assert.Contains(t, out, "extract-data->load-to-dhis2:")

	exported, err := workflowyaml.Unmarshal([]byte(out), stores.UUIDv7Generator{})
	require.NoError(t, err)
	original, err := workflowyaml.ReadFile("testdata/valid.yaml", stores.UUIDv7Generator{})
	require.NoError(t, err)
	assert.Equal(t, original.Workflow, exported.Workflow)
	assert.Equal(t, original.Jobs, exported.Jobs)
	assert.Equal(t, original.Triggers, exported.Triggers)
	assert.Equal(t, original.Edges, exported.Edges)
}

func TestExport_ToFile(t *testing.T) {
	db := testDB(t)
	_, err := runCLI(t, "--db", db, "import", "testdata/valid.yaml")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "out.yaml")
	out, err := runCLI(t, "--db", db, "export", "wf-1", "-o", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Exported room wf-1 to "+path)

	doc, err := workflowyaml.ReadFile(path, stores.UUIDv7Generator{})
	require.NoError(t, err)
	assert.Len(t, doc.Jobs, 2)
}

func TestExport_UnknownRoom(t *testing.T) {
	out, err := runCLI(t, "--db", testDB(t), "export", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}

func TestExport_JSONRequiresOutput(t *testing.T) {
	_, err := runCLI(t, "--db", testDB(t), "--format", "json", "export", "wf-1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestRooms_Empty(t *testing.T) {
	out, err := runCLI(t, "--db", testDB(t), "rooms")
	require.NoError(t, err)
	assert.Contains(t, out, "No rooms stored")
}

func TestRooms_Delete(t *testing.T) {
	db := testDB(t)
	_, err := runCLI(t, "--db", db, "import", "testdata/valid.yaml")
	require.NoError(t, err)

	out, err := runCLI(t, "--db", db, "rooms")
	require.NoError(t, err)
	assert.Contains(t, out, "wf-1\t1 updates\tsnapshot at 0")

	out, err = runCLI(t, "--db", db, "rooms", "--delete", "wf-1")
	require.NoError(t, err)
	assert.Contains(t, out, "No rooms stored")
}

// =============================================================================
// connect
// =============================================================================

func TestConnect_OnceTimesOutWithoutServer(t *testing.T) {
	out, err := runCLI(t,
		"--db", testDB(t),
		"connect", "wf-1",
		"--url", "ws://127.0.0.1:1/socket",
		"--once", "--timeout", "100ms",
	)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E006]")
	assert.Contains(t, out, "timed out waiting for sync")
}
