package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsync/internal/store"
	"github.com/roach88/flowsync/internal/stores"
	"github.com/roach88/flowsync/internal/workflowyaml"
	"github.com/roach88/flowsync/internal/ydoc"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Room string
}

// ImportResult summarizes an import.
type ImportResult struct {
	Room     string `json:"room"`
	Workflow string `json:"workflow"`
	Jobs     int    `json:"jobs"`
	Triggers int    `json:"triggers"`
	Edges    int    `json:"edges"`
}

// String renders the result for text output.
func (r ImportResult) String() string {
	return fmt.Sprintf("Imported %q into room %s (%d jobs, %d triggers, %d edges)",
		r.Workflow, r.Room, r.Jobs, r.Triggers, r.Edges)
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import a workflow file into the offline store",
		Long: `Import a workflow YAML file into a room of the offline store.

The room's stored content is replaced in one change that is synced to the
server the next time the room is opened with connect. The room defaults to
the workflow id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Room, "room", "", "room id (default: the workflow id)")

	return cmd
}

func runImport(cmd *cobra.Command, opts *ImportOptions, path string) error {
	out := newPrinter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	doc, err := workflowyaml.ReadFile(path, stores.UUIDv7Generator{})
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeInvalidFile, "failed to load workflow", err)
	}
	room := opts.Room
	if room == "" {
		room = doc.Workflow.ID
	}

	db, err := store.Open(opts.DB)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer db.Close()

	out.Logf("Importing %s into room %s", path, room)
	err = withRoom(ctx, db, room, opts.Logger, func(ws *stores.WorkflowStore) error {
		return ws.ImportWorkflow(doc)
	})
	if err != nil {
		if stores.IsWorkflowError(err, stores.CodeInvalidRecord) {
			return out.Fail(ExitFailure, ErrCodeInvalidWorkflow, "workflow is invalid", err)
		}
		return out.Fail(ExitCommandError, ErrCodeStore, "failed to import workflow", err)
	}

	return out.Result(ImportResult{
		Room:     room,
		Workflow: doc.Workflow.Name,
		Jobs:     len(doc.Jobs),
		Triggers: len(doc.Triggers),
		Edges:    len(doc.Edges),
	})
}

// withRoom hydrates a document from room, binds a workflow store to it and
// runs fn. Changes fn makes are logged to the store.
func withRoom(ctx context.Context, db *store.Store, room string, logger *slog.Logger, fn func(*stores.WorkflowStore) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	doc := ydoc.New()
	defer doc.Destroy()

	binder := store.NewBinder(db, store.WithLogger(logger))
	unbind, err := binder.Bind(ctx, room, doc)
	if err != nil {
		return err
	}
	defer unbind()

	ws := stores.NewWorkflowStore(stores.WithLogger(logger))
	release := ws.Bind(doc)
	defer release()

	return fn(ws)
}
