package cli

import (
	"bytes"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsync/internal/store"
	"github.com/roach88/flowsync/internal/stores"
	"github.com/roach88/flowsync/internal/workflowyaml"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
}

// ExportResult describes a written export file.
type ExportResult struct {
	Room string `json:"room"`
	File string `json:"file"`
}

// String renders the result for text output.
func (r ExportResult) String() string {
	return fmt.Sprintf("Exported room %s to %s", r.Room, r.File)
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <room>",
		Short: "Export a room of the offline store as YAML",
		Long: `Export the workflow stored offline for a room as YAML.

The YAML goes to stdout unless --output names a file. With --format json
the workflow is written to the file and a summary is printed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write to file instead of stdout")

	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions, room string) error {
	out := newPrinter(opts.RootOptions, cmd)
	ctx := cmd.Context()

	if opts.Format == "json" && opts.Output == "" {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "--output is required with --format json", nil)
	}

	db, err := store.Open(opts.DB)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer db.Close()

	stored, err := db.LoadRoom(ctx, room)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "failed to load room", err)
	}
	if stored.IsEmpty() {
		return out.Fail(ExitCommandError, ErrCodeRoomNotFound, fmt.Sprintf("room %q not found", room), nil)
	}

	var doc stores.WorkflowDocument
	err = withRoom(ctx, db, room, opts.Logger, func(ws *stores.WorkflowStore) error {
		doc = ws.Export()
		return nil
	})
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "failed to load room", err)
	}

	if opts.Output != "" {
		if err := workflowyaml.WriteFile(opts.Output, doc); err != nil {
			return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to write export", err)
		}
		return out.Result(ExportResult{Room: room, File: opts.Output})
	}

	var buf bytes.Buffer
	if err := workflowyaml.Encode(&buf, doc); err != nil {
		return out.Fail(ExitCommandError, ErrCodeGeneric, "failed to encode workflow", err)
	}
	_, err = out.Out.Write(buf.Bytes())
	return err
}
