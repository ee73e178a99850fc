package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/roach88/flowsync/internal/graph"
	"github.com/roach88/flowsync/internal/stores"
	"github.com/roach88/flowsync/internal/workflowyaml"
)

// CheckOptions holds flags for the check command.
type CheckOptions struct {
	*RootOptions
	Watch bool
}

// EdgeProblem is an edge the editor would have refused to create.
type EdgeProblem struct {
	Edge    string `json:"edge"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckResult is the outcome of checking one workflow file.
type CheckResult struct {
	File     string        `json:"file"`
	Workflow string        `json:"workflow,omitempty"`
	Valid    bool          `json:"valid"`
	Error    string        `json:"error,omitempty"`
	Problems []EdgeProblem `json:"problems,omitempty"`
	Cycles   []graph.Cycle `json:"cycles,omitempty"`
}

// String renders the result for text output.
func (r CheckResult) String() string {
	var b strings.Builder
	if r.Valid {
		fmt.Fprintf(&b, "%s: ok", r.File)
		return b.String()
	}
	fmt.Fprintf(&b, "%s: invalid", r.File)
	if r.Error != "" {
		fmt.Fprintf(&b, "\n  %s", r.Error)
	}
	for _, p := range r.Problems {
		fmt.Fprintf(&b, "\n  edge %s: %s", p.Edge, p.Message)
	}
	for _, c := range r.Cycles {
		fmt.Fprintf(&b, "\n  %s", c.Message)
	}
	return b.String()
}

// NewCheckCommand creates the check command.
func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Check a workflow file",
		Long: `Check a workflow YAML file the way the editor would.

Reports records with missing or duplicate ids, edges pointing at unknown
steps, edges the editor refuses (self connections, edges into triggers,
duplicates) and cycles.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "re-check whenever the file changes")

	return cmd
}

func runCheck(cmd *cobra.Command, opts *CheckOptions, path string) error {
	out := newPrinter(opts.RootOptions, cmd)

	result := checkFile(path)
	if err := reportCheck(out, result); err != nil && !opts.Watch {
		return err
	}
	if !opts.Watch {
		return nil
	}
	return watchFile(cmd.Context(), path, func() {
		_ = reportCheck(out, checkFile(path))
	})
}

func reportCheck(out *Printer, result CheckResult) error {
	if result.Valid {
		return out.Result(result)
	}
	if out.JSON {
		_ = out.Problem(ErrCodeInvalidWorkflow, "workflow is invalid", result)
	} else {
		fmt.Fprintln(out.Out, result)
	}
	return WrapExitError(ExitFailure, "workflow is invalid", nil)
}

// checkFile loads and checks path. Edges without an id in the file are
// reported under a generated one.
func checkFile(path string) CheckResult {
	result := CheckResult{File: path}
	doc, err := workflowyaml.ReadFile(path, stores.UUIDv7Generator{})
	if err != nil {
		result.Error = err.Error()
		return result
	}
	return checkDocument(path, doc)
}

// checkDocument validates d and replays its edges in file order against
// the editor's connection rules.
func checkDocument(path string, d stores.WorkflowDocument) CheckResult {
	result := CheckResult{File: path, Workflow: d.Workflow.Name}
	if err := d.Validate(); err != nil {
		result.Error = err.Error()
		return result
	}

	full := d.Graph()
	g := graph.Graph{Nodes: full.Nodes}
	for _, e := range full.Edges {
		if err := graph.ValidateNewEdge(g, e.Source, e.Target); err != nil {
			var de *graph.DropError
			if errors.As(err, &de) && de.Code != graph.ErrCodeCircular {
				result.Problems = append(result.Problems, EdgeProblem{
					Edge:    e.ID,
					Code:    string(de.Code),
					Message: de.Message,
				})
			}
		}
		g.Edges = append(g.Edges, e)
	}

	if cycles := graph.FindCycles(full); len(cycles) > 0 {
		result.Cycles = cycles
	}
	result.Valid = len(result.Problems) == 0 && len(result.Cycles) == 0
	return result
}

// watchFile calls onChange after every write to path until ctx is done.
// The parent directory is watched so editors that replace the file on save
// keep being followed.
func watchFile(ctx context.Context, path string, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch file", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to watch file", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return WrapExitError(ExitCommandError, "failed to watch file", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				onChange()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return WrapExitError(ExitCommandError, "file watcher failed", err)
		}
	}
}
