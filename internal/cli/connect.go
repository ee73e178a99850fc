package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowsync/internal/editor"
	"github.com/roach88/flowsync/internal/session"
	"github.com/roach88/flowsync/internal/store"
	"github.com/roach88/flowsync/internal/transport/phoenix"
)

// ConnectOptions holds flags for the connect command.
type ConnectOptions struct {
	*RootOptions
	URL      string
	Token    string
	UserID   string
	UserName string
	Once     bool
	Timeout  time.Duration
}

// ConnectResult summarizes a room after a connect session.
type ConnectResult struct {
	Room     string         `json:"room"`
	Status   session.Status `json:"status"`
	Workflow string         `json:"workflow"`
	Jobs     int            `json:"jobs"`
	Triggers int            `json:"triggers"`
	Edges    int            `json:"edges"`
	Peers    []string       `json:"peers"`
}

// String renders the result for text output.
func (r ConnectResult) String() string {
	return fmt.Sprintf("Room %s (%s): %q, %d jobs, %d triggers, %d edges, %d peers",
		r.Room, r.Status, r.Workflow, r.Jobs, r.Triggers, r.Edges, len(r.Peers))
}

// NewConnectCommand creates the connect command.
func NewConnectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ConnectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "connect <room>",
		Short: "Join a room and keep it synced with the offline store",
		Long: `Join a collaborative workflow room over a Phoenix socket.

Updates stored offline for the room are loaded first and sent to the server
on sync; updates from other peers are written to the offline store. Runs
until interrupted, or until the first sync with --once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.URL, "url", "ws://localhost:4000/socket", "socket endpoint")
	cmd.Flags().StringVar(&opts.Token, "token", "", "user token sent with the socket connection")
	cmd.Flags().StringVar(&opts.UserID, "user-id", "", "local user id shown to peers")
	cmd.Flags().StringVar(&opts.UserName, "user-name", "flowsync", "local user name shown to peers")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "exit after the first sync")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long --once waits for the sync")

	return cmd
}

func runConnect(cmd *cobra.Command, opts *ConnectOptions, room string) error {
	out := newPrinter(opts.RootOptions, cmd)
	logger := opts.Logger

	db, err := store.Open(opts.DB)
	if err != nil {
		return out.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	socketOpts := []phoenix.Option{phoenix.WithLogger(logger)}
	if opts.Token != "" {
		socketOpts = append(socketOpts, phoenix.WithParams(map[string]string{"token": opts.Token}))
	}
	socket := phoenix.NewSocket(opts.URL, socketOpts...)

	reg := editor.New(
		editor.WithLogger(logger),
		editor.WithSessionOptions(session.WithPersistence(store.NewBinder(db, store.WithLogger(logger)))),
	)
	defer reg.Close()

	synced := make(chan struct{})
	var syncedOnce sync.Once
	last := session.StatusIdle
	var statusMu sync.Mutex
	unsubscribe := reg.Session.Subscribe(func() {
		status := reg.Session.Status()
		statusMu.Lock()
		changed := status != last
		last = status
		statusMu.Unlock()
		if !changed {
			return
		}
		out.Logf("Session %s", status)
		logger.Info("session status", "room", room, "status", status)
		if status == session.StatusSynced {
			syncedOnce.Do(func() { close(synced) })
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := socket.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	user := &session.LocalUser{ID: opts.UserID, Name: opts.UserName}
	if _, _, err := reg.Session.InitializeSession(socket, room, user, session.ProviderOptions{}); err != nil {
		cancel()
		_ = g.Wait()
		return out.Fail(ExitCommandError, ErrCodeConnection, "failed to join room", err)
	}

	var (
		timedOut bool
		result   *ConnectResult
	)
	if opts.Once {
		g.Go(func() error {
			timer := time.NewTimer(opts.Timeout)
			defer timer.Stop()
			select {
			case <-synced:
				r := connectResult(reg, room)
				result = &r
			case <-timer.C:
				timedOut = true
			case <-gctx.Done():
			}
			cancel()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return out.Fail(ExitCommandError, ErrCodeConnection, "connection failed", err)
	}
	if timedOut {
		return out.Fail(ExitCommandError, ErrCodeConnection, "timed out waiting for sync", nil)
	}
	if result == nil {
		r := connectResult(reg, room)
		result = &r
	}
	return out.Result(*result)
}

func connectResult(reg *editor.Registry, room string) ConnectResult {
	wf := reg.Workflow.Snapshot()
	result := ConnectResult{
		Room:     room,
		Status:   reg.Session.Status(),
		Workflow: wf.Workflow.Name,
		Jobs:     len(wf.Jobs),
		Triggers: len(wf.Triggers),
		Edges:    len(wf.Edges),
		Peers:    []string{},
	}
	for _, u := range reg.Awareness.Snapshot().Users {
		result.Peers = append(result.Peers, u.User.Name)
	}
	return result
}
