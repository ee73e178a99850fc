package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/flowsync/internal/store"
)

// RoomsResult lists the rooms kept offline.
type RoomsResult struct {
	Rooms []RoomSummary `json:"rooms"`
}

// RoomSummary describes one stored room.
type RoomSummary struct {
	ID          string `json:"id"`
	Updates     int    `json:"updates"`
	SnapshotSeq int64  `json:"snapshot_seq"`
}

// String renders the list for text output.
func (r RoomsResult) String() string {
	if len(r.Rooms) == 0 {
		return "No rooms stored"
	}
	var b strings.Builder
	for i, room := range r.Rooms {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s\t%d updates\tsnapshot at %d", room.ID, room.Updates, room.SnapshotSeq)
	}
	return b.String()
}

// NewRoomsCommand creates the rooms command.
func NewRoomsCommand(rootOpts *RootOptions) *cobra.Command {
	var remove string

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List rooms kept in the offline store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := newPrinter(rootOpts, cmd)
			ctx := cmd.Context()

			db, err := store.Open(rootOpts.DB)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
			}
			defer db.Close()

			if remove != "" {
				if err := db.DeleteRoom(ctx, remove); err != nil {
					return out.Fail(ExitCommandError, ErrCodeStore, "failed to delete room", err)
				}
				out.Logf("Deleted room %s", remove)
			}

			infos, err := db.Rooms(ctx)
			if err != nil {
				return out.Fail(ExitCommandError, ErrCodeStore, "failed to list rooms", err)
			}
			result := RoomsResult{Rooms: make([]RoomSummary, 0, len(infos))}
			for _, info := range infos {
				result.Rooms = append(result.Rooms, RoomSummary{
					ID:          info.ID,
					Updates:     info.Updates,
					SnapshotSeq: info.SnapshotSeq,
				})
			}
			return out.Result(result)
		},
	}

	cmd.Flags().StringVar(&remove, "delete", "", "delete a room before listing")

	return cmd
}
