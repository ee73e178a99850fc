package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/roach88/flowsync/internal/ydoc"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	for _, table := range []string{"updates", "snapshots"} {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := createTestStore(t)

	if err := s.verifyPragma("journal_mode", "wal"); err != nil {
		t.Error(err)
	}
	if err := s.verifyPragma("user_version", "1"); err != nil {
		t.Error(err)
	}
}

func TestOpen_BusyTimeout(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), WithBusyTimeout(250*time.Millisecond))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if err := s.verifyPragma("busy_timeout", "250"); err != nil {
		t.Error(err)
	}
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file was not created: %v", err)
	}
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 99"); err != nil {
		t.Fatalf("set user_version: %v", err)
	}
	s.Close()

	if _, err := Open(path); err == nil {
		t.Fatal("Open() accepted a database from a newer version")
	}
}

func TestCompress_RoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("jobs edges triggers "), 64)
	compressed := compress(data)
	if len(compressed) >= len(data) {
		t.Errorf("compressed size %d not smaller than %d", len(compressed), len(data))
	}
	got, err := decompress(compressed)
	if err != nil {
		t.Fatalf("decompress() failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip changed the data")
	}
}

// =============================================================================
// Log and snapshots
// =============================================================================

func TestAppendUpdate_SequencesPerRoom(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, want := range []int64{1, 2, 3} {
		seq, err := s.AppendUpdate(ctx, "room-a", []byte{byte(i)})
		if err != nil {
			t.Fatalf("AppendUpdate() failed: %v", err)
		}
		if seq != want {
			t.Errorf("seq = %d, want %d", seq, want)
		}
	}
	seq, err := s.AppendUpdate(ctx, "room-b", []byte{9})
	if err != nil {
		t.Fatalf("AppendUpdate() failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("room-b seq = %d, want 1", seq)
	}

	room, err := s.LoadRoom(ctx, "room-a")
	if err != nil {
		t.Fatalf("LoadRoom() failed: %v", err)
	}
	want := [][]byte{{0}, {1}, {2}}
	if !slices.EqualFunc(room.Updates, want, bytes.Equal) {
		t.Errorf("updates = %v, want %v", room.Updates, want)
	}
	if room.LastSeq != 3 {
		t.Errorf("LastSeq = %d, want 3", room.LastSeq)
	}
}

func TestLoadRoom_Unknown(t *testing.T) {
	s := createTestStore(t)

	room, err := s.LoadRoom(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadRoom() failed: %v", err)
	}
	if !room.IsEmpty() {
		t.Errorf("unknown room not empty: %+v", room)
	}
	if room.Updates == nil {
		t.Error("Updates should be an empty slice, not nil")
	}
}

func TestWriteSnapshot_TrimsLog(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.AppendUpdate(ctx, "room", []byte{byte(i)}); err != nil {
			t.Fatalf("AppendUpdate() failed: %v", err)
		}
	}
	if err := s.WriteSnapshot(ctx, "room", []byte("state"), []byte("sv"), 2); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}

	room, err := s.LoadRoom(ctx, "room")
	if err != nil {
		t.Fatalf("LoadRoom() failed: %v", err)
	}
	if string(room.Snapshot) != "state" || room.SnapshotSeq != 2 {
		t.Errorf("snapshot = %q@%d, want state@2", room.Snapshot, room.SnapshotSeq)
	}
	if len(room.Updates) != 1 || room.Updates[0][0] != 2 {
		t.Errorf("updates after snapshot = %v, want [[2]]", room.Updates)
	}

	// Sequence numbers keep increasing after compaction.
	if err := s.WriteSnapshot(ctx, "room", []byte("state2"), []byte("sv"), 3); err != nil {
		t.Fatalf("WriteSnapshot() failed: %v", err)
	}
	seq, err := s.AppendUpdate(ctx, "room", []byte{7})
	if err != nil {
		t.Fatalf("AppendUpdate() failed: %v", err)
	}
	if seq != 4 {
		t.Errorf("seq after full compaction = %d, want 4", seq)
	}
}

func TestRoomsAndDeleteRoom(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	if _, err := s.AppendUpdate(ctx, "b", []byte{1}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendUpdate(ctx, "a", []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.WriteSnapshot(ctx, "a", []byte("s"), []byte("v"), 1); err != nil {
		t.Fatal(err)
	}

	rooms, err := s.Rooms(ctx)
	if err != nil {
		t.Fatalf("Rooms() failed: %v", err)
	}
	want := []RoomInfo{{ID: "a", Updates: 0, SnapshotSeq: 1}, {ID: "b", Updates: 1}}
	if !slices.Equal(rooms, want) {
		t.Errorf("Rooms() = %+v, want %+v", rooms, want)
	}

	if err := s.DeleteRoom(ctx, "a"); err != nil {
		t.Fatalf("DeleteRoom() failed: %v", err)
	}
	rooms, err = s.Rooms(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].ID != "b" {
		t.Errorf("Rooms() after delete = %+v", rooms)
	}
}

// =============================================================================
// Binder
// =============================================================================

func TestBinder_PersistsAndHydrates(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	b := NewBinder(s, WithCompactEvery(0))

	doc := ydoc.New(ydoc.WithClientID(1))
	unbind, err := b.Bind(ctx, "room", doc)
	if err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	addJob(t, doc, "a")
	addJob(t, doc, "b")
	unbind()
	unbind()
	addJob(t, doc, "not-persisted")

	fresh := ydoc.New(ydoc.WithClientID(2))
	if _, err := b.Bind(ctx, "room", fresh); err != nil {
		t.Fatalf("Bind() failed: %v", err)
	}
	if got := jobIDs(fresh); !slices.Equal(got, []string{"a", "b"}) {
		t.Errorf("hydrated jobs = %v, want [a b]", got)
	}
}

func TestBinder_HydrationIsNotLoggedAgain(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	b := NewBinder(s, WithCompactEvery(0))

	doc := ydoc.New(ydoc.WithClientID(1))
	if _, err := b.Bind(ctx, "room", doc); err != nil {
		t.Fatal(err)
	}
	addJob(t, doc, "a")

	if _, err := b.Bind(ctx, "room", ydoc.New(ydoc.WithClientID(2))); err != nil {
		t.Fatal(err)
	}
	room, err := s.LoadRoom(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	if len(room.Updates) != 1 {
		t.Errorf("logged updates = %d, want 1", len(room.Updates))
	}
}

func TestBinder_Compacts(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	b := NewBinder(s, WithCompactEvery(2))

	doc := ydoc.New(ydoc.WithClientID(1))
	if _, err := b.Bind(ctx, "room", doc); err != nil {
		t.Fatal(err)
	}
	addJob(t, doc, "a")
	addJob(t, doc, "b")
	addJob(t, doc, "c")

	room, err := s.LoadRoom(ctx, "room")
	if err != nil {
		t.Fatal(err)
	}
	if room.Snapshot == nil || room.SnapshotSeq != 2 {
		t.Fatalf("snapshot seq = %d, want 2", room.SnapshotSeq)
	}
	if len(room.Updates) != 1 {
		t.Errorf("updates after snapshot = %d, want 1", len(room.Updates))
	}

	fresh := ydoc.New(ydoc.WithClientID(2))
	if _, err := b.Bind(ctx, "room", fresh); err != nil {
		t.Fatal(err)
	}
	if got := jobIDs(fresh); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("hydrated jobs = %v, want [a b c]", got)
	}
}
