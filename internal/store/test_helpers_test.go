package store

import (
	"path/filepath"
	"testing"

	"github.com/roach88/flowsync/internal/ydoc"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// addJob commits one job record to doc.
func addJob(t *testing.T, doc *ydoc.Doc, id string) {
	t.Helper()
	err := doc.Transact(nil, func(tx *ydoc.Tx) error {
		tx.Push(tx.Array("jobs"), ydoc.Record{"id": id, "name": "Job " + id, "body": ydoc.NewText("fn()")})
		return nil
	})
	if err != nil {
		t.Fatalf("Transact() failed: %v", err)
	}
}

// jobIDs returns the ids of the jobs in doc, in order.
func jobIDs(doc *ydoc.Doc) []string {
	var ids []string
	doc.View(func(tx *ydoc.Tx) {
		for _, m := range tx.Records(tx.Array("jobs")) {
			ids = append(ids, tx.GetString(m, "id"))
		}
	})
	return ids
}
