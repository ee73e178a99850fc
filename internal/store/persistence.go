package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/flowsync/internal/ydoc"
)

// DefaultCompactEvery is how many logged updates trigger a compaction.
const DefaultCompactEvery = 200

// Binder keeps documents in sync with the store. It satisfies the session
// persistence contract.
type Binder struct {
	store        *Store
	logger       *slog.Logger
	compactEvery int
}

// BinderOption configures a Binder.
type BinderOption func(*Binder)

// WithCompactEvery sets how many logged updates trigger a compaction.
// Zero or negative disables automatic compaction.
func WithCompactEvery(n int) BinderOption {
	return func(b *Binder) {
		b.compactEvery = n
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) BinderOption {
	return func(b *Binder) {
		b.logger = l
	}
}

// NewBinder creates a Binder writing to s.
func NewBinder(s *Store, opts ...BinderOption) *Binder {
	b := &Binder{store: s, compactEvery: DefaultCompactEvery}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Bind hydrates doc from what is stored for roomID and then logs every
// update committed to doc until the returned function is called.
func (b *Binder) Bind(ctx context.Context, roomID string, doc *ydoc.Doc) (unbind func(), err error) {
	room, err := b.store.LoadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	r := &roomBinding{
		binder: b,
		ctx:    context.WithoutCancel(ctx),
		roomID: roomID,
		doc:    doc,
		logged: len(room.Updates),
	}
	if room.Snapshot != nil {
		if err := doc.ApplyUpdate(room.Snapshot, r); err != nil {
			return nil, fmt.Errorf("hydrate room %s: snapshot: %w", roomID, err)
		}
	}
	for i, u := range room.Updates {
		if err := doc.ApplyUpdate(u, r); err != nil {
			return nil, fmt.Errorf("hydrate room %s: update %d: %w", roomID, i, err)
		}
	}
	b.logger.Info("room hydrated",
		"room", roomID,
		"snapshot_seq", room.SnapshotSeq,
		"updates", len(room.Updates))

	cancel := doc.OnUpdate(r.record)
	return sync.OnceFunc(cancel), nil
}

// Compact folds the current state of doc into the snapshot of roomID.
func (b *Binder) Compact(ctx context.Context, roomID string, doc *ydoc.Doc, throughSeq int64) error {
	state, err := doc.EncodeStateAsUpdate(nil)
	if err != nil {
		return fmt.Errorf("compact room %s: %w", roomID, err)
	}
	vector, err := doc.EncodeStateVector()
	if err != nil {
		return fmt.Errorf("compact room %s: %w", roomID, err)
	}
	return b.store.WriteSnapshot(ctx, roomID, state, vector, throughSeq)
}

type roomBinding struct {
	binder *Binder
	ctx    context.Context
	roomID string
	doc    *ydoc.Doc

	mu     sync.Mutex
	logged int
}

func (r *roomBinding) record(u ydoc.Update, origin any) {
	if origin == r {
		return
	}
	log := r.binder.logger

	data, err := u.Encode()
	if err != nil {
		log.Error("encode update failed", "room", r.roomID, "error", err)
		return
	}
	seq, err := r.binder.store.AppendUpdate(r.ctx, r.roomID, data)
	if err != nil {
		log.Error("persist update failed", "room", r.roomID, "error", err)
		return
	}

	r.mu.Lock()
	r.logged++
	due := r.binder.compactEvery > 0 && r.logged >= r.binder.compactEvery
	if due {
		r.logged = 0
	}
	r.mu.Unlock()

	if due {
		if err := r.binder.Compact(r.ctx, r.roomID, r.doc, seq); err != nil {
			log.Error("compaction failed", "room", r.roomID, "error", err)
			return
		}
		log.Debug("room compacted", "room", r.roomID, "through_seq", seq)
	}
}
