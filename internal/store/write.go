package store

import (
	"context"
	"database/sql"
	"fmt"
)

// AppendUpdate adds an encoded document update to the log of roomID and
// returns its sequence number. Sequence numbers start at 1 and keep
// increasing across compactions.
func (s *Store) AppendUpdate(ctx context.Context, roomID string, update []byte) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, roomID)
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO updates (room_id, seq, data)
		VALUES (?, ?, ?)
	`, roomID, seq, compress(update))
	if err != nil {
		return 0, fmt.Errorf("append update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("append update: commit: %w", err)
	}
	return seq, nil
}

// nextSeq returns the sequence number after the highest one used by the
// room's log or snapshot.
func nextSeq(ctx context.Context, tx *sql.Tx, roomID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(
			COALESCE((SELECT MAX(seq) FROM updates WHERE room_id = ?), 0),
			COALESCE((SELECT seq FROM snapshots WHERE room_id = ?), 0)
		)
	`, roomID, roomID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq + 1, nil
}

// WriteSnapshot stores state as the snapshot of roomID covering every
// update up to and including throughSeq, and deletes those updates. Both
// happen in one database transaction.
func (s *Store) WriteSnapshot(ctx context.Context, roomID string, state, stateVector []byte, throughSeq int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (room_id, seq, data, state_vector)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			seq = excluded.seq,
			data = excluded.data,
			state_vector = excluded.state_vector
	`, roomID, throughSeq, compress(state), stateVector)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM updates WHERE room_id = ? AND seq <= ?
	`, roomID, throughSeq)
	if err != nil {
		return fmt.Errorf("write snapshot: trim log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write snapshot: commit: %w", err)
	}
	return nil
}

// DeleteRoom removes everything stored for roomID.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"updates", "snapshots"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE room_id = ?", roomID); err != nil {
			return fmt.Errorf("delete room: %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete room: commit: %w", err)
	}
	return nil
}
