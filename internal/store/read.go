package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Room is everything stored for one room.
type Room struct {
	ID string

	// Snapshot is the compacted state, nil when the room was never
	// compacted. SnapshotSeq is the last update it covers.
	Snapshot    []byte
	SnapshotSeq int64

	// Updates are the updates logged after the snapshot, in seq order.
	Updates [][]byte

	// LastSeq is the highest sequence number used so far.
	LastSeq int64
}

// IsEmpty reports whether nothing is stored for the room.
func (r Room) IsEmpty() bool {
	return r.Snapshot == nil && len(r.Updates) == 0
}

// LoadRoom returns the snapshot and logged updates of roomID,
// decompressed. An unknown room yields an empty Room.
func (s *Store) LoadRoom(ctx context.Context, roomID string) (Room, error) {
	room := Room{ID: roomID, Updates: [][]byte{}}

	var compressed []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT seq, data FROM snapshots WHERE room_id = ?
	`, roomID).Scan(&room.SnapshotSeq, &compressed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Room{}, fmt.Errorf("load room %s: snapshot: %w", roomID, err)
	default:
		room.Snapshot, err = decompress(compressed)
		if err != nil {
			return Room{}, fmt.Errorf("load room %s: snapshot: %w", roomID, err)
		}
		room.LastSeq = room.SnapshotSeq
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, data FROM updates
		WHERE room_id = ? AND seq > ?
		ORDER BY seq ASC
	`, roomID, room.SnapshotSeq)
	if err != nil {
		return Room{}, fmt.Errorf("load room %s: query updates: %w", roomID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var data []byte
		if err := rows.Scan(&seq, &data); err != nil {
			return Room{}, fmt.Errorf("load room %s: scan update: %w", roomID, err)
		}
		update, err := decompress(data)
		if err != nil {
			return Room{}, fmt.Errorf("load room %s: update %d: %w", roomID, seq, err)
		}
		room.Updates = append(room.Updates, update)
		room.LastSeq = seq
	}
	if err := rows.Err(); err != nil {
		return Room{}, fmt.Errorf("load room %s: iterate updates: %w", roomID, err)
	}

	return room, nil
}

// RoomInfo summarizes a stored room.
type RoomInfo struct {
	ID          string
	Updates     int
	SnapshotSeq int64
}

// Rooms lists every stored room ordered by id.
func (s *Store) Rooms(ctx context.Context) ([]RoomInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.room_id,
			(SELECT COUNT(*) FROM updates u WHERE u.room_id = r.room_id),
			COALESCE((SELECT seq FROM snapshots s WHERE s.room_id = r.room_id), 0)
		FROM (
			SELECT room_id FROM updates
			UNION
			SELECT room_id FROM snapshots
		) r
		ORDER BY r.room_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	rooms := []RoomInfo{}
	for rows.Next() {
		var info RoomInfo
		if err := rows.Scan(&info.ID, &info.Updates, &info.SnapshotSeq); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rooms: %w", err)
	}
	return rooms, nil
}
