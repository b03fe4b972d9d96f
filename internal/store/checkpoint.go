package store

import (
	"database/sql"
	"time"
)

// Checkpoint returns the sync cursor for a room, "" if none recorded.
func (db *DB) Checkpoint(roomID string) (string, error) {
	var cursor string
	err := db.QueryRow(`SELECT cursor FROM sync_state WHERE room_id = ?`, roomID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cursor, nil
}

// SetCheckpoint records a sync cursor. Cursors are decimal millisecond
// timestamps; the stored value never regresses, so replaying an old
// page cannot move the resume point backwards.
func (db *DB) SetCheckpoint(roomID, cursor string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO sync_state (room_id, cursor, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			cursor = CASE
				WHEN CAST(excluded.cursor AS INTEGER) > CAST(sync_state.cursor AS INTEGER) THEN excluded.cursor
				ELSE sync_state.cursor END,
			updated_at = excluded.updated_at`,
		roomID, cursor, now)
	return err
}
