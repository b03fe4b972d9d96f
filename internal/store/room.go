package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lumachat/chatsync/internal/chat"
)

// UpsertRoom inserts or updates a room record. The denormalized last
// message only ever moves forward (MAX on last_message_at) so replaying
// an old page never rewinds the room list.
func (db *DB) UpsertRoom(r *chat.Room) error {
	now := time.Now().UnixMilli()
	parts, err := json.Marshal(r.Participants)
	if err != nil {
		return err
	}
	createdAt := r.CreatedAt
	if createdAt == 0 {
		createdAt = now
	}
	_, err = db.Exec(`
		INSERT INTO rooms (id, participants, last_message_at, last_message_preview, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			participants = excluded.participants,
			last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
			last_message_preview = CASE
				WHEN excluded.last_message_at > rooms.last_message_at THEN excluded.last_message_preview
				ELSE rooms.last_message_preview END,
			updated_at = excluded.updated_at`,
		r.ID, string(parts), r.LastMessageAt, r.LastMessagePreview, createdAt, now)
	if err != nil {
		return err
	}
	db.notifyRooms()
	return nil
}

// Rooms returns all rooms ordered by last message time, descending.
func (db *DB) Rooms() ([]chat.Room, error) {
	rows, err := db.Query(`
		SELECT id, participants, last_message_at, last_message_preview, created_at, updated_at
		FROM rooms
		ORDER BY last_message_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []chat.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// Room returns a single room by id, nil if absent.
func (db *DB) Room(id string) (*chat.Room, error) {
	row := db.QueryRow(`
		SELECT id, participants, last_message_at, last_message_preview, created_at, updated_at
		FROM rooms WHERE id = ?`, id)
	r, err := scanRoom(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRoom removes a room, its messages and its sync cursor. This is
// the leave operation; nothing else ever deletes cached data.
func (db *DB) DeleteRoom(roomID string) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM messages WHERE room_id = ?`,
		`DELETE FROM sync_state WHERE room_id = ?`,
		`DELETE FROM rooms WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, roomID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	db.notifyRooms()
	db.notifyMessages(roomID)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (chat.Room, error) {
	var r chat.Room
	var parts string
	if err := row.Scan(&r.ID, &parts, &r.LastMessageAt, &r.LastMessagePreview, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return chat.Room{}, err
	}
	if err := json.Unmarshal([]byte(parts), &r.Participants); err != nil {
		return chat.Room{}, err
	}
	return r, nil
}
