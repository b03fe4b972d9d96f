package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lumachat/chatsync/internal/chat"
)

// UpsertMessages writes a batch of messages in one transaction,
// idempotent on (room_id, chat_id), and folds each message's timestamp
// into its room's denormalized last-message columns. Applying the same
// batch twice leaves the cache unchanged.
func (db *DB) UpsertMessages(msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	rooms := make(map[string]struct{})
	for _, m := range msgs {
		atts, err := json.Marshal(m.Attachments)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO messages (chat_id, room_id, sender_id, content, attachments, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(room_id, chat_id) DO UPDATE SET
				content = excluded.content,
				attachments = excluded.attachments,
				updated_at = excluded.updated_at`,
			m.ChatID, m.RoomID, m.SenderID, m.Content, string(atts), m.CreatedAt, now); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO rooms (id, last_message_at, last_message_preview, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				last_message_at = MAX(rooms.last_message_at, excluded.last_message_at),
				last_message_preview = CASE
					WHEN excluded.last_message_at > rooms.last_message_at THEN excluded.last_message_preview
					ELSE rooms.last_message_preview END,
				updated_at = excluded.updated_at`,
			m.RoomID, m.CreatedAt, m.Preview(), now, now); err != nil {
			return err
		}
		rooms[m.RoomID] = struct{}{}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for roomID := range rooms {
		db.notifyMessages(roomID)
	}
	db.notifyRooms()
	return nil
}

// Messages returns all cached messages for a room in canonical order:
// created_at ascending, chat_id as tie-break.
func (db *DB) Messages(roomID string) ([]chat.Message, error) {
	rows, err := db.Query(`
		SELECT chat_id, room_id, sender_id, content, attachments, created_at, updated_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at ASC, chat_id ASC`, roomID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Latest returns the newest cached message in a room, nil if the room
// is empty. Sync uses it to derive the resume cursor.
func (db *DB) Latest(roomID string) (*chat.Message, error) {
	row := db.QueryRow(`
		SELECT chat_id, room_id, sender_id, content, attachments, created_at, updated_at
		FROM messages
		WHERE room_id = ?
		ORDER BY created_at DESC, chat_id DESC
		LIMIT 1`, roomID)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var m chat.Message
	var atts string
	if err := row.Scan(&m.ChatID, &m.RoomID, &m.SenderID, &m.Content, &atts, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return chat.Message{}, err
	}
	if err := json.Unmarshal([]byte(atts), &m.Attachments); err != nil {
		return chat.Message{}, err
	}
	return m, nil
}
