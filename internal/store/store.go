// Package store is the local chat cache: an idempotent, reactively
// observable persistence layer for rooms and messages. The rest of the
// core depends on the Store interface only; the SQLite implementation
// lives alongside it.
package store

import "github.com/lumachat/chatsync/internal/chat"

// Store is the local cache contract. Upserts are idempotent keyed on
// chat/room id; observation streams emit the current ordered view after
// every change.
type Store interface {
	UpsertRoom(r *chat.Room) error
	UpsertMessages(msgs []chat.Message) error

	Rooms() ([]chat.Room, error)
	Messages(roomID string) ([]chat.Message, error)
	Latest(roomID string) (*chat.Message, error)
	DeleteRoom(roomID string) error

	// Checkpoint returns the sync cursor for a room, "" if none.
	Checkpoint(roomID string) (string, error)
	// SetCheckpoint advances the cursor; it never regresses.
	SetCheckpoint(roomID, cursor string) error

	// ObserveMessages emits the full ordered message list for a room
	// after every change. The returned func unsubscribes.
	ObserveMessages(roomID string) (<-chan []chat.Message, func())
	// ObserveRooms emits the ordered room list after every change.
	ObserveRooms() (<-chan []chat.Room, func())
}
