package store

import (
	"time"

	"github.com/lumachat/chatsync/internal/bus"
	"github.com/lumachat/chatsync/internal/chat"
)

// Change-notification event kinds. Payloads are empty; observers
// re-query so every emission reflects committed state.
const (
	kindRooms       = "store.rooms"
	kindMessages    = "store.messages."
	observeEventBuf = 16
)

func (db *DB) notifyRooms() {
	db.bus.Publish(bus.Event{Kind: kindRooms, Timestamp: time.Now()})
}

func (db *DB) notifyMessages(roomID string) {
	db.bus.Publish(bus.Event{Kind: kindMessages + roomID, Timestamp: time.Now()})
}

// ObserveMessages emits the current ordered message list for a room
// after every change. The stream is conflated: a slow reader sees the
// latest state, not every intermediate one.
func (db *DB) ObserveMessages(roomID string) (<-chan []chat.Message, func()) {
	events, unsub := db.bus.Subscribe(kindMessages+roomID, observeEventBuf)
	out := make(chan []chat.Message, 1)
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-events:
				msgs, err := db.Messages(roomID)
				if err != nil {
					continue
				}
				conflate(out, msgs)
			}
		}
	}()

	return out, func() {
		unsub()
		close(stop)
	}
}

// ObserveRooms emits the ordered room list after every change.
func (db *DB) ObserveRooms() (<-chan []chat.Room, func()) {
	events, unsub := db.bus.Subscribe(kindRooms, observeEventBuf)
	out := make(chan []chat.Room, 1)
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-events:
				rooms, err := db.Rooms()
				if err != nil {
					continue
				}
				conflate(out, rooms)
			}
		}
	}()

	return out, func() {
		unsub()
		close(stop)
	}
}

// conflate replaces a pending unread value so the channel always holds
// the newest snapshot.
func conflate[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
			select {
			case <-ch:
			default:
			}
		}
	}
}
