// Package chat holds the domain model shared by the cache, the gateway
// and the realtime transport, plus the error taxonomy every remote
// failure is folded into. Timestamps are Unix milliseconds everywhere.
package chat

import "sort"

// previewLen bounds the denormalized room-list preview.
const previewLen = 100

// Room is a conversation between the current user and one or more
// opponents. LastMessageAt and LastMessagePreview are denormalized for
// the room list and only ever move forward.
type Room struct {
	ID                 string
	Participants       []string
	LastMessageAt      int64
	LastMessagePreview string
	CreatedAt          int64
	UpdatedAt          int64
}

// FileRef points at an uploaded attachment. The blob itself lives on
// the server; the ref travels inside messages.
type FileRef struct {
	ID   string
	Name string
	Size int64
	URL  string
}

// Message is one chat message. ChatID is the server-assigned identity;
// it is the dedup key across every delivery path.
type Message struct {
	ChatID      string
	RoomID      string
	SenderID    string
	Content     string
	Attachments []FileRef
	CreatedAt   int64
	UpdatedAt   int64
}

// Before reports the canonical ordering: CreatedAt ascending, ChatID as
// a stable tie-break so equal timestamps never flap between reloads.
func (m Message) Before(other Message) bool {
	if m.CreatedAt != other.CreatedAt {
		return m.CreatedAt < other.CreatedAt
	}
	return m.ChatID < other.ChatID
}

// Preview returns the content truncated for the room list.
func (m Message) Preview() string {
	if len(m.Content) <= previewLen {
		return m.Content
	}
	return m.Content[:previewLen]
}

// SortMessages sorts in place into canonical order.
func SortMessages(msgs []Message) {
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].Before(msgs[j]) })
}
