// Package gateway is the REST client for the chat backend: rooms,
// history pages, sends and uploads. Every failure it returns carries a
// chat.Kind; callers never inspect HTTP status codes or error text.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/config"
)

// Client talks to the chat REST API.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenProvider
	upload config.UploadConfig
	logger *zap.Logger
}

// New creates a gateway client. A nil logger is replaced with a no-op.
func New(api config.APIConfig, upload config.UploadConfig, tokens TokenProvider, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(api.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: 15 * time.Second},
		tokens: tokens,
		upload: upload,
		logger: logger,
	}, nil
}

// Wire representations. Timestamps are Unix milliseconds.
type roomDTO struct {
	RoomID       string      `json:"roomId"`
	Participants []string    `json:"participants"`
	LastMessage  *messageDTO `json:"lastMessage"`
	CreatedAt    int64       `json:"createdAt"`
	UpdatedAt    int64       `json:"updatedAt"`
}

type messageDTO struct {
	ChatID      string       `json:"chatId"`
	RoomID      string       `json:"roomId"`
	SenderID    string       `json:"senderId"`
	Content     string       `json:"content"`
	Attachments []fileRefDTO `json:"attachments"`
	CreatedAt   int64        `json:"createdAt"`
	UpdatedAt   int64        `json:"updatedAt"`
}

type fileRefDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

func (d roomDTO) toDomain() chat.Room {
	r := chat.Room{
		ID:           d.RoomID,
		Participants: d.Participants,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.LastMessage != nil {
		r.LastMessageAt = d.LastMessage.CreatedAt
		r.LastMessagePreview = d.LastMessage.toDomain().Preview()
	}
	return r
}

func (d messageDTO) toDomain() chat.Message {
	m := chat.Message{
		ChatID:    d.ChatID,
		RoomID:    d.RoomID,
		SenderID:  d.SenderID,
		Content:   d.Content,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, a := range d.Attachments {
		m.Attachments = append(m.Attachments, chat.FileRef(a))
	}
	return m
}

// ParseMessage decodes a wire message payload into the domain form. The
// transport reuses it for realtime frames so both paths agree on shape.
func ParseMessage(data []byte) (chat.Message, error) {
	var d messageDTO
	if err := json.Unmarshal(data, &d); err != nil {
		return chat.Message{}, fmt.Errorf("decode message payload: %w", err)
	}
	if d.ChatID == "" || d.RoomID == "" {
		return chat.Message{}, fmt.Errorf("message payload missing chatId/roomId")
	}
	return d.toDomain(), nil
}

// CreateOrGetRoom returns the room shared with opponentID, creating it
// on first use.
func (c *Client) CreateOrGetRoom(ctx context.Context, opponentID string) (chat.Room, error) {
	const op = "gateway.create_or_get_room"
	if opponentID == "" {
		return chat.Room{}, chat.NewError(chat.KindValidation, op, "opponent id is required", nil)
	}
	req := map[string]string{"opponentId": opponentID}
	var out roomDTO
	if err := c.do(ctx, op, http.MethodPost, "/rooms", req, &out); err != nil {
		return chat.Room{}, err
	}
	return out.toDomain(), nil
}

// ListRooms returns all rooms for the current user.
func (c *Client) ListRooms(ctx context.Context) ([]chat.Room, error) {
	const op = "gateway.list_rooms"
	var out struct {
		Rooms []roomDTO `json:"rooms"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/rooms", nil, &out); err != nil {
		return nil, err
	}
	rooms := make([]chat.Room, 0, len(out.Rooms))
	for _, d := range out.Rooms {
		rooms = append(rooms, d.toDomain())
	}
	return rooms, nil
}

// FetchHistory returns one history page for a room starting after the
// opaque cursor ("" for the beginning).
func (c *Client) FetchHistory(ctx context.Context, roomID, cursor string) ([]chat.Message, error) {
	const op = "gateway.fetch_history"
	path := fmt.Sprintf("/rooms/%s/history", url.PathEscape(roomID))
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var out struct {
		Messages []messageDTO `json:"messages"`
	}
	if err := c.do(ctx, op, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	msgs := make([]chat.Message, 0, len(out.Messages))
	for _, d := range out.Messages {
		msgs = append(msgs, d.toDomain())
	}
	return msgs, nil
}

// SendMessage posts a message and returns the server-confirmed record.
// Each call carries a fresh client reference so a retry after failure is
// a new logical send, never a replay.
func (c *Client) SendMessage(ctx context.Context, roomID, content string, refs []chat.FileRef) (chat.Message, error) {
	const op = "gateway.send_message"
	if content == "" && len(refs) == 0 {
		return chat.Message{}, chat.NewError(chat.KindValidation, op, "message has no content or attachments", nil)
	}
	var atts []fileRefDTO
	for _, r := range refs {
		atts = append(atts, fileRefDTO(r))
	}
	req := struct {
		ClientRef   string       `json:"clientRef"`
		SenderID    string       `json:"senderId"`
		Content     string       `json:"content"`
		Attachments []fileRefDTO `json:"attachments,omitempty"`
	}{
		ClientRef:   uuid.NewString(),
		SenderID:    c.tokens.UserID(),
		Content:     content,
		Attachments: atts,
	}
	var out messageDTO
	path := fmt.Sprintf("/rooms/%s/messages", url.PathEscape(roomID))
	if err := c.do(ctx, op, http.MethodPost, path, req, &out); err != nil {
		return chat.Message{}, err
	}
	return out.toDomain(), nil
}

// LeaveRoom removes the current user from a room.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	const op = "gateway.leave_room"
	path := fmt.Sprintf("/rooms/%s", url.PathEscape(roomID))
	return c.do(ctx, op, http.MethodDelete, path, nil, nil)
}

// do issues one authenticated JSON request and decodes the response into
// out (ignored when nil). Failures come back classified; nothing here
// retries.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return chat.NewError(chat.KindUnknown, op, "encode request", err)
		}
		reader = bytes.NewReader(data)
	}

	ref, err := url.Parse(path)
	if err != nil {
		return chat.NewError(chat.KindUnknown, op, "build url", err)
	}
	u := c.base.ResolveReference(ref)

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return chat.NewError(chat.KindUnknown, op, "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.tokens.Token())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return chat.NewError(chat.KindTransientNetwork, op, "request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return c.classify(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return chat.NewError(chat.KindUnknown, op, "decode response", err)
	}
	return nil
}

// classify maps an HTTP failure status onto the closed error taxonomy.
func (c *Client) classify(op string, resp *http.Response) error {
	var body struct {
		Message string `json:"message"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)

	kind := chat.KindUnknown
	msg := body.Message
	switch {
	case resp.StatusCode == http.StatusBadRequest:
		kind = chat.KindValidation
	case resp.StatusCode == http.StatusUnauthorized:
		kind = chat.KindAuthExpired
		msg = "re-authentication required"
	case resp.StatusCode == http.StatusForbidden:
		kind = chat.KindForbidden
	case resp.StatusCode == http.StatusNotFound:
		kind = chat.KindNotFound
	case resp.StatusCode >= 500:
		kind = chat.KindTransientNetwork
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	c.logger.Warn("request rejected",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.String("kind", kind.String()))
	return chat.NewError(kind, op, msg, nil)
}
