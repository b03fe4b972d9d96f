// Package transport owns the realtime channel: one bearer-authenticated
// websocket scoped to a single room, fronted by a connection state
// machine with bounded reconnection.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/bus"
	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/clock"
	"github.com/lumachat/chatsync/internal/gateway"
)

// maxReconnectAttempts bounds automatic reconnection; the delay before
// attempt n is n seconds.
const maxReconnectAttempts = 3

// Socket is the minimal websocket surface the connection consumes.
// *websocket.Conn satisfies it; tests substitute a scripted fake.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Socket. The default wraps gorilla's websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, header http.Header) (Socket, error)
}

type wsDialer struct{}

func (wsDialer) DialContext(ctx context.Context, urlStr string, header http.Header) (Socket, error) {
	d := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := d.DialContext(ctx, urlStr, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// envelope is the wire frame. The server emits a single named "chat"
// event per message, and "error" frames with a machine code.
type envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

// Conn is the process-wide realtime connection. At most one room is
// connected at any time; connecting to a new room tears down the old
// channel first.
type Conn struct {
	socketURL string
	dialer    Dialer
	tokens    gateway.TokenProvider
	clk       clock.Clock
	bus       *bus.Bus
	logger    *zap.Logger
	machine   *Machine

	msgs chan chat.Message

	mu       sync.Mutex
	roomID   string             // room of the active (or connecting) channel
	lastRoom string             // survives disconnects for lifecycle reconnects
	cancel   context.CancelFunc // stops the active connection loop
	done     chan struct{}      // closed when the active loop exits
}

// Option configures a Conn.
type Option func(*Conn)

// WithDialer replaces the websocket dialer, used by tests.
func WithDialer(d Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

// WithClock replaces the reconnect-delay clock.
func WithClock(clk clock.Clock) Option {
	return func(c *Conn) { c.clk = clk }
}

// New creates a realtime connection manager. socketURL is the base
// ws(s) endpoint; rooms are joined at <socketURL>/room/<roomID>.
func New(socketURL string, tokens gateway.TokenProvider, b *bus.Bus, logger *zap.Logger, opts ...Option) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Conn{
		socketURL: socketURL,
		dialer:    wsDialer{},
		tokens:    tokens,
		clk:       clock.System(),
		bus:       b,
		logger:    logger,
		machine:   NewMachine(b),
		msgs:      make(chan chat.Message, 64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Messages is the push stream of parsed inbound messages. Malformed
// payloads never appear here; they are logged and dropped.
func (c *Conn) Messages() <-chan chat.Message { return c.msgs }

// State returns the current connection state.
func (c *Conn) State() State { return c.machine.Current() }

// RoomID returns the room the channel is currently bound to, "" when
// disconnected.
func (c *Conn) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// States subscribes to state transitions.
func (c *Conn) States(buf int) (<-chan bus.Event, func()) {
	return c.bus.Subscribe("transport.state", buf)
}

// Connect binds the channel to a room. Any prior connection is torn
// down first, so two rooms are never connected simultaneously.
func (c *Conn) Connect(ctx context.Context, roomID string) error {
	if roomID == "" {
		return chat.NewError(chat.KindValidation, "transport.connect", "room id is required", nil)
	}

	c.teardown()

	c.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.roomID = roomID
	c.lastRoom = roomID
	c.mu.Unlock()

	if err := c.machine.Transition(Connecting, roomID, ""); err != nil {
		return fmt.Errorf("transport.connect: %w", err)
	}

	go c.run(runCtx, roomID, done)
	return nil
}

// Disconnect tears down the channel and moves to Disconnected. The last
// connected room is remembered for lifecycle-driven reconnects.
func (c *Conn) Disconnect() {
	c.teardown()
	_ = c.machine.Transition(Disconnected, "", "")
}

// EnterBackground disconnects immediately.
func (c *Conn) EnterBackground() {
	c.logger.Info("entering background, disconnecting realtime channel")
	c.Disconnect()
}

// EnterForeground reconnects the previously connected room unless the
// channel is already live.
func (c *Conn) EnterForeground() {
	if c.machine.Current() == Connected {
		return
	}
	if room := c.previousRoom(); room != "" {
		c.logger.Info("entering foreground, reconnecting", zap.String("room_id", room))
		_ = c.Connect(context.Background(), room)
	}
}

// NetworkRestored reconnects only if a room was previously connected.
func (c *Conn) NetworkRestored() {
	if c.machine.Current() == Connected {
		return
	}
	if room := c.previousRoom(); room != "" {
		c.logger.Info("network restored, reconnecting", zap.String("room_id", room))
		_ = c.Connect(context.Background(), room)
	}
}

func (c *Conn) previousRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRoom
}

// teardown cancels the active loop and waits for it to exit.
func (c *Conn) teardown() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.roomID = ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// run drives one logical connection: dial, read until failure, then
// either reconnect (bounded) or settle in a terminal state.
func (c *Conn) run(ctx context.Context, roomID string, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		sock, err := c.dial(ctx, roomID)
		if err != nil {
			c.logger.Warn("dial failed", zap.String("room_id", roomID), zap.Error(err))
			if !c.backoff(ctx, roomID, &attempt) {
				return
			}
			continue
		}

		attempt = 0
		if err := c.machine.Transition(Connected, roomID, ""); err != nil {
			_ = sock.Close()
			return
		}
		c.logger.Info("realtime channel connected", zap.String("room_id", roomID))

		// Reads are not context-aware; closing the socket is what
		// unblocks the read loop on teardown.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = sock.Close()
			case <-watchDone:
			}
		}()

		kind, readErr := c.readLoop(ctx, roomID, sock)
		close(watchDone)
		_ = sock.Close()

		if ctx.Err() != nil {
			// Torn down by Disconnect or a newer Connect; state is
			// owned by the caller.
			return
		}

		if !retriable(kind) {
			reason, ok := remediations[kind]
			if !ok {
				reason = remediations[chat.KindUnknown]
			}
			c.logger.Warn("terminal transport failure",
				zap.String("room_id", roomID),
				zap.String("kind", kind.String()),
				zap.Error(readErr))
			c.fail(roomID, reason)
			return
		}

		c.logger.Warn("realtime channel lost", zap.String("room_id", roomID), zap.Error(readErr))
		if !c.backoff(ctx, roomID, &attempt) {
			return
		}
	}
}

func (c *Conn) dial(ctx context.Context, roomID string) (Socket, error) {
	u := fmt.Sprintf("%s/room/%s", c.socketURL, url.PathEscape(roomID))
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.tokens.Token())
	return c.dialer.DialContext(ctx, u, header)
}

// readLoop consumes frames until the socket errors or an error frame
// arrives. It returns the failure kind for the reconnect decision.
func (c *Conn) readLoop(ctx context.Context, roomID string, sock Socket) (chat.Kind, error) {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return chat.KindTransientNetwork, err
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed frame dropped", zap.String("room_id", roomID), zap.Error(err))
			continue
		}

		switch env.Event {
		case "chat":
			msg, err := gateway.ParseMessage(env.Payload)
			if err != nil {
				c.logger.Warn("malformed chat payload dropped", zap.String("room_id", roomID), zap.Error(err))
				continue
			}
			select {
			case c.msgs <- msg:
			case <-ctx.Done():
				return chat.KindUnknown, ctx.Err()
			}
		case "error":
			kind, _ := classifyCode(env.Code)
			return kind, fmt.Errorf("server error frame: code=%s %s", env.Code, env.Message)
		default:
			// Presence and other room-level events are not consumed.
		}
	}
}

// backoff waits attempt seconds before the next try. It reports false
// when the bound is exhausted (after moving to the terminal state) or
// the context is canceled.
func (c *Conn) backoff(ctx context.Context, roomID string, attempt *int) bool {
	*attempt++
	if *attempt > maxReconnectAttempts {
		c.logger.Error("reconnect attempts exhausted", zap.String("room_id", roomID))
		c.fail(roomID, remediations[chat.KindUnknown])
		return false
	}

	_ = c.machine.Transition(Connecting, roomID, "")
	delay := time.Duration(*attempt) * time.Second
	c.logger.Info("scheduling reconnect",
		zap.String("room_id", roomID),
		zap.Int("attempt", *attempt),
		zap.Duration("delay", delay))

	select {
	case <-c.clk.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// fail settles in the terminal Error state and clears the active room.
func (c *Conn) fail(roomID, reason string) {
	c.mu.Lock()
	if c.roomID == roomID {
		c.roomID = ""
	}
	c.mu.Unlock()
	_ = c.machine.Transition(Failed, roomID, reason)
}
