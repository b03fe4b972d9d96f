// Package session owns per-room chat sessions: it merges cache
// observation, realtime pushes and sync results into one ordered,
// deduplicated message view, and carries the send and upload flows.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/clock"
	"github.com/lumachat/chatsync/internal/gateway"
	"github.com/lumachat/chatsync/internal/store"
)

// connectDelay is how long after room open the realtime channel is
// dialed, so the initial history sync is not raced by pushes.
const connectDelay = 300 * time.Millisecond

// Gateway is the remote surface a session writes through.
type Gateway interface {
	CreateOrGetRoom(ctx context.Context, opponentID string) (chat.Room, error)
	LeaveRoom(ctx context.Context, roomID string) error
	SendMessage(ctx context.Context, roomID, content string, refs []chat.FileRef) (chat.Message, error)
	UploadFiles(ctx context.Context, roomID string, files []gateway.File) ([]chat.FileRef, error)
}

// Transport is the realtime channel surface a session drives.
type Transport interface {
	Connect(ctx context.Context, roomID string) error
	Disconnect()
	EnterBackground()
	EnterForeground()
	NetworkRestored()
}

// Syncer pulls remote history into the cache.
type Syncer interface {
	SyncRooms(ctx context.Context) ([]chat.Room, error)
	SyncMessages(ctx context.Context, roomID string, since int64) ([]chat.Message, error)
}

// Pushes is the realtime fan-out a session subscribes to.
type Pushes interface {
	Subscribe(buf int) (<-chan chat.Message, func())
}

// Controller is the single writer for one open room. All three inputs
// (cache observation, realtime pushes, sync results) funnel into one
// goroutine that owns the visible list; the list is append/merge-only
// for the life of the session.
type Controller struct {
	roomID string
	gw     Gateway
	st     store.Store
	syncer Syncer
	conn   Transport
	pushes Pushes
	clk    clock.Clock
	logger *zap.Logger

	updates chan []chat.Message

	mu      sync.Mutex
	visible []chat.Message // owned by the merge loop; read via Snapshot
	opened  bool

	// loop-owned, no locking needed
	seen    map[string]struct{}
	syncRes chan []chat.Message

	cancel     context.CancelFunc
	done       chan struct{}
	syncMu     sync.Mutex
	syncCancel context.CancelFunc
	sendMu     sync.Mutex
	sendCancel context.CancelFunc
}

func newController(roomID string, gw Gateway, st store.Store, syncer Syncer, conn Transport, pushes Pushes, clk clock.Clock, logger *zap.Logger) *Controller {
	return &Controller{
		roomID:  roomID,
		gw:      gw,
		st:      st,
		syncer:  syncer,
		conn:    conn,
		pushes:  pushes,
		clk:     clk,
		logger:  logger.With(zap.String("room_id", roomID)),
		updates: make(chan []chat.Message, 1),
		seen:    make(map[string]struct{}),
		syncRes: make(chan []chat.Message, 1),
	}
}

// RoomID returns the room this session is bound to.
func (c *Controller) RoomID() string { return c.roomID }

// Updates is the reactive ordered, deduplicated message stream. It is
// conflated: readers always get the newest full list.
func (c *Controller) Updates() <-chan []chat.Message { return c.updates }

// Snapshot returns a copy of the current visible list.
func (c *Controller) Snapshot() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.visible))
	copy(out, c.visible)
	return out
}

// Open starts the session: the cached snapshot is surfaced immediately,
// a background sync resumes from the latest local timestamp, and the
// realtime channel connects after a short delay. Open never waits on
// the network.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.opened {
		c.mu.Unlock()
		return chat.NewError(chat.KindValidation, "session.open", "session already open", nil)
	}
	c.opened = true
	c.mu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)

	snapshot, err := c.st.Messages(c.roomID)
	if err != nil {
		c.cancel()
		c.mu.Lock()
		c.opened = false
		c.mu.Unlock()
		return err
	}
	c.done = make(chan struct{})

	pushCh, unsubPush := c.pushes.Subscribe(64)
	storeCh, unsubStore := c.st.ObserveMessages(c.roomID)

	go c.loop(ctx, snapshot, pushCh, storeCh, func() {
		unsubPush()
		unsubStore()
	})

	c.Refresh(ctx)

	go func() {
		select {
		case <-c.clk.After(connectDelay):
		case <-ctx.Done():
			return
		}
		if err := c.conn.Connect(ctx, c.roomID); err != nil {
			c.logger.Warn("realtime connect failed", zap.Error(err))
		}
	}()

	return nil
}

// Refresh re-syncs history from the latest locally known timestamp. A
// newer refresh supersedes and cancels an older in-flight one. Failures
// degrade silently to the cached view.
func (c *Controller) Refresh(ctx context.Context) {
	c.syncMu.Lock()
	if c.syncCancel != nil {
		c.syncCancel()
	}
	syncCtx, cancel := context.WithCancel(ctx)
	c.syncCancel = cancel
	c.syncMu.Unlock()

	go func() {
		defer cancel()
		var since int64
		if latest, err := c.st.Latest(c.roomID); err == nil && latest != nil {
			since = latest.CreatedAt
		}
		merged, err := c.syncer.SyncMessages(syncCtx, c.roomID, since)
		if err != nil {
			c.logger.Warn("history sync failed", zap.Error(err))
			return
		}
		if syncCtx.Err() != nil {
			return
		}
		conflate(c.syncRes, merged)
	}()
}

// Send posts a message and, only on server confirmation, writes it to
// the cache so it surfaces through the same merge path as every other
// message. Nothing is shown optimistically: on failure the error goes
// to the caller and the visible list is untouched, so a retry can never
// leave a ghost entry behind.
func (c *Controller) Send(ctx context.Context, content string, refs []chat.FileRef) (chat.Message, error) {
	c.sendMu.Lock()
	if c.sendCancel != nil {
		c.sendCancel()
	}
	sendCtx, cancel := context.WithCancel(ctx)
	c.sendCancel = cancel
	c.sendMu.Unlock()
	defer cancel()

	msg, err := c.gw.SendMessage(sendCtx, c.roomID, content, refs)
	if err != nil {
		return chat.Message{}, err
	}
	if err := c.st.UpsertMessages([]chat.Message{msg}); err != nil {
		// The server accepted the message; losing the cache write must
		// not hide that from the caller.
		c.logger.Error("confirmed send not cached", zap.String("chat_id", msg.ChatID), zap.Error(err))
	}
	return msg, nil
}

// Upload validates and uploads attachment blobs, returning file refs
// for a subsequent Send.
func (c *Controller) Upload(ctx context.Context, files []gateway.File) ([]chat.FileRef, error) {
	return c.gw.UploadFiles(ctx, c.roomID, files)
}

// Close disconnects the realtime channel and stops the merge loop. The
// dedup identity set dies with the session.
func (c *Controller) Close() {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = false
	c.mu.Unlock()

	c.syncMu.Lock()
	if c.syncCancel != nil {
		c.syncCancel()
	}
	c.syncMu.Unlock()

	if c.cancel != nil {
		c.cancel()
	}
	c.conn.Disconnect()
	if c.done != nil {
		<-c.done
	}
}

// loop is the session's single writer: every mutation of the visible
// list happens here, whatever goroutine produced the input.
func (c *Controller) loop(ctx context.Context, snapshot []chat.Message, pushCh <-chan chat.Message, storeCh <-chan []chat.Message, unsub func()) {
	defer close(c.done)
	defer unsub()

	c.merge(snapshot)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-pushCh:
			if msg.RoomID != c.roomID {
				continue
			}
			c.merge([]chat.Message{msg})
		case list := <-storeCh:
			c.merge(list)
		case list := <-c.syncRes:
			c.merge(list)
		}
	}
}

// merge inserts unseen messages and re-sorts. The identity set makes
// insertion at-most-once per chatId regardless of which source (or how
// many) delivered it.
func (c *Controller) merge(incoming []chat.Message) {
	changed := false
	for _, m := range incoming {
		if _, ok := c.seen[m.ChatID]; ok {
			continue
		}
		c.seen[m.ChatID] = struct{}{}
		c.mu.Lock()
		c.visible = append(c.visible, m)
		c.mu.Unlock()
		changed = true
	}
	if !changed {
		return
	}

	c.mu.Lock()
	chat.SortMessages(c.visible)
	out := make([]chat.Message, len(c.visible))
	copy(out, c.visible)
	c.mu.Unlock()

	conflate(c.updates, out)
}

// conflate replaces any unread value so the channel holds the newest
// snapshot.
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
