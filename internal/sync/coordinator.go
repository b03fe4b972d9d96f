// Package sync reconciles the remote history API with the local cache.
// The cache is the sole source of truth for the UI; remote pulls only
// feed it, so a failed pull degrades to the last known good view
// instead of surfacing an error.
package sync

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/store"
)

// Gateway is the remote slice the coordinator pulls from.
type Gateway interface {
	ListRooms(ctx context.Context) ([]chat.Room, error)
	FetchHistory(ctx context.Context, roomID, cursor string) ([]chat.Message, error)
}

// Coordinator pulls remote state, upserts it locally and returns the
// merged local view.
type Coordinator struct {
	gw     Gateway
	st     store.Store
	logger *zap.Logger
}

// New creates a coordinator. A nil logger is replaced with a no-op.
func New(gw Gateway, st store.Store, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{gw: gw, st: st, logger: logger}
}

// SyncRooms pulls the remote room list into the cache and returns the
// merged local view. A remote failure is a soft-fail: the stale local
// list comes back with no error.
func (c *Coordinator) SyncRooms(ctx context.Context) ([]chat.Room, error) {
	remote, err := c.gw.ListRooms(ctx)
	if err != nil {
		c.logger.Warn("room sync failed, serving cached list", zap.Error(err))
		return c.st.Rooms()
	}
	for i := range remote {
		if err := c.st.UpsertRoom(&remote[i]); err != nil {
			return nil, err
		}
	}
	return c.st.Rooms()
}

// SyncMessages pulls one history page for a room, resuming after since
// (the latest locally known createdAt, 0 for none), upserts it and
// returns the fresh local merge. Remote failures soft-fail to the
// cached list; only local store errors propagate. The room's cursor
// checkpoint advances on success and never regresses.
func (c *Coordinator) SyncMessages(ctx context.Context, roomID string, since int64) ([]chat.Message, error) {
	page, err := c.gw.FetchHistory(ctx, roomID, Cursor(since))
	if err != nil {
		c.logger.Warn("message sync failed, serving cached history",
			zap.String("room_id", roomID), zap.Error(err))
		return c.st.Messages(roomID)
	}

	if len(page) > 0 {
		if err := c.st.UpsertMessages(page); err != nil {
			return nil, err
		}
		newest := since
		for _, m := range page {
			if m.CreatedAt > newest {
				newest = m.CreatedAt
			}
		}
		if err := c.st.SetCheckpoint(roomID, Cursor(newest)); err != nil {
			return nil, err
		}
	}
	return c.st.Messages(roomID)
}

// Cursor converts a local timestamp into the gateway's opaque cursor
// form: the decimal Unix-millisecond value, "" for no resume point.
func Cursor(since int64) string {
	if since <= 0 {
		return ""
	}
	return strconv.FormatInt(since, 10)
}
