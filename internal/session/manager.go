package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/clock"
	"github.com/lumachat/chatsync/internal/store"
)

// Manager is the UI-facing entry point. It owns the room list surface
// and at most one open Controller; opening a room closes the previous
// one, which keeps the realtime channel exclusively owned.
type Manager struct {
	gw     Gateway
	st     store.Store
	syncer Syncer
	conn   Transport
	pushes Pushes
	clk    clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	active *Controller
}

// NewManager wires the session layer. A nil logger is replaced with a
// no-op.
func NewManager(gw Gateway, st store.Store, syncer Syncer, conn Transport, pushes Pushes, clk clock.Clock, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Manager{gw: gw, st: st, syncer: syncer, conn: conn, pushes: pushes, clk: clk, logger: logger}
}

// OpenRoom opens a session for a room, closing any previously open one
// first. The returned controller is live: its snapshot is already
// populated from the cache.
func (m *Manager) OpenRoom(ctx context.Context, roomID string) (*Controller, error) {
	m.mu.Lock()
	prev := m.active
	m.active = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	ctrl := newController(roomID, m.gw, m.st, m.syncer, m.conn, m.pushes, m.clk, m.logger)
	if err := ctrl.Open(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = ctrl
	m.mu.Unlock()
	return ctrl, nil
}

// CloseRoom closes the active session, if any.
func (m *Manager) CloseRoom() {
	m.mu.Lock()
	prev := m.active
	m.active = nil
	m.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
}

// Active returns the open controller, nil if none.
func (m *Manager) Active() *Controller {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Rooms refreshes and returns the room list, ordered by last message
// time descending. Remote failures soft-fail to the cached list.
func (m *Manager) Rooms(ctx context.Context) ([]chat.Room, error) {
	return m.syncer.SyncRooms(ctx)
}

// ObserveRooms is the reactive room-list stream.
func (m *Manager) ObserveRooms() (<-chan []chat.Room, func()) {
	return m.st.ObserveRooms()
}

// CreateOrGetRoom resolves the room shared with opponentID, caching it
// locally.
func (m *Manager) CreateOrGetRoom(ctx context.Context, opponentID string) (chat.Room, error) {
	room, err := m.gw.CreateOrGetRoom(ctx, opponentID)
	if err != nil {
		return chat.Room{}, err
	}
	if err := m.st.UpsertRoom(&room); err != nil {
		return chat.Room{}, err
	}
	return room, nil
}

// LeaveRoom leaves a room remotely and drops it from the cache; the
// only path that ever deletes cached chat data. The active session is
// closed first when it is for that room.
func (m *Manager) LeaveRoom(ctx context.Context, roomID string) error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil && active.RoomID() == roomID {
		m.CloseRoom()
	}

	if err := m.gw.LeaveRoom(ctx, roomID); err != nil {
		return err
	}
	return m.st.DeleteRoom(roomID)
}

// EnterBackground drops the realtime channel immediately.
func (m *Manager) EnterBackground() {
	m.conn.EnterBackground()
}

// EnterForeground reconnects the realtime channel if needed and
// re-syncs the open room so history missed while backgrounded is
// pulled in.
func (m *Manager) EnterForeground(ctx context.Context) {
	m.conn.EnterForeground()
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if active != nil {
		active.Refresh(ctx)
	}
}

// NetworkRestored reconnects the realtime channel if a room was
// previously connected.
func (m *Manager) NetworkRestored() {
	m.conn.NetworkRestored()
}
