package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lumachat/chatsync/internal/bus"
	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/clock"
	"github.com/lumachat/chatsync/internal/gateway"
	"github.com/lumachat/chatsync/internal/store"
)

type fakeGW struct {
	mu        sync.Mutex
	sendErr   error
	sendCount int
	leftRooms []string
}

func (g *fakeGW) CreateOrGetRoom(_ context.Context, opponentID string) (chat.Room, error) {
	return chat.Room{ID: "room-" + opponentID, Participants: []string{"me", opponentID}}, nil
}

func (g *fakeGW) LeaveRoom(_ context.Context, roomID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leftRooms = append(g.leftRooms, roomID)
	return nil
}

func (g *fakeGW) SendMessage(_ context.Context, roomID, content string, refs []chat.FileRef) (chat.Message, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendCount++
	if g.sendErr != nil {
		return chat.Message{}, g.sendErr
	}
	return chat.Message{
		ChatID:      fmt.Sprintf("sent-%d", g.sendCount),
		RoomID:      roomID,
		SenderID:    "me",
		Content:     content,
		Attachments: refs,
		CreatedAt:   int64(10000 + g.sendCount),
	}, nil
}

func (g *fakeGW) UploadFiles(_ context.Context, _ string, files []gateway.File) ([]chat.FileRef, error) {
	refs := make([]chat.FileRef, len(files))
	for i, f := range files {
		refs[i] = chat.FileRef{ID: fmt.Sprintf("f%d", i), Name: f.Name}
	}
	return refs, nil
}

type fakeTransport struct {
	mu          sync.Mutex
	connects    []string
	disconnects int
}

func (tr *fakeTransport) Connect(_ context.Context, roomID string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.connects = append(tr.connects, roomID)
	return nil
}

func (tr *fakeTransport) Disconnect() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.disconnects++
}

func (tr *fakeTransport) EnterBackground() { tr.Disconnect() }
func (tr *fakeTransport) EnterForeground() {}
func (tr *fakeTransport) NetworkRestored() {}

func (tr *fakeTransport) connectCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.connects)
}

type fakeSyncer struct {
	mu     sync.Mutex
	st     store.Store
	pages  map[string][]chat.Message // upserted then merged on SyncMessages
	calls  int
	sinces []int64
}

func (s *fakeSyncer) SyncRooms(context.Context) ([]chat.Room, error) {
	return s.st.Rooms()
}

func (s *fakeSyncer) SyncMessages(_ context.Context, roomID string, since int64) ([]chat.Message, error) {
	s.mu.Lock()
	s.calls++
	s.sinces = append(s.sinces, since)
	page := s.pages[roomID]
	s.mu.Unlock()
	if len(page) > 0 {
		if err := s.st.UpsertMessages(page); err != nil {
			return nil, err
		}
	}
	return s.st.Messages(roomID)
}

func (s *fakeSyncer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakePushes struct {
	mu   sync.Mutex
	subs []chan chat.Message
}

func (p *fakePushes) Subscribe(buf int) (<-chan chat.Message, func()) {
	ch := make(chan chat.Message, buf)
	p.mu.Lock()
	p.subs = append(p.subs, ch)
	p.mu.Unlock()
	return ch, func() {}
}

func (p *fakePushes) push(m chat.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		ch <- m
	}
}

type fixture struct {
	gw     *fakeGW
	st     *store.DB
	syncer *fakeSyncer
	conn   *fakeTransport
	pushes *fakePushes
	clk    *clock.Fake
	mgr    *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"), bus.New())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		gw:     &fakeGW{},
		st:     db,
		syncer: &fakeSyncer{st: db, pages: map[string][]chat.Message{}},
		conn:   &fakeTransport{},
		pushes: &fakePushes{},
		clk:    clock.NewFake(time.Unix(0, 0)),
	}
	f.mgr = NewManager(f.gw, f.st, f.syncer, f.conn, f.pushes, f.clk, nil)
	return f
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func visibleIDs(ctrl *Controller) []string {
	snap := ctrl.Snapshot()
	ids := make([]string, len(snap))
	for i, m := range snap {
		ids[i] = m.ChatID
	}
	return ids
}

func TestOpenSurfacesSnapshotImmediately(t *testing.T) {
	f := newFixture(t)
	if err := f.st.UpsertMessages([]chat.Message{
		{ChatID: "m1", RoomID: "r1", CreatedAt: 1000},
		{ChatID: "m2", RoomID: "r1", CreatedAt: 2000},
	}); err != nil {
		t.Fatal(err)
	}

	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 2 }, "cached snapshot not surfaced")
	// The realtime channel must not have been dialed yet: the connect
	// delay has not elapsed on the fake clock.
	if f.conn.connectCount() != 0 {
		t.Error("transport connected before the post-sync delay")
	}
}

// Local = [m1@1000, m2@2000]; sync returns m3@3000. Visible ends up
// [m1, m2, m3] with no duplicates.
func TestSyncResultMergesInOrder(t *testing.T) {
	f := newFixture(t)
	if err := f.st.UpsertMessages([]chat.Message{
		{ChatID: "m1", RoomID: "r1", CreatedAt: 1000},
		{ChatID: "m2", RoomID: "r1", CreatedAt: 2000},
	}); err != nil {
		t.Fatal(err)
	}
	f.syncer.pages["r1"] = []chat.Message{{ChatID: "m3", RoomID: "r1", CreatedAt: 3000}}

	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 3 }, "sync result not merged")
	got := visibleIDs(ctrl)
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visible = %v, want %v", got, want)
		}
	}
	if f.syncer.sinces[0] != 2000 {
		t.Errorf("sync since = %d, want latest local timestamp 2000", f.syncer.sinces[0])
	}
}

// The same chatId arriving via push, store observation and sync page is
// inserted exactly once, and the list stays sorted whatever the arrival
// order.
func TestMergeDeduplicatesAcrossSources(t *testing.T) {
	f := newFixture(t)
	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	dup := chat.Message{ChatID: "x1", RoomID: "r1", CreatedAt: 5000}

	f.pushes.push(dup)
	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 1 }, "push not merged")

	// Same message again through the durable-write/observation path and
	// a sync page.
	if err := f.st.UpsertMessages([]chat.Message{dup}); err != nil {
		t.Fatal(err)
	}
	f.syncer.pages["r1"] = []chat.Message{dup}
	ctrl.Refresh(context.Background())

	// An older message arrives late over realtime; it must sort first.
	f.pushes.push(chat.Message{ChatID: "m0", RoomID: "r1", CreatedAt: 1000})

	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 2 }, "late push not merged")
	time.Sleep(20 * time.Millisecond)

	got := visibleIDs(ctrl)
	want := []string{"m0", "x1"}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("visible = %v, want %v (dedup + resort)", got, want)
	}
}

func TestPushesForOtherRoomsIgnored(t *testing.T) {
	f := newFixture(t)
	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	f.pushes.push(chat.Message{ChatID: "other", RoomID: "r2", CreatedAt: 1000})
	f.pushes.push(chat.Message{ChatID: "mine", RoomID: "r1", CreatedAt: 2000})

	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 1 }, "own-room push not merged")
	if ids := visibleIDs(ctrl); ids[0] != "mine" {
		t.Errorf("visible = %v", ids)
	}
}

func TestTransportConnectsAfterDelay(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.OpenRoom(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return f.clk.Waiters() == 1 }, "connect delay not scheduled")
	if f.conn.connectCount() != 0 {
		t.Fatal("connected before delay elapsed")
	}

	f.clk.Advance(connectDelay)
	waitFor(t, func() bool { return f.conn.connectCount() == 1 }, "transport never connected")
	if f.conn.connects[0] != "r1" {
		t.Errorf("connected to %q, want r1", f.conn.connects[0])
	}
}

// Send while offline: the error is surfaced, nothing becomes visible,
// and a successful retry yields exactly one entry.
func TestSendFailureLeavesNoGhost(t *testing.T) {
	f := newFixture(t)
	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	f.gw.sendErr = chat.NewError(chat.KindTransientNetwork, "gateway.send_message", "request failed", nil)
	if _, err := ctrl.Send(context.Background(), "hello", nil); chat.Classify(err) != chat.KindTransientNetwork {
		t.Fatalf("send error = %v, want transient_network", err)
	}

	time.Sleep(20 * time.Millisecond)
	if n := len(ctrl.Snapshot()); n != 0 {
		t.Fatalf("visible = %d messages after failed send, want 0", n)
	}

	f.gw.sendErr = nil
	msg, err := ctrl.Send(context.Background(), "hello", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 1 }, "confirmed send not surfaced")
	if ids := visibleIDs(ctrl); ids[0] != msg.ChatID {
		t.Errorf("visible = %v, want [%s]", ids, msg.ChatID)
	}
}

func TestSendPersistsThroughMergePath(t *testing.T) {
	f := newFixture(t)
	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.Send(context.Background(), "hi there", nil); err != nil {
		t.Fatal(err)
	}

	// The confirmed message lands in the cache, not just in memory.
	waitFor(t, func() bool {
		msgs, _ := f.st.Messages("r1")
		return len(msgs) == 1
	}, "send not cached")
	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 1 }, "send not visible")
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	refs, err := ctrl.Upload(context.Background(), []gateway.File{{Name: "a.jpg", Data: []byte("x")}})
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].Name != "a.jpg" {
		t.Errorf("refs = %+v", refs)
	}
}

func TestOpenRoomClosesPrevious(t *testing.T) {
	f := newFixture(t)
	first, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	second, err := f.mgr.OpenRoom(context.Background(), "r2")
	if err != nil {
		t.Fatal(err)
	}

	if f.conn.disconnects == 0 {
		t.Error("previous session did not disconnect the transport")
	}
	if f.mgr.Active() != second {
		t.Error("active controller not switched")
	}

	// The closed session no longer merges pushes.
	f.pushes.push(chat.Message{ChatID: "m1", RoomID: "r1", CreatedAt: 1000})
	time.Sleep(20 * time.Millisecond)
	if len(first.Snapshot()) != 0 {
		t.Error("closed session still merging")
	}
}

func TestUpdatesStreamConflates(t *testing.T) {
	f := newFixture(t)
	ctrl, err := f.mgr.OpenRoom(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 5; i++ {
		f.pushes.push(chat.Message{ChatID: fmt.Sprintf("m%d", i), RoomID: "r1", CreatedAt: int64(i * 1000)})
	}
	waitFor(t, func() bool { return len(ctrl.Snapshot()) == 5 }, "pushes not merged")

	// A late reader drains the stream and still ends on the full list.
	var last []chat.Message
	for {
		select {
		case list := <-ctrl.Updates():
			last = list
			continue
		default:
		}
		break
	}
	if len(last) != 5 {
		t.Errorf("conflated update has %d messages, want 5", len(last))
	}
}

func TestManagerRoomSurface(t *testing.T) {
	f := newFixture(t)

	room, err := f.mgr.CreateOrGetRoom(context.Background(), "them")
	if err != nil {
		t.Fatal(err)
	}
	rooms, err := f.mgr.Rooms(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0].ID != room.ID {
		t.Fatalf("rooms = %+v", rooms)
	}

	if err := f.mgr.LeaveRoom(context.Background(), room.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.gw.leftRooms) != 1 {
		t.Error("leave not sent to gateway")
	}
	rooms, _ = f.mgr.Rooms(context.Background())
	if len(rooms) != 0 {
		t.Errorf("rooms after leave = %+v, want none", rooms)
	}
}

func TestForegroundResumeTriggersRefresh(t *testing.T) {
	f := newFixture(t)
	if _, err := f.mgr.OpenRoom(context.Background(), "r1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return f.syncer.callCount() == 1 }, "open sync missing")

	f.mgr.EnterForeground(context.Background())
	waitFor(t, func() bool { return f.syncer.callCount() == 2 }, "foreground resume did not re-sync")
}
