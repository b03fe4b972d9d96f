// Package router fans realtime pushes out to in-memory subscribers and
// durably writes them to the local cache in the background. Forwarding
// never waits on persistence: a message the user has seen stays visible
// even if every write attempt fails.
package router

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumachat/chatsync/internal/chat"
	"github.com/lumachat/chatsync/internal/clock"
)

// Writer is the durable-write slice of the local store contract.
type Writer interface {
	UpsertMessages(msgs []chat.Message) error
}

// immediateAttempts are tried with exponential spacing (2^(n-1) seconds
// after attempt n); if all fail, one last-resort attempt runs after
// lastResortDelay. Failures past that are logged and abandoned.
const (
	immediateAttempts = 3
	lastResortDelay   = 10 * time.Second
)

// Router deduplicates and distributes inbound realtime messages.
type Router struct {
	writer Writer
	clk    clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	seen   map[string]struct{}
	subs   map[int]chan chat.Message
	nextID int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Router.
type Option func(*Router)

// WithClock replaces the retry-delay clock.
func WithClock(clk clock.Clock) Option {
	return func(r *Router) { r.clk = clk }
}

// New creates a router writing through to the given store.
func New(w Writer, logger *zap.Logger, opts ...Option) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		writer: w,
		clk:    clock.System(),
		logger: logger,
		seen:   make(map[string]struct{}),
		subs:   make(map[int]chan chat.Message),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start consumes the transport push stream until the context ends.
func (r *Router) Start(ctx context.Context, pushes <-chan chat.Message) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case msg := <-pushes:
				r.Route(ctx, msg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the consumer loop and any in-flight durable writes.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Subscribe registers an in-memory listener for forwarded messages.
// Delivery is non-blocking; a full subscriber loses messages rather
// than delaying the push path.
func (r *Router) Subscribe(buf int) (<-chan chat.Message, func()) {
	ch := make(chan chat.Message, buf)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Route handles one inbound push: drop repeats, forward immediately,
// persist concurrently.
func (r *Router) Route(ctx context.Context, msg chat.Message) {
	r.mu.Lock()
	if _, dup := r.seen[msg.ChatID]; dup {
		r.mu.Unlock()
		return
	}
	r.seen[msg.ChatID] = struct{}{}
	subs := make([]chan chat.Message, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- msg:
		default:
			r.logger.Warn("subscriber full, push dropped", zap.String("chat_id", msg.ChatID))
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.persist(ctx, msg)
	}()
}

// persist runs the bounded durable-write schedule. A final failure is
// logged only: the message is already on screen and must not vanish.
func (r *Router) persist(ctx context.Context, msg chat.Message) {
	for attempt := 1; attempt <= immediateAttempts; attempt++ {
		err := r.writer.UpsertMessages([]chat.Message{msg})
		if err == nil {
			return
		}
		r.logger.Warn("durable write failed",
			zap.String("chat_id", msg.ChatID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if attempt == immediateAttempts {
			break
		}
		delay := time.Duration(1<<(attempt-1)) * time.Second
		if !r.wait(ctx, delay) {
			return
		}
	}

	if !r.wait(ctx, lastResortDelay) {
		return
	}
	if err := r.writer.UpsertMessages([]chat.Message{msg}); err != nil {
		r.logger.Error("durable write abandoned, message remains visible only in memory",
			zap.String("chat_id", msg.ChatID),
			zap.Error(err))
	}
}

func (r *Router) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-r.clk.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
