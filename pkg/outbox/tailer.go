// Package outbox tails the durable outbox table and fans new events out
// to in-process subscribers. Delivery is at-least-once: a crash between
// broadcast and mark-delivered re-broadcasts on the next start, so
// listeners must be idempotent.
package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/store"
)

// Querier is the subset of the outbox store the tailer needs.
type Querier interface {
	LatestEventID(ctx context.Context) (int64, error)
	GetEventsAfter(ctx context.Context, cursor int64, limit int) ([]store.OutboxEvent, error)
	MarkDelivered(ctx context.Context, ids []int64) error
}

// Listener receives outbox events in strictly increasing id order.
type Listener func(ev store.OutboxEvent)

// Tailer polls the outbox on a fixed interval and broadcasts new rows.
type Tailer struct {
	store  Querier
	config config.OutboxConfig

	mu        sync.Mutex
	cursor    int64
	listeners map[int]Listener
	nextID    int

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewTailer creates a tailer over the given store.
func NewTailer(q Querier, cfg config.OutboxConfig) *Tailer {
	return &Tailer{
		store:     q,
		config:    cfg,
		listeners: make(map[int]Listener),
	}
}

// Start initializes the cursor to the store's current latest id and
// launches the poll loop. Events inserted before Start are never
// broadcast live; clients fetch them through GetEventsAfter replay.
func (t *Tailer) Start(ctx context.Context) error {
	latest, err := t.store.LatestEventID(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.cursor = latest
	t.mu.Unlock()

	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.run(ctx)

	slog.Info("Outbox tailer started", "cursor", latest, "poll_interval", t.config.PollInterval)
	return nil
}

// Stop interrupts the poll loop between ticks and waits for it to exit.
func (t *Tailer) Stop() {
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
			<-t.done
		}
		slog.Info("Outbox tailer stopped")
	})
}

// Subscribe registers a listener and returns its unsubscribe function.
func (t *Tailer) Subscribe(l Listener) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := t.nextID
	t.nextID++
	t.listeners[id] = l

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

// GetEventsAfter replays stored events for a newly connected client. It
// does not move the tailer's cursor and does not re-mark rows delivered.
func (t *Tailer) GetEventsAfter(ctx context.Context, cursor int64, limit int) ([]store.OutboxEvent, error) {
	return t.store.GetEventsAfter(ctx, cursor, limit)
}

// Cursor returns the tailer's current position. Exposed for the
// commander's fleet-delta bookkeeping and for tests.
func (t *Tailer) Cursor() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// run is the poll loop. Each tick is non-cancellable; shutdown lands
// between ticks.
func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.poll(context.Background())
		}
	}
}

// poll reads one batch past the cursor and broadcasts it. A quiet tick
// returns without allocating.
func (t *Tailer) poll(ctx context.Context) {
	t.mu.Lock()
	cursor := t.cursor
	t.mu.Unlock()

	events, err := t.store.GetEventsAfter(ctx, cursor, t.config.BatchLimit)
	if err != nil {
		slog.Error("Outbox poll failed", "cursor", cursor, "error", err)
		return
	}
	if len(events) == 0 {
		return
	}

	delivered := make([]int64, 0, len(events))
	for _, ev := range events {
		t.broadcast(ev)
		t.mu.Lock()
		t.cursor = ev.EventID
		t.mu.Unlock()
		delivered = append(delivered, ev.EventID)
	}

	if err := t.store.MarkDelivered(ctx, delivered); err != nil {
		// Rows stay undelivered and will be re-broadcast after a
		// restart; listeners tolerate duplicates.
		slog.Warn("Failed to mark outbox events delivered",
			"count", len(delivered), "error", err)
	}
}

// broadcast invokes every listener with the event. The snapshot copy
// tolerates unsubscribes during iteration.
func (t *Tailer) broadcast(ev store.OutboxEvent) {
	t.mu.Lock()
	listeners := make([]Listener, 0, len(t.listeners))
	for _, l := range t.listeners {
		listeners = append(listeners, l)
	}
	t.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
