package outbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOutboxStore is an in-memory Querier with insert support.
type fakeOutboxStore struct {
	mu        sync.Mutex
	events    []store.OutboxEvent
	delivered map[int64]int // event_id → times marked
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{delivered: make(map[int64]int)}
}

func (f *fakeOutboxStore) insert(kind string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.events) + 1)
	f.events = append(f.events, store.OutboxEvent{EventID: id, Type: kind, TS: time.Now()})
	return id
}

func (f *fakeOutboxStore) LatestEventID(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.events)), nil
}

func (f *fakeOutboxStore) GetEventsAfter(_ context.Context, cursor int64, limit int) ([]store.OutboxEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.OutboxEvent
	for _, ev := range f.events {
		if ev.EventID > cursor && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeOutboxStore) MarkDelivered(_ context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.delivered[id]++
	}
	return nil
}

func (f *fakeOutboxStore) deliveredCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.delivered[id]
}

func testConfig() config.OutboxConfig {
	return config.OutboxConfig{PollInterval: 10 * time.Millisecond, BatchLimit: 100}
}

func TestTailerBroadcastsNewEventsInOrder(t *testing.T) {
	fake := newFakeOutboxStore()
	// Pre-existing rows must not be broadcast live.
	fake.insert(store.OutboxBriefingAdded)

	tailer := NewTailer(fake, testConfig())

	var mu sync.Mutex
	var seen []int64
	tailer.Subscribe(func(ev store.OutboxEvent) {
		mu.Lock()
		seen = append(seen, ev.EventID)
		mu.Unlock()
	})

	require.NoError(t, tailer.Start(context.Background()))
	defer tailer.Stop()
	assert.Equal(t, int64(1), tailer.Cursor())

	id2 := fake.insert(store.OutboxSessionStarted)
	id3 := fake.insert(store.OutboxJobCompleted)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int64{id2, id3}, seen)
	mu.Unlock()
	assert.Equal(t, id3, tailer.Cursor())

	// Broadcast rows get marked delivered exactly once.
	assert.Eventually(t, func() bool {
		return fake.deliveredCount(id2) == 1 && fake.deliveredCount(id3) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, fake.deliveredCount(1))
}

func TestTailerReplayDoesNotMoveCursor(t *testing.T) {
	fake := newFakeOutboxStore()
	fake.insert(store.OutboxBriefingAdded)
	fake.insert(store.OutboxSessionStarted)
	fake.insert(store.OutboxAuditCompleted)

	tailer := NewTailer(fake, testConfig())
	require.NoError(t, tailer.Start(context.Background()))
	defer tailer.Stop()

	before := tailer.Cursor()

	events, err := tailer.GetEventsAfter(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].EventID)
	assert.Equal(t, int64(3), events[1].EventID)

	assert.Equal(t, before, tailer.Cursor())
	// Replay never marks rows delivered.
	assert.Equal(t, 0, fake.deliveredCount(2))
}

func TestTailerUnsubscribeStopsDelivery(t *testing.T) {
	fake := newFakeOutboxStore()
	tailer := NewTailer(fake, testConfig())

	var mu sync.Mutex
	count := 0
	unsubscribe := tailer.Subscribe(func(store.OutboxEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	require.NoError(t, tailer.Start(context.Background()))
	defer tailer.Stop()

	fake.insert(store.OutboxError)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsubscribe()
	fake.insert(store.OutboxError)

	// Give the poll loop a few ticks; the count must not move.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestTailerStopIsIdempotent(t *testing.T) {
	tailer := NewTailer(newFakeOutboxStore(), testConfig())
	require.NoError(t, tailer.Start(context.Background()))

	tailer.Stop()
	assert.NotPanics(t, tailer.Stop)
}
