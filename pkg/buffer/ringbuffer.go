package buffer

import "sync"

// RingBuffer is a bounded, append-only log of session events indexed by a
// monotone sequence number. Eviction is strictly from the oldest end and
// never resets the sequence, so a client that reconnects across an eviction
// sees a gap at the front and nothing else.
type RingBuffer struct {
	mu      sync.RWMutex
	budget  int
	bytes   int
	nextSeq int64
	entries []BufferedEvent
}

// Stats is a point-in-time snapshot of buffer occupancy.
type Stats struct {
	Count     int   `json:"count"`
	Bytes     int   `json:"bytes"`
	Budget    int   `json:"budget"`
	OldestSeq int64 `json:"oldest_seq"`
	NewestSeq int64 `json:"newest_seq"`
}

// NewRingBuffer creates a buffer holding at most budget bytes of events.
func NewRingBuffer(budget int) *RingBuffer {
	return &RingBuffer{
		budget:  budget,
		nextSeq: 1,
	}
}

// Push appends an event, assigns it the next sequence number, and evicts
// from the front until the byte budget is respected. Returns the assigned
// sequence.
func (b *RingBuffer) Push(event SessionEvent) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.nextSeq
	b.nextSeq++

	size := event.EstimateSize()
	b.entries = append(b.entries, BufferedEvent{Seq: seq, Event: event, size: size})
	b.bytes += size

	for b.bytes > b.budget && len(b.entries) > 0 {
		b.bytes -= b.entries[0].size
		b.entries = b.entries[1:]
	}

	return seq
}

// GetFrom returns a copy of every buffered event with seq > afterSeq, in
// order. If afterSeq predates the oldest resident entry the caller simply
// receives what remains — consumers must tolerate gaps after evictions.
func (b *RingBuffer) GetFrom(afterSeq int64) []BufferedEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Entries are ordered by seq; find the first one past the cursor.
	i := 0
	for i < len(b.entries) && b.entries[i].Seq <= afterSeq {
		i++
	}
	if i == len(b.entries) {
		return nil
	}

	out := make([]BufferedEvent, len(b.entries)-i)
	copy(out, b.entries[i:])
	return out
}

// GetLatestSeq returns the last assigned sequence, or 0 if nothing was
// ever pushed. Evictions do not affect it.
func (b *RingBuffer) GetLatestSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq - 1
}

// GetStats returns the current occupancy snapshot.
func (b *RingBuffer) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := Stats{
		Count:  len(b.entries),
		Bytes:  b.bytes,
		Budget: b.budget,
	}
	if len(b.entries) > 0 {
		s.OldestSeq = b.entries[0].Seq
		s.NewestSeq = b.entries[len(b.entries)-1].Seq
	}
	return s
}

// Clear drops all buffered entries but preserves the sequence counter, so
// events pushed after a clear continue the same monotone series.
func (b *RingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.bytes = 0
}
