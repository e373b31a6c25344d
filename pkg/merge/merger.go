// Package merge interleaves a session's PTY output with its asynchronously
// arriving hook events into a single ordered stream. The merger is the sole
// assigner of sequence numbers for its session, which is what makes the
// buffered-replay-then-live handoff seamless for attaching clients.
package merge

import (
	"sync"
	"time"

	"github.com/codefleet/fleetd/pkg/buffer"
)

// Ignored is returned by AddHookEvent for hook kinds outside the
// recognized set.
const Ignored int64 = -1

// ActiveTool records the last unmatched pre-phase tool invocation.
type ActiveTool struct {
	Name      string    `json:"name"`
	Seq       int64     `json:"seq"`
	StartedAt time.Time `json:"started_at"`
}

// Merger owns one session's ring buffer and active-tool tracking.
type Merger struct {
	mu     sync.Mutex
	buf    *buffer.RingBuffer
	active *ActiveTool
}

// NewMerger creates a merger backed by a ring buffer of budget bytes.
func NewMerger(budget int) *Merger {
	return &Merger{buf: buffer.NewRingBuffer(budget)}
}

// AddStdout appends a raw PTY output chunk and returns its sequence and
// the stored event. It never touches the active tool.
func (m *Merger) AddStdout(data string) (int64, buffer.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := buffer.NewStdoutEvent(data)
	return m.buf.Push(ev), ev
}

// AddHookEvent transforms a hook event into a session event, appends it,
// and returns its sequence and the stored event. Unrecognized hook kinds
// return Ignored.
//
// A second pre without an intervening post replaces the active tool; a
// post always clears it, matching or not.
func (m *Merger) AddHookEvent(hook HookEvent) (int64, buffer.SessionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := hook.Timestamp
	if ts == "" {
		ts = time.Now().Format(time.RFC3339Nano)
	}

	switch hook.kind() {
	case HookPreToolUse:
		ev := buffer.SessionEvent{
			Type:      buffer.EventTypeTool,
			Phase:     buffer.ToolPhasePre,
			ToolName:  hook.ToolName,
			ToolInput: hook.ToolInput,
			Timestamp: ts,
		}
		seq := m.buf.Push(ev)
		m.active = &ActiveTool{Name: hook.ToolName, Seq: seq, StartedAt: time.Now()}
		return seq, ev

	case HookPostToolUse:
		ok := true
		if hook.OK != nil {
			ok = *hook.OK
		}
		ev := buffer.SessionEvent{
			Type:       buffer.EventTypeTool,
			Phase:      buffer.ToolPhasePost,
			ToolName:   hook.ToolName,
			ToolInput:  hook.ToolInput,
			ToolResult: hook.ToolResult,
			OK:         &ok,
			Timestamp:  ts,
		}
		seq := m.buf.Push(ev)
		m.active = nil
		return seq, ev

	case HookStatusChange:
		ev := buffer.SessionEvent{
			Type:      buffer.EventTypeStatusChange,
			From:      hook.From,
			To:        hook.To,
			Timestamp: ts,
		}
		return m.buf.Push(ev), ev

	default:
		return Ignored, buffer.SessionEvent{}
	}
}

// GetEventsFrom returns buffered events with seq > afterSeq, in order.
func (m *Merger) GetEventsFrom(afterSeq int64) []buffer.BufferedEvent {
	return m.buf.GetFrom(afterSeq)
}

// GetActiveTool returns a copy of the last unmatched pre-phase tool, or
// nil if every pre has been matched by a post.
func (m *Merger) GetActiveTool() *ActiveTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil
	}
	cp := *m.active
	return &cp
}

// GetLatestSeq returns the last assigned sequence for this session.
func (m *Merger) GetLatestSeq() int64 {
	return m.buf.GetLatestSeq()
}

// Stats exposes the underlying buffer occupancy.
func (m *Merger) Stats() buffer.Stats {
	return m.buf.GetStats()
}
