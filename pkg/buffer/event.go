// Package buffer provides the per-session event model and the bounded
// in-memory replay buffer that backs WebSocket attach/replay.
package buffer

import (
	"encoding/json"
	"time"
)

// EventType discriminates the SessionEvent union.
type EventType string

// Session event types. The set is closed — the gateway never emits
// anything outside this list.
const (
	EventTypeStdout       EventType = "stdout"
	EventTypeTool         EventType = "tool"
	EventTypeText         EventType = "text"
	EventTypeThinking     EventType = "thinking"
	EventTypeProgress     EventType = "progress"
	EventTypeStatusChange EventType = "status_change"
)

// ToolPhase distinguishes the two halves of a tool invocation.
type ToolPhase string

// Tool phases.
const (
	ToolPhasePre  ToolPhase = "pre"
	ToolPhasePost ToolPhase = "post"
)

// SessionEvent is one entry in a session's merged stream. It is a
// discriminated record: Type selects which optional fields are meaningful.
type SessionEvent struct {
	Type EventType `json:"type"`

	// stdout
	Data string `json:"data,omitempty"`

	// tool
	Phase      ToolPhase       `json:"phase,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult json.RawMessage `json:"tool_result,omitempty"`
	OK         *bool           `json:"ok,omitempty"`

	// text / thinking / progress
	Text string `json:"text,omitempty"`

	// status_change
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	Timestamp string `json:"ts"`
}

// NewStdoutEvent builds a stdout event stamped with the current time.
func NewStdoutEvent(data string) SessionEvent {
	return SessionEvent{
		Type:      EventTypeStdout,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}

// eventOverhead approximates the fixed serialization cost of an event
// (type tag, sequence framing, timestamp) on top of its payload bytes.
const eventOverhead = 16

// EstimateSize returns the approximate byte cost of the event for ring
// buffer accounting. It intentionally under-counts JSON framing: the
// budget bounds payload retention, not exact wire bytes.
func (e SessionEvent) EstimateSize() int {
	size := eventOverhead
	size += len(e.Data)
	size += len(e.Text)
	size += len(e.ToolName)
	size += len(e.ToolInput)
	size += len(e.ToolResult)
	size += len(e.From) + len(e.To)
	return size
}

// BufferedEvent pairs a session event with its assigned sequence number.
type BufferedEvent struct {
	Seq   int64        `json:"seq"`
	Event SessionEvent `json:"event"`
	size  int
}
