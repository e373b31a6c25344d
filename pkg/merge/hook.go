package merge

import "encoding/json"

// Hook kinds emitted by the agent's hook scripts. Kinds outside this set
// are ignored by the merger.
const (
	HookPreToolUse   = "PreToolUse"
	HookPostToolUse  = "PostToolUse"
	HookStatusChange = "status_change"
)

// HookEvent is one out-of-band JSON object received on the hook socket.
// FleetSessionID identifies the owning PTY session; lines without it are
// dropped before they ever reach a merger.
type HookEvent struct {
	FleetSessionID string          `json:"fleet_session_id"`
	HookType       string          `json:"hook_type,omitempty"`
	EventType      string          `json:"event_type,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ToolResult     json.RawMessage `json:"tool_result,omitempty"`
	Phase          string          `json:"phase,omitempty"`
	OK             *bool           `json:"ok,omitempty"`
	From           string          `json:"from,omitempty"`
	To             string          `json:"to,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"`
}

// kind returns the discriminator used by the merger: hook_type when
// present, otherwise event_type (status-change events arrive with only
// event_type set).
func (h HookEvent) kind() string {
	if h.HookType != "" {
		return h.HookType
	}
	return h.EventType
}
