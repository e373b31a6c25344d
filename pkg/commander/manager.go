// Package commander presents the meta-agent as a single stateful
// conversation. Prompts are serialized through a queue; each turn
// re-spawns the agent CLI with --resume so context carries across
// invocations.
package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/ptybridge"
	"github.com/codefleet/fleetd/pkg/sessions"
	"github.com/codefleet/fleetd/pkg/store"
	"github.com/codefleet/fleetd/pkg/watch"
)

// Status is the commander's coarse state.
type Status string

// Commander statuses.
const (
	StatusIdle            Status = "idle"
	StatusWorking         Status = "working"
	StatusWaitingForInput Status = "waiting_for_input"
)

// Event types emitted to the gateway.
const (
	EventQueued = "commander.queued"
	EventStatus = "commander.status"
)

// Event is one commander notification.
type Event struct {
	Type string
	// Position is set for EventQueued.
	Position int
	// Status is set for EventStatus.
	Status Status
}

// PtyLauncher is the slice of the PTY bridge the commander drives.
type PtyLauncher interface {
	Create(req ptybridge.CreateRequest) (ptybridge.SessionInfo, error)
	Stop(sessionID string)
}

// FleetReader exposes the outbox stream for the fleet-prelude delta.
type FleetReader interface {
	GetEventsAfter(ctx context.Context, cursor int64, limit int) ([]store.OutboxEvent, error)
	Cursor() int64
}

// State is a snapshot of the commander for clients.
type State struct {
	Status       Status `json:"status"`
	PtySessionID string `json:"pty_session_id,omitempty"`
	ExternalID   string `json:"external_id,omitempty"`
	QueueLength  int    `json:"queue_length"`
	TurnCount    int    `json:"turn_count"`
}

type queuedPrompt struct {
	prompt     string
	enqueuedAt time.Time
}

// persistedState is the JSON written to the state file so the external
// conversation survives daemon restarts.
type persistedState struct {
	ExternalID string `json:"external_id"`
}

// systemFraming is prepended to the very first turn of a conversation.
const systemFraming = `You are the fleet commander, a coordinating agent supervising a fleet of
coding-agent sessions on this workstation. You receive prompts from the
operator and periodic fleet activity summaries. Keep answers short and
operational. When asked to act on a project, prefer dispatching work to a
session over doing it yourself.`

// Manager owns the single commander conversation.
type Manager struct {
	config       config.CommanderConfig
	agentCommand string
	pty          PtyLauncher
	sessionStore *sessions.Store
	fleet        FleetReader
	emit         func(Event)

	mu           sync.Mutex
	status       Status
	ptySessionID string
	externalID   string
	queue        []queuedPrompt
	turnCount    int
	isDraining   bool

	transcriptWatcher *watch.TranscriptWatcher
	statusWatcher     *watch.StatusWatcher
	fleetCursor       int64
	unsubscribe       func()
}

// NewManager wires the commander. emit may be nil.
func NewManager(cfg config.CommanderConfig, agentCommand string, pty PtyLauncher, sessionStore *sessions.Store, fleet FleetReader, emit func(Event)) *Manager {
	if emit == nil {
		emit = func(Event) {}
	}
	return &Manager{
		config:       cfg,
		agentCommand: agentCommand,
		pty:          pty,
		sessionStore: sessionStore,
		fleet:        fleet,
		emit:         emit,
		status:       StatusIdle,
	}
}

// Initialize loads the persisted conversation id and subscribes to the
// session registry for readiness updates.
func (m *Manager) Initialize() error {
	m.mu.Lock()
	if data, err := os.ReadFile(m.config.StateFile); err == nil {
		var st persistedState
		if err := json.Unmarshal(data, &st); err == nil && st.ExternalID != "" {
			m.externalID = st.ExternalID
			slog.Info("Commander resuming conversation", "external_id", st.ExternalID)
		}
	}
	if m.fleet != nil {
		m.fleetCursor = m.fleet.Cursor()
	}
	m.mu.Unlock()

	m.unsubscribe = m.sessionStore.Subscribe(m.handleSessionEvent)
	return nil
}

// Shutdown closes watchers and stops the active PTY, keeping the
// persisted conversation id for the next daemon run.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ptyID := m.ptySessionID
	m.closeWatchersLocked()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if ptyID != "" {
		m.pty.Stop(ptyID)
	}
}

// SendPrompt queues the prompt if the commander is busy, otherwise runs
// it immediately.
func (m *Manager) SendPrompt(prompt string) error {
	m.mu.Lock()
	if m.status == StatusWorking {
		m.queue = append(m.queue, queuedPrompt{prompt: prompt, enqueuedAt: time.Now()})
		position := len(m.queue)
		m.mu.Unlock()

		slog.Info("Commander prompt queued", "position", position)
		m.emit(Event{Type: EventQueued, Position: position})
		return nil
	}
	err := m.runLocked(prompt)
	m.mu.Unlock()

	if err == nil {
		m.emit(Event{Type: EventStatus, Status: StatusWorking})
	}
	return err
}

// Reset tears everything down: watchers, the active PTY, the queue, and
// the persisted conversation id.
func (m *Manager) Reset() {
	m.mu.Lock()
	ptyID := m.ptySessionID
	m.ptySessionID = ""
	m.externalID = ""
	m.queue = nil
	m.turnCount = 0
	m.status = StatusIdle
	m.isDraining = false
	m.closeWatchersLocked()
	m.mu.Unlock()

	if ptyID != "" {
		m.pty.Stop(ptyID)
	}
	if err := os.Remove(m.config.StateFile); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove commander state file", "error", err)
	}
	slog.Info("Commander reset")
	m.emit(Event{Type: EventStatus, Status: StatusIdle})
}

// Cancel aborts the current turn. The queue and conversation id survive;
// the PTY exit path transitions to idle and drains the queue.
func (m *Manager) Cancel() {
	m.mu.Lock()
	ptyID := m.ptySessionID
	m.mu.Unlock()
	if ptyID != "" {
		slog.Info("Canceling commander turn", "session_id", ptyID)
		m.pty.Stop(ptyID)
	}
}

// GetState returns a snapshot.
func (m *Manager) GetState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return State{
		Status:       m.status,
		PtySessionID: m.ptySessionID,
		ExternalID:   m.externalID,
		QueueLength:  len(m.queue),
		TurnCount:    m.turnCount,
	}
}

// GetPtySessionID returns the active PTY session id, or "".
func (m *Manager) GetPtySessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ptySessionID
}

// runLocked executes one prompt. Caller holds m.mu.
func (m *Manager) runLocked(prompt string) error {
	fullPrompt := m.buildPromptLocked(prompt)

	command := []string{m.agentCommand, "-p", fullPrompt, "--dangerously-skip-permissions"}
	if m.externalID != "" {
		command = append(command, "--resume", m.externalID)
	}

	m.status = StatusWorking
	m.turnCount++

	if m.externalID == "" {
		m.startTranscriptWatcherLocked()
	} else if m.statusWatcher == nil {
		m.startStatusWatcherLocked(m.externalID)
	}

	info, err := m.pty.Create(ptybridge.CreateRequest{
		ProjectID: "commander",
		Command:   command,
	})
	if err != nil {
		m.status = StatusIdle
		return fmt.Errorf("failed to start commander turn: %w", err)
	}
	m.ptySessionID = info.SessionID

	slog.Info("Commander turn started",
		"session_id", info.SessionID, "turn", m.turnCount,
		"resumed", m.externalID != "")
	return nil
}

// buildPromptLocked assembles the full prompt: first-turn framing, then
// the fleet delta since the last turn, then the operator's text.
func (m *Manager) buildPromptLocked(prompt string) string {
	var b strings.Builder
	if m.turnCount == 0 {
		b.WriteString("<reminder>\n")
		b.WriteString(systemFraming)
		b.WriteString("\n</reminder>\n\n")
	}
	if delta := m.buildFleetDeltaLocked(); delta != "" {
		b.WriteString("<reminder>\n")
		b.WriteString(delta)
		b.WriteString("\n</reminder>\n\n")
	}
	b.WriteString(prompt)
	return b.String()
}

// buildFleetDeltaLocked summarizes outbox activity since the recorded
// cursor and advances it.
func (m *Manager) buildFleetDeltaLocked() string {
	if m.fleet == nil {
		return ""
	}
	events, err := m.fleet.GetEventsAfter(context.Background(), m.fleetCursor, 50)
	if err != nil {
		slog.Warn("Failed to build fleet delta", "error", err)
		return ""
	}
	if len(events) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Fleet activity since your last turn:\n")
	for _, ev := range events {
		b.WriteString("- ")
		b.WriteString(ev.Type)
		if ev.ProjectID != "" {
			b.WriteString(" (project ")
			b.WriteString(ev.ProjectID)
			b.WriteString(")")
		}
		b.WriteString("\n")
		m.fleetCursor = ev.EventID
	}
	return strings.TrimRight(b.String(), "\n")
}

// startTranscriptWatcherLocked watches the external tool's project
// directory for the new conversation's transcript file.
func (m *Manager) startTranscriptWatcherLocked() {
	if m.config.ProjectDir == "" || m.transcriptWatcher != nil {
		return
	}
	w, err := watch.NewTranscriptWatcher(m.config.ProjectDir, m.captureExternalID)
	if err != nil {
		slog.Warn("Failed to watch commander project directory", "error", err)
		return
	}
	m.transcriptWatcher = w
}

// captureExternalID records the conversation id discovered by the
// transcript watcher, persists it, and switches to status watching.
func (m *Manager) captureExternalID(conversationID string) {
	m.mu.Lock()
	if m.externalID != "" {
		m.mu.Unlock()
		return
	}
	m.externalID = conversationID
	if m.transcriptWatcher != nil {
		go m.transcriptWatcher.Close()
		m.transcriptWatcher = nil
	}
	m.startStatusWatcherLocked(conversationID)
	m.mu.Unlock()

	m.persistExternalID(conversationID)
	slog.Info("Commander conversation captured", "external_id", conversationID)
}

func (m *Manager) startStatusWatcherLocked(conversationID string) {
	if m.config.StatusDir == "" || m.statusWatcher != nil {
		return
	}
	w, err := watch.NewStatusWatcher(m.config.StatusDir, conversationID, m.handleStatusFile)
	if err != nil {
		slog.Warn("Failed to watch commander status file", "error", err)
		return
	}
	m.statusWatcher = w
}

func (m *Manager) persistExternalID(conversationID string) {
	data, err := json.Marshal(persistedState{ExternalID: conversationID})
	if err != nil {
		return
	}
	if dir := filepath.Dir(m.config.StateFile); dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(m.config.StateFile, data, 0o644); err != nil {
		slog.Warn("Failed to persist commander state", "error", err)
	}
}

// handleStatusFile maps status-file values onto the commander state.
func (m *Manager) handleStatusFile(status watch.StatusFile) {
	m.applyExternalStatus(mapExternalStatus(status.Status))
}

// handleSessionEvent reconciles registry updates for the commander's own
// PTY session. Discovered events are ignored before locking: the registry
// notifies synchronously, and the commander's own spawn registers the
// session while m.mu is held.
func (m *Manager) handleSessionEvent(ev sessions.Event) {
	if ev.Type == sessions.EventDiscovered {
		return
	}
	m.mu.Lock()
	mine := m.ptySessionID != "" && ev.Session.SessionID == m.ptySessionID
	m.mu.Unlock()
	if !mine {
		return
	}

	switch ev.Type {
	case sessions.EventUpdated:
		m.applyExternalStatus(mapExternalStatus(string(ev.Session.Status)))
	case sessions.EventRemoved:
		m.handlePtyExit()
	}
}

// handlePtyExit clears the active session and drains the queue.
func (m *Manager) handlePtyExit() {
	m.mu.Lock()
	m.ptySessionID = ""
	m.status = StatusIdle
	m.mu.Unlock()

	m.emit(Event{Type: EventStatus, Status: StatusIdle})
	m.drain()
}

// applyExternalStatus applies a mapped status; transitions out of
// working trigger queue draining.
func (m *Manager) applyExternalStatus(next Status) {
	m.mu.Lock()
	if m.status == next {
		m.mu.Unlock()
		return
	}
	m.status = next
	m.mu.Unlock()

	slog.Debug("Commander status changed", "status", next)
	m.emit(Event{Type: EventStatus, Status: next})
	if next == StatusWaitingForInput || next == StatusIdle {
		m.drain()
	}
}

// drain pops and runs the queue head. Serialized by the isDraining guard
// so overlapping transitions run at most one prompt.
func (m *Manager) drain() {
	m.mu.Lock()
	if m.isDraining || len(m.queue) == 0 || m.status == StatusWorking {
		m.mu.Unlock()
		return
	}
	m.isDraining = true
	head := m.queue[0]
	m.queue = m.queue[1:]

	err := m.runLocked(head.prompt)
	m.isDraining = false
	m.mu.Unlock()

	if err != nil {
		slog.Error("Failed to drain commander queue", "error", err)
		return
	}
	m.emit(Event{Type: EventStatus, Status: StatusWorking})
}

// closeWatchersLocked shuts both watchers. Caller holds m.mu.
func (m *Manager) closeWatchersLocked() {
	if m.transcriptWatcher != nil {
		go m.transcriptWatcher.Close()
		m.transcriptWatcher = nil
	}
	if m.statusWatcher != nil {
		go m.statusWatcher.Close()
		m.statusWatcher = nil
	}
}

// mapExternalStatus folds the external status vocabulary onto the
// commander's closed set.
func mapExternalStatus(s string) Status {
	switch s {
	case "working":
		return StatusWorking
	case "waiting", "waiting_for_input", "waiting_for_approval":
		return StatusWaitingForInput
	default:
		return StatusIdle
	}
}
