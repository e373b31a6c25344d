package commander

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/ptybridge"
	"github.com/codefleet/fleetd/pkg/sessions"
	"github.com/codefleet/fleetd/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLauncher records PTY create and stop calls.
type fakeLauncher struct {
	mu      sync.Mutex
	creates []ptybridge.CreateRequest
	stops   []string
	nextID  int
	failing bool
}

func (f *fakeLauncher) Create(req ptybridge.CreateRequest) (ptybridge.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return ptybridge.SessionInfo{}, fmt.Errorf("spawn refused")
	}
	f.creates = append(f.creates, req)
	f.nextID++
	return ptybridge.SessionInfo{SessionID: fmt.Sprintf("pty-%d", f.nextID)}, nil
}

func (f *fakeLauncher) Stop(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sessionID)
}

func (f *fakeLauncher) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

func (f *fakeLauncher) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := f.creates[len(f.creates)-1].Command
	// [agent, -p, prompt, ...]
	return cmd[2]
}

func (f *fakeLauncher) lastCommand() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[len(f.creates)-1].Command
}

// fakeFleet serves outbox events after a cursor.
type fakeFleet struct {
	events []store.OutboxEvent
}

func (f *fakeFleet) Cursor() int64 { return 0 }

func (f *fakeFleet) GetEventsAfter(_ context.Context, cursor int64, limit int) ([]store.OutboxEvent, error) {
	var out []store.OutboxEvent
	for _, ev := range f.events {
		if ev.EventID > cursor && len(out) < limit {
			out = append(out, ev)
		}
	}
	return out, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) queuedPositions() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int
	for _, ev := range l.events {
		if ev.Type == EventQueued {
			out = append(out, ev.Position)
		}
	}
	return out
}

func newTestManager(t *testing.T, fleet FleetReader) (*Manager, *fakeLauncher, *sessions.Store, *eventLog) {
	t.Helper()
	launcher := &fakeLauncher{}
	sessionStore := sessions.NewStore()
	log := &eventLog{}
	cfg := config.CommanderConfig{
		StateFile: filepath.Join(t.TempDir(), "commander.json"),
	}
	m := NewManager(cfg, "claude", launcher, sessionStore, fleet, log.record)
	require.NoError(t, m.Initialize())
	t.Cleanup(m.Shutdown)
	return m, launcher, sessionStore, log
}

func TestFirstTurnFramingAndFleetDelta(t *testing.T) {
	fleet := &fakeFleet{events: []store.OutboxEvent{
		{EventID: 4, Type: store.OutboxSessionStarted, ProjectID: "p1"},
		{EventID: 5, Type: store.OutboxBriefingAdded},
	}}
	m, launcher, _, _ := newTestManager(t, fleet)

	require.NoError(t, m.SendPrompt("status report"))
	require.Equal(t, 1, launcher.createCount())

	prompt := launcher.lastPrompt()
	assert.Contains(t, prompt, "fleet commander", "first turn carries the framing")
	assert.Contains(t, prompt, "Fleet activity since your last turn:")
	assert.Contains(t, prompt, "session_started (project p1)")
	assert.Contains(t, prompt, "briefing_added")
	assert.True(t, strings.HasSuffix(prompt, "status report"))

	// No --resume before a conversation id is known.
	assert.NotContains(t, launcher.lastCommand(), "--resume")
	assert.Equal(t, StatusWorking, m.GetState().Status)
}

func TestSecondTurnOmitsFramingAndConsumedDelta(t *testing.T) {
	fleet := &fakeFleet{events: []store.OutboxEvent{
		{EventID: 4, Type: store.OutboxSessionStarted},
	}}
	m, launcher, _, _ := newTestManager(t, fleet)

	require.NoError(t, m.SendPrompt("first"))
	m.applyExternalStatus(StatusIdle)
	require.NoError(t, m.SendPrompt("second"))

	prompt := launcher.lastPrompt()
	assert.NotContains(t, prompt, "fleet commander")
	assert.NotContains(t, prompt, "Fleet activity", "delta already consumed on turn one")
	assert.Equal(t, "second", prompt)
}

func TestPromptQueueingAndDraining(t *testing.T) {
	m, launcher, _, log := newTestManager(t, nil)

	require.NoError(t, m.SendPrompt("zero"))
	require.Equal(t, 1, launcher.createCount())

	// Busy: three prompts queue up with positions 1..3, no new spawns.
	require.NoError(t, m.SendPrompt("one"))
	require.NoError(t, m.SendPrompt("two"))
	require.NoError(t, m.SendPrompt("three"))
	assert.Equal(t, 1, launcher.createCount())
	assert.Equal(t, []int{1, 2, 3}, log.queuedPositions())
	assert.Equal(t, 3, m.GetState().QueueLength)

	// Each transition out of working drains exactly one prompt.
	m.applyExternalStatus(StatusWaitingForInput)
	assert.Equal(t, 2, launcher.createCount())
	assert.Equal(t, "one", launcher.lastPrompt())
	assert.Equal(t, StatusWorking, m.GetState().Status)
	assert.Equal(t, 2, m.GetState().QueueLength)

	m.applyExternalStatus(StatusWaitingForInput)
	assert.Equal(t, "two", launcher.lastPrompt())

	m.applyExternalStatus(StatusIdle)
	assert.Equal(t, "three", launcher.lastPrompt())
	assert.Equal(t, 0, m.GetState().QueueLength)
	assert.Equal(t, StatusWorking, m.GetState().Status)
}

func TestPtyExitDrainsQueue(t *testing.T) {
	m, launcher, sessionStore, _ := newTestManager(t, nil)

	require.NoError(t, m.SendPrompt("zero"))
	require.NoError(t, m.SendPrompt("one"))
	ptyID := m.GetPtySessionID()
	require.NotEmpty(t, ptyID)

	// The registry reports the commander's PTY exit.
	sessionStore.AddFromPty(sessions.PtyInfo{SessionID: ptyID})
	sessionStore.Remove(ptyID)

	assert.Eventually(t, func() bool {
		return launcher.createCount() == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "one", launcher.lastPrompt())
}

func TestResumeFlagAfterCapturedConversation(t *testing.T) {
	launcher := &fakeLauncher{}
	sessionStore := sessions.NewStore()
	stateFile := filepath.Join(t.TempDir(), "commander.json")
	require.NoError(t, os.WriteFile(stateFile,
		[]byte(`{"external_id":"conv-77"}`), 0o644))

	m := NewManager(config.CommanderConfig{StateFile: stateFile},
		"claude", launcher, sessionStore, nil, nil)
	require.NoError(t, m.Initialize())
	defer m.Shutdown()

	require.NoError(t, m.SendPrompt("hello again"))
	cmd := launcher.lastCommand()
	assert.Contains(t, cmd, "--resume")
	assert.Contains(t, cmd, "conv-77")
}

func TestResetClearsEverything(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, nil)

	require.NoError(t, m.SendPrompt("zero"))
	require.NoError(t, m.SendPrompt("queued"))
	ptyID := m.GetPtySessionID()

	// Simulate a captured conversation id.
	m.mu.Lock()
	m.externalID = "conv-1"
	m.mu.Unlock()
	m.persistExternalID("conv-1")

	m.Reset()

	state := m.GetState()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Empty(t, state.ExternalID)
	assert.Empty(t, state.PtySessionID)
	assert.Zero(t, state.QueueLength)
	assert.Zero(t, state.TurnCount)
	assert.Contains(t, launcher.stops, ptyID)
	_, err := os.Stat(m.config.StateFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCancelStopsPtyKeepsQueue(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, nil)

	require.NoError(t, m.SendPrompt("zero"))
	require.NoError(t, m.SendPrompt("queued"))
	ptyID := m.GetPtySessionID()

	m.Cancel()
	assert.Contains(t, launcher.stops, ptyID)
	assert.Equal(t, 1, m.GetState().QueueLength)
}

func TestSpawnFailureReturnsError(t *testing.T) {
	m, launcher, _, _ := newTestManager(t, nil)
	launcher.failing = true

	err := m.SendPrompt("doomed")
	require.Error(t, err)
	assert.Equal(t, StatusIdle, m.GetState().Status)
}

func TestCaptureExternalIDPersists(t *testing.T) {
	m, _, _, _ := newTestManager(t, nil)

	m.captureExternalID("conv-abc")
	// A second discovery never overwrites the first.
	m.captureExternalID("conv-later")

	assert.Equal(t, "conv-abc", m.GetState().ExternalID)
	data, err := os.ReadFile(m.config.StateFile)
	require.NoError(t, err)
	var st persistedState
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, "conv-abc", st.ExternalID)
}

func TestMapExternalStatus(t *testing.T) {
	assert.Equal(t, StatusWorking, mapExternalStatus("working"))
	assert.Equal(t, StatusWaitingForInput, mapExternalStatus("waiting"))
	assert.Equal(t, StatusWaitingForInput, mapExternalStatus("waiting_for_input"))
	assert.Equal(t, StatusWaitingForInput, mapExternalStatus("waiting_for_approval"))
	assert.Equal(t, StatusIdle, mapExternalStatus("idle"))
	assert.Equal(t, StatusIdle, mapExternalStatus("completed"))
	assert.Equal(t, StatusIdle, mapExternalStatus("anything-else"))
}
