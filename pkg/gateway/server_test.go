package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefleet/fleetd/pkg/commander"
	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/merge"
	"github.com/codefleet/fleetd/pkg/outbox"
	"github.com/codefleet/fleetd/pkg/sessions"
	"github.com/codefleet/fleetd/pkg/store"
)

// newTestServer builds a server with just the pieces the hook and PTY
// callback paths touch. No listeners, no database.
func newTestServer() *Server {
	sessionStore := sessions.NewStore()
	s := &Server{
		config: &config.Config{
			Pty: config.PtyConfig{BufferBudget: 64 * 1024},
		},
		subs:         NewSubscriptionManager(),
		sessionStore: sessionStore,
		mergers:      make(map[string]*merge.Merger),
	}
	s.commander = commander.NewManager(config.CommanderConfig{}, "claude", commanderLauncher{s}, sessionStore, nil, nil)
	return s
}

// fakeFleetStore is an in-memory outbox.Querier.
type fakeFleetStore struct {
	events []store.OutboxEvent
}

func (f *fakeFleetStore) LatestEventID(context.Context) (int64, error) {
	if len(f.events) == 0 {
		return 0, nil
	}
	return f.events[len(f.events)-1].EventID, nil
}

func (f *fakeFleetStore) GetEventsAfter(_ context.Context, cursor int64, limit int) ([]store.OutboxEvent, error) {
	var out []store.OutboxEvent
	for _, ev := range f.events {
		if ev.EventID > cursor {
			out = append(out, ev)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeFleetStore) MarkDelivered(context.Context, []int64) error { return nil }

func lastSessionEvent(t *testing.T, c *ClientConnection) sessionEventMessage {
	t.Helper()
	queued := drainQueue(c)
	require.NotEmpty(t, queued)
	var msg sessionEventMessage
	require.NoError(t, json.Unmarshal(queued[len(queued)-1].data, &msg))
	return msg
}

func TestFleetSubscribeReplaysThenLive(t *testing.T) {
	s := newTestServer()
	fleet := &fakeFleetStore{events: []store.OutboxEvent{
		{EventID: 10, Type: store.OutboxBriefingAdded, ProjectID: "p1"},
		{EventID: 11, Type: store.OutboxSessionStarted, ProjectID: "p1"},
		{EventID: 12, Type: store.OutboxJobCompleted, ProjectID: "p2"},
	}}
	s.config.Outbox = config.OutboxConfig{PollInterval: time.Hour, BatchLimit: 100}
	s.tailer = outbox.NewTailer(fleet, s.config.Outbox)

	client := newTestClient("c1", ScopeSession)
	s.subs.Register(client)

	// Live events before subscribing go nowhere.
	s.broadcastFleetEvent(store.OutboxEvent{EventID: 9, Type: store.OutboxError})
	require.Empty(t, drainQueue(client))

	s.handleFleetSubscribe(client, &clientMessage{Type: "fleet.subscribe", FromEventID: 10})
	s.broadcastFleetEvent(store.OutboxEvent{EventID: 13, Type: store.OutboxSessionBlocked})

	assert.True(t, client.IsFleetSubscribed())
	queued := drainQueue(client)
	require.Len(t, queued, 3) // 11 and 12 replayed, 13 live, 10 excluded
	var ids []int64
	for _, out := range queued {
		var msg fleetEventMessage
		require.NoError(t, json.Unmarshal(out.data, &msg))
		assert.Equal(t, "fleet.event", msg.Type)
		ids = append(ids, msg.EventID)
	}
	assert.Equal(t, []int64{11, 12, 13}, ids)
}

func TestHookLineMergesAndBroadcasts(t *testing.T) {
	s := newTestServer()
	s.getOrCreateMerger("s1")

	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleHookLine([]byte(`{"fleet_session_id":"s1","hook_type":"PreToolUse","tool_name":"Read","tool_input":{"path":"/x"}}`))

	msg := lastSessionEvent(t, client)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, "s1", msg.SessionID)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "Read", msg.Event.ToolName)

	active := s.getMerger("s1").GetActiveTool()
	require.NotNil(t, active)
	assert.Equal(t, "Read", active.Name)
}

func TestHookLineWithoutSessionIDDropped(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleHookLine([]byte(`{"hook_type":"PreToolUse","tool_name":"Read"}`))
	assert.Empty(t, drainQueue(client))
}

func TestHookLineUnknownSessionDropped(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleHookLine([]byte(`{"fleet_session_id":"nope","hook_type":"PreToolUse","tool_name":"Read"}`))
	assert.Empty(t, drainQueue(client))
	assert.Nil(t, s.getMerger("nope"))
}

func TestHookLineMalformedAndIgnoredKinds(t *testing.T) {
	s := newTestServer()
	s.getOrCreateMerger("s1")
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleHookLine([]byte(`{not json`))
	s.handleHookLine([]byte(`{"fleet_session_id":"s1","hook_type":"Notification"}`))

	assert.Empty(t, drainQueue(client))
	assert.Equal(t, int64(0), s.getMerger("s1").GetLatestSeq())
}

func TestPtyOutputBroadcastsAndTouches(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handlePtyOutput("s1", []byte("hello\n"))

	msg := lastSessionEvent(t, client)
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, int64(1), msg.Seq)
	assert.Equal(t, "hello\n", msg.Event.Data)
}

func TestAttachReplayUsesMergerBuffer(t *testing.T) {
	s := newTestServer()
	s.handlePtyOutput("s1", []byte("a"))
	s.handlePtyOutput("s1", []byte("b"))
	s.handlePtyOutput("s1", []byte("c"))

	client := newTestClient("c1", ScopeSession)
	s.subs.Register(client)
	fromSeq := int64(1)
	s.handleSessionAttach(client, &clientMessage{SessionID: "s1", FromSeq: &fromSeq})

	queued := drainQueue(client)
	require.Len(t, queued, 2) // seq 2 and 3 replayed
	var first sessionEventMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &first))
	assert.Equal(t, int64(2), first.Seq)
	assert.Equal(t, "s1", client.Attached())
	assert.True(t, client.IsSubscribed("s1"))
}

func TestAttachUnknownSessionErrors(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleSessionAttach(client, &clientMessage{SessionID: "nope"})

	queued := drainQueue(client)
	require.Len(t, queued, 1)
	var msg errorMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &msg))
	assert.Equal(t, ErrCodeSessionNotFound, msg.Code)
	assert.Equal(t, "", client.Attached())
}

func TestStdinRequiresAttachment(t *testing.T) {
	s := newTestServer()
	s.bridge = nil // stdin must fail before reaching the bridge
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	defer func() {
		require.Nil(t, recover(), "stdin without attachment must not reach the bridge")
	}()
	s.handleSessionStdin(client, &clientMessage{SessionID: "s1", Data: "ls\n"})

	queued := drainQueue(client)
	require.Len(t, queued, 1)
	var msg errorMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &msg))
	assert.Equal(t, ErrCodeSessionNotFound, msg.Code)
}

func TestInvalidSignalNameRejected(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	client.Attach("s1")
	s.subs.Register(client)

	s.handleSessionSignal(client, &clientMessage{SessionID: "s1", Signal: "SIGSTOP"})

	queued := drainQueue(client)
	require.Len(t, queued, 1)
	var msg errorMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &msg))
	assert.Equal(t, ErrCodeInvalidMessage, msg.Code)
}

func TestPtyExitRemovesMergerAndBroadcastsEnded(t *testing.T) {
	s := newTestServer()
	s.handlePtyOutput("s1", []byte("x"))
	require.NotNil(t, s.getMerger("s1"))

	client := newTestClient("c1", ScopeObserver)
	s.subs.Register(client)

	s.handlePtyExit("s1", 0, "SIGTERM")

	assert.Nil(t, s.getMerger("s1"))
	_, ok := s.sessionStore.Get("s1")
	assert.False(t, ok)

	queued := drainQueue(client)
	require.Len(t, queued, 1) // lifecycle reaches observers too
	var msg sessionEndedMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &msg))
	assert.Equal(t, "session.ended", msg.Type)
	assert.Equal(t, "SIGTERM", msg.Signal)
}

func TestUnknownMessageTypeSilentlyDropped(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleClientMessage(client, &clientMessage{Type: "no.such.thing"})
	assert.Empty(t, drainQueue(client))
}

func TestPingPong(t *testing.T) {
	s := newTestServer()
	client := newTestClient("c1", ScopeGlobal)
	s.subs.Register(client)

	s.handleClientMessage(client, &clientMessage{Type: "ping"})

	queued := drainQueue(client)
	require.Len(t, queued, 1)
	var msg pongMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &msg))
	assert.Equal(t, "pong", msg.Type)
}
