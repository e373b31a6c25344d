package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient builds a ClientConnection without a socket or write loop;
// sent messages accumulate in the queue for inspection.
func newTestClient(id string, scope Scope) *ClientConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientConnection{
		ID:           id,
		scope:        scope,
		subscribed:   make(map[string]bool),
		sendQueue:    make(chan outbound, 16),
		writeTimeout: 50 * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func drainQueue(c *ClientConnection) []outbound {
	var out []outbound
	for {
		select {
		case msg := <-c.sendQueue:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestRoutingMatrix(t *testing.T) {
	m := NewSubscriptionManager()

	global := newTestClient("global", ScopeGlobal)
	subscribedSession := newTestClient("session-subscribed", ScopeSession)
	subscribedSession.SubscribeSession("s1")
	otherSession := newTestClient("session-other", ScopeSession)
	otherSession.SubscribeSession("s2")
	observer := newTestClient("observer", ScopeObserver)
	observer.SetFleetSubscribed(0)
	for _, c := range []*ClientConnection{global, subscribedSession, otherSession, observer} {
		m.Register(c)
	}

	tests := []struct {
		name      string
		category  Category
		sessionID string
		want      []string
	}{
		{
			name:     "lifecycle reaches everyone",
			category: CategoryLifecycle,
			want:     []string{"global", "session-subscribed", "session-other", "observer"},
		},
		{
			name:     "fleet reaches only subscribers regardless of scope",
			category: CategoryFleet,
			want:     []string{"observer"},
		},
		{
			name:      "session events skip observers and unsubscribed session clients",
			category:  CategorySession,
			sessionID: "s1",
			want:      []string{"global", "session-subscribed"},
		},
		{
			name:      "session events for the other session",
			category:  CategorySession,
			sessionID: "s2",
			want:      []string{"global", "session-other"},
		},
		{
			name:     "commander skips observers",
			category: CategoryCommander,
			want:     []string{"global", "session-subscribed", "session-other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recipients := m.GetRecipients(tt.category, tt.sessionID)
			got := make([]string, 0, len(recipients))
			for _, c := range recipients {
				got = append(got, c.ID)
			}
			assert.ElementsMatch(t, tt.want, got)
		})
	}
}

func TestFleetSubscriptionFollowsFlag(t *testing.T) {
	m := NewSubscriptionManager()
	c := newTestClient("c1", ScopeGlobal)
	m.Register(c)

	assert.Empty(t, m.GetRecipients(CategoryFleet, ""))
	c.SetFleetSubscribed(42)
	assert.Len(t, m.GetRecipients(CategoryFleet, ""), 1)
}

func TestBroadcastEnqueuesMarshaledMessage(t *testing.T) {
	m := NewSubscriptionManager()
	c := newTestClient("c1", ScopeGlobal)
	m.Register(c)

	m.Broadcast(CategoryLifecycle, "", pongMessage{Type: "pong"})

	queued := drainQueue(c)
	require.Len(t, queued, 1)
	var msg pongMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &msg))
	assert.Equal(t, "pong", msg.Type)
}

func TestRegisterUnregister(t *testing.T) {
	m := NewSubscriptionManager()
	c := newTestClient("c1", ScopeGlobal)

	m.Register(c)
	assert.Equal(t, 1, m.Count())
	m.Unregister(c.ID)
	assert.Equal(t, 0, m.Count())
	assert.Empty(t, m.GetRecipients(CategoryLifecycle, ""))
}

func TestSessionOverflowDropsOldest(t *testing.T) {
	c := newTestClient("c1", ScopeGlobal)
	c.sendQueue = make(chan outbound, 2)

	for i := 0; i < 4; i++ {
		c.Send(CategorySession, sessionEventMessage{
			Type: "event", SessionID: "s1", Seq: int64(i + 1),
		})
	}

	queued := drainQueue(c)
	require.Len(t, queued, 2)
	var first, second sessionEventMessage
	require.NoError(t, json.Unmarshal(queued[0].data, &first))
	require.NoError(t, json.Unmarshal(queued[1].data, &second))
	assert.Equal(t, int64(3), first.Seq)
	assert.Equal(t, int64(4), second.Seq)
}

func TestSendAfterCloseDoesNotBlock(t *testing.T) {
	c := newTestClient("c1", ScopeGlobal)
	c.sendQueue = make(chan outbound) // unbuffered, nothing draining
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.Send(CategorySession, pongMessage{Type: "pong"})
		c.Send(CategoryLifecycle, pongMessage{Type: "pong"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked after close")
	}
}

func TestDetachOnlyClearsMatchingSession(t *testing.T) {
	c := newTestClient("c1", ScopeGlobal)
	c.Attach("s1")
	c.Detach("s2")
	assert.Equal(t, "s1", c.Attached())
	c.Detach("s1")
	assert.Equal(t, "", c.Attached())
}

func TestConcurrentBroadcastAndChurn(t *testing.T) {
	m := NewSubscriptionManager()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c := newTestClient(fmt.Sprintf("c%d", i), ScopeGlobal)
			m.Register(c)
			m.Unregister(c.ID)
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		m.Broadcast(CategoryLifecycle, "", pongMessage{Type: "pong"})
	}
	<-done
}
