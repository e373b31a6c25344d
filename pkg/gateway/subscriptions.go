package gateway

import "sync"

// SubscriptionManager tracks connected clients and answers routing
// queries. Reads far outnumber writes; writes happen only on connect,
// disconnect, and scope changes.
type SubscriptionManager struct {
	mu      sync.RWMutex
	clients map[string]*ClientConnection
}

// NewSubscriptionManager creates an empty registry.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{clients: make(map[string]*ClientConnection)}
}

// Register adds a client.
func (m *SubscriptionManager) Register(c *ClientConnection) {
	m.mu.Lock()
	m.clients[c.ID] = c
	m.mu.Unlock()
}

// Unregister removes a client.
func (m *SubscriptionManager) Unregister(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

// Count returns the number of connected clients.
func (m *SubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// All returns every connected client.
func (m *SubscriptionManager) All() []*ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ClientConnection, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	return out
}

// GetRecipients returns the clients a message of the given category
// should reach. sessionID applies to the session category only.
//
// Routing rules: lifecycle goes to everyone. Fleet goes to fleet
// subscribers regardless of scope. Session events go to global clients
// and to session-scope clients subscribed to that session; observers
// never receive them. Commander events go to global and session scopes.
func (m *SubscriptionManager) GetRecipients(category Category, sessionID string) []*ClientConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*ClientConnection
	for _, c := range m.clients {
		if m.matches(c, category, sessionID) {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends a message to every recipient of the category.
func (m *SubscriptionManager) Broadcast(category Category, sessionID string, msg any) {
	for _, c := range m.GetRecipients(category, sessionID) {
		c.Send(category, msg)
	}
}

func (m *SubscriptionManager) matches(c *ClientConnection, category Category, sessionID string) bool {
	switch category {
	case CategoryLifecycle:
		return true
	case CategoryFleet:
		return c.IsFleetSubscribed()
	case CategorySession:
		switch c.scope {
		case ScopeGlobal:
			return true
		case ScopeSession:
			return c.IsSubscribed(sessionID)
		default:
			return false
		}
	case CategoryCommander:
		return c.scope != ScopeObserver
	default:
		return false
	}
}
