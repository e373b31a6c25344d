// Package sessions is the unified registry of tracked agent sessions,
// whether PTY-owned, discovered through transcript watching, or orphaned
// by a daemon restart. Observers subscribe to its change feed.
package sessions

import (
	"log/slog"
	"sync"
	"time"
)

// Origin says how the daemon learned about a session.
type Origin string

// Session origins.
const (
	OriginPty Origin = "pty"
	// OriginWatcher sessions have a transcript file but no local process
	// to control.
	OriginWatcher Origin = "watcher"
	// OriginOrphan sessions have a live process from a previous daemon
	// run; the PTY master is gone, so they are listed but not drivable.
	OriginOrphan Origin = "orphan"
)

// Status is the UI-facing state of a session.
type Status string

// Session statuses.
const (
	StatusWorking            Status = "working"
	StatusWaitingForInput    Status = "waiting_for_input"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusIdle               Status = "idle"
	StatusCompleted          Status = "completed"
	StatusError              Status = "error"
)

// StatusBlock is the structured state parsed from a session's status file.
type StatusBlock struct {
	Task      string   `json:"task,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Blockers  []string `json:"blockers,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
}

// TrackedSession is one registry entry.
type TrackedSession struct {
	SessionID    string       `json:"session_id"`
	Origin       Origin       `json:"origin"`
	ProjectID    string       `json:"project_id,omitempty"`
	Cwd          string       `json:"cwd,omitempty"`
	PID          int          `json:"pid,omitempty"`
	Status       Status       `json:"status"`
	LastActivity time.Time    `json:"last_activity"`
	StatusBlock  *StatusBlock `json:"status_block,omitempty"`
}

// Event change-feed types.
const (
	EventDiscovered = "discovered"
	EventUpdated    = "updated"
	EventRemoved    = "removed"
)

// Update is the partial-update blob carried by an updated event.
type Update struct {
	Status      *Status
	StatusBlock *StatusBlock
}

// Event is one change-feed notification.
type Event struct {
	Type    string
	Session TrackedSession
	// Update is set for EventUpdated.
	Update *Update
}

// Observer receives registry change events.
type Observer func(ev Event)

// Store is the session registry. Single writer per mutation path,
// many readers.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*TrackedSession
	observers map[int]Observer
	nextObsID int
}

// NewStore creates an empty registry.
func NewStore() *Store {
	return &Store{
		sessions:  make(map[string]*TrackedSession),
		observers: make(map[int]Observer),
	}
}

// PtyInfo registers a session owned by the PTY bridge.
type PtyInfo struct {
	SessionID string
	ProjectID string
	Cwd       string
	PID       int
}

// AddFromPty registers a freshly spawned PTY session.
func (s *Store) AddFromPty(info PtyInfo) {
	s.add(&TrackedSession{
		SessionID:    info.SessionID,
		Origin:       OriginPty,
		ProjectID:    info.ProjectID,
		Cwd:          info.Cwd,
		PID:          info.PID,
		Status:       StatusWorking,
		LastActivity: time.Now().UTC(),
	})
}

// WatcherInfo registers a session discovered through its transcript file.
type WatcherInfo struct {
	SessionID string
	Cwd       string
	ProjectID string
}

// AddFromWatcher registers a transcript-discovered session.
func (s *Store) AddFromWatcher(info WatcherInfo) {
	s.add(&TrackedSession{
		SessionID:    info.SessionID,
		Origin:       OriginWatcher,
		ProjectID:    info.ProjectID,
		Cwd:          info.Cwd,
		Status:       StatusIdle,
		LastActivity: time.Now().UTC(),
	})
}

// AddOrphan registers a process recovered from a PID file.
func (s *Store) AddOrphan(sessionID, projectID, cwd string, pid int) {
	s.add(&TrackedSession{
		SessionID:    sessionID,
		Origin:       OriginOrphan,
		ProjectID:    projectID,
		Cwd:          cwd,
		PID:          pid,
		Status:       StatusIdle,
		LastActivity: time.Now().UTC(),
	})
}

func (s *Store) add(session *TrackedSession) {
	s.mu.Lock()
	if _, exists := s.sessions[session.SessionID]; exists {
		s.mu.Unlock()
		slog.Warn("Ignoring duplicate session registration",
			"session_id", session.SessionID, "origin", session.Origin)
		return
	}
	s.sessions[session.SessionID] = session
	snapshot := *session
	s.mu.Unlock()

	slog.Info("Session discovered",
		"session_id", session.SessionID, "origin", session.Origin,
		"project_id", session.ProjectID)
	s.notify(Event{Type: EventDiscovered, Session: snapshot})
}

// Update applies a partial update and emits an updated event. Returns
// false for unknown sessions.
func (s *Store) Update(sessionID string, update Update) bool {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.StatusBlock != nil {
		session.StatusBlock = update.StatusBlock
	}
	session.LastActivity = time.Now().UTC()
	snapshot := *session
	s.mu.Unlock()

	s.notify(Event{Type: EventUpdated, Session: snapshot, Update: &update})
	return true
}

// Touch refreshes a session's last-activity timestamp without emitting
// an event. Called on every output chunk.
func (s *Store) Touch(sessionID string) {
	s.mu.Lock()
	if session, ok := s.sessions[sessionID]; ok {
		session.LastActivity = time.Now().UTC()
	}
	s.mu.Unlock()
}

// Remove drops a session and emits a removed event.
func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sessionID)
	snapshot := *session
	s.mu.Unlock()

	slog.Info("Session removed", "session_id", sessionID)
	s.notify(Event{Type: EventRemoved, Session: snapshot})
}

// Get returns a copy of one entry.
func (s *Store) Get(sessionID string) (TrackedSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return TrackedSession{}, false
	}
	return *session, true
}

// List returns a copy of every entry.
func (s *Store) List() []TrackedSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TrackedSession, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, *session)
	}
	return out
}

// Subscribe registers an observer and returns its unsubscribe function.
func (s *Store) Subscribe(obs Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextObsID
	s.nextObsID++
	s.observers[id] = obs

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.observers, id)
	}
}

// notify snapshots the observer list first, so an observer may
// unsubscribe itself (or others) from inside its callback.
func (s *Store) notify(ev Event) {
	s.mu.Lock()
	observers := make([]Observer, 0, len(s.observers))
	for _, obs := range s.observers {
		observers = append(observers, obs)
	}
	s.mu.Unlock()

	for _, obs := range observers {
		obs(ev)
	}
}
