// Package gateway runs the daemon's two listeners: the WebSocket acceptor
// clients speak the wire protocol over, and the Unix-socket line listener
// the agent hook scripts report through. It owns the per-session mergers
// and wires every other component together.
package gateway

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/codefleet/fleetd/pkg/buffer"
	"github.com/codefleet/fleetd/pkg/commander"
	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/database"
	"github.com/codefleet/fleetd/pkg/jobs"
	"github.com/codefleet/fleetd/pkg/merge"
	"github.com/codefleet/fleetd/pkg/outbox"
	"github.com/codefleet/fleetd/pkg/ptybridge"
	"github.com/codefleet/fleetd/pkg/sessions"
	"github.com/codefleet/fleetd/pkg/store"
	"github.com/codefleet/fleetd/pkg/version"
)

// OutboxInserter is the producing side of the outbox table.
type OutboxInserter interface {
	Insert(ctx context.Context, ev store.OutboxEvent) (int64, error)
}

// Deps is the explicit wiring record. Every component reaches its
// collaborators through here; nothing is package-global.
type Deps struct {
	Config       *config.Config
	DB           *sql.DB
	SessionStore *sessions.Store
	Tailer       *outbox.Tailer
	Jobs         *jobs.Manager
	Outbox       OutboxInserter
}

// Server is the gateway daemon core.
type Server struct {
	config       *config.Config
	db           *sql.DB
	subs         *SubscriptionManager
	bridge       *ptybridge.Bridge
	sessionStore *sessions.Store
	tailer       *outbox.Tailer
	jobs         *jobs.Manager
	outbox       OutboxInserter
	commander    *commander.Manager

	mergerMu sync.Mutex
	mergers  map[string]*merge.Merger

	httpServer      *http.Server
	httpListener    net.Listener
	hookListener    net.Listener
	unsubscribeFn   func()
	unsubSessionsFn func()
}

// NewServer wires the gateway. The PTY bridge and commander are built
// here because their callbacks close over the server.
func NewServer(deps Deps) *Server {
	s := &Server{
		config:       deps.Config,
		db:           deps.DB,
		subs:         NewSubscriptionManager(),
		sessionStore: deps.SessionStore,
		tailer:       deps.Tailer,
		jobs:         deps.Jobs,
		outbox:       deps.Outbox,
		mergers:      make(map[string]*merge.Merger),
	}

	s.bridge = ptybridge.NewBridge(deps.Config.Pty, ptybridge.Callbacks{
		OnOutput: s.handlePtyOutput,
		OnExit:   s.handlePtyExit,
	})
	s.commander = commander.NewManager(
		deps.Config.Commander,
		deps.Config.Pty.AgentCommand,
		commanderLauncher{s},
		deps.SessionStore,
		deps.Tailer,
		s.broadcastCommanderEvent,
	)
	return s
}

// Start brings the daemon up: job recovery, PTY orphan recovery, the
// outbox tailer, and finally both listeners. Bind failures abort startup.
func (s *Server) Start(ctx context.Context) error {
	if err := s.jobs.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize job manager: %w", err)
	}

	for _, orphan := range s.bridge.RecoverOrphans() {
		s.sessionStore.AddOrphan(orphan.SessionID, orphan.ProjectID, orphan.Cwd, orphan.PID)
	}

	if err := s.tailer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start outbox tailer: %w", err)
	}
	s.unsubscribeFn = s.tailer.Subscribe(s.broadcastFleetEvent)
	s.unsubSessionsFn = s.sessionStore.Subscribe(s.handleSessionStoreEvent)

	if err := s.commander.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize commander: %w", err)
	}

	if err := s.listenHooks(); err != nil {
		return err
	}
	if err := s.listenWebSocket(); err != nil {
		_ = s.hookListener.Close()
		return err
	}

	slog.Info("Gateway started",
		"addr", s.httpListener.Addr().String(),
		"hook_socket", s.config.Gateway.HookSocketPath)
	return nil
}

// Shutdown tears the daemon down in dependency order: tailer, jobs,
// PTYs, then the client sockets and listeners.
func (s *Server) Shutdown(ctx context.Context) {
	s.tailer.Stop()
	if s.unsubscribeFn != nil {
		s.unsubscribeFn()
	}
	if s.unsubSessionsFn != nil {
		s.unsubSessionsFn()
	}

	s.jobs.Shutdown()
	s.commander.Shutdown()
	s.bridge.DestroyAll()

	for _, client := range s.subs.All() {
		client.Close(websocket.StatusGoingAway, "daemon shutting down")
		s.subs.Unregister(client.ID)
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("WebSocket server shutdown error", "error", err)
		}
	}
	if s.hookListener != nil {
		_ = s.hookListener.Close()
		_ = os.Remove(s.config.Gateway.HookSocketPath)
	}
	slog.Info("Gateway stopped")
}

// listenWebSocket opens the TCP listener and serves the echo router.
func (s *Server) listenWebSocket() error {
	e := echo.New()
	e.GET("/ws", s.wsHandler)
	e.GET("/health", s.healthHandler)

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	s.httpListener = ln
	s.httpServer = &http.Server{Handler: e}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("WebSocket server failed", "error", err)
		}
	}()
	return nil
}

// listenHooks binds the Unix socket the hook scripts write to.
func (s *Server) listenHooks() error {
	path := s.config.Gateway.HookSocketPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create hook socket directory: %w", err)
	}
	// A previous unclean shutdown may have left the socket file behind.
	_ = os.Remove(path)

	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("failed to bind hook socket %s: %w", path, err)
	}
	s.hookListener = ln
	go s.acceptHooks()
	return nil
}

func (s *Server) acceptHooks() {
	for {
		conn, err := s.hookListener.Accept()
		if err != nil {
			return
		}
		go s.handleHookConn(conn)
	}
}

// handleHookConn reads newline-delimited JSON objects until the sender
// disconnects.
func (s *Server) handleHookConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.handleHookLine(scanner.Bytes())
	}
}

// handleHookLine parses one hook event and routes it to its session's
// merger. Unparseable lines and lines without a session id are dropped.
func (s *Server) handleHookLine(line []byte) {
	var hook merge.HookEvent
	if err := json.Unmarshal(line, &hook); err != nil {
		return
	}
	if hook.FleetSessionID == "" {
		slog.Debug("Dropping hook event without session id")
		return
	}

	merger := s.getMerger(hook.FleetSessionID)
	if merger == nil {
		// Hook events for sessions with no merger are dropped; watcher
		// discovered sessions have no PTY stream to merge into.
		slog.Warn("Dropping hook event for unknown session",
			"session_id", hook.FleetSessionID, "kind", hook.HookType)
		return
	}

	seq, ev := merger.AddHookEvent(hook)
	if seq == merge.Ignored {
		return
	}
	s.broadcastSessionEvent(hook.FleetSessionID, seq, ev)
}

// wsHandler upgrades the connection and runs the client's read loop
// until it closes.
func (s *Server) wsHandler(c *echo.Context) error {
	scope := Scope(c.Request().URL.Query().Get("scope"))
	switch scope {
	case ScopeGlobal, ScopeSession, ScopeObserver:
	case "":
		scope = ScopeGlobal
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown scope")
	}

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Loopback-only daemon; no origin allowlist.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	client := newClientConnection(c.Request().Context(),
		uuid.New().String(), scope, conn,
		s.config.Gateway.SendQueueSize, s.config.Gateway.WriteTimeout)
	s.subs.Register(client)
	defer func() {
		s.subs.Unregister(client.ID)
		client.Close(websocket.StatusNormalClosure, "")
	}()

	slog.Info("Client connected", "connection_id", client.ID, "scope", scope)

	for {
		_, data, err := conn.Read(client.ctx)
		if err != nil {
			slog.Info("Client disconnected", "connection_id", client.ID)
			return nil
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", client.ID, "error", err)
			continue
		}
		s.handleClientMessage(client, &msg)
	}
}

// handleClientMessage dispatches one request. Invalid messages never
// close the client's socket.
func (s *Server) handleClientMessage(client *ClientConnection, msg *clientMessage) {
	switch msg.Type {
	case "ping":
		client.Send(CategoryLifecycle, pongMessage{Type: "pong"})
	case "fleet.subscribe":
		s.handleFleetSubscribe(client, msg)
	case "session.create":
		s.handleSessionCreate(client, msg)
	case "session.attach":
		s.handleSessionAttach(client, msg)
	case "session.detach":
		client.Detach(msg.SessionID)
		client.UnsubscribeSession(msg.SessionID)
	case "session.stdin":
		s.handleSessionStdin(client, msg)
	case "session.signal":
		s.handleSessionSignal(client, msg)
	case "session.resize":
		s.handleSessionResize(client, msg)
	case "job.create":
		s.handleJobCreate(client, msg)
	case "job.cancel":
		s.handleJobCancel(client, msg)
	case "commander.send":
		if err := s.commander.SendPrompt(msg.Prompt); err != nil {
			client.Send(CategoryLifecycle, newErrorMessage(ErrCodeCommanderFailed, err.Error()))
		}
	case "commander.reset":
		s.commander.Reset()
	default:
		slog.Debug("Dropping unknown message type",
			"connection_id", client.ID, "message_type", msg.Type)
	}
}

// handleFleetSubscribe flags the client and replays missed outbox events.
func (s *Server) handleFleetSubscribe(client *ClientConnection, msg *clientMessage) {
	client.SetFleetSubscribed(msg.FromEventID)

	ctx, cancel := context.WithTimeout(client.ctx, 10*time.Second)
	defer cancel()
	events, err := s.tailer.GetEventsAfter(ctx, msg.FromEventID, s.config.Outbox.BatchLimit)
	if err != nil {
		slog.Error("Fleet catchup query failed", "connection_id", client.ID, "error", err)
		return
	}
	for _, ev := range events {
		client.Send(CategoryFleet, newFleetEventMessage(ev))
	}
}

func (s *Server) handleSessionCreate(client *ClientConnection, msg *clientMessage) {
	info, err := s.createPty(ptybridge.CreateRequest{
		ProjectID: msg.ProjectID,
		Cwd:       msg.RepoRoot,
		Command:   msg.Command,
		Cols:      msg.Cols,
		Rows:      msg.Rows,
	})
	if err != nil {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeSessionCreateFailed, err.Error()))
		return
	}

	client.Send(CategoryLifecycle, sessionCreatedMessage{
		Type:      "session.created",
		SessionID: info.SessionID,
		ProjectID: info.ProjectID,
		PID:       info.PID,
	})
	s.publishOutbox(store.OutboxEvent{
		Type:      store.OutboxSessionStarted,
		ProjectID: info.ProjectID,
		Payload:   mustJSON(map[string]any{"session_id": info.SessionID, "pid": info.PID}),
	})
}

// handleSessionAttach replays the merger's buffer, then live events
// follow seamlessly because the merger assigns every sequence.
func (s *Server) handleSessionAttach(client *ClientConnection, msg *clientMessage) {
	merger := s.getMerger(msg.SessionID)
	if merger == nil {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeSessionNotFound, msg.SessionID))
		return
	}

	client.Attach(msg.SessionID)
	client.SubscribeSession(msg.SessionID)

	var fromSeq int64
	if msg.FromSeq != nil {
		fromSeq = *msg.FromSeq
	}
	for _, buffered := range merger.GetEventsFrom(fromSeq) {
		client.Send(CategorySession, sessionEventMessage{
			Type:      "event",
			SessionID: msg.SessionID,
			Seq:       buffered.Seq,
			Event:     buffered.Event,
		})
	}

	if tracked, ok := s.sessionStore.Get(msg.SessionID); ok {
		client.Send(CategoryLifecycle, sessionStatusMessage{
			Type:      "session.status",
			SessionID: msg.SessionID,
			Status:    string(tracked.Status),
		})
	}
}

func (s *Server) handleSessionStdin(client *ClientConnection, msg *clientMessage) {
	if client.Attached() != msg.SessionID || !s.bridge.Write(msg.SessionID, []byte(msg.Data)) {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeSessionNotFound, msg.SessionID))
	}
}

func (s *Server) handleSessionSignal(client *ClientConnection, msg *clientMessage) {
	sig, err := ptybridge.ParseSignal(msg.Signal)
	if err != nil {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeInvalidMessage, err.Error()))
		return
	}
	if client.Attached() != msg.SessionID || !s.bridge.Signal(msg.SessionID, sig) {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeSessionNotFound, msg.SessionID))
	}
}

func (s *Server) handleSessionResize(client *ClientConnection, msg *clientMessage) {
	if client.Attached() != msg.SessionID || !s.bridge.Resize(msg.SessionID, msg.Cols, msg.Rows) {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeSessionNotFound, msg.SessionID))
	}
}

func (s *Server) handleJobCreate(client *ClientConnection, msg *clientMessage) {
	if msg.Job == nil {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeJobCreateFailed, "missing job envelope"))
		return
	}

	job := &store.Job{
		ID:        uuid.New().String(),
		Kind:      msg.Job.Type,
		Model:     msg.Job.Model,
		Request:   msg.Job.Request,
		ProjectID: msg.Job.ProjectID,
		Cwd:       msg.Job.RepoRoot,
	}

	err := s.jobs.Submit(client.ctx, job, func(ev jobs.Event) {
		switch ev.Type {
		case jobs.EventStarted:
			client.Send(CategoryLifecycle, jobStartedMessage{
				Type: "job.started", JobID: ev.JobID, ProjectID: ev.ProjectID,
			})
		case jobs.EventStream:
			client.Send(CategorySession, jobStreamMessage{
				Type: "job.stream", JobID: ev.JobID, Chunk: ev.Chunk,
			})
		case jobs.EventCompleted:
			client.Send(CategoryLifecycle, jobCompletedMessage{
				Type: "job.completed", JobID: ev.JobID,
				OK: ev.OK, Result: ev.Result, Error: ev.Error,
			})
			s.publishOutbox(store.OutboxEvent{
				Type:      store.OutboxJobCompleted,
				ProjectID: ev.ProjectID,
				Payload:   mustJSON(map[string]any{"job_id": ev.JobID, "ok": ev.OK}),
			})
		}
	})
	if err != nil {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeJobCreateFailed, err.Error()))
	}
}

func (s *Server) handleJobCancel(client *ClientConnection, msg *clientMessage) {
	if err := s.jobs.Cancel(client.ctx, msg.JobID); err != nil {
		client.Send(CategoryLifecycle, newErrorMessage(ErrCodeJobNotFound, msg.JobID))
	}
}

func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db)
	status := http.StatusOK
	overall := "healthy"
	if err != nil {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	return c.JSON(status, map[string]any{
		"status":    overall,
		"version":   version.Full(),
		"database":  dbHealth,
		"sessions":  len(s.sessionStore.List()),
		"jobs":      s.jobs.GetStats(),
		"commander": s.commander.GetState(),
		"clients":   s.subs.Count(),
	})
}

// createPty spawns a PTY, registers its merger, and tracks it in the
// session registry. Used by both client requests and the commander.
func (s *Server) createPty(req ptybridge.CreateRequest) (ptybridge.SessionInfo, error) {
	info, err := s.bridge.Create(req)
	if err != nil {
		return ptybridge.SessionInfo{}, err
	}

	s.getOrCreateMerger(info.SessionID)
	s.sessionStore.AddFromPty(sessions.PtyInfo{
		SessionID: info.SessionID,
		ProjectID: info.ProjectID,
		Cwd:       info.Cwd,
		PID:       info.PID,
	})
	return info, nil
}

func (s *Server) getMerger(sessionID string) *merge.Merger {
	s.mergerMu.Lock()
	defer s.mergerMu.Unlock()
	return s.mergers[sessionID]
}

// getOrCreateMerger is lazy so the PTY read loop cannot race merger
// registration out of a first output chunk.
func (s *Server) getOrCreateMerger(sessionID string) *merge.Merger {
	s.mergerMu.Lock()
	defer s.mergerMu.Unlock()
	if m, ok := s.mergers[sessionID]; ok {
		return m
	}
	m := merge.NewMerger(s.config.Pty.BufferBudget)
	s.mergers[sessionID] = m
	return m
}

// handlePtyOutput is the bridge's data callback.
func (s *Server) handlePtyOutput(sessionID string, data []byte) {
	merger := s.getOrCreateMerger(sessionID)
	seq, ev := merger.AddStdout(string(data))
	s.sessionStore.Touch(sessionID)
	s.broadcastSessionEvent(sessionID, seq, ev)
}

// handlePtyExit is the bridge's exit callback, fired exactly once.
func (s *Server) handlePtyExit(sessionID string, exitCode int, signal string) {
	s.mergerMu.Lock()
	delete(s.mergers, sessionID)
	s.mergerMu.Unlock()

	s.sessionStore.Remove(sessionID)
	s.subs.Broadcast(CategoryLifecycle, "", sessionEndedMessage{
		Type:      "session.ended",
		SessionID: sessionID,
		ExitCode:  exitCode,
		Signal:    signal,
	})
}

// broadcastSessionEvent routes a merged event; the commander's PTY
// stream goes out under the commander category.
func (s *Server) broadcastSessionEvent(sessionID string, seq int64, ev buffer.SessionEvent) {
	msgType := "event"
	category := CategorySession
	if sessionID == s.commander.GetPtySessionID() {
		msgType = "commander.stdout"
		category = CategoryCommander
	}
	s.subs.Broadcast(category, sessionID, sessionEventMessage{
		Type:      msgType,
		SessionID: sessionID,
		Seq:       seq,
		Event:     ev,
	})
}

// handleSessionStoreEvent relays registry status updates to clients.
// Discovery and removal already surface as session.created/session.ended.
func (s *Server) handleSessionStoreEvent(ev sessions.Event) {
	if ev.Type != sessions.EventUpdated {
		return
	}
	s.subs.Broadcast(CategoryLifecycle, "", sessionStatusMessage{
		Type:      "session.status",
		SessionID: ev.Session.SessionID,
		Status:    string(ev.Session.Status),
	})
}

func (s *Server) broadcastFleetEvent(ev store.OutboxEvent) {
	s.subs.Broadcast(CategoryFleet, "", newFleetEventMessage(ev))
}

func (s *Server) broadcastCommanderEvent(ev commander.Event) {
	switch ev.Type {
	case commander.EventQueued:
		s.subs.Broadcast(CategoryCommander, "", commanderQueuedMessage{
			Type: "commander.queued", Position: ev.Position,
		})
	case commander.EventStatus:
		s.subs.Broadcast(CategoryCommander, "", commanderStatusMessage{
			Type: "commander.status", Status: string(ev.Status),
		})
	}
}

// publishOutbox inserts a producer-side outbox event; the tailer picks
// it up on its next poll.
func (s *Server) publishOutbox(ev store.OutboxEvent) {
	if s.outbox == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.outbox.Insert(ctx, ev); err != nil {
		slog.Error("Failed to publish outbox event", "kind", ev.Type, "error", err)
	}
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// commanderLauncher adapts the server's PTY creation path for the
// commander manager.
type commanderLauncher struct{ s *Server }

func (l commanderLauncher) Create(req ptybridge.CreateRequest) (ptybridge.SessionInfo, error) {
	return l.s.createPty(req)
}

func (l commanderLauncher) Stop(sessionID string) {
	l.s.bridge.Stop(sessionID)
}
