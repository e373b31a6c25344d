// Package ptybridge owns the lifecycle of agent subprocesses attached to
// pseudo-terminals: spawn, I/O, resize, signal escalation, and crash
// recovery via on-disk PID files.
package ptybridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codefleet/fleetd/pkg/config"
	"github.com/creack/pty"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Signal escalation gates for Stop. Each stage waits for exit before the
// next signal is sent.
const (
	sigintWait  = 3 * time.Second
	sigtermWait = 5 * time.Second
	sigkillWait = 1 * time.Second
)

// SessionInfo describes a live PTY session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	ProjectID string    `json:"project_id"`
	Cwd       string    `json:"cwd"`
	PID       int       `json:"pid"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateRequest carries the spawn parameters for a new PTY session.
type CreateRequest struct {
	ProjectID string
	Cwd       string
	// Command overrides the configured agent CLI when non-empty.
	Command []string
	Cols    uint16
	Rows    uint16
	Env     map[string]string
}

// Callbacks are supplied by the server at construction time.
type Callbacks struct {
	// OnOutput fires for every chunk read from the PTY master.
	OnOutput func(sessionID string, data []byte)
	// OnExit fires exactly once per session, after the recovery file
	// has been removed.
	OnExit func(sessionID string, exitCode int, signal string)
}

// recoveryRecord is the JSON persisted per session for crash recovery.
type recoveryRecord struct {
	PID       int       `json:"pid"`
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"createdAt"`
}

type session struct {
	info SessionInfo
	cmd  *exec.Cmd
	ptmx *os.File

	// done closes when the reaper observes process exit.
	done     chan struct{}
	exitOnce sync.Once
}

// Bridge multiplexes every PTY session owned by the daemon.
type Bridge struct {
	config    config.PtyConfig
	callbacks Callbacks

	mu       sync.Mutex
	sessions map[string]*session
	// orphans are session ids recovered from PID files whose process is
	// still alive. The PTY master is gone, so they are listed but never
	// reattachable.
	orphans map[string]recoveryRecord
}

// NewBridge creates a bridge. Callbacks must be set before Create is called.
func NewBridge(cfg config.PtyConfig, cb Callbacks) *Bridge {
	return &Bridge{
		config:    cfg,
		callbacks: cb,
		sessions:  make(map[string]*session),
		orphans:   make(map[string]recoveryRecord),
	}
}

// Create spawns the agent subprocess on a fresh pseudo-terminal and starts
// its read loop. Spawn failures are returned synchronously.
func (b *Bridge) Create(req CreateRequest) (SessionInfo, error) {
	command := req.Command
	if len(command) == 0 {
		command = []string{b.config.AgentCommand}
	}
	cols := req.Cols
	if cols == 0 {
		cols = b.config.DefaultCols
	}
	rows := req.Rows
	if rows == 0 {
		rows = b.config.DefaultRows
	}

	sessionID := uuid.New().String()

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = buildEnv(sessionID, req.Env)

	// pty.Start puts the child in its own session, so the child's pid is
	// also its process group id and signals reach helper children.
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("failed to spawn agent process: %w", err)
	}

	info := SessionInfo{
		SessionID: sessionID,
		ProjectID: req.ProjectID,
		Cwd:       req.Cwd,
		PID:       cmd.Process.Pid,
		Cols:      cols,
		Rows:      rows,
		CreatedAt: time.Now().UTC(),
	}
	s := &session{info: info, cmd: cmd, ptmx: ptmx, done: make(chan struct{})}

	if err := b.writeRecoveryFile(info); err != nil {
		slog.Warn("Failed to write recovery file", "session_id", sessionID, "error", err)
	}

	b.mu.Lock()
	b.sessions[sessionID] = s
	b.mu.Unlock()

	go b.readLoop(s)
	go b.reap(s)

	slog.Info("PTY session created",
		"session_id", sessionID,
		"project_id", req.ProjectID,
		"pid", info.PID,
		"command", strings.Join(command, " "))
	return info, nil
}

// Write forwards stdin bytes to the PTY. Returns false if the session is
// unknown or already gone.
func (b *Bridge) Write(sessionID string, data []byte) bool {
	s := b.get(sessionID)
	if s == nil {
		return false
	}
	if _, err := s.ptmx.Write(data); err != nil {
		slog.Warn("PTY write failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

// Resize changes the terminal geometry. Returns false for unknown sessions.
func (b *Bridge) Resize(sessionID string, cols, rows uint16) bool {
	s := b.get(sessionID)
	if s == nil {
		return false
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		slog.Warn("PTY resize failed", "session_id", sessionID, "error", err)
		return false
	}
	b.mu.Lock()
	s.info.Cols = cols
	s.info.Rows = rows
	b.mu.Unlock()
	return true
}

// Signal delivers sig to the session's process group. Delivery failure is
// logged but non-fatal.
func (b *Bridge) Signal(sessionID string, sig unix.Signal) bool {
	s := b.get(sessionID)
	if s == nil {
		return false
	}
	b.signalGroup(s, sig)
	return true
}

// Stop terminates a session with signal escalation: SIGINT, then SIGTERM
// after 3s, then SIGKILL after another 5s. If the process refuses to die
// within 1s of SIGKILL, the session is force-cleaned anyway.
func (b *Bridge) Stop(sessionID string) {
	s := b.get(sessionID)
	if s == nil {
		return
	}

	b.signalGroup(s, unix.SIGINT)
	if waitExit(s, sigintWait) {
		return
	}
	b.signalGroup(s, unix.SIGTERM)
	if waitExit(s, sigtermWait) {
		return
	}
	b.signalGroup(s, unix.SIGKILL)
	if waitExit(s, sigkillWait) {
		return
	}

	slog.Error("Process survived SIGKILL, force-cleaning session",
		"session_id", sessionID, "pid", s.info.PID)
	b.finish(s, -1, "SIGKILL")
}

// DestroyAll stops every session in parallel. Used during shutdown.
func (b *Bridge) DestroyAll() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			b.Stop(id)
		}(id)
	}
	wg.Wait()
}

// OrphanInfo describes a process recovered from a PID file. Its PTY
// master is gone, so it is listed but not drivable.
type OrphanInfo struct {
	SessionID string
	ProjectID string
	Cwd       string
	PID       int
}

// RecoverOrphans scans the recovery directory at startup. Live PIDs are
// registered as orphans; stale files are deleted.
func (b *Bridge) RecoverOrphans() []OrphanInfo {
	entries, err := os.ReadDir(b.config.RecoveryDir)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read recovery directory",
				"dir", b.config.RecoveryDir, "error", err)
		}
		return nil
	}

	var recovered []OrphanInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		path := filepath.Join(b.config.RecoveryDir, entry.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var rec recoveryRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.PID <= 0 {
			_ = os.Remove(path)
			continue
		}

		// Null signal probes existence without delivering anything.
		if err := unix.Kill(rec.PID, 0); err != nil {
			slog.Info("Removing stale recovery file",
				"session_id", rec.SessionID, "pid", rec.PID)
			_ = os.Remove(path)
			continue
		}

		b.mu.Lock()
		b.orphans[rec.SessionID] = rec
		b.mu.Unlock()
		recovered = append(recovered, OrphanInfo{
			SessionID: rec.SessionID,
			ProjectID: rec.ProjectID,
			Cwd:       rec.Cwd,
			PID:       rec.PID,
		})
		slog.Warn("Recovered orphaned agent process, PTY not reattachable",
			"session_id", rec.SessionID, "pid", rec.PID, "project_id", rec.ProjectID)
	}
	return recovered
}

// Get returns a session's info.
func (b *Bridge) Get(sessionID string) (SessionInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info, true
}

// List returns info for every live session.
func (b *Bridge) List() []SessionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SessionInfo, 0, len(b.sessions))
	for _, s := range b.sessions {
		out = append(out, s.info)
	}
	return out
}

func (b *Bridge) get(sessionID string) *session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[sessionID]
}

func (b *Bridge) signalGroup(s *session, sig unix.Signal) {
	// Negative pid addresses the whole process group.
	if err := unix.Kill(-s.info.PID, sig); err != nil {
		slog.Warn("Failed to signal process group",
			"session_id", s.info.SessionID, "pid", s.info.PID,
			"signal", unix.SignalName(sig), "error", err)
	}
}

// readLoop pumps PTY output into the OnOutput callback until the master
// side closes.
func (b *Bridge) readLoop(s *session) {
	buf := make([]byte, 4096)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 && b.callbacks.OnOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			b.callbacks.OnOutput(s.info.SessionID, chunk)
		}
		if err != nil {
			// EIO is the normal end of a PTY stream.
			return
		}
	}
}

// reap waits for the subprocess and runs exit cleanup.
func (b *Bridge) reap(s *session) {
	err := s.cmd.Wait()

	exitCode := 0
	signal := ""
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				signal = unix.SignalName(ws.Signal())
			}
		}
	}
	b.finish(s, exitCode, signal)
}

// finish tears down session state and fires OnExit exactly once.
func (b *Bridge) finish(s *session, exitCode int, signal string) {
	s.exitOnce.Do(func() {
		b.mu.Lock()
		delete(b.sessions, s.info.SessionID)
		b.mu.Unlock()

		_ = s.ptmx.Close()
		_ = os.Remove(b.recoveryPath(s.info.SessionID))
		close(s.done)

		slog.Info("PTY session ended",
			"session_id", s.info.SessionID,
			"exit_code", exitCode,
			"signal", signal)
		if b.callbacks.OnExit != nil {
			b.callbacks.OnExit(s.info.SessionID, exitCode, signal)
		}
	})
}

func (b *Bridge) recoveryPath(sessionID string) string {
	return filepath.Join(b.config.RecoveryDir, sessionID+".pid")
}

func (b *Bridge) writeRecoveryFile(info SessionInfo) error {
	if err := os.MkdirAll(b.config.RecoveryDir, 0o755); err != nil {
		return fmt.Errorf("failed to create recovery directory: %w", err)
	}
	rec := recoveryRecord{
		PID:       info.PID,
		SessionID: info.SessionID,
		ProjectID: info.ProjectID,
		Cwd:       info.Cwd,
		CreatedAt: info.CreatedAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return os.WriteFile(b.recoveryPath(info.SessionID), data, 0o644)
}

// waitExit blocks until the session's reaper finishes or the timeout fires.
func waitExit(s *session, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// buildEnv extends the daemon environment with terminal hints and the
// session id the agent's hook scripts report back over the hook socket.
func buildEnv(sessionID string, extra map[string]string) []string {
	env := os.Environ()
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
		"FLEET_SESSION_ID="+sessionID,
	)
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
