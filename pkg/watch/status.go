package watch

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// statusDebounce coalesces write bursts on the status file.
const statusDebounce = 100 * time.Millisecond

// StatusFile is the structured state an agent writes next to its
// conversation, keyed by the external conversation id.
type StatusFile struct {
	Status    string   `json:"status"`
	Task      string   `json:"task,omitempty"`
	Summary   string   `json:"summary,omitempty"`
	Blockers  []string `json:"blockers,omitempty"`
	NextSteps []string `json:"next_steps,omitempty"`
}

// StatusWatcher watches one conversation's status file and reports every
// parseable change.
type StatusWatcher struct {
	path     string
	onStatus func(StatusFile)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	debounce *time.Timer
	closed   bool
}

// NewStatusWatcher watches <dir>/<conversationID>.json. The directory is
// watched rather than the file so creation after startup is caught. If
// the file already exists its current content is reported immediately.
func NewStatusWatcher(dir, conversationID string, onStatus func(StatusFile)) (*StatusWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch status directory %s: %w", dir, err)
	}

	w := &StatusWatcher{
		path:     filepath.Join(dir, conversationID+".json"),
		onStatus: onStatus,
		watcher:  watcher,
	}
	go w.run()
	w.read()

	slog.Debug("Status watcher started", "path", w.path)
	return w, nil
}

// Close stops the watcher.
func (w *StatusWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}

func (w *StatusWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Name != w.path {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Status watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *StatusWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.debounce != nil {
		w.debounce.Stop()
	}
	w.debounce = time.AfterFunc(statusDebounce, w.read)
}

// read parses the status file and reports it. Missing or malformed files
// are skipped silently; a partial write will be retried on the next event.
func (w *StatusWatcher) read() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	data, err := os.ReadFile(w.path)
	if err != nil {
		return
	}
	var status StatusFile
	if err := json.Unmarshal(data, &status); err != nil {
		return
	}
	w.onStatus(status)
}
