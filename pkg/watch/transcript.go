// Package watch provides filesystem watchers over the external agent
// tool's transcript and status directories. The transcript watcher
// captures the conversation id of a fresh run; the status watcher feeds
// readiness detection.
package watch

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// transcriptDebounce gives a newly created transcript a moment to be
// fully written before it is reported.
const transcriptDebounce = 200 * time.Millisecond

// TranscriptWatcher watches a per-project transcript directory for new
// .jsonl files. The basename of a new file is the external conversation
// id.
type TranscriptWatcher struct {
	dir     string
	onFound func(conversationID string)

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	timers   map[string]*time.Timer
	reported map[string]bool
	closed   bool
}

// NewTranscriptWatcher starts watching dir. onFound fires once per
// discovered conversation id.
func NewTranscriptWatcher(dir string, onFound func(conversationID string)) (*TranscriptWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch transcript directory %s: %w", dir, err)
	}

	w := &TranscriptWatcher{
		dir:      dir,
		onFound:  onFound,
		watcher:  watcher,
		timers:   make(map[string]*time.Timer),
		reported: make(map[string]bool),
	}
	go w.run()

	slog.Debug("Transcript watcher started", "dir", dir)
	return w, nil
}

// Close stops the watcher and cancels pending debounce timers.
func (w *TranscriptWatcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, timer := range w.timers {
		timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}

func (w *TranscriptWatcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".jsonl") {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Transcript watcher error", "dir", w.dir, "error", err)
		}
	}
}

// schedule debounces per file so a burst of writes reports once.
func (w *TranscriptWatcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.reported[path] {
		return
	}
	if timer, ok := w.timers[path]; ok {
		timer.Stop()
	}
	w.timers[path] = time.AfterFunc(transcriptDebounce, func() { w.report(path) })
}

func (w *TranscriptWatcher) report(path string) {
	w.mu.Lock()
	if w.closed || w.reported[path] {
		w.mu.Unlock()
		return
	}
	w.reported[path] = true
	delete(w.timers, path)
	w.mu.Unlock()

	conversationID := strings.TrimSuffix(filepath.Base(path), ".jsonl")
	slog.Info("Discovered transcript", "conversation_id", conversationID)
	w.onFound(conversationID)
}
