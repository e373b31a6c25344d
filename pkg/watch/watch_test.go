package watch

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptWatcherReportsNewJsonl(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var found []string
	w, err := NewTranscriptWatcher(dir, func(id string) {
		mu.Lock()
		found = append(found, id)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	path := filepath.Join(dir, "conv-abc123.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"user"}`+"\n"), 0o644))
	// A follow-up write burst must not produce a second report.
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"assistant"}`+"\n"), 0o644))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(found) == 1 && found[0] == "conv-abc123"
	}, 2*time.Second, 10*time.Millisecond)

	// Non-transcript files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(3 * transcriptDebounce)
	mu.Lock()
	assert.Len(t, found, 1)
	mu.Unlock()
}

func TestTranscriptWatcherMissingDir(t *testing.T) {
	_, err := NewTranscriptWatcher(filepath.Join(t.TempDir(), "absent"), func(string) {})
	assert.Error(t, err)
}

func TestStatusWatcherReportsChanges(t *testing.T) {
	dir := t.TempDir()

	var mu sync.Mutex
	var updates []StatusFile
	w, err := NewStatusWatcher(dir, "conv-1", func(s StatusFile) {
		mu.Lock()
		updates = append(updates, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	writeStatus := func(s StatusFile) {
		data, err := json.Marshal(s)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-1.json"), data, 0o644))
	}

	writeStatus(StatusFile{Status: "working", Task: "build"})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) >= 1 && updates[len(updates)-1].Status == "working"
	}, 2*time.Second, 10*time.Millisecond)

	writeStatus(StatusFile{Status: "waiting_for_input", Blockers: []string{"question"}})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		last := updates[len(updates)-1]
		return last.Status == "waiting_for_input" && len(last.Blockers) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Files for other conversations are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-2.json"),
		[]byte(`{"status":"error"}`), 0o644))
	time.Sleep(3 * statusDebounce)
	mu.Lock()
	for _, u := range updates {
		assert.NotEqual(t, "error", u.Status)
	}
	mu.Unlock()
}

func TestStatusWatcherReadsExistingFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-1.json"),
		[]byte(`{"status":"idle"}`), 0o644))

	got := make(chan StatusFile, 1)
	w, err := NewStatusWatcher(dir, "conv-1", func(s StatusFile) {
		select {
		case got <- s:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	select {
	case s := <-got:
		assert.Equal(t, "idle", s.Status)
	case <-time.After(time.Second):
		t.Fatal("existing status file was not reported")
	}
}

func TestStatusWatcherSkipsMalformed(t *testing.T) {
	dir := t.TempDir()

	var count int
	var mu sync.Mutex
	w, err := NewStatusWatcher(dir, "conv-1", func(StatusFile) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "conv-1.json"),
		[]byte("{truncated"), 0o644))
	time.Sleep(3 * statusDebounce)
	mu.Lock()
	assert.Equal(t, 0, count)
	mu.Unlock()
}
