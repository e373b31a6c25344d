// Package jobs runs short-lived headless agent subprocesses under a
// bounded concurrency pool with per-project serialization.
package jobs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/codefleet/fleetd/pkg/store"
	"golang.org/x/sys/unix"
)

// abortKillDelay is the SIGTERM to SIGKILL gap for timeouts and aborts.
const abortKillDelay = 2 * time.Second

// RunSpec carries everything the runner needs to spawn one job.
type RunSpec struct {
	Kind    string
	Model   string
	Cwd     string
	Request store.JobRequest
	// ExternalID resumes an existing agent conversation when set.
	ExternalID string
	Timeout    time.Duration
}

// ToolUse is one tool invocation reported on the job's output stream.
type ToolUse struct {
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Usage accumulates token counts across all stream events.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the terminal outcome of one job run.
type Result struct {
	OK       bool      `json:"ok"`
	Text     string    `json:"text,omitempty"`
	Thinking string    `json:"thinking,omitempty"`
	ToolUses []ToolUse `json:"tool_uses,omitempty"`
	Usage    Usage     `json:"usage"`
	Error    string    `json:"error,omitempty"`
}

// Runner executes a single headless agent subprocess. One Runner per job.
type Runner struct {
	agentCommand string
	spec         RunSpec

	mu      sync.Mutex
	cmd     *exec.Cmd
	aborted bool
}

// NewRunner builds a runner for the given spec.
func NewRunner(agentCommand string, spec RunSpec) *Runner {
	return &Runner{agentCommand: agentCommand, spec: spec}
}

// Abort cancels a running job: further chunks are ignored, the subprocess
// gets SIGTERM then SIGKILL, and Run resolves with error "cancelled".
func (r *Runner) Abort() {
	r.mu.Lock()
	r.aborted = true
	cmd := r.cmd
	r.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		go escalate(cmd.Process.Pid)
	}
}

// Run spawns the subprocess and blocks until it resolves. Every stdout
// line that parses as a JSON object is passed to onChunk and folded into
// the accumulated result. Run never returns an error; failures are
// reported in the Result.
func (r *Runner) Run(ctx context.Context, onChunk func(json.RawMessage)) Result {
	// An abort that lands before the spawn must not leave an unsignaled
	// subprocess holding a pool slot.
	if r.isAborted() {
		return Result{OK: false, Error: "cancelled"}
	}

	args := buildArgs(r.spec)
	cmd := exec.Command(r.agentCommand, args...)
	cmd.Dir = r.spec.Cwd
	// Own process group so signal escalation reaches helper children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{OK: false, Error: "failed to open stdout pipe: " + err.Error()}
	}

	if err := cmd.Start(); err != nil {
		return Result{OK: false, Error: "failed to spawn job process: " + err.Error()}
	}
	r.mu.Lock()
	r.cmd = cmd
	abortedBeforeSpawn := r.aborted
	r.mu.Unlock()
	if abortedBeforeSpawn {
		// Abort raced the spawn and saw a nil cmd; escalate here instead.
		go escalate(cmd.Process.Pid)
	}

	slog.Info("Job subprocess started",
		"kind", r.spec.Kind, "model", r.spec.Model, "pid", cmd.Process.Pid,
		"timeout", r.spec.Timeout)

	var acc accumulator
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 || line[0] != '{' {
				continue
			}
			var probe map[string]json.RawMessage
			if err := json.Unmarshal(line, &probe); err != nil {
				continue
			}
			chunk := json.RawMessage(append([]byte(nil), line...))
			acc.ingest(chunk)
			if onChunk != nil && !r.isAborted() {
				onChunk(chunk)
			}
		}
	}()

	done := make(chan error, 1)
	go func() {
		<-readerDone
		done <- cmd.Wait()
	}()

	timer := time.NewTimer(r.spec.Timeout)
	defer timer.Stop()

	var waitErr error
	var timedOut bool
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		slog.Warn("Job timed out, escalating signals",
			"kind", r.spec.Kind, "pid", cmd.Process.Pid, "timeout", r.spec.Timeout)
		go escalate(cmd.Process.Pid)
		waitErr = <-done
	}

	switch {
	case r.isAborted():
		return Result{OK: false, Error: "cancelled", Usage: acc.usage}
	case timedOut:
		return Result{OK: false, Error: "timed out", Usage: acc.usage}
	case waitErr != nil:
		errText := strings.TrimSpace(stderr.String())
		if errText == "" {
			errText = waitErr.Error()
		}
		return Result{OK: false, Error: errText, Usage: acc.usage}
	}

	return Result{
		OK:       true,
		Text:     acc.text.String(),
		Thinking: acc.thinking.String(),
		ToolUses: acc.toolUses,
		Usage:    acc.usage,
	}
}

func (r *Runner) isAborted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.aborted
}

// escalate sends SIGTERM to the process group and follows with SIGKILL
// after a short grace period.
func escalate(pid int) {
	_ = unix.Kill(-pid, unix.SIGTERM)
	time.Sleep(abortKillDelay)
	_ = unix.Kill(-pid, unix.SIGKILL)
}

// buildArgs assembles the agent CLI argument vector from the request.
func buildArgs(spec RunSpec) []string {
	req := spec.Request
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
		"--model", spec.Model,
	}
	if spec.ExternalID != "" {
		args = append(args, "--resume", spec.ExternalID)
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	if len(req.JSONSchema) > 0 {
		args = append(args, "--json-schema", string(req.JSONSchema))
	}
	if len(req.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DisallowedTools, ","))
	}
	return args
}

// streamLine is the loose shape of one NDJSON line from the agent CLI in
// stream-json mode. Unknown fields are ignored.
type streamLine struct {
	Type    string `json:"type"`
	Result  string `json:"result"`
	Usage   *usage `json:"usage"`
	Message struct {
		Content []struct {
			Type     string          `json:"type"`
			Text     string          `json:"text"`
			Thinking string          `json:"thinking"`
			Name     string          `json:"name"`
			Input    json.RawMessage `json:"input"`
		} `json:"content"`
		Usage *usage `json:"usage"`
	} `json:"message"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// accumulator folds stream lines into the final result.
type accumulator struct {
	text     strings.Builder
	thinking strings.Builder
	toolUses []ToolUse
	usage    Usage
}

func (a *accumulator) ingest(line json.RawMessage) {
	var ev streamLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "assistant":
		for _, block := range ev.Message.Content {
			switch block.Type {
			case "text":
				a.text.WriteString(block.Text)
			case "thinking":
				a.thinking.WriteString(block.Thinking)
			case "tool_use":
				a.toolUses = append(a.toolUses, ToolUse{Name: block.Name, Input: block.Input})
			}
		}
		a.addUsage(ev.Message.Usage)
	case "result":
		// The final result line repeats the full text; prefer it when
		// no incremental text was seen.
		if ev.Result != "" && a.text.Len() == 0 {
			a.text.WriteString(ev.Result)
		}
		a.addUsage(ev.Usage)
	}
}

func (a *accumulator) addUsage(u *usage) {
	if u == nil {
		return
	}
	a.usage.InputTokens += u.InputTokens
	a.usage.OutputTokens += u.OutputTokens
}
