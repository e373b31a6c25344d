package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codefleet/fleetd/pkg/config"
	"github.com/codefleet/fleetd/pkg/store"
)

// Event types delivered to a submitter's listener.
const (
	EventStarted   = "job.started"
	EventStream    = "job.stream"
	EventCompleted = "job.completed"
)

// Event is one notification about a submitted job.
type Event struct {
	Type      string
	JobID     string
	ProjectID string
	// Chunk is set for EventStream.
	Chunk json.RawMessage
	// OK, Result and Error are set for EventCompleted.
	OK     bool
	Result json.RawMessage
	Error  string
}

// Listener receives the started/stream/completed events for one job.
type Listener func(ev Event)

// Store is the slice of the jobs repository the manager uses.
type Store interface {
	Create(ctx context.Context, job *store.Job) error
	MarkRunning(ctx context.Context, id string) error
	MarkFinished(ctx context.Context, id string, status store.JobStatus, result json.RawMessage, errText string) error
	FailOrphanedRunning(ctx context.Context) (int64, error)
	ListQueued(ctx context.Context) ([]*store.Job, error)
}

// executor runs one job subprocess. Satisfied by *Runner; tests swap in
// fakes through the factory.
type executor interface {
	Run(ctx context.Context, onChunk func(json.RawMessage)) Result
	Abort()
}

type executorFactory func(spec RunSpec) executor

type pendingJob struct {
	job      *store.Job
	listener Listener
}

type runningJob struct {
	job      *store.Job
	exec     executor
	listener Listener
}

// Manager admits queued jobs into a bounded pool: at most MaxConcurrent
// running overall and at most one running job per project.
type Manager struct {
	store        Store
	config       config.JobsConfig
	agentCommand string
	newExecutor  executorFactory

	mu               sync.Mutex
	pending          []*pendingJob
	running          map[string]*runningJob
	runningByProject map[string]string
	closed           bool

	wg sync.WaitGroup
}

// NewManager creates a job manager over the given repository.
func NewManager(st Store, cfg config.JobsConfig, agentCommand string) *Manager {
	m := &Manager{
		store:            st,
		config:           cfg,
		agentCommand:     agentCommand,
		running:          make(map[string]*runningJob),
		runningByProject: make(map[string]string),
	}
	m.newExecutor = func(spec RunSpec) executor {
		return NewRunner(m.agentCommand, spec)
	}
	return m
}

// Initialize sweeps jobs orphaned by a previous daemon process and
// re-queues rows that were still waiting. Must run before any Submit.
func (m *Manager) Initialize(ctx context.Context) error {
	orphaned, err := m.store.FailOrphanedRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep orphaned jobs: %w", err)
	}
	if orphaned > 0 {
		slog.Warn("Failed jobs orphaned by previous daemon run", "count", orphaned)
	}

	queued, err := m.store.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queued jobs: %w", err)
	}

	m.mu.Lock()
	for _, job := range queued {
		// Re-queued jobs have no submitter connection; events go nowhere.
		m.pending = append(m.pending, &pendingJob{job: job})
	}
	m.mu.Unlock()

	if len(queued) > 0 {
		slog.Info("Re-queued jobs from previous daemon run", "count", len(queued))
	}
	m.dispatch()
	return nil
}

// Submit persists a new job and schedules it. The listener receives the
// job's started, stream and completed events.
func (m *Manager) Submit(ctx context.Context, job *store.Job, listener Listener) error {
	switch job.Model {
	case store.ModelOpus, store.ModelSonnet, store.ModelHaiku:
	default:
		return fmt.Errorf("unsupported model %q", job.Model)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("job manager is shut down")
	}
	m.mu.Unlock()

	if err := m.store.Create(ctx, job); err != nil {
		return fmt.Errorf("failed to persist job: %w", err)
	}

	m.mu.Lock()
	m.pending = append(m.pending, &pendingJob{job: job, listener: listener})
	m.mu.Unlock()

	slog.Info("Job submitted", "job_id", job.ID, "kind", job.Kind,
		"model", job.Model, "project_id", job.ProjectID)
	m.dispatch()
	return nil
}

// Cancel aborts a running job or removes a queued one. Queued jobs move
// directly to canceled without ever running.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	if r, ok := m.running[jobID]; ok {
		m.mu.Unlock()
		r.exec.Abort()
		slog.Info("Canceling running job", "job_id", jobID)
		return nil
	}

	for i, p := range m.pending {
		if p.job.ID != jobID {
			continue
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		listener := p.listener
		job := p.job
		m.mu.Unlock()

		if err := m.store.MarkFinished(ctx, jobID, store.JobCanceled, nil, "cancelled"); err != nil {
			slog.Error("Failed to mark queued job canceled", "job_id", jobID, "error", err)
		}
		m.emit(listener, Event{
			Type: EventCompleted, JobID: jobID, ProjectID: job.ProjectID,
			OK: false, Error: "cancelled",
		})
		slog.Info("Canceled queued job", "job_id", jobID)
		return nil
	}
	m.mu.Unlock()
	return store.ErrJobNotFound
}

// Shutdown aborts every running job and waits for all runners to resolve.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	runners := make([]*runningJob, 0, len(m.running))
	for _, r := range m.running {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		r.exec.Abort()
	}
	m.wg.Wait()
	slog.Info("Job manager stopped")
}

// Stats is a point-in-time snapshot for health reporting.
type Stats struct {
	Running int `json:"running"`
	Queued  int `json:"queued"`
}

// GetStats returns the current pool occupancy.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Running: len(m.running), Queued: len(m.pending)}
}

// dispatch admits eligible pending jobs in FIFO order until a rule blocks.
// Admission rules: running < MaxConcurrent, and at most one running job
// per project id.
func (m *Manager) dispatch() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	for i := 0; i < len(m.pending); {
		if len(m.running) >= m.config.MaxConcurrent {
			return
		}
		p := m.pending[i]
		if p.job.ProjectID != "" {
			if _, busy := m.runningByProject[p.job.ProjectID]; busy {
				slog.Debug("Job held, project busy",
					"job_id", p.job.ID, "project_id", p.job.ProjectID)
				i++
				continue
			}
		}

		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		m.startLocked(p)
	}
}

// startLocked moves a pending job into the running set and launches its
// runner goroutine. Caller holds m.mu.
func (m *Manager) startLocked(p *pendingJob) {
	job := p.job
	spec := RunSpec{
		Kind:    job.Kind,
		Model:   job.Model,
		Cwd:     job.Cwd,
		Request: job.Request,
		Timeout: m.config.DefaultTimeout,
	}
	if job.Kind == store.KindKnowledgeSync {
		spec.Timeout = m.config.KnowledgeSyncTimeout
	}

	r := &runningJob{job: job, exec: m.newExecutor(spec), listener: p.listener}
	m.running[job.ID] = r
	if job.ProjectID != "" {
		m.runningByProject[job.ProjectID] = job.ID
	}

	m.wg.Add(1)
	go m.runJob(r)
}

func (m *Manager) runJob(r *runningJob) {
	defer m.wg.Done()
	job := r.job
	ctx := context.Background()

	if err := m.store.MarkRunning(ctx, job.ID); err != nil {
		slog.Error("Failed to mark job running", "job_id", job.ID, "error", err)
		m.release(job)
		m.emit(r.listener, Event{
			Type: EventCompleted, JobID: job.ID, ProjectID: job.ProjectID,
			OK: false, Error: "failed to start: " + err.Error(),
		})
		m.dispatch()
		return
	}

	m.emit(r.listener, Event{Type: EventStarted, JobID: job.ID, ProjectID: job.ProjectID})

	result := r.exec.Run(ctx, func(chunk json.RawMessage) {
		m.emit(r.listener, Event{
			Type: EventStream, JobID: job.ID, ProjectID: job.ProjectID, Chunk: chunk,
		})
	})

	status := store.JobCompleted
	var resultJSON json.RawMessage
	if result.OK {
		data, err := json.Marshal(result)
		if err != nil {
			slog.Error("Failed to marshal job result", "job_id", job.ID, "error", err)
		} else {
			resultJSON = data
		}
	} else if result.Error == "cancelled" {
		status = store.JobCanceled
	} else {
		status = store.JobFailed
	}

	if err := m.store.MarkFinished(ctx, job.ID, status, resultJSON, result.Error); err != nil {
		slog.Error("Failed to record job result", "job_id", job.ID, "error", err)
	}

	m.release(job)
	m.emit(r.listener, Event{
		Type: EventCompleted, JobID: job.ID, ProjectID: job.ProjectID,
		OK: result.OK, Result: resultJSON, Error: result.Error,
	})
	slog.Info("Job finished", "job_id", job.ID, "status", status)
	m.dispatch()
}

// release removes a job from the running bookkeeping.
func (m *Manager) release(job *store.Job) {
	m.mu.Lock()
	delete(m.running, job.ID)
	if job.ProjectID != "" && m.runningByProject[job.ProjectID] == job.ID {
		delete(m.runningByProject, job.ProjectID)
	}
	m.mu.Unlock()
}

func (m *Manager) emit(l Listener, ev Event) {
	if l != nil {
		l(ev)
	}
}
