package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a job row. Transitions follow
// queued → running → {completed | failed | canceled}; a queued job may
// also move directly to canceled.
type JobStatus string

// Job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCanceled  JobStatus = "canceled"
)

// Model tags accepted for jobs. A closed set; the manager rejects others.
const (
	ModelOpus   = "opus"
	ModelSonnet = "sonnet"
	ModelHaiku  = "haiku"
)

// KindKnowledgeSync is the job kind that gets the extended timeout.
const KindKnowledgeSync = "knowledge_sync"

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// JobRequest is the prompt envelope stored with each job.
type JobRequest struct {
	Prompt          string          `json:"prompt"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	JSONSchema      json.RawMessage `json:"json_schema,omitempty"`
	MaxTurns        int             `json:"max_turns,omitempty"`
	DisallowedTools []string        `json:"disallowed_tools,omitempty"`
}

// Job is one durable job row.
type Job struct {
	ID         string
	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	Kind       string
	Model      string
	Request    JobRequest
	ProjectID  string
	Cwd        string
	Status     JobStatus
	Result     json.RawMessage
	Error      string
}

// JobStore reads and writes the jobs table.
type JobStore struct {
	db *sql.DB
}

// NewJobStore creates a repository over the given handle.
func NewJobStore(db *sql.DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new job in the queued state.
func (s *JobStore) Create(ctx context.Context, job *Job) error {
	reqJSON, err := json.Marshal(job.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal job request: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, kind, model, request_json, project_id, cwd, status)
		 VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7)`,
		job.ID, job.Kind, job.Model, reqJSON, job.ProjectID, job.Cwd, JobQueued)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// MarkRunning records the queued → running transition.
func (s *JobStore) MarkRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, started_at = now() WHERE id = $2 AND status = $3`,
		JobRunning, id, JobQueued)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFinished records a terminal transition with an optional result or
// error blob.
func (s *JobStore) MarkFinished(ctx context.Context, id string, status JobStatus, result json.RawMessage, errText string) error {
	var resultArg any
	if result != nil {
		resultArg = []byte(result)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, finished_at = now(), result_json = $2, error = NULLIF($3, '')
		 WHERE id = $4`,
		status, resultArg, errText, id)
	if err != nil {
		return fmt.Errorf("failed to mark job finished: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrJobNotFound
	}
	return nil
}

// FailOrphanedRunning marks every running job as failed. Called once at
// startup, before any new job is admitted: rows still running belong to a
// previous daemon process and no runner owns them any more.
func (s *JobStore) FailOrphanedRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $1, finished_at = now(), error = $2 WHERE status = $3`,
		JobFailed, "orphaned by daemon restart", JobRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Get fetches a single job by id.
func (s *JobStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, started_at, finished_at, kind, model, request_json,
		        COALESCE(project_id, ''), COALESCE(cwd, ''), status, result_json, COALESCE(error, '')
		 FROM jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ListQueued returns queued jobs in FIFO order.
func (s *JobStore) ListQueued(ctx context.Context) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at, started_at, finished_at, kind, model, request_json,
		        COALESCE(project_id, ''), COALESCE(cwd, ''), status, result_json, COALESCE(error, '')
		 FROM jobs WHERE status = $1 ORDER BY created_at ASC`, JobQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to query queued jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteFinishedBefore removes terminal job rows older than the cutoff.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status IN ($1, $2, $3) AND finished_at IS NOT NULL AND finished_at < $4`,
		JobCompleted, JobFailed, JobCanceled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete finished jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var reqJSON []byte
	var resultJSON sql.Null[[]byte]
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(&job.ID, &job.CreatedAt, &startedAt, &finishedAt,
		&job.Kind, &job.Model, &reqJSON,
		&job.ProjectID, &job.Cwd, &job.Status, &resultJSON, &job.Error)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}

	if err := json.Unmarshal(reqJSON, &job.Request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job request: %w", err)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		job.FinishedAt = &finishedAt.Time
	}
	if resultJSON.Valid {
		job.Result = json.RawMessage(resultJSON.V)
	}
	return &job, nil
}
