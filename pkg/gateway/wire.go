package gateway

import (
	"encoding/json"
	"time"

	"github.com/codefleet/fleetd/pkg/buffer"
	"github.com/codefleet/fleetd/pkg/store"
)

// Protocol error codes returned in error messages.
const (
	ErrCodeSessionNotFound     = "SESSION_NOT_FOUND"
	ErrCodeSessionCreateFailed = "SESSION_CREATE_FAILED"
	ErrCodeJobCreateFailed     = "JOB_CREATE_FAILED"
	ErrCodeJobNotFound         = "JOB_NOT_FOUND"
	ErrCodeCommanderFailed     = "COMMANDER_FAILED"
	ErrCodeInvalidMessage      = "INVALID_MESSAGE"
)

// clientMessage is the union of every client→server message. Dispatch is
// on Type; unrelated fields stay at their zero value.
type clientMessage struct {
	Type string `json:"type"`

	// fleet.subscribe
	FromEventID int64 `json:"from_event_id"`

	// session.create
	ProjectID string   `json:"project_id"`
	RepoRoot  string   `json:"repo_root"`
	Command   []string `json:"command"`
	Cols      uint16   `json:"cols"`
	Rows      uint16   `json:"rows"`

	// session.attach / detach / stdin / signal / resize
	SessionID string `json:"session_id"`
	FromSeq   *int64 `json:"from_seq"`
	Data      string `json:"data"`
	Signal    string `json:"signal"`

	// job.create / job.cancel
	Job   *jobMessage `json:"job"`
	JobID string      `json:"job_id"`

	// commander.send
	Prompt string `json:"prompt"`
}

// jobMessage is the job envelope inside job.create.
type jobMessage struct {
	Type      string           `json:"type"`
	ProjectID string           `json:"project_id"`
	RepoRoot  string           `json:"repo_root"`
	Model     string           `json:"model"`
	Request   store.JobRequest `json:"request"`
}

// Server→client message shapes.

type pongMessage struct {
	Type string `json:"type"`
}

type fleetEventBody struct {
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	BriefingID string          `json:"briefing_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type fleetEventMessage struct {
	Type    string         `json:"type"`
	EventID int64          `json:"event_id"`
	TS      time.Time      `json:"ts"`
	Event   fleetEventBody `json:"event"`
}

type sessionCreatedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ProjectID string `json:"project_id"`
	PID       int    `json:"pid"`
}

type sessionStatusMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

type sessionEndedMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Signal    string `json:"signal,omitempty"`
}

// sessionEventMessage carries one merged session event; Type is "event"
// for fleet sessions and "commander.stdout" for the commander's PTY.
type sessionEventMessage struct {
	Type      string              `json:"type"`
	SessionID string              `json:"session_id"`
	Seq       int64               `json:"seq"`
	Event     buffer.SessionEvent `json:"event"`
}

type commanderQueuedMessage struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

type commanderStatusMessage struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

type jobStartedMessage struct {
	Type      string `json:"type"`
	JobID     string `json:"job_id"`
	ProjectID string `json:"project_id,omitempty"`
}

type jobStreamMessage struct {
	Type  string          `json:"type"`
	JobID string          `json:"job_id"`
	Chunk json.RawMessage `json:"chunk"`
}

type jobCompletedMessage struct {
	Type   string          `json:"type"`
	JobID  string          `json:"job_id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newFleetEventMessage(ev store.OutboxEvent) fleetEventMessage {
	return fleetEventMessage{
		Type:    "fleet.event",
		EventID: ev.EventID,
		TS:      ev.TS,
		Event: fleetEventBody{
			Type:       ev.Type,
			ProjectID:  ev.ProjectID,
			BriefingID: ev.BriefingID,
			Data:       ev.Payload,
		},
	}
}

func newErrorMessage(code, message string) errorMessage {
	return errorMessage{Type: "error", Code: code, Message: message}
}
