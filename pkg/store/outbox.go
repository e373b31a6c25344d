// Package store contains the repositories over the durable outbox and
// jobs tables. All access goes through these types; they receive their
// *sql.DB handle at construction and hold no global state.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Outbox event kinds. The tailer forwards any kind; these constants cover
// the producers living in this process.
const (
	OutboxBriefingAdded   = "briefing_added"
	OutboxSessionStarted  = "session_started"
	OutboxSessionBlocked  = "session_blocked"
	OutboxDocDriftWarning = "doc_drift_warning"
	OutboxJobCompleted    = "job_completed"
	OutboxAuditCompleted  = "audit_completed"
	OutboxError           = "error"
)

// OutboxEvent is one row of the outbox table. EventID is assigned by the
// store and never decreases.
type OutboxEvent struct {
	EventID        int64           `json:"event_id"`
	TS             time.Time       `json:"ts"`
	Type           string          `json:"type"`
	ProjectID      string          `json:"project_id,omitempty"`
	BriefingID     string          `json:"briefing_id,omitempty"`
	BroadcastLevel string          `json:"broadcast_level,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Delivered      bool            `json:"delivered"`
}

// OutboxStore reads and writes the outbox table.
type OutboxStore struct {
	db *sql.DB
}

// NewOutboxStore creates a repository over the given handle.
func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

// Insert appends an event and returns its store-assigned id.
func (s *OutboxStore) Insert(ctx context.Context, ev OutboxEvent) (int64, error) {
	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO outbox_events (type, project_id, briefing_id, broadcast_level, payload_json)
		 VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), NULLIF($4, ''), $5)
		 RETURNING event_id`,
		ev.Type, ev.ProjectID, ev.BriefingID, ev.BroadcastLevel, []byte(payload),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return id, nil
}

// LatestEventID returns the highest assigned event id, or 0 for an empty
// table. The tailer initializes its cursor from this.
func (s *OutboxStore) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM outbox_events`,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to query latest outbox id: %w", err)
	}
	return id, nil
}

// GetEventsAfter returns up to limit events with id > cursor, in
// strictly increasing id order. It does not mutate delivery state.
func (s *OutboxStore) GetEventsAfter(ctx context.Context, cursor int64, limit int) ([]OutboxEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, ts, type,
		        COALESCE(project_id, ''), COALESCE(briefing_id, ''), COALESCE(broadcast_level, ''),
		        payload_json, delivered
		 FROM outbox_events
		 WHERE event_id > $1
		 ORDER BY event_id ASC
		 LIMIT $2`,
		cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox events: %w", err)
	}
	defer rows.Close()

	var events []OutboxEvent
	for rows.Next() {
		var ev OutboxEvent
		var payload []byte
		if err := rows.Scan(&ev.EventID, &ev.TS, &ev.Type,
			&ev.ProjectID, &ev.BriefingID, &ev.BroadcastLevel,
			&payload, &ev.Delivered); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// MarkDelivered flags the given events as delivered. Idempotent; safe to
// call again after a crash mid-broadcast (delivery is at-least-once).
func (s *OutboxStore) MarkDelivered(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET delivered = TRUE WHERE event_id = ANY($1::bigint[])`,
		idArray(ids))
	if err != nil {
		return fmt.Errorf("failed to mark outbox events delivered: %w", err)
	}
	return nil
}

// DeleteDeliveredBefore removes delivered rows older than the cutoff and
// returns how many were deleted.
func (s *OutboxStore) DeleteDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events WHERE delivered = TRUE AND ts < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete delivered outbox events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// idArray renders ids as a Postgres array literal. The stdlib driver has
// no native slice binding, so the cast in the statement does the work.
func idArray(ids []int64) string {
	var b strings.Builder
	b.WriteByte('{')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
	}
	b.WriteByte('}')
	return b.String()
}
