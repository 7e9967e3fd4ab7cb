// Package events records the pipeline ledger in the workspace database.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by a handoff run.
const (
	RunStarted      = "run.started"
	SpecFinished    = "spec.finished"
	RunFinished     = "run.finished"
	GateEvaluated   = "gate.evaluated"
	GateFailed      = "gate.failed"
	DriftAlert      = "drift.alert"
	ArchiveFailed   = "evidence.archive_failed"
	SessionArchived = "evidence.archived"
)

// Entity kinds.
const (
	KindSession = "session"
	KindSpec    = "spec"
	KindGate    = "gate"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
	// Actor identifies who triggered the run (CLI user, API caller).
	Actor string
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one event. With a nil tx it writes directly to DB.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, sessionID, entityKind, entityID string, payload EventPayload) error {
	var ex execer
	switch {
	case tx != nil:
		ex = tx
	case w.DB != nil:
		ex = w.DB
	default:
		return fmt.Errorf("events: no database")
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	actor := w.Actor
	if actor == "" {
		actor = "local"
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO events(ts,type,session_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, nullable(sessionID), entityKind, nullable(entityID), actor, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
