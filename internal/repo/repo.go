package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"kse/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertSession inserts or replaces the archived entry for a session. The
// row keeps its original position so history order is first-archive order.
func (r Repo) UpsertSession(ctx context.Context, tx *sql.Tx, e domain.EvidenceEntry) error {
	var ex execer = r.DB
	if tx != nil {
		ex = tx
	}
	gateJSON, err := marshalGate(e.Gate)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `INSERT INTO sessions(session_id,manifest,status,started_at,archived_at,total_specs,succeeded,failed,resumed_from,gate_json)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
  manifest=excluded.manifest,
  status=excluded.status,
  started_at=excluded.started_at,
  archived_at=excluded.archived_at,
  total_specs=excluded.total_specs,
  succeeded=excluded.succeeded,
  failed=excluded.failed,
  resumed_from=excluded.resumed_from,
  gate_json=excluded.gate_json`,
		e.SessionID, nullable(e.Manifest), e.Status, e.StartedAt, e.ArchivedAt, e.TotalSpecs, e.Succeeded, e.Failed, nullable(e.ResumedFrom), gateJSON)
	return err
}

const sessionColumns = `session_id,COALESCE(manifest,''),status,started_at,archived_at,total_specs,succeeded,failed,COALESCE(resumed_from,''),gate_json`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (domain.EvidenceEntry, error) {
	var e domain.EvidenceEntry
	var gate sql.NullString
	if err := row.Scan(&e.SessionID, &e.Manifest, &e.Status, &e.StartedAt, &e.ArchivedAt, &e.TotalSpecs, &e.Succeeded, &e.Failed, &e.ResumedFrom, &gate); err != nil {
		return e, err
	}
	if gate.Valid && gate.String != "" {
		var g domain.GateReport
		if err := json.Unmarshal([]byte(gate.String), &g); err != nil {
			return e, fmt.Errorf("session %s: decode gate: %w", e.SessionID, err)
		}
		e.Gate = &g
	}
	return e, nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.EvidenceEntry, error) {
	e, err := scanSession(r.DB.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	return e, err
}

// ListSessions returns archived sessions oldest first. A positive limit
// keeps only the most recent entries.
func (r Repo) ListSessions(ctx context.Context, limit int) ([]domain.EvidenceEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `SELECT * FROM (SELECT rowid AS rid,` + sessionColumns + ` FROM sessions ORDER BY rowid DESC LIMIT ?) ORDER BY rid ASC`
	rows, err := r.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.EvidenceEntry{}
	for rows.Next() {
		e, err := scanSession(skipFirst{rows})
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// skipFirst drops the leading rowid column.
type skipFirst struct{ rows *sql.Rows }

func (s skipFirst) Scan(dest ...any) error {
	var rid int64
	return s.rows.Scan(append([]any{&rid}, dest...)...)
}

func (r Repo) CountSessions(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

func marshalGate(g *domain.GateReport) (any, error) {
	if g == nil {
		return nil, nil
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("marshal gate: %w", err)
	}
	return string(data), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// EventFilter narrows event queries; zero fields match everything.
type EventFilter struct {
	SessionID  string
	Type       string
	EntityKind string
	EntityID   string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.SessionID != "" {
		clauses = append(clauses, "session_id=?")
		args = append(args, f.SessionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	return clauses, args
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventsFrom pages backwards: events with id below cursor, newest
// first.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

// EventsAfter pages forwards: events with id above cursor, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(session_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	return r.queryEvents(ctx, query, append(args, limit)...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.SessionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event id, 0 when empty.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
