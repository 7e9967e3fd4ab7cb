// Package evidence archives run outcomes so later runs can evaluate trends.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"kse/internal/domain"
)

// ErrNotFound is returned when no entry exists for a session id.
var ErrNotFound = errors.New("session not found in evidence store")

// Store persists evidence entries keyed by session id. Upsert replaces an
// existing entry in place; List returns entries oldest first.
type Store interface {
	Upsert(ctx context.Context, e domain.EvidenceEntry) error
	List(ctx context.Context, limit int) ([]domain.EvidenceEntry, error)
	Get(ctx context.Context, sessionID string) (domain.EvidenceEntry, error)
}

// Entry condenses a run report into its evidence record.
func Entry(r domain.RunReport, archivedAt time.Time) domain.EvidenceEntry {
	e := domain.EvidenceEntry{
		SessionID:   r.SessionID,
		Manifest:    r.Manifest,
		Status:      r.Status,
		ArchivedAt:  archivedAt.UTC().Format(time.RFC3339),
		StartedAt:   r.StartedAt,
		TotalSpecs:  len(r.Specs),
		ResumedFrom: r.ResumedFrom,
		Gate:        r.Gate,
	}
	for _, s := range r.Specs {
		switch s.Status {
		case domain.StatusSuccess:
			e.Succeeded++
		case domain.StatusFailed:
			e.Failed++
		}
	}
	return e
}

// Archiver writes run reports to a store. Failures are returned as
// *domain.ArchiveWarning and never alter the run's verdict.
type Archiver struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
}

func (a Archiver) Archive(ctx context.Context, r domain.RunReport) (domain.EvidenceEntry, error) {
	now := time.Now
	if a.Now != nil {
		now = a.Now
	}
	e := Entry(r, now())
	var err error
	if a.Store == nil {
		err = fmt.Errorf("no evidence store configured")
	} else {
		err = a.Store.Upsert(ctx, e)
	}
	if err != nil {
		if a.Logger != nil {
			a.Logger.Warn("evidence archive failed", zap.String("session", r.SessionID), zap.Error(err))
		}
		return e, &domain.ArchiveWarning{SessionID: r.SessionID, Err: err}
	}
	return e, nil
}

func lastN(entries []domain.EvidenceEntry, limit int) []domain.EvidenceEntry {
	if limit > 0 && len(entries) > limit {
		return entries[len(entries)-limit:]
	}
	return entries
}
