package evidence

import (
	"context"
	"errors"
	"fmt"

	"kse/internal/domain"
	"kse/internal/repo"
)

// SQLStore keeps entries in the sessions table of the workspace database.
type SQLStore struct {
	Repo repo.Repo
}

func (s SQLStore) Upsert(ctx context.Context, e domain.EvidenceEntry) error {
	if e.SessionID == "" {
		return errors.New("evidence entry has no session id")
	}
	tx, err := s.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.UpsertSession(ctx, tx, e); err != nil {
		return fmt.Errorf("upsert session %s: %w", e.SessionID, err)
	}
	return tx.Commit()
}

func (s SQLStore) List(ctx context.Context, limit int) ([]domain.EvidenceEntry, error) {
	return s.Repo.ListSessions(ctx, limit)
}

func (s SQLStore) Get(ctx context.Context, sessionID string) (domain.EvidenceEntry, error) {
	e, err := s.Repo.GetSession(ctx, sessionID)
	if errors.Is(err, repo.ErrNotFound) {
		return e, ErrNotFound
	}
	return e, err
}
