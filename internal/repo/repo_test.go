package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kse/internal/db"
	"kse/internal/domain"
	"kse/internal/events"
	"kse/internal/migrate"
)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return Repo{DB: conn}
}

func TestUpsertSessionKeepsOneRowAndPosition(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertSession(ctx, nil, domain.EvidenceEntry{SessionID: "a", Status: "halted", StartedAt: "t1", ArchivedAt: "t1"}))
	require.NoError(t, r.UpsertSession(ctx, nil, domain.EvidenceEntry{SessionID: "b", Status: "completed", StartedAt: "t2", ArchivedAt: "t2"}))
	require.NoError(t, r.UpsertSession(ctx, nil, domain.EvidenceEntry{
		SessionID: "a", Status: "completed", StartedAt: "t1", ArchivedAt: "t3",
		Gate: &domain.GateReport{Passed: true, RiskLevel: "low"},
	}))

	n, err := r.CountSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, err := r.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].SessionID)
	assert.Equal(t, "completed", all[0].Status)
	require.NotNil(t, all[0].Gate)
	assert.True(t, all[0].Gate.Passed)
	assert.Nil(t, all[1].Gate)

	last, err := r.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "b", last[0].SessionID)

	_, err = r.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEventsPaging(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, typ := range []string{events.RunStarted, events.SpecFinished, events.RunFinished} {
		require.NoError(t, w.Append(ctx, nil, typ, "s1", events.KindSession, "s1", nil))
	}
	require.NoError(t, w.Append(ctx, nil, events.RunStarted, "s2", events.KindSession, "s2", events.EventPayload{"specs": 2}))

	latest, err := r.LatestEvents(ctx, 2, EventFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, latest, 2)
	assert.Equal(t, events.RunFinished, latest[0].Type)
	assert.Equal(t, "local", latest[0].ActorID)

	after, err := r.EventsAfter(ctx, 10, latest[1].ID, EventFilter{})
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, "s2", after[1].SessionID)
	assert.JSONEq(t, `{"specs":2}`, after[1].Payload)

	id, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, after[1].ID, id)
}
