package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"kse/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	v1, err := Migrate(ctx, conn)
	require.NoError(t, err)
	v2, err := Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	migrations, err := Load()
	require.NoError(t, err)
	require.Equal(t, migrations[len(migrations)-1].Version, v1)

	_, err = conn.ExecContext(ctx, `INSERT INTO sessions(session_id,status,started_at,archived_at) VALUES ('s','completed','t','t')`)
	require.NoError(t, err)
}
