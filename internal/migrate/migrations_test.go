package migrate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spycat/internal/db"
	"spycat/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, migrate.Migrate(conn, dialect))
	v1, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, v1, 1)

	require.NoError(t, migrate.Migrate(conn, dialect))
	v2, err := migrate.Version(conn)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)

	for _, table := range []string{"cats", "missions", "targets", "events"} {
		var name string
		err := conn.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		assert.NoError(t, err, table)
	}
}

func TestTargetNamesUniquePerMission(t *testing.T) {
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn, dialect))

	_, err = conn.Exec(`INSERT INTO missions(id,created_at,updated_at) VALUES ('m1','t','t')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO targets(id,mission_id,name,country,created_at,updated_at) VALUES ('t1','m1','A','X','t','t')`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO targets(id,mission_id,name,country,created_at,updated_at) VALUES ('t2','m1','A','Y','t','t')`)
	assert.Error(t, err)
}
