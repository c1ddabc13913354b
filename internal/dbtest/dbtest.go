// Package dbtest opens migrated stores for tests. SQLite always works; Postgres
// runs when SPYCAT_TEST_POSTGRES_DSN names a database the tests may write to.
package dbtest

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"spycat/internal/db"
	"spycat/internal/migrate"
)

const PostgresDSNEnv = "SPYCAT_TEST_POSTGRES_DSN"

// Open returns a Postgres store when PostgresDSNEnv is set and SQLite otherwise.
func Open(t testing.TB) (*sql.DB, db.Dialect) {
	t.Helper()
	if os.Getenv(PostgresDSNEnv) != "" {
		return Postgres(t)
	}
	return SQLite(t)
}

// SQLite opens a migrated store in a temp workspace.
func SQLite(t testing.TB) (*sql.DB, db.Dialect) {
	t.Helper()
	conn, dialect, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, dialect))
	return conn, dialect
}

// Postgres opens a migrated store in a schema of its own, dropped on cleanup,
// so packages testing in parallel never share tables.
func Postgres(t testing.TB) (*sql.DB, db.Dialect) {
	t.Helper()
	dsn := os.Getenv(PostgresDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", PostgresDSNEnv)
	}
	admin, _, err := db.Open(db.Config{Driver: string(db.Postgres), DSN: dsn})
	require.NoError(t, err)
	schema := "spycat_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = admin.Exec(`CREATE SCHEMA ` + schema)
	require.NoError(t, err)

	conn, dialect, err := db.Open(db.Config{Driver: string(db.Postgres), DSN: withSearchPath(dsn, schema)})
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		admin.Exec(`DROP SCHEMA ` + schema + ` CASCADE`)
		admin.Close()
	})
	require.NoError(t, migrate.Migrate(conn, dialect))
	return conn, dialect
}

// Each runs fn against SQLite and, when configured, Postgres.
func Each(t *testing.T, fn func(t *testing.T, conn *sql.DB, dialect db.Dialect)) {
	t.Run("sqlite", func(t *testing.T) {
		conn, dialect := SQLite(t)
		fn(t, conn, dialect)
	})
	t.Run("postgres", func(t *testing.T) {
		conn, dialect := Postgres(t)
		fn(t, conn, dialect)
	})
}

// withSearchPath sets search_path as a connection runtime parameter, in URL or keyword/value form.
func withSearchPath(dsn, schema string) string {
	if strings.Contains(dsn, "://") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		return dsn + sep + "search_path=" + schema
	}
	return fmt.Sprintf("%s search_path=%s", dsn, schema)
}
