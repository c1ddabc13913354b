package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE cats SET salary=?, updated_at=? WHERE id=?`
	assert.Equal(t, q, Rebind(SQLite, q))
	assert.Equal(t, `UPDATE cats SET salary=$1, updated_at=$2 WHERE id=$3`, Rebind(Postgres, q))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, dialect, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, SQLite, dialect)
	require.NoError(t, conn.Ping())
	_, err = os.Stat(Path(dir))
	assert.NoError(t, err)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(Config{Driver: "mysql"})
	assert.Error(t, err)
}

func TestSQLiteDSNAddsMissingSettings(t *testing.T) {
	assert.Equal(t,
		"file:/tmp/a.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate",
		SQLiteDSN("file:/tmp/a.db"))
	assert.Equal(t,
		"file:/tmp/a.db?_pragma=busy_timeout(100)&_pragma=foreign_keys(1)&_txlock=immediate",
		SQLiteDSN("file:/tmp/a.db?_pragma=busy_timeout(100)"))
}

func TestOpenSQLiteExplicitDSNKeepsForeignKeys(t *testing.T) {
	conn, _, err := Open(Config{DSN: "file:" + filepath.Join(t.TempDir(), "custom.db")})
	require.NoError(t, err)
	defer conn.Close()
	var on int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&on))
	assert.Equal(t, 1, on)
}
