package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"spycat/internal/db"
)

// Repo is the entity store for cats, missions, targets and events. Methods with a
// Tx suffix run inside a unit opened by RunAtomic.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrGuardFailed means a conditional update matched no row because the
	// guarded column no longer held the expected value.
	ErrGuardFailed = errors.New("guarded update matched no rows")
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// unitLockKey is the Postgres advisory lock held by every atomic unit.
const unitLockKey int64 = 0x73707963 // "spyc"

// RunAtomic runs fn in one transaction: every write commits or none does.
// Units never interleave. SQLite gets this from its single immediate-locking
// connection; on Postgres each unit holds a transaction-scoped advisory lock
// until it commits or rolls back. Checks that span rows (the pending-target
// count behind mission completion) and event ids in commit order rely on it.
func (r Repo) RunAtomic(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if r.Dialect == db.Postgres {
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, unitLockKey); err != nil {
			return fmt.Errorf("lock unit: %w", err)
		}
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

func expectOne(res sql.Result, err error, none error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return none
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return nullable(*v)
}
