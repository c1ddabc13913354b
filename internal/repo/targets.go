package repo

import (
	"context"
	"database/sql"

	"spycat/internal/domain"
)

const targetColumns = `id,mission_id,name,country,notes,is_completed,created_at,updated_at`

func scanTarget(row rowScanner) (domain.Target, error) {
	var t domain.Target
	err := row.Scan(&t.ID, &t.MissionID, &t.Name, &t.Country, &t.Notes, &t.IsCompleted, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

// InsertTargetTx stores a target; position keeps the order it was supplied in.
func (r Repo) InsertTargetTx(ctx context.Context, tx *sql.Tx, t domain.Target, position int) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO targets(id,mission_id,position,name,country,notes,is_completed,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`),
		t.ID, t.MissionID, position, t.Name, t.Country, t.Notes, t.IsCompleted, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTarget(ctx context.Context, id string) (domain.Target, error) {
	return scanTarget(r.DB.QueryRowContext(ctx, r.q(`SELECT `+targetColumns+` FROM targets WHERE id=?`), id))
}

func (r Repo) GetTargetTx(ctx context.Context, tx *sql.Tx, id string) (domain.Target, error) {
	return scanTarget(tx.QueryRowContext(ctx, r.q(`SELECT `+targetColumns+` FROM targets WHERE id=?`), id))
}

func (r Repo) listTargets(ctx context.Context, qx queryer, where string, args ...any) ([]domain.Target, error) {
	rows, err := qx.QueryContext(ctx, r.q(`SELECT `+targetColumns+` FROM targets `+where+` ORDER BY mission_id ASC, position ASC, id ASC`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Target{}
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpdateTargetNotesTx writes notes only while the target is still pending.
func (r Repo) UpdateTargetNotesTx(ctx context.Context, tx *sql.Tx, id, notes, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE targets SET notes=?, updated_at=? WHERE id=? AND is_completed=?`),
		notes, now, id, false)
	return expectOne(res, err, ErrGuardFailed)
}

func (r Repo) CompleteTargetTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE targets SET is_completed=?, updated_at=? WHERE id=? AND is_completed=?`),
		true, now, id, false)
	return expectOne(res, err, ErrGuardFailed)
}

func (r Repo) CountPendingTargetsTx(ctx context.Context, tx *sql.Tx, missionID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM targets WHERE mission_id=? AND is_completed=?`), missionID, false).Scan(&n)
	return n, err
}
