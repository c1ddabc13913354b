package repo

import (
	"context"
	"database/sql"

	"spycat/internal/domain"
)

const missionColumns = `id,cat_id,is_completed,created_at,updated_at`

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var catID sql.NullString
	err := row.Scan(&m.ID, &catID, &m.IsCompleted, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if catID.Valid {
		m.CatID = &catID.String
	}
	m.Targets = []domain.Target{}
	return m, nil
}

func (r Repo) InsertMissionTx(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO missions(`+missionColumns+`) VALUES (?,?,?,?,?)`),
		m.ID, nullableStringPtr(m.CatID), m.IsCompleted, m.CreatedAt, m.UpdatedAt)
	return err
}

// GetMission loads a mission together with its targets.
func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.getMission(ctx, r.DB, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return r.getMission(ctx, tx, id)
}

func (r Repo) getMission(ctx context.Context, qx queryer, id string) (domain.Mission, error) {
	m, err := scanMission(qx.QueryRowContext(ctx, r.q(`SELECT `+missionColumns+` FROM missions WHERE id=?`), id))
	if err != nil {
		return m, err
	}
	targets, err := r.listTargets(ctx, qx, `WHERE mission_id=?`, id)
	if err != nil {
		return m, err
	}
	m.Targets = targets
	return m, nil
}

func (r Repo) ListMissions(ctx context.Context) ([]domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+missionColumns+` FROM missions ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	res := []domain.Mission{}
	index := map[string]int{}
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		index[m.ID] = len(res)
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// sqlite runs on a single connection; the mission cursor must be closed before the next query.
	rows.Close()
	targets, err := r.listTargets(ctx, r.DB, "")
	if err != nil {
		return nil, err
	}
	for _, t := range targets {
		if i, ok := index[t.MissionID]; ok {
			res[i].Targets = append(res[i].Targets, t)
		}
	}
	return res, nil
}

// AssignCatTx sets the cat reference only on an unassigned, active mission.
func (r Repo) AssignCatTx(ctx context.Context, tx *sql.Tx, missionID, catID, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET cat_id=?, updated_at=? WHERE id=? AND cat_id IS NULL AND is_completed=?`),
		catID, now, missionID, false)
	return expectOne(res, err, ErrGuardFailed)
}

func (r Repo) CompleteMissionTx(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET is_completed=?, updated_at=? WHERE id=? AND is_completed=?`),
		true, now, id, false)
	return expectOne(res, err, ErrGuardFailed)
}

// DeleteMissionTx removes the mission's targets and then the mission itself.
func (r Repo) DeleteMissionTx(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM targets WHERE mission_id=?`), id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM missions WHERE id=? AND cat_id IS NULL`), id)
	return expectOne(res, err, ErrGuardFailed)
}
