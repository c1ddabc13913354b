package repo

import (
	"context"
	"database/sql"

	"spycat/internal/domain"
)

const catColumns = `id,name,experience_years,breed,salary,is_available,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCat(row rowScanner) (domain.Cat, error) {
	var c domain.Cat
	err := row.Scan(&c.ID, &c.Name, &c.ExperienceYears, &c.Breed, &c.Salary, &c.IsAvailable, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertCatTx(ctx context.Context, tx *sql.Tx, c domain.Cat) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO cats(`+catColumns+`) VALUES (?,?,?,?,?,?,?,?)`),
		c.ID, c.Name, c.ExperienceYears, c.Breed, c.Salary, c.IsAvailable, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCat(ctx context.Context, id string) (domain.Cat, error) {
	return r.getCat(ctx, r.DB, id)
}

func (r Repo) GetCatTx(ctx context.Context, tx *sql.Tx, id string) (domain.Cat, error) {
	return r.getCat(ctx, tx, id)
}

func (r Repo) getCat(ctx context.Context, qx queryer, id string) (domain.Cat, error) {
	return scanCat(qx.QueryRowContext(ctx, r.q(`SELECT `+catColumns+` FROM cats WHERE id=?`), id))
}

func (r Repo) ListCats(ctx context.Context) ([]domain.Cat, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+catColumns+` FROM cats ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Cat{}
	for rows.Next() {
		c, err := scanCat(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCatSalaryTx(ctx context.Context, tx *sql.Tx, id string, salary float64, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE cats SET salary=?, updated_at=? WHERE id=?`), salary, now, id)
	return expectOne(res, err, ErrNotFound)
}

// SetCatAvailableTx flips availability only if the cat currently holds the opposite value.
func (r Repo) SetCatAvailableTx(ctx context.Context, tx *sql.Tx, id string, available bool, now string) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE cats SET is_available=?, updated_at=? WHERE id=? AND is_available=?`),
		available, now, id, !available)
	return expectOne(res, err, ErrGuardFailed)
}

// CatInUseTx reports whether any mission references the cat, completed or not.
func (r Repo) CatInUseTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM missions WHERE cat_id=? LIMIT 1`), id).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) DeleteCatTx(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, r.q(`DELETE FROM cats WHERE id=?`), id)
	return expectOne(res, err, ErrNotFound)
}
