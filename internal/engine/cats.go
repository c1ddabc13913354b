package engine

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"spycat/internal/domain"
	"spycat/internal/events"
)

// CatCreateOptions are parameters for hiring a cat.
type CatCreateOptions struct {
	Name            string
	ExperienceYears int
	Breed           string
	Salary          float64
}

// CreateCat validates the fields and the breed before anything is written.
func (e Engine) CreateCat(ctx context.Context, opts CatCreateOptions) (c domain.Cat, err error) {
	ctx, op := e.begin(ctx, "create_cat", attribute.String("breed", opts.Breed))
	defer func() { op.end(ctx, err) }()

	if err := domain.ValidateCatFields(opts.Name, opts.ExperienceYears, opts.Breed, opts.Salary); err != nil {
		return domain.Cat{}, err
	}
	if err := e.checkBreed(ctx, opts.Breed); err != nil {
		return domain.Cat{}, err
	}
	now := e.timestamp()
	c = domain.Cat{
		ID:              uuid.NewString(),
		Name:            strings.TrimSpace(opts.Name),
		ExperienceYears: opts.ExperienceYears,
		Breed:           strings.TrimSpace(opts.Breed),
		Salary:          opts.Salary,
		IsAvailable:     true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertCatTx(ctx, tx, c); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.CatCreated, "cat", c.ID, events.EventPayload{
			"name": c.Name, "breed": c.Breed, "salary": c.Salary,
		})
	})
	if err != nil {
		return domain.Cat{}, wrapInfra(err, "create cat")
	}
	return c, nil
}

func (e Engine) checkBreed(ctx context.Context, breed string) error {
	if e.Breeds == nil {
		return domain.External("breed validator is not configured", nil)
	}
	timeout := e.BreedTimeout
	if timeout <= 0 {
		timeout = defaultBreedTimeout
	}
	lookupCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := e.Breeds.IsRecognized(lookupCtx, breed)
	switch {
	case err != nil:
		e.Metrics.BreedLookup("error")
		return domain.External("breed validation service is unavailable", err)
	case !ok:
		e.Metrics.BreedLookup("rejected")
		return domain.Validationf("breed %q is not recognized", breed)
	}
	e.Metrics.BreedLookup("recognized")
	return nil
}

// UpdateCat applies a patch; salary is the only field a patch may carry.
func (e Engine) UpdateCat(ctx context.Context, id string, patch domain.CatPatch) (c domain.Cat, err error) {
	ctx, op := e.begin(ctx, "update_cat", attribute.String("cat_id", id))
	defer func() { op.end(ctx, err) }()

	salary, err := patch.SalaryUpdate()
	if err != nil {
		return domain.Cat{}, err
	}
	return e.updateSalary(ctx, id, salary)
}

func (e Engine) UpdateCatSalary(ctx context.Context, id string, salary float64) (c domain.Cat, err error) {
	ctx, op := e.begin(ctx, "update_cat", attribute.String("cat_id", id))
	defer func() { op.end(ctx, err) }()

	if _, err := (domain.CatPatch{Salary: &salary}).SalaryUpdate(); err != nil {
		return domain.Cat{}, err
	}
	return e.updateSalary(ctx, id, salary)
}

func (e Engine) updateSalary(ctx context.Context, id string, salary float64) (c domain.Cat, err error) {
	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		old, err := e.Repo.GetCatTx(ctx, tx, id)
		if err != nil {
			return lookupErr(err, "cat", id)
		}
		if err := e.Repo.UpdateCatSalaryTx(ctx, tx, id, salary, e.timestamp()); err != nil {
			return lookupErr(err, "cat", id)
		}
		if err := e.appendEvent(ctx, tx, events.CatSalaryUpdated, "cat", id, events.EventPayload{
			"from": old.Salary, "to": salary,
		}); err != nil {
			return err
		}
		c, err = e.Repo.GetCatTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return domain.Cat{}, wrapInfra(err, "update cat salary")
	}
	return c, nil
}

// DeleteCat refuses while any mission, completed or not, still references the cat.
func (e Engine) DeleteCat(ctx context.Context, id string) (err error) {
	ctx, op := e.begin(ctx, "delete_cat", attribute.String("cat_id", id))
	defer func() { op.end(ctx, err) }()

	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		if _, err := e.Repo.GetCatTx(ctx, tx, id); err != nil {
			return lookupErr(err, "cat", id)
		}
		inUse, err := e.Repo.CatInUseTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if inUse {
			return domain.Conflictf("cat %s is assigned to a mission and cannot be deleted", id)
		}
		if err := e.Repo.DeleteCatTx(ctx, tx, id); err != nil {
			return lookupErr(err, "cat", id)
		}
		return e.appendEvent(ctx, tx, events.CatDeleted, "cat", id, nil)
	})
	return wrapInfra(err, "delete cat")
}

func (e Engine) GetCat(ctx context.Context, id string) (c domain.Cat, err error) {
	ctx, op := e.beginRead(ctx, "get_cat", attribute.String("cat_id", id))
	defer func() { op.end(ctx, err) }()
	c, err = e.Repo.GetCat(ctx, id)
	if err != nil {
		return domain.Cat{}, lookupErr(err, "cat", id)
	}
	return c, nil
}

func (e Engine) ListCats(ctx context.Context) (cats []domain.Cat, err error) {
	ctx, op := e.beginRead(ctx, "list_cats")
	defer func() { op.end(ctx, err) }()
	cats, err = e.Repo.ListCats(ctx)
	return cats, wrapInfra(err, "list cats")
}
