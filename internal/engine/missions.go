package engine

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"spycat/internal/domain"
	"spycat/internal/events"
	"spycat/internal/repo"
)

// MissionCreateOptions are parameters for creating a mission with its targets.
type MissionCreateOptions struct {
	// CatID optionally assigns a cat at creation; the cat must be available.
	CatID   *string
	Targets []domain.TargetSpec
}

func (e Engine) CreateMission(ctx context.Context, opts MissionCreateOptions) (m domain.Mission, err error) {
	ctx, op := e.begin(ctx, "create_mission", attribute.Int("targets", len(opts.Targets)))
	defer func() { op.end(ctx, err) }()

	if err := domain.ValidateTargets(opts.Targets); err != nil {
		return domain.Mission{}, err
	}
	var catID *string
	if opts.CatID != nil && strings.TrimSpace(*opts.CatID) != "" {
		id := strings.TrimSpace(*opts.CatID)
		catID = &id
	}
	now := e.timestamp()
	missionID := uuid.NewString()
	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		if catID != nil {
			c, err := e.Repo.GetCatTx(ctx, tx, *catID)
			if err != nil {
				return lookupErr(err, "cat", *catID)
			}
			if !c.IsAvailable {
				return domain.Conflictf("cat is already assigned to another mission")
			}
			if err := e.Repo.SetCatAvailableTx(ctx, tx, c.ID, false, now); err != nil {
				return guardErr(err, "cat is already assigned to another mission")
			}
		}
		mission := domain.Mission{ID: missionID, CatID: catID, CreatedAt: now, UpdatedAt: now}
		if err := e.Repo.InsertMissionTx(ctx, tx, mission); err != nil {
			return err
		}
		names := make([]string, 0, len(opts.Targets))
		for i, spec := range opts.Targets {
			t := domain.Target{
				ID:        uuid.NewString(),
				MissionID: missionID,
				Name:      spec.Name,
				Country:   spec.Country,
				Notes:     spec.Notes,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := e.Repo.InsertTargetTx(ctx, tx, t, i); err != nil {
				return err
			}
			names = append(names, t.Name)
		}
		if err := e.appendEvent(ctx, tx, events.MissionCreated, "mission", missionID, events.EventPayload{"targets": names}); err != nil {
			return err
		}
		if catID != nil {
			if err := e.appendEvent(ctx, tx, events.MissionAssigned, "mission", missionID, events.EventPayload{"cat_id": *catID}); err != nil {
				return err
			}
		}
		m, err = e.Repo.GetMissionTx(ctx, tx, missionID)
		return err
	})
	if err != nil {
		return domain.Mission{}, wrapInfra(err, "create mission")
	}
	return m, nil
}

// DeleteMission removes an unassigned mission and its targets in one unit.
func (e Engine) DeleteMission(ctx context.Context, id string) (err error) {
	ctx, op := e.begin(ctx, "delete_mission", attribute.String("mission_id", id))
	defer func() { op.end(ctx, err) }()

	const assigned = "mission is assigned to a cat and cannot be deleted"
	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		m, err := e.Repo.GetMissionTx(ctx, tx, id)
		if err != nil {
			return lookupErr(err, "mission", id)
		}
		if m.Assigned() {
			return domain.Conflictf(assigned)
		}
		if err := e.Repo.DeleteMissionTx(ctx, tx, id); err != nil {
			return guardErr(err, assigned)
		}
		return e.appendEvent(ctx, tx, events.MissionDeleted, "mission", id, events.EventPayload{"targets": len(m.Targets)})
	})
	return wrapInfra(err, "delete mission")
}

// AssignCat puts an available cat on an unassigned, active mission.
// Checks run in order: mission exists, cat exists, cat available, mission free, mission active.
func (e Engine) AssignCat(ctx context.Context, missionID, catID string) (m domain.Mission, err error) {
	ctx, op := e.begin(ctx, "assign_cat", attribute.String("mission_id", missionID), attribute.String("cat_id", catID))
	defer func() { op.end(ctx, err) }()

	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		mission, err := e.Repo.GetMissionTx(ctx, tx, missionID)
		if err != nil {
			return lookupErr(err, "mission", missionID)
		}
		cat, err := e.Repo.GetCatTx(ctx, tx, catID)
		if err != nil {
			return lookupErr(err, "cat", catID)
		}
		if err := domain.CheckAssignable(mission, cat); err != nil {
			return err
		}
		now := e.timestamp()
		if err := e.Repo.SetCatAvailableTx(ctx, tx, catID, false, now); err != nil {
			return guardErr(err, "cat is already assigned to another mission")
		}
		if err := e.Repo.AssignCatTx(ctx, tx, missionID, catID, now); err != nil {
			return guardErr(err, "mission is already assigned")
		}
		if err := e.appendEvent(ctx, tx, events.MissionAssigned, "mission", missionID, events.EventPayload{"cat_id": catID}); err != nil {
			return err
		}
		m, err = e.Repo.GetMissionTx(ctx, tx, missionID)
		return err
	})
	if err != nil {
		return domain.Mission{}, wrapInfra(err, "assign cat")
	}
	return m, nil
}

func (e Engine) GetMission(ctx context.Context, id string) (m domain.Mission, err error) {
	ctx, op := e.beginRead(ctx, "get_mission", attribute.String("mission_id", id))
	defer func() { op.end(ctx, err) }()
	m, err = e.Repo.GetMission(ctx, id)
	if err != nil {
		return domain.Mission{}, lookupErr(err, "mission", id)
	}
	return m, nil
}

func (e Engine) ListMissions(ctx context.Context) (ms []domain.Mission, err error) {
	ctx, op := e.beginRead(ctx, "list_missions")
	defer func() { op.end(ctx, err) }()
	ms, err = e.Repo.ListMissions(ctx)
	return ms, wrapInfra(err, "list missions")
}

// isGuard reports whether err is a lost conditional update.
func isGuard(err error) bool {
	return errors.Is(err, repo.ErrGuardFailed)
}
