package engine

import (
	"context"
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"spycat/internal/domain"
	"spycat/internal/events"
)

// TargetCompletion is the state after CompleteTarget: the target, its mission
// (completed once no target is pending) and whether the mission's cat was freed.
type TargetCompletion struct {
	Target      domain.Target  `json:"target"`
	Mission     domain.Mission `json:"mission"`
	CatReleased bool           `json:"cat_released"`
}

func (e Engine) UpdateTargetNotes(ctx context.Context, targetID, notes string) (t domain.Target, err error) {
	ctx, op := e.begin(ctx, "update_target_notes", attribute.String("target_id", targetID))
	defer func() { op.end(ctx, err) }()

	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		target, err := e.Repo.GetTargetTx(ctx, tx, targetID)
		if err != nil {
			return lookupErr(err, "target", targetID)
		}
		mission, err := e.Repo.GetMissionTx(ctx, tx, target.MissionID)
		if err != nil {
			return fmt.Errorf("load mission of target %s: %w", targetID, err)
		}
		if err := domain.CheckNotesEditable(target, mission); err != nil {
			return err
		}
		if err := e.Repo.UpdateTargetNotesTx(ctx, tx, targetID, notes, e.timestamp()); err != nil {
			return guardErr(err, "notes cannot be updated, target is already completed")
		}
		if err := e.appendEvent(ctx, tx, events.TargetNotesUpdated, "target", targetID, events.EventPayload{
			"mission_id": target.MissionID, "length": len(notes),
		}); err != nil {
			return err
		}
		t, err = e.Repo.GetTargetTx(ctx, tx, targetID)
		return err
	})
	if err != nil {
		return domain.Target{}, wrapInfra(err, "update target notes")
	}
	return t, nil
}

// CompleteTarget marks a pending target done. When it was the last pending one
// the mission completes too and its cat, if any, becomes available again.
func (e Engine) CompleteTarget(ctx context.Context, targetID string) (res TargetCompletion, err error) {
	ctx, op := e.begin(ctx, "complete_target", attribute.String("target_id", targetID))
	defer func() { op.end(ctx, err) }()

	const done = "target is already completed"
	err = e.Repo.RunAtomic(ctx, func(tx *sql.Tx) error {
		target, err := e.Repo.GetTargetTx(ctx, tx, targetID)
		if err != nil {
			return lookupErr(err, "target", targetID)
		}
		if target.IsCompleted {
			return domain.Conflictf(done)
		}
		now := e.timestamp()
		if err := e.Repo.CompleteTargetTx(ctx, tx, targetID, now); err != nil {
			return guardErr(err, done)
		}
		if err := e.appendEvent(ctx, tx, events.TargetCompleted, "target", targetID, events.EventPayload{"mission_id": target.MissionID}); err != nil {
			return err
		}
		pending, err := e.Repo.CountPendingTargetsTx(ctx, tx, target.MissionID)
		if err != nil {
			return err
		}
		if pending == 0 {
			released, err := e.completeMission(ctx, tx, target.MissionID, now)
			if err != nil {
				return err
			}
			res.CatReleased = released
		}
		if res.Target, err = e.Repo.GetTargetTx(ctx, tx, targetID); err != nil {
			return err
		}
		res.Mission, err = e.Repo.GetMissionTx(ctx, tx, target.MissionID)
		return err
	})
	if err != nil {
		return TargetCompletion{}, wrapInfra(err, "complete target")
	}
	return res, nil
}

// completeMission runs inside the CompleteTarget unit once no target is pending.
func (e Engine) completeMission(ctx context.Context, tx *sql.Tx, missionID, now string) (bool, error) {
	if err := e.Repo.CompleteMissionTx(ctx, tx, missionID, now); err != nil {
		return false, guardErr(err, "mission is already completed")
	}
	mission, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return false, err
	}
	payload := events.EventPayload{}
	if mission.Assigned() {
		payload["cat_id"] = *mission.CatID
	}
	if err := e.appendEvent(ctx, tx, events.MissionCompleted, "mission", missionID, payload); err != nil {
		return false, err
	}
	if !mission.Assigned() {
		return false, nil
	}
	catID := *mission.CatID
	if err := e.Repo.SetCatAvailableTx(ctx, tx, catID, true, now); err != nil {
		if isGuard(err) {
			e.logger().WarnContext(ctx, "cat of completed mission was already available",
				"mission_id", missionID, "cat_id", catID)
			return false, nil
		}
		return false, err
	}
	if err := e.appendEvent(ctx, tx, events.CatReleased, "cat", catID, events.EventPayload{"mission_id": missionID}); err != nil {
		return false, err
	}
	return true, nil
}

func (e Engine) GetTarget(ctx context.Context, id string) (t domain.Target, err error) {
	ctx, op := e.beginRead(ctx, "get_target", attribute.String("target_id", id))
	defer func() { op.end(ctx, err) }()
	t, err = e.Repo.GetTarget(ctx, id)
	if err != nil {
		return domain.Target{}, lookupErr(err, "target", id)
	}
	return t, nil
}
