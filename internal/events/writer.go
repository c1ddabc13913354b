package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"spycat/internal/db"
)

const (
	CatCreated         = "cat.created"
	CatSalaryUpdated   = "cat.salary_updated"
	CatDeleted         = "cat.deleted"
	CatReleased        = "cat.released"
	MissionCreated     = "mission.created"
	MissionDeleted     = "mission.deleted"
	MissionAssigned    = "mission.assigned"
	MissionCompleted   = "mission.completed"
	TargetNotesUpdated = "target.notes_updated"
	TargetCompleted    = "target.completed"
)

type Writer struct {
	Dialect db.Dialect
	Now     func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction. The transaction must be
// a repo.RunAtomic unit so that event ids grow in commit order.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, db.Rebind(w.Dialect, `INSERT INTO events(ts,type,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), string(data))
	if err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
