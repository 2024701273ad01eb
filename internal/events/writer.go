// Package events appends to the run event log. Every mutation writes its
// events inside the same transaction as the state change, so an event
// exists exactly when the mutation committed. Downstream consumers (the
// notification dispatcher, the live hub feed) read after commit.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted by the engine.
const (
	RunCreated     = "run.created"
	RunClosed      = "run.closed"
	RunCompleted   = "run.completed"
	RunExtended    = "run.extended"
	ItemAdded      = "item.added"
	ItemUpdated    = "item.updated"
	ItemRemoved    = "item.removed"
	ItemPaidToggle = "item.paid_toggled"
	UserRegistered = "user.registered"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, runID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,run_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(runID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
