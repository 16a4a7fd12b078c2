package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded in the audit log.
const (
	BotCreated      = "bot.created"
	BotUpdated      = "bot.updated"
	ContentPlanned  = "content.planned"
	ContentFailed   = "content.plan_failed"
	IntentExecuted  = "intent.executed"
	IntentFailed    = "intent.failed"
	IntentSkipped   = "intent.skipped"
	ClaimsExpired   = "intent.claims_expired"
	QuotaReset      = "quota.reset"
	SettingsUpdated = "settings.updated"
	BoostUpdated    = "boost.updated"
	APIKeyCreated   = "apikey.created"
	SystemActor     = "system"
)

type Writer struct {
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside tx so it commits with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	if actorID == "" {
		actorID = SystemActor
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
