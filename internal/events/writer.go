// Package events appends audit rows for index mutations. The table is the
// queryable cousin of the NDJSON history logs: append-only, never updated.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row outside any transaction.
func (w Writer) Append(ctx context.Context, evtType, projectID, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, w.DB.ExecContext, evtType, projectID, entityKind, entityID, payload)
}

// AppendTx writes one event row inside the caller's transaction.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID string, payload EventPayload) error {
	return w.append(ctx, tx.ExecContext, evtType, projectID, entityKind, entityID, payload)
}

type execFunc func(ctx context.Context, query string, args ...any) (sql.Result, error)

func (w Writer) append(ctx context.Context, exec execFunc, evtType, projectID, entityKind, entityID string, payload EventPayload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = exec(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, nullable(projectID), entityKind, nullable(entityID), string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
