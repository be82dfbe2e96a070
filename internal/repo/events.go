package repo

import (
	"context"
	"database/sql"

	"reportflow/internal/domain"
)

// ListEvents returns the events of one entity, oldest first. A zero limit
// returns all of them.
func (r Repo) ListEvents(ctx context.Context, entityKind, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id, ts, type, entity_kind, entity_id, actor_id, payload_json FROM events WHERE entity_kind=? AND entity_id=? ORDER BY id`
	args := []any{entityKind, entityID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var ev domain.Event
		var entityIDCol sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TS, &ev.Type, &ev.EntityKind, &entityIDCol, &ev.ActorID, &ev.Payload); err != nil {
			return nil, storeErr("scan event", err)
		}
		ev.EntityID = entityIDCol.String
		res = append(res, ev)
	}
	return res, storeErr("list events", rows.Err())
}
