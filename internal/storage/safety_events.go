package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cognalith/governor/internal/model"
)

// InsertSafetyEvent appends an audit row. The table rejects updates and deletes.
func (db *DB) InsertSafetyEvent(ctx context.Context, e model.SafetyEvent) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO safety_events (id, agent_role, amendment_id, constraint_type, action, data, content_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.AgentRole, e.AmendmentID, string(e.ConstraintType), string(e.Action), e.Data, e.ContentHash, e.CreatedAt.UTC(),
	)
	return Wrap("insert safety event", err)
}

// ListSafetyEvents returns matching audit rows, newest first.
func (db *DB) ListSafetyEvents(ctx context.Context, f model.SafetyEventFilter) ([]model.SafetyEvent, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	c := NewConditions(DollarPlaceholder)
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.ConstraintType != "" {
		c.Add("constraint_type = ?", string(f.ConstraintType))
	}
	if f.Since != nil {
		c.Add("created_at >= ?", f.Since.UTC())
	}
	query := `SELECT id, agent_role, amendment_id, constraint_type, action, data, content_hash, created_at
	          FROM safety_events` + c.Where() +
		` ORDER BY created_at DESC, id LIMIT ` + c.Arg(Limit(f.Limit))

	rows, err := db.pool.Query(ctx, query, c.Args...)
	if err != nil {
		return nil, Wrap("list safety events", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.SafetyEvent, error) {
		var e model.SafetyEvent
		var constraint, action string
		err := row.Scan(&e.ID, &e.AgentRole, &e.AmendmentID, &constraint, &action, &e.Data, &e.ContentHash, &e.CreatedAt)
		e.ConstraintType = model.ConstraintType(constraint)
		e.Action = model.SafetyAction(action)
		return e, err
	})
	return out, Wrap("list safety events", err)
}
