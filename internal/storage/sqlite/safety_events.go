package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

// InsertSafetyEvent appends an audit row. Triggers reject updates and deletes.
func (s *Store) InsertSafetyEvent(ctx context.Context, e model.SafetyEvent) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	data, err := toJSON(e.Data)
	if err != nil {
		return storage.Wrap("insert safety event", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO safety_events (id, agent_role, amendment_id, constraint_type, action, data, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.AgentRole, nullUUID(e.AmendmentID), string(e.ConstraintType), string(e.Action),
		data, e.ContentHash, nanos(e.CreatedAt),
	)
	return storage.Wrap("insert safety event", err)
}

// ListSafetyEvents returns matching audit rows, newest first.
func (s *Store) ListSafetyEvents(ctx context.Context, f model.SafetyEventFilter) ([]model.SafetyEvent, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c := storage.NewConditions(storage.QuestionPlaceholder)
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.ConstraintType != "" {
		c.Add("constraint_type = ?", string(f.ConstraintType))
	}
	if f.Since != nil {
		c.Add("created_at >= ?", nanos(*f.Since))
	}
	query := `SELECT id, agent_role, amendment_id, constraint_type, action, data, content_hash, created_at
	          FROM safety_events` + c.Where() +
		` ORDER BY created_at DESC, id LIMIT ` + c.Arg(storage.Limit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, c.Args...)
	if err != nil {
		return nil, storage.Wrap("list safety events", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.SafetyEvent
	for rows.Next() {
		var (
			e                            model.SafetyEvent
			id, constraint, action, data string
			amendmentID                  sql.NullString
			createdAt                    int64
		)
		if err := rows.Scan(&id, &e.AgentRole, &amendmentID, &constraint, &action, &data, &e.ContentHash, &createdAt); err != nil {
			return nil, storage.Wrap("scan safety event", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, storage.Wrap("scan safety event", err)
		}
		if e.AmendmentID, err = parseNullUUID(amendmentID); err != nil {
			return nil, storage.Wrap("scan safety event", err)
		}
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, storage.Wrap("scan safety event", err)
		}
		e.ConstraintType = model.ConstraintType(constraint)
		e.Action = model.SafetyAction(action)
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, storage.Wrap("list safety events", rows.Err())
}
