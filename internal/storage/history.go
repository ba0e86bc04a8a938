package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
)

// AppendTaskHistory inserts one completed task.
func (db *DB) AppendTaskHistory(ctx context.Context, e model.TaskHistoryEntry) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ToolsUsed == nil {
		e.ToolsUsed = []string{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO task_history (id, agent_role, task_id, category, success, failure_reason,
		     duration_ms, quality_score, tools_used, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.AgentRole, e.TaskID, e.Category, e.Success, e.FailureReason,
		e.DurationMs, e.QualityScore, e.ToolsUsed, e.CompletedAt.UTC(),
	)
	return Wrap("append task history", err)
}

// ListTaskHistory returns matching entries, newest first.
func (db *DB) ListTaskHistory(ctx context.Context, f model.TaskHistoryFilter) ([]model.TaskHistoryEntry, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	c := NewConditions(DollarPlaceholder)
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.Since != nil {
		c.Add("completed_at >= ?", f.Since.UTC())
	}
	query := `SELECT id, agent_role, task_id, category, success, failure_reason, duration_ms,
	              quality_score, tools_used, completed_at
	          FROM task_history` + c.Where() +
		` ORDER BY completed_at DESC, id LIMIT ` + c.Arg(Limit(f.Limit))

	rows, err := db.pool.Query(ctx, query, c.Args...)
	if err != nil {
		return nil, Wrap("list task history", err)
	}
	defer rows.Close()

	var out []model.TaskHistoryEntry
	for rows.Next() {
		var e model.TaskHistoryEntry
		if err := rows.Scan(&e.ID, &e.AgentRole, &e.TaskID, &e.Category, &e.Success, &e.FailureReason,
			&e.DurationMs, &e.QualityScore, &e.ToolsUsed, &e.CompletedAt); err != nil {
			return nil, Wrap("scan task history", err)
		}
		out = append(out, e)
	}
	return out, Wrap("list task history", rows.Err())
}

// InsertPatternLog records an emitted pattern.
func (db *DB) InsertPatternLog(ctx context.Context, p model.PatternLog) error {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO pattern_log (id, agent_role, type, category, confidence, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.AgentRole, string(p.Type), p.Category, p.Confidence, p.Data, p.CreatedAt.UTC(),
	)
	return Wrap("insert pattern log", err)
}
