package sqlite

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

// AppendTaskHistory inserts one completed task.
func (s *Store) AppendTaskHistory(ctx context.Context, e model.TaskHistoryEntry) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.ToolsUsed == nil {
		e.ToolsUsed = []string{}
	}
	tools, err := toJSON(e.ToolsUsed)
	if err != nil {
		return storage.Wrap("append task history", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_history (id, agent_role, task_id, category, success, failure_reason,
		     duration_ms, quality_score, tools_used, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), e.AgentRole, e.TaskID, e.Category, e.Success, e.FailureReason,
		e.DurationMs, e.QualityScore, tools, nanos(e.CompletedAt),
	)
	return storage.Wrap("append task history", err)
}

// ListTaskHistory returns matching entries, newest first.
func (s *Store) ListTaskHistory(ctx context.Context, f model.TaskHistoryFilter) ([]model.TaskHistoryEntry, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c := storage.NewConditions(storage.QuestionPlaceholder)
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.Since != nil {
		c.Add("completed_at >= ?", nanos(*f.Since))
	}
	query := `SELECT id, agent_role, task_id, category, success, failure_reason, duration_ms,
	              quality_score, tools_used, completed_at
	          FROM task_history` + c.Where() +
		` ORDER BY completed_at DESC, id LIMIT ` + c.Arg(storage.Limit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, c.Args...)
	if err != nil {
		return nil, storage.Wrap("list task history", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.TaskHistoryEntry
	for rows.Next() {
		var (
			e           model.TaskHistoryEntry
			id, tools   string
			completedAt int64
		)
		if err := rows.Scan(&id, &e.AgentRole, &e.TaskID, &e.Category, &e.Success, &e.FailureReason,
			&e.DurationMs, &e.QualityScore, &tools, &completedAt); err != nil {
			return nil, storage.Wrap("scan task history", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, storage.Wrap("scan task history", err)
		}
		if err := json.Unmarshal([]byte(tools), &e.ToolsUsed); err != nil {
			return nil, storage.Wrap("scan task history", err)
		}
		e.CompletedAt = fromNanos(completedAt)
		out = append(out, e)
	}
	return out, storage.Wrap("list task history", rows.Err())
}

// InsertPatternLog records an emitted pattern.
func (s *Store) InsertPatternLog(ctx context.Context, p model.PatternLog) error {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.Data == nil {
		p.Data = map[string]any{}
	}
	data, err := toJSON(p.Data)
	if err != nil {
		return storage.Wrap("insert pattern log", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pattern_log (id, agent_role, type, category, confidence, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.AgentRole, string(p.Type), p.Category, p.Confidence, data, nanos(p.CreatedAt),
	)
	return storage.Wrap("insert pattern log", err)
}
