package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

const agentColumns = `role, display_name, base_knowledge, standard_knowledge, effective_knowledge,
	effective_computed_at, performance, active_amendment_count, consecutive_failures,
	failure_streak_escalated, created_at, updated_at`

func scanAgent(row scanner) (model.Agent, error) {
	var (
		a                    model.Agent
		computedAt           sql.NullInt64
		performance          string
		createdAt, updatedAt int64
	)
	if err := row.Scan(
		&a.Role, &a.DisplayName, &a.BaseKnowledge, &a.StandardKnowledge, &a.EffectiveKnowledge,
		&computedAt, &performance, &a.ActiveAmendmentCount, &a.ConsecutiveFailures,
		&a.FailureStreakEscalated, &createdAt, &updatedAt,
	); err != nil {
		return model.Agent{}, err
	}
	if err := json.Unmarshal([]byte(performance), &a.Performance); err != nil {
		return model.Agent{}, err
	}
	a.EffectiveComputedAt = fromNullNanos(computedAt)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	return a, nil
}

func getAgent(ctx context.Context, q queryer, role string) (model.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE role = ?`, role))
	return a, notFound(err, "agent "+role)
}

// EnsureAgent inserts the agent if its role is unknown and returns the stored row.
func (s *Store) EnsureAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	var out model.Agent
	err := s.inTx(ctx, "ensure agent", func(tx *sql.Tx) error {
		if agent.Performance.Trend == "" {
			agent.Performance.Trend = model.TrendInsufficientData
		}
		perf, err := toJSON(agent.Performance)
		if err != nil {
			return err
		}
		now := nanos(time.Now())
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (role, display_name, base_knowledge, standard_knowledge, performance, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (role) DO NOTHING`,
			agent.Role, agent.DisplayName, agent.BaseKnowledge, agent.StandardKnowledge, perf, now, now,
		); err != nil {
			return err
		}
		out, err = getAgent(ctx, tx, agent.Role)
		return err
	})
	return out, err
}

// GetAgent returns the agent with the given role.
func (s *Store) GetAgent(ctx context.Context, role string) (model.Agent, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	a, err := getAgent(ctx, s.db, role)
	return a, storage.Wrap("get agent", err)
}

// ListAgents returns all agents ordered by role.
func (s *Store) ListAgents(ctx context.Context) ([]model.Agent, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY role`)
	if err != nil {
		return nil, storage.Wrap("list agents", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, storage.Wrap("scan agent", err)
		}
		out = append(out, a)
	}
	return out, storage.Wrap("list agents", rows.Err())
}

// UpdateAgent applies fn to the agent row and writes the result.
func (s *Store) UpdateAgent(ctx context.Context, role string, fn func(*model.Agent) error) (model.Agent, error) {
	var out model.Agent
	err := s.inTx(ctx, "update agent "+role, func(tx *sql.Tx) error {
		prev, err := getAgent(ctx, tx, role)
		if err != nil {
			return err
		}
		next := prev
		if err := fn(&next); err != nil {
			if errors.Is(err, storage.ErrUnchanged) {
				out = prev
				return nil
			}
			return err
		}
		perf, err := toJSON(next.Performance)
		if err != nil {
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		if _, err := tx.ExecContext(ctx,
			`UPDATE agents SET display_name = ?, base_knowledge = ?, standard_knowledge = ?,
			     effective_knowledge = ?, effective_computed_at = ?, performance = ?,
			     consecutive_failures = ?, failure_streak_escalated = ?, updated_at = ?
			 WHERE role = ?`,
			next.DisplayName, next.BaseKnowledge, next.StandardKnowledge,
			next.EffectiveKnowledge, nullNanos(next.EffectiveComputedAt), perf,
			next.ConsecutiveFailures, next.FailureStreakEscalated, nanos(next.UpdatedAt), role,
		); err != nil {
			return err
		}
		next.ActiveAmendmentCount = prev.ActiveAmendmentCount
		out = next
		return nil
	})
	return out, err
}

func refreshActiveCount(ctx context.Context, tx *sql.Tx, role string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE agents SET active_amendment_count =
		     (SELECT count(*) FROM amendments WHERE agent_role = ? AND is_active),
		     updated_at = ?
		 WHERE role = ?`, role, nanos(time.Now()), role)
	return err
}
