package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cognalith/governor/internal/model"
)

const agentColumns = `role, display_name, base_knowledge, standard_knowledge, effective_knowledge,
	effective_computed_at, performance, active_amendment_count, consecutive_failures,
	failure_streak_escalated, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(
		&a.Role, &a.DisplayName, &a.BaseKnowledge, &a.StandardKnowledge, &a.EffectiveKnowledge,
		&a.EffectiveComputedAt, &a.Performance, &a.ActiveAmendmentCount, &a.ConsecutiveFailures,
		&a.FailureStreakEscalated, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Agent{}, ErrNotFound
	}
	return a, err
}

// EnsureAgent inserts the agent if its role is unknown and returns the stored row.
func (db *DB) EnsureAgent(ctx context.Context, agent model.Agent) (model.Agent, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	now := time.Now().UTC()
	if agent.Performance.Trend == "" {
		agent.Performance.Trend = model.TrendInsufficientData
	}
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO agents (role, display_name, base_knowledge, standard_knowledge, performance, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (role) DO NOTHING`,
		agent.Role, agent.DisplayName, agent.BaseKnowledge, agent.StandardKnowledge, agent.Performance, now,
	); err != nil {
		return model.Agent{}, Wrap("ensure agent", err)
	}
	a, err := scanAgent(db.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE role = $1`, agent.Role))
	return a, Wrap("ensure agent", err)
}

// GetAgent returns the agent with the given role.
func (db *DB) GetAgent(ctx context.Context, role string) (model.Agent, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	a, err := scanAgent(db.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE role = $1`, role))
	if err != nil {
		return model.Agent{}, Wrap(fmt.Sprintf("get agent %s", role), err)
	}
	return a, nil
}

// ListAgents returns all agents ordered by role.
func (db *DB) ListAgents(ctx context.Context) ([]model.Agent, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	rows, err := db.pool.Query(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY role`)
	if err != nil {
		return nil, Wrap("list agents", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, Wrap("scan agent", err)
		}
		agents = append(agents, a)
	}
	return agents, Wrap("list agents", rows.Err())
}

// UpdateAgent applies fn to the locked agent row and writes the result.
// The active amendment count is maintained by amendment writes and is not
// taken from fn.
func (db *DB) UpdateAgent(ctx context.Context, role string, fn func(*model.Agent) error) (model.Agent, error) {
	var out model.Agent
	err := db.inTx(ctx, "update agent "+role, func(tx pgx.Tx) error {
		prev, err := scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE role = $1 FOR UPDATE`, role))
		if err != nil {
			return err
		}
		next := prev
		if err := fn(&next); err != nil {
			if errors.Is(err, ErrUnchanged) {
				out = prev
				return nil
			}
			return err
		}
		next.UpdatedAt = time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE agents SET display_name = $2, base_knowledge = $3, standard_knowledge = $4,
			     effective_knowledge = $5, effective_computed_at = $6, performance = $7,
			     consecutive_failures = $8, failure_streak_escalated = $9, updated_at = $10
			 WHERE role = $1`,
			role, next.DisplayName, next.BaseKnowledge, next.StandardKnowledge,
			next.EffectiveKnowledge, next.EffectiveComputedAt, next.Performance,
			next.ConsecutiveFailures, next.FailureStreakEscalated, next.UpdatedAt,
		); err != nil {
			return err
		}
		next.ActiveAmendmentCount = prev.ActiveAmendmentCount
		out = next
		return nil
	})
	return out, err
}

// lockAgent serializes amendment writes for one agent.
func lockAgent(ctx context.Context, tx pgx.Tx, role string) error {
	var got string
	err := tx.QueryRow(ctx, `SELECT role FROM agents WHERE role = $1 FOR UPDATE`, role).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("agent %s: %w", role, ErrNotFound)
	}
	return err
}

func refreshActiveCount(ctx context.Context, tx pgx.Tx, role string) error {
	_, err := tx.Exec(ctx,
		`UPDATE agents SET active_amendment_count =
		     (SELECT count(*) FROM amendments WHERE agent_role = $1 AND is_active),
		     updated_at = now()
		 WHERE role = $1`, role)
	return err
}
