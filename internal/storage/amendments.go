package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cognalith/governor/internal/model"
)

const amendmentColumns = `id, agent_role, trigger_pattern, category, instruction_delta, knowledge_mutation,
	amendment_type, pattern_confidence, source, version, parent_id, approval_status, approved_by,
	evaluation_status, is_active, evaluation_window, tasks_evaluated, performance_before,
	performance_after, content_hash, revert_reason, created_at, updated_at, activated_at,
	evaluation_started_at, completed_at, reverted_at`

func scanAmendment(row pgx.Row) (model.Amendment, error) {
	var a model.Amendment
	var typ, source, approval, evaluation string
	err := row.Scan(
		&a.ID, &a.AgentRole, &a.TriggerPattern, &a.Category, &a.InstructionDelta, &a.Mutation,
		&typ, &a.PatternConfidence, &source, &a.Version, &a.ParentID, &approval, &a.ApprovedBy,
		&evaluation, &a.IsActive, &a.EvaluationWindow, &a.TasksEvaluated, &a.PerformanceBefore,
		&a.PerformanceAfter, &a.ContentHash, &a.RevertReason, &a.CreatedAt, &a.UpdatedAt, &a.ActivatedAt,
		&a.EvaluationStartedAt, &a.CompletedAt, &a.RevertedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Amendment{}, ErrNotFound
	}
	if err != nil {
		return model.Amendment{}, err
	}
	a.AmendmentType = model.AmendmentType(typ)
	a.Source = model.AmendmentSource(source)
	a.ApprovalStatus = model.ApprovalStatus(approval)
	a.EvaluationStatus = model.EvaluationStatus(evaluation)
	return a, nil
}

func collectAmendments(rows pgx.Rows) ([]model.Amendment, error) {
	defer rows.Close()
	var out []model.Amendment
	for rows.Next() {
		a, err := scanAmendment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func activeAmendments(ctx context.Context, tx pgx.Tx, role string) ([]model.Amendment, error) {
	rows, err := tx.Query(ctx, `SELECT `+amendmentColumns+` FROM amendments WHERE agent_role = $1 AND is_active`, role)
	if err != nil {
		return nil, err
	}
	return collectAmendments(rows)
}

// classifyWriteErr maps constraint violations raised by the schema onto
// the same sentinels the guard returns.
func classifyWriteErr(err error) error {
	switch {
	case isUniqueViolation(err):
		return fmt.Errorf("%w: %w", ErrTriggerConflict, err)
	case isCheckViolation(err):
		return fmt.Errorf("%w: %w", ErrInvariant, err)
	}
	return err
}

// CreateAmendment inserts a after re-checking the invariants against the
// agent's active amendments inside the write transaction.
func (db *DB) CreateAmendment(ctx context.Context, a model.Amendment) error {
	stampNew(&a)
	return db.inTx(ctx, "create amendment", func(tx pgx.Tx) error {
		return insertAmendment(ctx, tx, a)
	})
}

func stampNew(a *model.Amendment) {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
}

func insertAmendment(ctx context.Context, tx pgx.Tx, a model.Amendment) error {
	if err := lockAgent(ctx, tx, a.AgentRole); err != nil {
		return err
	}
	active, err := activeAmendments(ctx, tx, a.AgentRole)
	if err != nil {
		return err
	}
	if err := CheckAmendmentWrite(nil, a, active); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO amendments (`+amendmentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		         $19, $20, $21, $22, $23, $24, $25, $26, $27)`,
		a.ID, a.AgentRole, a.TriggerPattern, a.Category, a.InstructionDelta, a.Mutation,
		string(a.AmendmentType), a.PatternConfidence, string(a.Source), a.Version, a.ParentID,
		string(a.ApprovalStatus), a.ApprovedBy, string(a.EvaluationStatus), a.IsActive,
		a.EvaluationWindow, a.TasksEvaluated, a.PerformanceBefore, a.PerformanceAfter,
		a.ContentHash, a.RevertReason, a.CreatedAt, a.UpdatedAt, a.ActivatedAt,
		a.EvaluationStartedAt, a.CompletedAt, a.RevertedAt,
	); err != nil {
		return classifyWriteErr(err)
	}
	return refreshActiveCount(ctx, tx, a.AgentRole)
}

// GetAmendment returns one amendment.
func (db *DB) GetAmendment(ctx context.Context, id uuid.UUID) (model.Amendment, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	a, err := scanAmendment(db.pool.QueryRow(ctx, `SELECT `+amendmentColumns+` FROM amendments WHERE id = $1`, id))
	if err != nil {
		return model.Amendment{}, Wrap(fmt.Sprintf("get amendment %s", id), err)
	}
	return a, nil
}

// ListAmendments returns matching amendments ordered by creation time,
// then version, then id.
func (db *DB) ListAmendments(ctx context.Context, f model.AmendmentFilter) ([]model.Amendment, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	c := NewConditions(DollarPlaceholder)
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.ApprovalStatus != "" {
		c.Add("approval_status = ?", string(f.ApprovalStatus))
	}
	if f.EvaluationStatus != "" {
		c.Add("evaluation_status = ?", string(f.EvaluationStatus))
	}
	if f.Active != nil {
		c.Add("is_active = ?", *f.Active)
	}
	if f.TriggerPattern != "" {
		c.Add("trigger_pattern = ?", f.TriggerPattern)
	}
	if f.ParentID != nil {
		c.Add("parent_id = ?", *f.ParentID)
	}
	query := `SELECT ` + amendmentColumns + ` FROM amendments` + c.Where() +
		` ORDER BY created_at, version, id LIMIT ` + c.Arg(Limit(f.Limit))

	rows, err := db.pool.Query(ctx, query, c.Args...)
	if err != nil {
		return nil, Wrap("list amendments", err)
	}
	out, err := collectAmendments(rows)
	return out, Wrap("list amendments", err)
}

// UpdateAmendment applies fn to the locked amendment and writes the result
// after re-checking the invariants.
func (db *DB) UpdateAmendment(ctx context.Context, id uuid.UUID, fn func(*model.Amendment) error) (model.Amendment, error) {
	var out model.Amendment
	err := db.inTx(ctx, fmt.Sprintf("update amendment %s", id), func(tx pgx.Tx) error {
		a, err := updateAmendmentTx(ctx, tx, id, fn)
		out = a
		return err
	})
	return out, err
}

// updateAmendmentTx locks the owning agent then the amendment, applies fn,
// guards and writes.
func updateAmendmentTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, fn func(*model.Amendment) error) (model.Amendment, error) {
	prev, err := lockAmendment(ctx, tx, id)
	if err != nil {
		return model.Amendment{}, err
	}
	next := prev
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			return prev, nil
		}
		return model.Amendment{}, err
	}
	if err := writeAmendmentTx(ctx, tx, &prev, &next); err != nil {
		return model.Amendment{}, err
	}
	return next, nil
}

func lockAmendment(ctx context.Context, tx pgx.Tx, id uuid.UUID) (model.Amendment, error) {
	var role string
	err := tx.QueryRow(ctx, `SELECT agent_role FROM amendments WHERE id = $1`, id).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Amendment{}, fmt.Errorf("amendment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Amendment{}, err
	}
	if err := lockAgent(ctx, tx, role); err != nil {
		return model.Amendment{}, err
	}
	return scanAmendment(tx.QueryRow(ctx, `SELECT `+amendmentColumns+` FROM amendments WHERE id = $1 FOR UPDATE`, id))
}

func writeAmendmentTx(ctx context.Context, tx pgx.Tx, prev, next *model.Amendment) error {
	active, err := activeAmendments(ctx, tx, prev.AgentRole)
	if err != nil {
		return err
	}
	if err := CheckAmendmentWrite(prev, *next, active); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE amendments SET
		     instruction_delta = $2, knowledge_mutation = $3, approval_status = $4, approved_by = $5,
		     evaluation_status = $6, is_active = $7, tasks_evaluated = $8, performance_before = $9,
		     performance_after = $10, content_hash = $11, revert_reason = $12, updated_at = $13,
		     activated_at = $14, evaluation_started_at = $15, completed_at = $16, reverted_at = $17
		 WHERE id = $1`,
		next.ID, next.InstructionDelta, next.Mutation, string(next.ApprovalStatus), next.ApprovedBy,
		string(next.EvaluationStatus), next.IsActive, next.TasksEvaluated, next.PerformanceBefore,
		next.PerformanceAfter, next.ContentHash, next.RevertReason, next.UpdatedAt,
		next.ActivatedAt, next.EvaluationStartedAt, next.CompletedAt, next.RevertedAt,
	); err != nil {
		return classifyWriteErr(err)
	}
	if prev.IsActive != next.IsActive {
		return refreshActiveCount(ctx, tx, next.AgentRole)
	}
	return nil
}
