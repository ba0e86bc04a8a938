package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

const amendmentColumns = `id, agent_role, trigger_pattern, category, instruction_delta, knowledge_mutation,
	amendment_type, pattern_confidence, source, version, parent_id, approval_status, approved_by,
	evaluation_status, is_active, evaluation_window, tasks_evaluated, performance_before,
	performance_after, content_hash, revert_reason, created_at, updated_at, activated_at,
	evaluation_started_at, completed_at, reverted_at`

func scanAmendment(row scanner) (model.Amendment, error) {
	var (
		a                                 model.Amendment
		id, mutation                      string
		typ, source, approval, evaluation string
		parentID, before, after           sql.NullString
		createdAt, updatedAt              int64
		activatedAt, startedAt            sql.NullInt64
		completedAt, revertedAt           sql.NullInt64
	)
	if err := row.Scan(
		&id, &a.AgentRole, &a.TriggerPattern, &a.Category, &a.InstructionDelta, &mutation,
		&typ, &a.PatternConfidence, &source, &a.Version, &parentID, &approval, &a.ApprovedBy,
		&evaluation, &a.IsActive, &a.EvaluationWindow, &a.TasksEvaluated, &before,
		&after, &a.ContentHash, &a.RevertReason, &createdAt, &updatedAt, &activatedAt,
		&startedAt, &completedAt, &revertedAt,
	); err != nil {
		return model.Amendment{}, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Amendment{}, err
	}
	if a.ParentID, err = parseNullUUID(parentID); err != nil {
		return model.Amendment{}, err
	}
	if err := json.Unmarshal([]byte(mutation), &a.Mutation); err != nil {
		return model.Amendment{}, err
	}
	if a.PerformanceBefore, err = fromNullJSON[model.PerformanceSnapshot](before); err != nil {
		return model.Amendment{}, err
	}
	if a.PerformanceAfter, err = fromNullJSON[model.PerformanceSnapshot](after); err != nil {
		return model.Amendment{}, err
	}
	a.AmendmentType = model.AmendmentType(typ)
	a.Source = model.AmendmentSource(source)
	a.ApprovalStatus = model.ApprovalStatus(approval)
	a.EvaluationStatus = model.EvaluationStatus(evaluation)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updatedAt)
	a.ActivatedAt = fromNullNanos(activatedAt)
	a.EvaluationStartedAt = fromNullNanos(startedAt)
	a.CompletedAt = fromNullNanos(completedAt)
	a.RevertedAt = fromNullNanos(revertedAt)
	return a, nil
}

func queryAmendments(ctx context.Context, q queryer, query string, args ...any) ([]model.Amendment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
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

func getAmendment(ctx context.Context, q queryer, id uuid.UUID) (model.Amendment, error) {
	a, err := scanAmendment(q.QueryRowContext(ctx, `SELECT `+amendmentColumns+` FROM amendments WHERE id = ?`, id.String()))
	return a, notFound(err, "amendment "+id.String())
}

func activeAmendments(ctx context.Context, tx *sql.Tx, role string) ([]model.Amendment, error) {
	return queryAmendments(ctx, tx, `SELECT `+amendmentColumns+` FROM amendments WHERE agent_role = ? AND is_active`, role)
}

// CreateAmendment inserts a after re-checking the invariants inside the
// write transaction.
func (s *Store) CreateAmendment(ctx context.Context, a model.Amendment) error {
	stampNew(&a)
	return s.inTx(ctx, "create amendment", func(tx *sql.Tx) error {
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

func insertAmendment(ctx context.Context, tx *sql.Tx, a model.Amendment) error {
	if _, err := getAgent(ctx, tx, a.AgentRole); err != nil {
		return err
	}
	active, err := activeAmendments(ctx, tx, a.AgentRole)
	if err != nil {
		return err
	}
	if err := storage.CheckAmendmentWrite(nil, a, active); err != nil {
		return err
	}
	mutation, err := toJSON(a.Mutation)
	if err != nil {
		return err
	}
	before, err := nullJSON(a.PerformanceBefore)
	if err != nil {
		return err
	}
	after, err := nullJSON(a.PerformanceAfter)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO amendments (`+amendmentColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.AgentRole, a.TriggerPattern, a.Category, a.InstructionDelta, mutation,
		string(a.AmendmentType), a.PatternConfidence, string(a.Source), a.Version, nullUUID(a.ParentID),
		string(a.ApprovalStatus), a.ApprovedBy, string(a.EvaluationStatus), a.IsActive,
		a.EvaluationWindow, a.TasksEvaluated, before, after,
		a.ContentHash, a.RevertReason, nanos(a.CreatedAt), nanos(a.UpdatedAt), nullNanos(a.ActivatedAt),
		nullNanos(a.EvaluationStartedAt), nullNanos(a.CompletedAt), nullNanos(a.RevertedAt),
	); err != nil {
		return classifyWriteErr(err)
	}
	return refreshActiveCount(ctx, tx, a.AgentRole)
}

// GetAmendment returns one amendment.
func (s *Store) GetAmendment(ctx context.Context, id uuid.UUID) (model.Amendment, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	a, err := getAmendment(ctx, s.db, id)
	return a, storage.Wrap("get amendment", err)
}

// ListAmendments returns matching amendments ordered by creation time,
// then version, then id.
func (s *Store) ListAmendments(ctx context.Context, f model.AmendmentFilter) ([]model.Amendment, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c := storage.NewConditions(storage.QuestionPlaceholder)
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
		c.Add("parent_id = ?", f.ParentID.String())
	}
	query := `SELECT ` + amendmentColumns + ` FROM amendments` + c.Where() +
		` ORDER BY created_at, version, id LIMIT ` + c.Arg(storage.Limit(f.Limit))

	out, err := queryAmendments(ctx, s.db, query, c.Args...)
	return out, storage.Wrap("list amendments", err)
}

// UpdateAmendment applies fn to the amendment and writes the result after
// re-checking the invariants.
func (s *Store) UpdateAmendment(ctx context.Context, id uuid.UUID, fn func(*model.Amendment) error) (model.Amendment, error) {
	var out model.Amendment
	err := s.inTx(ctx, fmt.Sprintf("update amendment %s", id), func(tx *sql.Tx) error {
		a, err := updateAmendmentTx(ctx, tx, id, fn)
		out = a
		return err
	})
	return out, err
}

func updateAmendmentTx(ctx context.Context, tx *sql.Tx, id uuid.UUID, fn func(*model.Amendment) error) (model.Amendment, error) {
	prev, err := getAmendment(ctx, tx, id)
	if err != nil {
		return model.Amendment{}, err
	}
	next := prev
	if err := fn(&next); err != nil {
		if errors.Is(err, storage.ErrUnchanged) {
			return prev, nil
		}
		return model.Amendment{}, err
	}
	if err := writeAmendmentTx(ctx, tx, &prev, &next); err != nil {
		return model.Amendment{}, err
	}
	return next, nil
}

func writeAmendmentTx(ctx context.Context, tx *sql.Tx, prev, next *model.Amendment) error {
	active, err := activeAmendments(ctx, tx, prev.AgentRole)
	if err != nil {
		return err
	}
	if err := storage.CheckAmendmentWrite(prev, *next, active); err != nil {
		return err
	}
	mutation, err := toJSON(next.Mutation)
	if err != nil {
		return err
	}
	before, err := nullJSON(next.PerformanceBefore)
	if err != nil {
		return err
	}
	after, err := nullJSON(next.PerformanceAfter)
	if err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE amendments SET
		     instruction_delta = ?, knowledge_mutation = ?, approval_status = ?, approved_by = ?,
		     evaluation_status = ?, is_active = ?, tasks_evaluated = ?, performance_before = ?,
		     performance_after = ?, content_hash = ?, revert_reason = ?, updated_at = ?,
		     activated_at = ?, evaluation_started_at = ?, completed_at = ?, reverted_at = ?
		 WHERE id = ?`,
		next.InstructionDelta, mutation, string(next.ApprovalStatus), next.ApprovedBy,
		string(next.EvaluationStatus), next.IsActive, next.TasksEvaluated, before,
		after, next.ContentHash, next.RevertReason, nanos(next.UpdatedAt),
		nullNanos(next.ActivatedAt), nullNanos(next.EvaluationStartedAt), nullNanos(next.CompletedAt),
		nullNanos(next.RevertedAt), next.ID.String(),
	); err != nil {
		return classifyWriteErr(err)
	}
	if prev.IsActive != next.IsActive {
		return refreshActiveCount(ctx, tx, next.AgentRole)
	}
	return nil
}
