package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

const evaluationColumns = `id, amendment_id, agent_role, task_id, position, success, quality_score, duration_ms, created_at`

func queryEvaluations(ctx context.Context, q queryer, query string, args ...any) ([]model.Evaluation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Evaluation
	for rows.Next() {
		var (
			e               model.Evaluation
			id, amendmentID string
			createdAt       int64
		)
		if err := rows.Scan(&id, &amendmentID, &e.AgentRole, &e.TaskID, &e.Position,
			&e.Success, &e.QualityScore, &e.DurationMs, &createdAt); err != nil {
			return nil, err
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if e.AmendmentID, err = uuid.Parse(amendmentID); err != nil {
			return nil, err
		}
		e.CreatedAt = fromNanos(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendEvaluation records ev at the next gapless position of an evaluating
// amendment, increments the counter and lets judge settle the status, all
// in one transaction.
func (s *Store) AppendEvaluation(ctx context.Context, ev model.Evaluation, judge func(*model.Amendment, []model.Evaluation) error) (model.Evaluation, model.Amendment, error) {
	var (
		outEval model.Evaluation
		outAmd  model.Amendment
	)
	err := s.inTx(ctx, fmt.Sprintf("append evaluation to %s", ev.AmendmentID), func(tx *sql.Tx) error {
		prev, err := getAmendment(ctx, tx, ev.AmendmentID)
		if err != nil {
			return err
		}
		if prev.EvaluationStatus != model.EvaluationEvaluating || prev.TasksEvaluated >= prev.EvaluationWindow {
			return fmt.Errorf("%w: amendment %s is %s with %d/%d evaluations",
				storage.ErrInvalidTransition, prev.ID, prev.EvaluationStatus, prev.TasksEvaluated, prev.EvaluationWindow)
		}

		e := ev
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		e.AgentRole = prev.AgentRole
		e.Position = prev.TasksEvaluated + 1
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO amendment_evaluations (`+evaluationColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID.String(), e.AmendmentID.String(), e.AgentRole, e.TaskID, e.Position,
			e.Success, e.QualityScore, e.DurationMs, nanos(e.CreatedAt),
		); err != nil {
			return classifyWriteErr(err)
		}

		evals, err := queryEvaluations(ctx, tx, `SELECT `+evaluationColumns+` FROM amendment_evaluations
			WHERE amendment_id = ? ORDER BY position`, e.AmendmentID.String())
		if err != nil {
			return err
		}

		next := prev
		next.TasksEvaluated = e.Position
		if judge != nil {
			if err := judge(&next, evals); err != nil {
				return err
			}
		}
		if err := writeAmendmentTx(ctx, tx, &prev, &next); err != nil {
			return err
		}
		outEval, outAmd = e, next
		return nil
	})
	return outEval, outAmd, err
}

// ListEvaluations returns matching evaluations.
func (s *Store) ListEvaluations(ctx context.Context, f model.EvaluationFilter) ([]model.Evaluation, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c := storage.NewConditions(storage.QuestionPlaceholder)
	order := "created_at"
	if f.AmendmentID != nil {
		c.Add("amendment_id = ?", f.AmendmentID.String())
		order = "position"
	}
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.Success != nil {
		c.Add("success = ?", *f.Success)
	}
	if f.Since != nil {
		c.Add("created_at >= ?", nanos(*f.Since))
	}
	if f.Desc {
		order += " DESC"
	}
	query := `SELECT ` + evaluationColumns + ` FROM amendment_evaluations` + c.Where() +
		` ORDER BY ` + order + `, id LIMIT ` + c.Arg(storage.Limit(f.Limit))

	out, err := queryEvaluations(ctx, s.db, query, c.Args...)
	return out, storage.Wrap("list evaluations", err)
}
