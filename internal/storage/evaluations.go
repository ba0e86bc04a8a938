package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/cognalith/governor/internal/model"
)

const evaluationColumns = `id, amendment_id, agent_role, task_id, position, success, quality_score, duration_ms, created_at`

func collectEvaluations(rows pgx.Rows) ([]model.Evaluation, error) {
	defer rows.Close()
	var out []model.Evaluation
	for rows.Next() {
		var e model.Evaluation
		if err := rows.Scan(&e.ID, &e.AmendmentID, &e.AgentRole, &e.TaskID, &e.Position,
			&e.Success, &e.QualityScore, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendEvaluation records ev at the next gapless position of an evaluating
// amendment, increments the counter and lets judge settle the status, all
// in one transaction.
func (db *DB) AppendEvaluation(ctx context.Context, ev model.Evaluation, judge func(*model.Amendment, []model.Evaluation) error) (model.Evaluation, model.Amendment, error) {
	var (
		outEval model.Evaluation
		outAmd  model.Amendment
	)
	err := db.inTx(ctx, fmt.Sprintf("append evaluation to %s", ev.AmendmentID), func(tx pgx.Tx) error {
		prev, err := lockAmendment(ctx, tx, ev.AmendmentID)
		if err != nil {
			return err
		}
		if prev.EvaluationStatus != model.EvaluationEvaluating || prev.TasksEvaluated >= prev.EvaluationWindow {
			return fmt.Errorf("%w: amendment %s is %s with %d/%d evaluations",
				ErrInvalidTransition, prev.ID, prev.EvaluationStatus, prev.TasksEvaluated, prev.EvaluationWindow)
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
		if _, err := tx.Exec(ctx,
			`INSERT INTO amendment_evaluations (`+evaluationColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.AmendmentID, e.AgentRole, e.TaskID, e.Position, e.Success, e.QualityScore, e.DurationMs, e.CreatedAt,
		); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `SELECT `+evaluationColumns+` FROM amendment_evaluations
			WHERE amendment_id = $1 ORDER BY position`, e.AmendmentID)
		if err != nil {
			return err
		}
		evals, err := collectEvaluations(rows)
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
func (db *DB) ListEvaluations(ctx context.Context, f model.EvaluationFilter) ([]model.Evaluation, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	c := NewConditions(DollarPlaceholder)
	order := "created_at"
	if f.AmendmentID != nil {
		c.Add("amendment_id = ?", *f.AmendmentID)
		order = "position"
	}
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.Success != nil {
		c.Add("success = ?", *f.Success)
	}
	if f.Since != nil {
		c.Add("created_at >= ?", f.Since.UTC())
	}
	if f.Desc {
		order += " DESC"
	}
	query := `SELECT ` + evaluationColumns + ` FROM amendment_evaluations` + c.Where() +
		` ORDER BY ` + order + `, id LIMIT ` + c.Arg(Limit(f.Limit))

	rows, err := db.pool.Query(ctx, query, c.Args...)
	if err != nil {
		return nil, Wrap("list evaluations", err)
	}
	out, err := collectEvaluations(rows)
	return out, Wrap("list evaluations", err)
}
