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

const escalationColumns = `id, type, agent_role, amendment_id, status, analysis, resolved_by, resolution_notes, created_at, resolved_at`

func scanEscalation(row pgx.Row) (model.Escalation, error) {
	var e model.Escalation
	var typ, status string
	err := row.Scan(&e.ID, &typ, &e.AgentRole, &e.AmendmentID, &status, &e.Analysis,
		&e.ResolvedBy, &e.ResolutionNotes, &e.CreatedAt, &e.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Escalation{}, ErrNotFound
	}
	e.Type = model.EscalationType(typ)
	e.Status = model.EscalationStatus(status)
	return e, err
}

// CreateEscalatedAmendment inserts a and the escalation e that holds it in
// one transaction.
func (db *DB) CreateEscalatedAmendment(ctx context.Context, a model.Amendment, e model.Escalation) error {
	stampNew(&a)
	return db.inTx(ctx, "create escalated amendment", func(tx pgx.Tx) error {
		if err := insertAmendment(ctx, tx, a); err != nil {
			return err
		}
		return insertEscalation(ctx, tx, e)
	})
}

func insertEscalation(ctx context.Context, tx pgx.Tx, e model.Escalation) error {
	if e.Analysis == nil {
		e.Analysis = map[string]any{}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO escalations (`+escalationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, string(e.Type), e.AgentRole, e.AmendmentID, string(e.Status), e.Analysis,
		e.ResolvedBy, e.ResolutionNotes, e.CreatedAt.UTC(), e.ResolvedAt,
	)
	return err
}

// GetEscalation returns one escalation.
func (db *DB) GetEscalation(ctx context.Context, id uuid.UUID) (model.Escalation, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()
	e, err := scanEscalation(db.pool.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = $1`, id))
	if err != nil {
		return model.Escalation{}, Wrap(fmt.Sprintf("get escalation %s", id), err)
	}
	return e, nil
}

// ListEscalations returns matching escalations, newest first.
func (db *DB) ListEscalations(ctx context.Context, f model.EscalationFilter) ([]model.Escalation, error) {
	ctx, cancel := db.bounded(ctx)
	defer cancel()

	c := NewConditions(DollarPlaceholder)
	if f.AgentRole != "" {
		c.Add("agent_role = ?", f.AgentRole)
	}
	if f.Type != "" {
		c.Add("type = ?", string(f.Type))
	}
	if f.Status != "" {
		c.Add("status = ?", string(f.Status))
	}
	query := `SELECT ` + escalationColumns + ` FROM escalations` + c.Where() +
		` ORDER BY created_at DESC, id LIMIT ` + c.Arg(Limit(f.Limit))

	rows, err := db.pool.Query(ctx, query, c.Args...)
	if err != nil {
		return nil, Wrap("list escalations", err)
	}
	defer rows.Close()

	var out []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, Wrap("scan escalation", err)
		}
		out = append(out, e)
	}
	return out, Wrap("list escalations", rows.Err())
}

// ResolveEscalation resolves a pending escalation, applying fn to the
// linked amendment in the same transaction.
func (db *DB) ResolveEscalation(ctx context.Context, id uuid.UUID, res model.Resolution, at time.Time, fn func(*model.Amendment) error) (model.Escalation, error) {
	status, ok := res.Action.Status()
	if !ok {
		return model.Escalation{}, fmt.Errorf("storage: resolve escalation: unknown action %q", res.Action)
	}
	var out model.Escalation
	err := db.inTx(ctx, fmt.Sprintf("resolve escalation %s", id), func(tx pgx.Tx) error {
		e, err := scanEscalation(tx.QueryRow(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		if e.Status != model.EscalationPending {
			return fmt.Errorf("%w: escalation %s is %s", ErrAlreadyResolved, id, e.Status)
		}
		if fn != nil && e.AmendmentID != nil {
			if _, err := updateAmendmentTx(ctx, tx, *e.AmendmentID, fn); err != nil {
				return err
			}
		}
		resolvedAt := at.UTC()
		e.Status = status
		e.ResolvedBy = res.Actor
		e.ResolutionNotes = res.Notes
		e.ResolvedAt = &resolvedAt
		_, err = tx.Exec(ctx,
			`UPDATE escalations SET status = $2, resolved_by = $3, resolution_notes = $4, resolved_at = $5
			 WHERE id = $1`,
			id, string(e.Status), e.ResolvedBy, e.ResolutionNotes, e.ResolvedAt)
		out = e
		return err
	})
	return out, err
}
