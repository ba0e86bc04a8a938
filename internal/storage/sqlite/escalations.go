package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/storage"
)

const escalationColumns = `id, type, agent_role, amendment_id, status, analysis, resolved_by, resolution_notes, created_at, resolved_at`

func scanEscalation(row scanner) (model.Escalation, error) {
	var (
		e                         model.Escalation
		id, typ, status, analysis string
		amendmentID               sql.NullString
		createdAt                 int64
		resolvedAt                sql.NullInt64
	)
	if err := row.Scan(&id, &typ, &e.AgentRole, &amendmentID, &status, &analysis,
		&e.ResolvedBy, &e.ResolutionNotes, &createdAt, &resolvedAt); err != nil {
		return model.Escalation{}, err
	}
	var err error
	if e.ID, err = uuid.Parse(id); err != nil {
		return model.Escalation{}, err
	}
	if e.AmendmentID, err = parseNullUUID(amendmentID); err != nil {
		return model.Escalation{}, err
	}
	if err := json.Unmarshal([]byte(analysis), &e.Analysis); err != nil {
		return model.Escalation{}, err
	}
	e.Type = model.EscalationType(typ)
	e.Status = model.EscalationStatus(status)
	e.CreatedAt = fromNanos(createdAt)
	e.ResolvedAt = fromNullNanos(resolvedAt)
	return e, nil
}

func getEscalation(ctx context.Context, q queryer, id uuid.UUID) (model.Escalation, error) {
	e, err := scanEscalation(q.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id.String()))
	return e, notFound(err, "escalation "+id.String())
}

// CreateEscalatedAmendment inserts a and the escalation e that holds it in
// one transaction.
func (s *Store) CreateEscalatedAmendment(ctx context.Context, a model.Amendment, e model.Escalation) error {
	stampNew(&a)
	return s.inTx(ctx, "create escalated amendment", func(tx *sql.Tx) error {
		if err := insertAmendment(ctx, tx, a); err != nil {
			return err
		}
		return insertEscalation(ctx, tx, e)
	})
}

func insertEscalation(ctx context.Context, tx *sql.Tx, e model.Escalation) error {
	if e.Analysis == nil {
		e.Analysis = map[string]any{}
	}
	analysis, err := toJSON(e.Analysis)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO escalations (`+escalationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), string(e.Type), e.AgentRole, nullUUID(e.AmendmentID), string(e.Status), analysis,
		e.ResolvedBy, e.ResolutionNotes, nanos(e.CreatedAt), nullNanos(e.ResolvedAt),
	)
	return classifyWriteErr(err)
}

// GetEscalation returns one escalation.
func (s *Store) GetEscalation(ctx context.Context, id uuid.UUID) (model.Escalation, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()
	e, err := getEscalation(ctx, s.db, id)
	return e, storage.Wrap("get escalation", err)
}

// ListEscalations returns matching escalations, newest first.
func (s *Store) ListEscalations(ctx context.Context, f model.EscalationFilter) ([]model.Escalation, error) {
	ctx, cancel := s.bounded(ctx)
	defer cancel()

	c := storage.NewConditions(storage.QuestionPlaceholder)
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
		` ORDER BY created_at DESC, id LIMIT ` + c.Arg(storage.Limit(f.Limit))

	rows, err := s.db.QueryContext(ctx, query, c.Args...)
	if err != nil {
		return nil, storage.Wrap("list escalations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, storage.Wrap("scan escalation", err)
		}
		out = append(out, e)
	}
	return out, storage.Wrap("list escalations", rows.Err())
}

// ResolveEscalation resolves a pending escalation, applying fn to the
// linked amendment in the same transaction.
func (s *Store) ResolveEscalation(ctx context.Context, id uuid.UUID, res model.Resolution, at time.Time, fn func(*model.Amendment) error) (model.Escalation, error) {
	status, ok := res.Action.Status()
	if !ok {
		return model.Escalation{}, fmt.Errorf("storage: resolve escalation: unknown action %q", res.Action)
	}
	var out model.Escalation
	err := s.inTx(ctx, fmt.Sprintf("resolve escalation %s", id), func(tx *sql.Tx) error {
		e, err := getEscalation(ctx, tx, id)
		if err != nil {
			return err
		}
		if e.Status != model.EscalationPending {
			return fmt.Errorf("%w: escalation %s is %s", storage.ErrAlreadyResolved, id, e.Status)
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
		_, err = tx.ExecContext(ctx,
			`UPDATE escalations SET status = ?, resolved_by = ?, resolution_notes = ?, resolved_at = ?
			 WHERE id = ?`,
			string(e.Status), e.ResolvedBy, e.ResolutionNotes, nanos(resolvedAt), id.String())
		out = e
		return err
	})
	return out, err
}
