package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable is returned when the store did not answer in time or
	// could not be reached.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrActiveLimit is returned when activating an amendment would exceed
	// the per-agent active limit.
	ErrActiveLimit = errors.New("storage: active amendment limit reached")

	// ErrTriggerConflict is returned when activating an amendment would
	// leave two active amendments with the same trigger for one agent.
	ErrTriggerConflict = errors.New("storage: active amendment with same trigger exists")

	// ErrInvalidTransition is returned when an evaluation status would move
	// backwards or leave a terminal state.
	ErrInvalidTransition = errors.New("storage: invalid evaluation status transition")

	// ErrInvariant is returned for any other write that would break an
	// amendment invariant.
	ErrInvariant = errors.New("storage: amendment invariant violated")

	// ErrAlreadyResolved is returned when resolving an escalation that is
	// no longer pending.
	ErrAlreadyResolved = errors.New("storage: escalation already resolved")

	// ErrUnchanged may be returned by an update callback to skip the write.
	// The update then returns the current row and a nil error.
	ErrUnchanged = errors.New("storage: unchanged")
)

// IsConflict reports whether err is a commit-time conflict a caller may
// surface as 409.
func IsConflict(err error) bool {
	return errors.Is(err, ErrActiveLimit) || errors.Is(err, ErrTriggerConflict) ||
		errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrInvariant) ||
		errors.Is(err, ErrAlreadyResolved)
}

// Wrap adds the operation name and classifies timeouts and connection
// failures as ErrUnavailable. Sentinel errors pass through unchanged
// apart from the operation prefix.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if unavailable(err) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("storage: %s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

func unavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if pgconn.Timeout(err) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isCheckViolation reports whether err is a Postgres check_violation.
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
