package server

import (
	"errors"
	"net/http"

	"github.com/cognalith/governor/internal/amendment"
	"github.com/cognalith/governor/internal/approval"
	"github.com/cognalith/governor/internal/model"
	"github.com/cognalith/governor/internal/safety"
	"github.com/cognalith/governor/internal/service/governor"
	"github.com/cognalith/governor/internal/storage"
)

// writeServiceError maps a governance error to its HTTP status. Safety
// violations carry the full violation list in the error details.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *safety.ValidationError
	switch {
	case errors.As(err, &ve):
		writeErrorDetails(w, r, http.StatusUnprocessableEntity, model.ErrCodeSafetyViolated, err.Error(), ve.Violations)
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, storage.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "store unavailable")
	case storage.IsConflict(err),
		errors.Is(err, approval.ErrNotPending),
		errors.Is(err, approval.ErrEscalated),
		errors.Is(err, amendment.ErrDuplicateRecommendation):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, governor.ErrInvalidInput),
		errors.Is(err, amendment.ErrInvalidRecommendation),
		errors.Is(err, amendment.ErrNoChanges),
		errors.Is(err, amendment.ErrUnknownAmendmentType),
		errors.Is(err, amendment.ErrUnknownPatternType),
		errors.Is(err, approval.ErrUnknownAction):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	default:
		h.logger.Error("http: unhandled service error", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}
