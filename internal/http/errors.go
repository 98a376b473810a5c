package httpapp

import (
	"errors"
	"net/http"

	"github.com/go-chi/render"

	"github.com/cesargomez89/clinicaletl/internal/analytics"
	"github.com/cesargomez89/clinicaletl/internal/app"
	"github.com/cesargomez89/clinicaletl/internal/domain"
	"github.com/cesargomez89/clinicaletl/internal/http/dto"
	"github.com/cesargomez89/clinicaletl/internal/ingest"
)

type errorResponse struct {
	Fields map[string]string `json:"fields,omitempty"`
	Error  string            `json:"error"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrJobExists),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, analytics.ErrExportRunning):
		return http.StatusConflict
	case errors.Is(err, app.ErrEmptySubmission),
		errors.Is(err, ingest.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, analytics.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.Logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal server error"
	}
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: msg})
}

func respondBadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: msg})
}

func respondValidation(w http.ResponseWriter, r *http.Request, errs []dto.ValidationError) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, errorResponse{Error: dto.ToResponse(errs), Fields: dto.ToMap(errs)})
}

func respondNotFound(w http.ResponseWriter, r *http.Request, what string) {
	render.Status(r, http.StatusNotFound)
	render.JSON(w, r, errorResponse{Error: what + " not found"})
}
