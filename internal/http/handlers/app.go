package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"photoforge/internal/domain"
	"photoforge/internal/infra"
	"photoforge/internal/pipeline"
)

// App is the handler container. Handlers translate HTTP to service calls and
// domain errors back to status codes; no orchestration logic lives here.
type App struct {
	Svc    *pipeline.Service
	Logger infra.Logger
}

func NewApp(svc *pipeline.Service, logger infra.Logger) *App {
	return &App{Svc: svc, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]string{"error": slug, "message": message})
}

// fail maps domain sentinel errors onto HTTP responses.
func (a *App) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credentials")
	case errors.Is(err, domain.ErrInvalidArgument):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", "credit balance too low")
	case errors.Is(err, domain.ErrLimitExceeded):
		a.error(w, http.StatusUnprocessableEntity, "limit_exceeded", "regeneration limit reached")
	case errors.Is(err, domain.ErrConflict):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, domain.ErrPreconditionFailed):
		a.error(w, http.StatusConflict, "precondition_failed", err.Error())
	default:
		a.Logger.Error().Err(err).Msg("unhandled error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
