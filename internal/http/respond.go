package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splax/deployflow/internal/repository"
	"github.com/splax/deployflow/internal/service/deploy"
	"github.com/splax/deployflow/internal/service/logs"
	"github.com/splax/deployflow/internal/service/project"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP status codes.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var validation project.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, repository.ErrNotFound):
		r.notFound(w)
	case errors.Is(err, repository.ErrConflict):
		writeError(w, http.StatusConflict, "already taken")
	case errors.Is(err, logs.ErrEmptyLine), errors.Is(err, deploy.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deploy.ErrTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, deploy.ErrDispatchFailed), errors.Is(err, project.ErrSubdomainExhausted):
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		r.logger.Error("request failed", "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
