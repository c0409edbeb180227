package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vague-archive/cloud-platform-sub000/internal/repository"
	"github.com/vague-archive/cloud-platform-sub000/internal/service/deploy"
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

// statusFor maps engine errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, deploy.ErrFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, deploy.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, repository.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) writeEngineError(w http.ResponseWriter, req *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		r.logger.Error("deploy request failed", "path", req.URL.Path, "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
