package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/dmitrijs2005/medvault/internal/common"
	"github.com/dmitrijs2005/medvault/internal/workflow"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, common.ErrorUnauthorized),
		errors.Is(err, common.ErrInvalidToken),
		errors.Is(err, common.ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, common.ErrConsentRequired):
		return http.StatusForbidden
	case errors.Is(err, common.ErrorNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrAlreadyExists),
		errors.Is(err, workflow.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, common.ErrUnreadableSource):
		return http.StatusBadRequest
	case errors.Is(err, common.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := http.StatusText(code)
	if code < http.StatusInternalServerError {
		msg = err.Error()
		s.log.Debug(r.Context(), "request rejected", "path", r.URL.Path, "status", code, "error", err)
	} else {
		s.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, errorBody{Error: msg})
}
