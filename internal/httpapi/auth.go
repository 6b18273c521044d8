package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/medvault/internal/common"
)

type ctxKey string

const userKey ctxKey = "user"

const bearerPrefix = "Bearer "

// UserFromContext returns the user the request was authenticated as.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey).(string)
	return u, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get(common.AuthorizationHeaderName)
	if len(h) < len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(h[len(bearerPrefix):])
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "missing token"})
			return
		}

		user, err := s.sessions.Validate(token)
		if err != nil {
			s.log.Debug(r.Context(), "token rejected", "error", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, user)))
	})
}
