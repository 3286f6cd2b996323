package middleware

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"realm-export/backend/internal/server/response"
)

const bearerPrefix = "bearer "

// AccessValidator validates a bearer access token and returns the identity it carries.
// *security.TokenProvider satisfies it.
type AccessValidator interface {
	ValidateAccess(token string) (sessionID, userID, orgID string, err error)
}

// Authenticate returns middleware that validates the Bearer access token and sets user_id, org_id,
// and session_id in the request context. Requests without a valid token get a 401 error envelope.
func Authenticate(tokens AccessValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r)
			if token == "" {
				response.Error(w, http.StatusUnauthorized, "Not logged in: API authentication or user session required", response.CodeUnauthorized)
				return
			}
			sessionID, userID, orgID, err := tokens.ValidateAccess(token)
			if err != nil {
				logger.Debug("rejected bearer token", zap.Error(err), zap.String("path", r.URL.Path))
				response.Error(w, http.StatusUnauthorized, "Invalid API key", response.CodeUnauthorized)
				return
			}
			ctx := WithIdentity(r.Context(), userID, orgID, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearer returns the Bearer token from the Authorization header, or "" if missing or malformed.
func extractBearer(r *http.Request) string {
	v := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
