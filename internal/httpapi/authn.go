package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"corvel.app/internal/audit"
	"corvel.app/internal/auth"
	"corvel.app/internal/obs"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth is the request authentication gate. It never rejects on a
// missing or bad token (routes decide whether they tolerate an
// anonymous caller), but a consumed revocation flag is a hard 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			// Malformed, expired and forged tokens are indistinguishable
			// to the caller.
			obs.IncAuthReject("invalid_token")
			next.ServeHTTP(w, r)
			return
		}
		userID := claims.UserID()

		live, err := a.sessions.Live(r.Context(), userID)
		if err != nil {
			// Cache outage: the token itself is authentic, the
			// authoritative permission checks downstream still fail
			// closed against the DB. Blocking all traffic here would
			// turn a cache restart into a full outage.
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "session liveness check degraded", "error": err.Error(),
			})
			live = true
		}
		if !live {
			// Logout is immediate even though the signed token remains
			// cryptographically valid.
			obs.IncAuthReject("dead_session")
			next.ServeHTTP(w, r)
			return
		}

		reason, err := a.sessions.ConsumeRevocation(r.Context(), userID)
		if err != nil {
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "revocation check degraded", "error": err.Error(),
			})
		}
		if reason != "" {
			obs.IncAuthReject("revoked")
			_ = audit.LogEvent(r.Context(), "auth.revocation.consumed", map[string]any{
				"user_id": userID,
				"reason":  reason,
			})
			// Do not re-arm liveness; the user must fully re-authenticate.
			writeSecurityError(w, http.StatusUnauthorized, securityError{
				ErrorCode: codePermissionRevoked,
				Message:   reason,
			})
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		ctx = auth.ContextWithToken(ctx, token)

		// Sliding idle TTL. Best-effort: a missed touch only risks a
		// slightly earlier expiry, never a security hole.
		if err := a.sessions.Touch(ctx, userID); err != nil {
			obs.LogRequest(map[string]any{
				"level": "warn", "msg": "session touch failed", "error": err.Error(),
			})
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth rejects anonymous callers with a bare 401.
func (a *API) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := auth.ClaimsFromContext(r.Context()); !ok {
			writeSecurityError(w, http.StatusUnauthorized, securityError{
				ErrorCode: codeAccessDenied,
				Message:   "authentication required",
			})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
