package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"corvel.app/internal/access"
	"corvel.app/internal/audit"
	"corvel.app/internal/auth"
	"corvel.app/internal/stepup"
)

// advisoryWindow is how long a successful pre-verification is presented
// as valid to the caller. It is a UI hint only; guarded endpoints still
// verify the code on every call.
const advisoryWindow = 2 * time.Minute

type verifyRequest struct {
	ActionKey string `json:"action_key"`
	Level     string `json:"level"`
	Code      string `json:"code"`
}

type verifyResponse struct {
	Verified   bool      `json:"verified"`
	ActionKey  string    `json:"action_key"`
	ValidUntil time.Time `json:"valid_until"`
}

// handleVerify lets a client pre-check a security code before firing the
// real operation, so the UI can prompt once instead of failing the
// action. The result is advisory: the guarded endpoint re-verifies.
func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())

	codes, fromBody, err := extractCodes(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actionKey := strings.TrimSpace(req.ActionKey)
	if actionKey == "" {
		writeError(w, r, http.StatusBadRequest, "action_key is required")
		return
	}
	if code := strings.TrimSpace(req.Code); code != "" {
		level := strings.ToUpper(strings.TrimSpace(req.Level))
		if level != "" {
			if !stepup.ValidLevel(level) {
				writeError(w, r, http.StatusBadRequest, "invalid security level")
				return
			}
			codes.PerLevel[level] = code
		} else if codes.Single == "" {
			codes.Single = code
		}
	}

	if err := a.verifier.Verify(r.Context(), claims, actionKey, codes); err != nil {
		var sve *stepup.VerifyError
		if errors.As(err, &sve) {
			a.writeStepUpError(w, r, actionKey, sve, fromBody)
			return
		}
		writeError(w, r, http.StatusForbidden, "security verification unavailable")
		return
	}

	_ = audit.LogEvent(r.Context(), "stepup.preverified", map[string]any{
		"user_id": claims.UserID(),
		"action":  actionKey,
	})
	writeJSON(w, http.StatusOK, verifyResponse{
		Verified:   true,
		ActionKey:  actionKey,
		ValidUntil: time.Now().UTC().Add(advisoryWindow),
	})
}

// handleMyPermissions returns the caller's effective flat permission
// set, as the evaluator sees it.
func (a *API) handleMyPermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())

	perms, err := a.eval.EffectivePermissions(r.Context(), claims)
	if err != nil {
		if errors.Is(err, access.ErrDenied) {
			writeSecurityError(w, http.StatusForbidden, securityError{
				ErrorCode: codeAccessDenied,
				Message:   "account is not active",
			})
			return
		}
		writeError(w, r, http.StatusInternalServerError, "permission lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     claims.UserID(),
		"permissions": perms,
	})
}
