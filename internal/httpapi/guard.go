package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"corvel.app/internal/access"
	"corvel.app/internal/audit"
	"corvel.app/internal/auth"
	"corvel.app/internal/obs"
	"corvel.app/internal/stepup"
)

// Permission keys guarding the administrative surface.
const (
	permManageRoles   = "system.roles.manage"
	permManageUsers   = "system.users.manage"
	permManageActions = "system.actions.manage"
	permManageCodes   = "system.codes.manage"
	permManageBackups = "system.backups.manage"
)

// Action keys for step-up gated operations.
const (
	actionRotateCode   = "btn_rotate_security_code"
	actionDeleteBackup = "btn_delete_backup"
)

const securityCodeHeader = "X-Security-Code"

// requirePermission composes the permission evaluator around a handler.
// Every protected operation declares its key explicitly here; there is
// no annotation scanning.
func (a *API) requirePermission(key string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		err := a.eval.Check(r.Context(), claims, key)
		if err == nil {
			next(w, r)
			return
		}
		obs.IncPermissionDenied()
		_ = audit.LogEvent(r.Context(), "access.denied", map[string]any{
			"permission": key,
			"outcome":    "deny",
		})
		if !errors.Is(err, access.ErrDenied) {
			// Infrastructure failure: fail closed, but log the cause.
			obs.LogRequest(map[string]any{
				"level": "error", "msg": "permission evaluation failed", "error": err.Error(),
			})
		}
		writeSecurityError(w, http.StatusForbidden, securityError{
			ErrorCode: codeAccessDenied,
			Message:   "permission denied: " + key,
		})
	}
}

// requireStepUp composes the step-up verifier around a handler. The
// action key declared here is only the lookup handle; the live registry
// decides what the action actually requires.
func (a *API) requireStepUp(actionKey string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, _ := auth.ClaimsFromContext(r.Context())
		codes, fromBody, err := extractCodes(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		verr := a.verifier.Verify(r.Context(), claims, actionKey, codes)
		if verr == nil {
			obs.IncStepUp("allow")
			_ = audit.LogEvent(r.Context(), "stepup.verified", map[string]any{
				"action":  actionKey,
				"outcome": "allow",
			})
			next(w, r)
			return
		}

		var sve *stepup.VerifyError
		if errors.As(verr, &sve) {
			a.writeStepUpError(w, r, actionKey, sve, fromBody)
			return
		}

		obs.IncStepUp("error")
		obs.LogRequest(map[string]any{
			"level": "error", "msg": "step-up verification failed", "error": verr.Error(),
		})
		writeSecurityError(w, http.StatusForbidden, securityError{
			ErrorCode: codeAccessDenied,
			Message:   "security verification unavailable",
		})
	}
}

func (a *API) writeStepUpError(w http.ResponseWriter, r *http.Request, actionKey string, sve *stepup.VerifyError, bodyValidated bool) {
	payload := securityError{
		ErrorCode:     sve.Code,
		Message:       sve.Message,
		RequiredLevel: sve.RequiredLevel,
	}
	outcome := "failed"
	status := http.StatusForbidden
	switch sve.Code {
	case stepup.CodeRequired:
		outcome = "required"
		// A body-validated endpoint missing its code field is a malformed
		// request, not a forbidden one.
		if bodyValidated {
			status = http.StatusBadRequest
		}
	case stepup.CodeVerificationFailed:
		if sve.RemainingSeconds > 0 {
			outcome = "blocked"
			payload.RemainingSeconds = intPtr(sve.RemainingSeconds)
		} else {
			payload.RemainingAttempts = intPtr(sve.RemainingAttempts)
		}
	}
	obs.IncStepUp(outcome)
	_ = audit.LogEvent(r.Context(), "stepup.rejected", map[string]any{
		"action":  actionKey,
		"outcome": outcome,
		"level":   sve.RequiredLevel,
	})
	writeSecurityError(w, status, payload)
}

// extractCodes gathers supplied security codes from the tagged header
// and the legacy per-level body fields. The body is restored for the
// downstream handler. The second return reports whether the request
// carried a JSON body at all (drives the 400-vs-403 mapping).
func extractCodes(r *http.Request) (stepup.Codes, bool, error) {
	codes := stepup.Codes{
		PerLevel: map[string]string{},
		Single:   strings.TrimSpace(r.Header.Get(securityCodeHeader)),
	}

	if r.Body == nil || r.Body == http.NoBody {
		return codes, false, nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return codes, false, nil
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return codes, false, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))

	if len(bytes.TrimSpace(raw)) == 0 {
		return codes, false, nil
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return codes, true, errors.New("request body is not valid JSON")
	}
	for field, level := range map[string]string{
		"sec_code_l0": "L0",
		"sec_code_l1": stepup.LevelL1,
		"sec_code_l2": stepup.LevelL2,
		"sec_code_l3": stepup.LevelL3,
		"sec_code_l4": stepup.LevelL4,
	} {
		if v, ok := body[field].(string); ok && strings.TrimSpace(v) != "" {
			codes.PerLevel[level] = strings.TrimSpace(v)
		}
	}
	return codes, true, nil
}
