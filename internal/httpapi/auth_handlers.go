package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"corvel.app/internal/audit"
	"corvel.app/internal/auth"
	"corvel.app/internal/store/pg"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Roles     []string  `json:"roles"`
}

type passwordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "username and password are required")
		return
	}

	user, err := a.store.UserByUsername(r.Context(), username)
	if err != nil {
		// Unknown user, wrong password and locked account all look the
		// same from outside.
		if !errors.Is(err, pg.ErrNotFound) {
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		a.rejectLogin(w, r, username, "unknown_user")
		return
	}
	if user.Status != pg.UserStatusActive {
		a.rejectLogin(w, r, username, "inactive")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		a.rejectLogin(w, r, username, "bad_password")
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Username, user.Roles, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	if err := a.sessions.Touch(r.Context(), user.ID); err != nil {
		// Without a liveness marker the gate would treat the fresh token
		// as a dead session, so login is the one place a cache failure
		// is fatal.
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id":  user.ID,
		"username": user.Username,
		"roles":    user.Roles,
	})
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(a.tokenTTL),
		Roles:     user.Roles,
	})
}

func (a *API) rejectLogin(w http.ResponseWriter, r *http.Request, username, cause string) {
	_ = audit.LogEvent(r.Context(), "auth.login.rejected", map[string]any{
		"username": username,
		"cause":    cause,
	})
	writeError(w, r, http.StatusUnauthorized, "invalid credentials")
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	if err := a.sessions.Kill(r.Context(), claims.UserID()); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.logout", map[string]any{
		"user_id": claims.UserID(),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePasswordChange(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())

	var req passwordChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.NewPassword) < 8 {
		writeError(w, r, http.StatusBadRequest, "new password must be at least 8 characters")
		return
	}

	user, err := a.store.UserByID(r.Context(), claims.UserID())
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.CurrentPassword); err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "password update failed")
		return
	}
	if err := a.store.UpdateUserPassword(r.Context(), user.ID, hash); err != nil {
		writeError(w, r, http.StatusInternalServerError, "password update failed")
		return
	}

	// A password change invalidates the session; the user logs in again.
	if err := a.sessions.Kill(r.Context(), user.ID); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.password.changed", map[string]any{
		"user_id": user.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}
