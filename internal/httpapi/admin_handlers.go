package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"corvel.app/internal/access"
	"corvel.app/internal/audit"
	"corvel.app/internal/auth"
	"corvel.app/internal/obs"
	"corvel.app/internal/stepup"
	"corvel.app/internal/store/pg"
)

// --- roles ---

type createRoleRequest struct {
	Name  string `json:"name"`
	Level int    `json:"level"`
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.Name = strings.TrimSpace(req.Name)
		if req.Name == "" {
			writeError(w, r, http.StatusBadRequest, "name is required")
			return
		}
		if req.Level < 0 {
			writeError(w, r, http.StatusBadRequest, "level must be non-negative")
			return
		}
		role, err := a.store.CreateRole(r.Context(), req.Name, req.Level)
		if err != nil {
			if errors.Is(err, pg.ErrConflict) {
				writeError(w, r, http.StatusConflict, "role already exists")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "role creation failed")
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.role.created", map[string]any{
			"role_id": role.ID,
			"name":    role.Name,
			"level":   role.Level,
		})
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		roles, err := a.store.ListRoles(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "role listing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

type replaceBoundariesRequest struct {
	Boundaries []pg.Boundary `json:"boundaries"`
}

// handleRoleScoped routes /v1/admin/roles/{id}/boundaries.
func (a *API) handleRoleScoped(w http.ResponseWriter, r *http.Request) {
	roleID, rest, ok := splitScopedPath(r.URL.Path, "/v1/admin/roles/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	if rest != "boundaries" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		boundaries, err := a.store.ListBoundaries(r.Context(), roleID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "boundary listing failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"role_id":    roleID,
			"boundaries": boundaries,
		})
	case http.MethodPut:
		var req replaceBoundariesRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		for _, b := range req.Boundaries {
			if strings.TrimSpace(b.PermissionKey) == "" {
				writeError(w, r, http.StatusBadRequest, "boundary permission_key is required")
				return
			}
			if !pg.ValidBoundaryType(b.BoundaryType) {
				writeError(w, r, http.StatusBadRequest, "invalid boundary_type: "+b.BoundaryType)
				return
			}
		}
		if err := a.store.ReplaceBoundaries(r.Context(), roleID, req.Boundaries); err != nil {
			switch {
			case errors.Is(err, pg.ErrNotFound):
				writeError(w, r, http.StatusNotFound, "role not found")
			case errors.Is(err, pg.ErrConflict):
				writeError(w, r, http.StatusBadRequest, "duplicate permission key in boundaries")
			default:
				writeError(w, r, http.StatusInternalServerError, "boundary update failed")
			}
			return
		}

		role, err := a.store.RoleByID(r.Context(), roleID)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "role lookup failed")
			return
		}
		// Cached permissions built from the old boundaries are now stale
		// for every holder of the role.
		revoked, err := a.revoker.RevokeRole(r.Context(), role.Name, access.ReasonRoleBoundaryChanged)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "revocation publish failed")
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.role.boundaries_replaced", map[string]any{
			"role_id": roleID,
			"role":    role.Name,
			"count":   len(req.Boundaries),
			"revoked": revoked,
		})
		writeJSON(w, http.StatusOK, map[string]any{
			"role_id":       roleID,
			"boundaries":    len(req.Boundaries),
			"revoked_users": revoked,
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut)
	}
}

// --- users ---

type updateStatusRequest struct {
	Status string `json:"status"`
}

// handleUserScoped routes /v1/admin/users/{id}/permissions and
// /v1/admin/users/{id}/status.
func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	userID, rest, ok := splitScopedPath(r.URL.Path, "/v1/admin/users/")
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch rest {
	case "permissions":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var doc json.RawMessage
		if err := decodeJSON(w, r, &doc); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.store.SetUserPermissions(r.Context(), userID, doc); err != nil {
			if errors.Is(err, pg.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "user not found")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "permission update failed")
			return
		}
		if err := a.revoker.RevokeUsers(r.Context(), []string{userID}, access.ReasonUserPermissionsChanged); err != nil {
			writeError(w, r, http.StatusInternalServerError, "revocation publish failed")
			return
		}
		_ = audit.LogEvent(r.Context(), "admin.user.permissions_replaced", map[string]any{
			"user_id": userID,
		})
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "updated": true})

	case "status":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req updateStatusRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		status := strings.ToUpper(strings.TrimSpace(req.Status))
		if err := a.store.UpdateUserStatus(r.Context(), userID, status); err != nil {
			switch {
			case errors.Is(err, pg.ErrNotFound):
				writeError(w, r, http.StatusNotFound, "user not found")
			default:
				writeError(w, r, http.StatusBadRequest, err.Error())
			}
			return
		}
		if status != pg.UserStatusActive {
			// A deactivated account loses its session immediately, not at
			// the next cache expiry.
			if err := a.revoker.RevokeUsers(r.Context(), []string{userID}, access.ReasonAccountLocked); err != nil {
				writeError(w, r, http.StatusInternalServerError, "revocation publish failed")
				return
			}
			if err := a.sessions.Kill(r.Context(), userID); err != nil {
				obs.LogRequest(map[string]any{
					"level":   "warn",
					"msg":     "session kill failed",
					"user_id": userID,
					"error":   err.Error(),
				})
			}
		}
		_ = audit.LogEvent(r.Context(), "admin.user.status_changed", map[string]any{
			"user_id": userID,
			"status":  status,
		})
		writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "status": status})

	default:
		http.NotFound(w, r)
	}
}

// --- action registry ---

type upsertActionRequest struct {
	Tokens []string `json:"tokens"`
}

// handleActionScoped routes /v1/admin/actions/{key}.
func (a *API) handleActionScoped(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/v1/admin/actions/")
	if key == "" || strings.Contains(key, "/") {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		tokens, err := a.store.ActionTokens(r.Context(), key)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "action lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"action_key": key,
			"tokens":     tokens,
		})
	case http.MethodPut:
		var req upsertActionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		for i, t := range req.Tokens {
			req.Tokens[i] = strings.ToUpper(strings.TrimSpace(t))
			if !stepup.ValidLevel(req.Tokens[i]) {
				writeError(w, r, http.StatusBadRequest, "invalid level token: "+t)
				return
			}
		}
		if err := a.store.UpsertAction(r.Context(), key, req.Tokens); err != nil {
			writeError(w, r, http.StatusInternalServerError, "action update failed")
			return
		}
		a.dropActionCache(r, key)
		_ = audit.LogEvent(r.Context(), "admin.action.upserted", map[string]any{
			"action_key": key,
			"tokens":     req.Tokens,
		})
		writeJSON(w, http.StatusOK, map[string]any{"action_key": key, "tokens": req.Tokens})
	case http.MethodDelete:
		if err := a.store.DeleteAction(r.Context(), key); err != nil {
			if errors.Is(err, pg.ErrNotFound) {
				writeError(w, r, http.StatusNotFound, "action not found")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "action delete failed")
			return
		}
		a.dropActionCache(r, key)
		_ = audit.LogEvent(r.Context(), "admin.action.deleted", map[string]any{
			"action_key": key,
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) dropActionCache(r *http.Request, key string) {
	if err := a.sessions.DropActionTokens(r.Context(), key); err != nil {
		obs.LogRequest(map[string]any{
			"level":      "warn",
			"msg":        "action cache drop failed",
			"action_key": key,
			"error":      err.Error(),
		})
	}
}

// --- security codes ---

type rotateCodeRequest struct {
	Code string `json:"code"`
}

// handleRotateCode routes /v1/admin/codes/{level}. The new code is
// hashed before it touches the database and is never logged.
func (a *API) handleRotateCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	level := strings.ToUpper(strings.TrimPrefix(r.URL.Path, "/v1/admin/codes/"))
	if !stepup.ValidLevel(level) {
		writeError(w, r, http.StatusBadRequest, "invalid security level")
		return
	}

	var req rotateCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Code) < 6 {
		writeError(w, r, http.StatusBadRequest, "code must be at least 6 characters")
		return
	}

	hash, err := auth.HashPassword(req.Code)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "code rotation failed")
		return
	}
	if err := a.store.RotateCode(r.Context(), level, hash); err != nil {
		writeError(w, r, http.StatusInternalServerError, "code rotation failed")
		return
	}

	claims, _ := auth.ClaimsFromContext(r.Context())
	_ = audit.LogEvent(r.Context(), "admin.code.rotated", map[string]any{
		"level":      level,
		"rotated_by": claims.UserID(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"level": level, "rotated": true})
}

// --- guarded demo resource ---

// handleDeleteBackup is the canonical step-up-guarded destructive
// endpoint: the chain above it has already checked the session, the
// permission and the security code.
func (a *API) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/backups/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	_ = audit.LogEvent(r.Context(), "backup.deleted", map[string]any{
		"backup_id":  id,
		"deleted_by": claims.UserID(),
	})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true, "id": id})
}

// splitScopedPath parses "<prefix>{id}/{rest}" and returns the id and
// the remainder after the id.
func splitScopedPath(path, prefix string) (id, rest string, ok bool) {
	tail := strings.TrimPrefix(path, prefix)
	if tail == path || tail == "" {
		return "", "", false
	}
	parts := strings.SplitN(tail, "/", 2)
	if parts[0] == "" {
		return "", "", false
	}
	if len(parts) == 2 {
		return parts[0], parts[1], true
	}
	return parts[0], "", true
}
