package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"corvel.app/internal/obs"
	"corvel.app/internal/session"
)

// Revocation reasons carried to the rejected client.
const (
	ReasonRoleBoundaryChanged    = "ROLE_BOUNDARY_CHANGED"
	ReasonUserPermissionsChanged = "USER_PERMISSIONS_CHANGED"
	ReasonAccountLocked          = "ACCOUNT_LOCKED"
)

// UserDirectory resolves which users an administrative role edit touches.
type UserDirectory interface {
	UsersWithRole(ctx context.Context, roleName string) ([]string, error)
}

// Revoker publishes revocations into the shared cache after
// administrative role or permission edits. Affected users' next request
// is rejected with the reason exactly once, forcing re-authentication.
type Revoker struct {
	cache *session.Store
	dir   UserDirectory
}

// NewRevoker wires the cache and the user directory.
func NewRevoker(cache *session.Store, dir UserDirectory) (*Revoker, error) {
	if cache == nil || dir == nil {
		return nil, errors.New("access: cache and user directory are required")
	}
	return &Revoker{cache: cache, dir: dir}, nil
}

// RevokeRole revokes every user currently holding the role. Returns the
// number of users marked.
func (r *Revoker) RevokeRole(ctx context.Context, roleName, reason string) (int, error) {
	roleName = strings.TrimSpace(roleName)
	if roleName == "" {
		return 0, errors.New("access: role name is required")
	}
	userIDs, err := r.dir.UsersWithRole(ctx, roleName)
	if err != nil {
		return 0, fmt.Errorf("access: resolve users for role %s: %w", roleName, err)
	}
	if err := r.RevokeUsers(ctx, userIDs, reason); err != nil {
		return 0, err
	}
	return len(userIDs), nil
}

// RevokeUsers marks the given users' cached state stale in one batch.
func (r *Revoker) RevokeUsers(ctx context.Context, userIDs []string, reason string) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := r.cache.RevokeAll(ctx, userIDs, reason); err != nil {
		return fmt.Errorf("access: publish revocation: %w", err)
	}
	obs.AddRevocations(len(userIDs))
	return nil
}
