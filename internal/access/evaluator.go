package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"corvel.app/internal/auth"
	"corvel.app/internal/obs"
	"corvel.app/internal/session"
)

// ErrDenied is returned for every no-match outcome. Callers map it to a
// 403 ACCESS_DENIED payload.
var ErrDenied = errors.New("access: permission denied")

// flatPrefix qualifies every cached permission key. Exact and ancestor
// matches operate on these qualified keys.
const flatPrefix = "module."

// CredentialSource is the evaluator's view of the credential store.
type CredentialSource interface {
	// UserPermissionDoc returns the raw permission column and the user
	// status. The document may be a flat key→bool map or the legacy
	// nested {"modules":{...}} form.
	UserPermissionDoc(ctx context.Context, userID string) (doc []byte, status string, err error)
}

// Evaluator resolves allow/deny for a required permission key using the
// cached-then-DB-backed flat permission set, with a superuser bypass.
type Evaluator struct {
	cache *session.Store
	creds CredentialSource
}

// NewEvaluator wires the shared cache and the credential store.
func NewEvaluator(cache *session.Store, creds CredentialSource) (*Evaluator, error) {
	if cache == nil || creds == nil {
		return nil, errors.New("access: cache and credential source are required")
	}
	return &Evaluator{cache: cache, creds: creds}, nil
}

// Check resolves the required key for the given principal. A nil return
// means allow; ErrDenied means no grant matched; any other error is an
// infrastructure failure and the caller must fail closed.
func (e *Evaluator) Check(ctx context.Context, claims *auth.Claims, key string) error {
	if claims == nil {
		return ErrDenied
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("access: permission key is required")
	}
	if claims.Superuser() {
		return nil
	}
	perms, err := e.permissions(ctx, claims.UserID())
	if err != nil {
		return err
	}
	if matches(perms, key) {
		return nil
	}
	// The evaluated set goes to the log, never to the client.
	obs.LogRequest(map[string]any{
		"type":       "access",
		"outcome":    "deny",
		"user_id":    claims.UserID(),
		"permission": key,
		"evaluated":  flatKeys(perms),
	})
	return fmt.Errorf("%w: %s", ErrDenied, key)
}

// EffectivePermissions returns the flat set for display purposes. A
// superuser gets the synthetic all-permissions marker.
func (e *Evaluator) EffectivePermissions(ctx context.Context, claims *auth.Claims) (map[string]bool, error) {
	if claims == nil {
		return nil, errors.New("access: claims are required")
	}
	if claims.Superuser() {
		return map[string]bool{"*": true}, nil
	}
	perms, err := e.permissions(ctx, claims.UserID())
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(perms.Flat))
	for k, v := range perms.Flat {
		out[k] = v
	}
	return out, nil
}

// permissions is cache-first. A cache read error degrades to the DB;
// a DB error on a miss propagates so the check fails closed.
func (e *Evaluator) permissions(ctx context.Context, userID string) (*session.Permissions, error) {
	cached, err := e.cache.Permissions(ctx, userID)
	if err == nil && cached != nil {
		return cached, nil
	}

	doc, status, err := e.creds.UserPermissionDoc(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("access: load permissions: %w", err)
	}
	if !strings.EqualFold(status, "active") {
		return nil, fmt.Errorf("%w: user is %s", ErrDenied, strings.ToLower(status))
	}
	perms := Flatten(doc)
	// Cache population is best-effort; a failed write only costs a
	// re-derive on the next request.
	_ = e.cache.StorePermissions(ctx, userID, perms)
	return perms, nil
}

// matches applies the precedence order: exact qualified key, then the
// ancestor prefix walk, then the legacy nested document.
func matches(perms *session.Permissions, key string) bool {
	if perms == nil {
		return false
	}
	if perms.Flat[flatPrefix+key] {
		return true
	}
	segments := strings.Split(key, ".")
	prefix := ""
	for _, seg := range segments[:len(segments)-1] {
		if prefix == "" {
			prefix = seg
		} else {
			prefix += "." + seg
		}
		if perms.Flat[flatPrefix+prefix] {
			return true
		}
	}
	return matchesLegacy(perms.Legacy, segments)
}

func flatKeys(perms *session.Permissions) []string {
	if perms == nil || len(perms.Flat) == 0 {
		return nil
	}
	keys := make([]string, 0, len(perms.Flat))
	for k := range perms.Flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
