package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"corvel.app/internal/ids"
)

// User statuses. LOCKED and DISABLED users keep their rows; accounts are
// never hard-deleted, only stamped.
const (
	UserStatusActive   = "ACTIVE"
	UserStatusDisabled = "DISABLED"
	UserStatusLocked   = "LOCKED"
)

// Boundary types a role may carry per permission key.
const (
	BoundaryAllowed   = "ALLOWED"
	BoundaryDenied    = "DENIED"
	BoundaryInherited = "INHERITED"
)

// User is an identity row with its resolved role names.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Status       string    `json:"status"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Role groups permission boundaries at a numeric level.
type Role struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Level     int       `json:"level"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Boundary is one (permission key, type) pair owned by a role. Keys are
// unique per role.
type Boundary struct {
	PermissionKey string `json:"permission_key"`
	BoundaryType  string `json:"boundary_type"`
}

// ValidBoundaryType reports whether t is one of the three boundary kinds.
func ValidBoundaryType(t string) bool {
	switch t {
	case BoundaryAllowed, BoundaryDenied, BoundaryInherited:
		return true
	}
	return false
}

// UserByUsername loads a user with role names for login. Soft-deleted
// rows are invisible.
func (s *Store) UserByUsername(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(strings.ToLower(username))
	row := s.db.QueryRowContext(ctx, `
		select id, username, email, password_hash, status, created_at, updated_at
		from users
		where lower(username) = $1 and deleted_at is null
	`, username)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	roles, err := s.userRoles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

// UserByID loads a user with role names.
func (s *Store) UserByID(ctx context.Context, userID string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `
		select id, username, email, password_hash, status, created_at, updated_at
		from users
		where id = $1 and deleted_at is null
	`, userID)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.Status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	roles, err := s.userRoles(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	u.Roles = roles
	return &u, nil
}

func (s *Store) userRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.name
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1 and r.is_active
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		roles = append(roles, name)
	}
	return roles, rows.Err()
}

// UserPermissionDoc returns the raw permission column and the user's
// status. The evaluator flattens the document; a non-ACTIVE status makes
// it deny without caching.
func (s *Store) UserPermissionDoc(ctx context.Context, userID string) ([]byte, string, error) {
	var (
		doc    []byte
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		select coalesce(permissions, '{}'::jsonb), status
		from users
		where id = $1 and deleted_at is null
	`, userID).Scan(&doc, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", err
	}
	return doc, status, nil
}

// SetUserPermissions replaces the permission column.
func (s *Store) SetUserPermissions(ctx context.Context, userID string, doc []byte) error {
	if !json.Valid(doc) {
		return fmt.Errorf("%w: permissions must be valid JSON", ErrConflict)
	}
	res, err := s.db.ExecContext(ctx, `
		update users set permissions = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, doc)
	if err != nil {
		return err
	}
	return requireRowTouched(res)
}

// UpdateUserStatus sets ACTIVE/DISABLED/LOCKED.
func (s *Store) UpdateUserStatus(ctx context.Context, userID, status string) error {
	switch status {
	case UserStatusActive, UserStatusDisabled, UserStatusLocked:
	default:
		return fmt.Errorf("%w: unsupported status %s", ErrConflict, status)
	}
	res, err := s.db.ExecContext(ctx, `
		update users set status = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, status)
	if err != nil {
		return err
	}
	return requireRowTouched(res)
}

// UpdateUserPassword stores a new bcrypt hash.
func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, `
		update users set password_hash = $2, updated_at = now()
		where id = $1 and deleted_at is null
	`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRowTouched(res)
}

// UsersWithRole resolves the revocation blast radius of a role edit.
func (s *Store) UsersWithRole(ctx context.Context, roleName string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select ur.user_id
		from user_roles ur
		join roles r on r.id = ur.role_id
		where r.name = $1
	`, roleName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, id)
	}
	return userIDs, rows.Err()
}

// CreateRole inserts an active role.
func (s *Store) CreateRole(ctx context.Context, name string, level int) (Role, error) {
	role := Role{ID: ids.New(), Name: strings.TrimSpace(name), Level: level, IsActive: true}
	err := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, level, is_active)
		values ($1, $2, $3, true)
		returning created_at, updated_at
	`, role.ID, role.Name, role.Level).Scan(&role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return Role{}, ErrConflict
		}
		return Role{}, err
	}
	return role, nil
}

// ListRoles returns every role, active or not.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, level, is_active, created_at, updated_at
		from roles order by level, name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.Name, &role.Level, &role.IsActive, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// RoleByID loads a single role.
func (s *Store) RoleByID(ctx context.Context, roleID string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		select id, name, level, is_active, created_at, updated_at
		from roles where id = $1
	`, roleID).Scan(&role.ID, &role.Name, &role.Level, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Role{}, ErrNotFound
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

// ReplaceBoundaries swaps a role's boundary set in one transaction. The
// unique (role_id, permission_key) constraint is enforced here too so a
// duplicated key in the request fails before touching other rows.
func (s *Store) ReplaceBoundaries(ctx context.Context, roleID string, boundaries []Boundary) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from role_permission_boundaries where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, b := range boundaries {
		_, err := tx.ExecContext(ctx, `
			insert into role_permission_boundaries (role_id, permission_key, boundary_type)
			values ($1, $2, $3)
		`, roleID, b.PermissionKey, b.BoundaryType)
		if err != nil {
			if pgErr, ok := maybePgError(err); ok {
				switch pgErr.Code {
				case pgErrUniqueViolation:
					return fmt.Errorf("%w: duplicate permission key %s", ErrConflict, b.PermissionKey)
				case pgErrForeignKeyViolation:
					return ErrNotFound
				}
			}
			return err
		}
	}
	return tx.Commit()
}

// ListBoundaries returns a role's boundary set.
func (s *Store) ListBoundaries(ctx context.Context, roleID string) ([]Boundary, error) {
	rows, err := s.db.QueryContext(ctx, `
		select permission_key, boundary_type
		from role_permission_boundaries
		where role_id = $1
		order by permission_key
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var boundaries []Boundary
	for rows.Next() {
		var b Boundary
		if err := rows.Scan(&b.PermissionKey, &b.BoundaryType); err != nil {
			return nil, err
		}
		boundaries = append(boundaries, b)
	}
	return boundaries, rows.Err()
}

func requireRowTouched(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
