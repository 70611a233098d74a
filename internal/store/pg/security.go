package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"corvel.app/internal/ids"
)

// ActiveCodeHash returns the hash of the single active security code for
// a level. Rotation replaces the row; there is always at most one active
// row per level.
func (s *Store) ActiveCodeHash(ctx context.Context, level string) (string, error) {
	level = strings.ToUpper(strings.TrimSpace(level))
	var hash string
	err := s.db.QueryRowContext(ctx, `
		select code_hash from security_codes
		where level = $1 and is_active
	`, level).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: no active code for level %s", ErrNotFound, level)
	}
	if err != nil {
		return "", err
	}
	return hash, nil
}

// RotateCode deactivates the current row for the level and inserts a
// fresh one. Old rows are kept, never reused.
func (s *Store) RotateCode(ctx context.Context, level, codeHash string) error {
	level = strings.ToUpper(strings.TrimSpace(level))
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		update security_codes set is_active = false
		where level = $1 and is_active
	`, level); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into security_codes (id, level, code_hash, is_active)
		values ($1, $2, $3, true)
	`, ids.New(), level, codeHash); err != nil {
		return err
	}
	return tx.Commit()
}

// ActionTokens returns the required levels for an action key. An
// unregistered action resolves to an empty list: no code required.
func (s *Store) ActionTokens(ctx context.Context, actionKey string) ([]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		select tokens from action_registry where action_key = $1
	`, actionKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	var tokens []string
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, fmt.Errorf("decode tokens for %s: %w", actionKey, err)
	}
	if tokens == nil {
		tokens = []string{}
	}
	return tokens, nil
}

// UpsertAction creates or replaces a registry entry. This is the dynamic
// policy: requirements change here without a deploy.
func (s *Store) UpsertAction(ctx context.Context, actionKey string, tokens []string) error {
	if tokens == nil {
		tokens = []string{}
	}
	raw, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into action_registry (action_key, tokens)
		values ($1, $2)
		on conflict (action_key) do update
		set tokens = excluded.tokens, updated_at = now()
	`, actionKey, raw)
	return err
}

// DeleteAction removes a registry entry; the action then requires no code.
func (s *Store) DeleteAction(ctx context.Context, actionKey string) error {
	res, err := s.db.ExecContext(ctx, `delete from action_registry where action_key = $1`, actionKey)
	if err != nil {
		return err
	}
	return requireRowTouched(res)
}
