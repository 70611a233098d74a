package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Default TTLs. Liveness slides on every authenticated request; the
// permission set is deliberately shorter so administrative edits surface
// quickly even without an explicit revocation.
const (
	DefaultLiveTTL     = 30 * time.Minute
	DefaultPermTTL     = 5 * time.Minute
	DefaultRegistryTTL = 5 * time.Minute
	DefaultRevokedTTL  = 24 * time.Hour

	opTimeout = 500 * time.Millisecond
)

// Permissions is the cache-resident flat permission set. Flat keys are
// authoritative; Legacy carries the raw nested document for the wildcard
// fallback matcher.
type Permissions struct {
	Flat   map[string]bool `json:"flat"`
	Legacy json.RawMessage `json:"legacy,omitempty"`
}

// Config tunes cache expirations.
type Config struct {
	LiveTTL     time.Duration
	PermTTL     time.Duration
	RegistryTTL time.Duration
	RevokedTTL  time.Duration
}

func (c *Config) applyDefaults() {
	if c.LiveTTL <= 0 {
		c.LiveTTL = DefaultLiveTTL
	}
	if c.PermTTL <= 0 {
		c.PermTTL = DefaultPermTTL
	}
	if c.RegistryTTL <= 0 {
		c.RegistryTTL = DefaultRegistryTTL
	}
	if c.RevokedTTL <= 0 {
		c.RevokedTTL = DefaultRevokedTTL
	}
}

// Store holds all cache-resident session state: liveness markers,
// revocation flags, cached permission sets, the action registry and
// step-up failure counters. Everything here is rebuildable from the
// database; a cache restart means "re-derive", never "deny".
type Store struct {
	rdb *redis.Client
	cfg Config
}

// New wraps an existing redis client.
func New(rdb *redis.Client, cfg Config) (*Store, error) {
	if rdb == nil {
		return nil, errors.New("session: redis client is required")
	}
	cfg.applyDefaults()
	return &Store{rdb: rdb, cfg: cfg}, nil
}

// Open dials redis and verifies connectivity.
func Open(addr, password string, db int, cfg Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: connect redis: %w", err)
	}
	return New(client, cfg)
}

// Close releases the underlying client.
func (s *Store) Close() error { return s.rdb.Close() }

// Ping reports cache connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Ping(ctx).Err()
}

func liveKey(userID string) string     { return "sess:live:" + userID }
func revokedKey(userID string) string  { return "sess:revoked:" + userID }
func permsKey(userID string) string    { return "sess:perms:" + userID }
func registryKey(action string) string { return "registry:action:" + action }
func failKey(userID, level string) string {
	return "stepup:fail:" + userID + ":" + strings.ToUpper(level)
}

// Touch marks the session live and resets its idle TTL. Called at login
// and on every authenticated request; concurrent touches converge, so
// last-write-wins is fine.
func (s *Store) Touch(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Set(ctx, liveKey(userID), "1", s.cfg.LiveTTL).Err()
}

// Live reports whether the user has an active session marker.
func (s *Store) Live(ctx context.Context, userID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	res, err := s.rdb.Exists(ctx, liveKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Kill removes the session marker and cached permissions. Used by
// logout and password change; the signed token stays cryptographically
// valid but the gate treats its bearer as unauthenticated.
func (s *Store) Kill(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Del(ctx, liveKey(userID), permsKey(userID)).Err()
}

// ConsumeRevocation atomically reads and clears the revocation flag.
// GETDEL guarantees exactly one concurrent request pays for the flag.
func (s *Store) ConsumeRevocation(ctx context.Context, userID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	reason, err := s.rdb.GetDel(ctx, revokedKey(userID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return reason, nil
}

// RevokeAll marks every given user's cached state stale in one pipelined
// batch: the flat permission entry is dropped (forcing a DB reload) and
// the revoked-reason flag is set for the gate to consume. Per-user
// application is not cross-user-atomic; partial completion is fine since
// each user's next request is independently gated.
func (s *Store) RevokeAll(ctx context.Context, userIDs []string, reason string) error {
	if len(userIDs) == 0 {
		return nil
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return errors.New("session: revocation reason is required")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	pipe := s.rdb.Pipeline()
	for _, id := range userIDs {
		if strings.TrimSpace(id) == "" {
			continue
		}
		pipe.Del(ctx, permsKey(id))
		pipe.Set(ctx, revokedKey(id), reason, s.cfg.RevokedTTL)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Permissions returns the cached flat permission set, or nil on miss.
func (s *Store) Permissions(ctx context.Context, userID string) (*Permissions, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := s.rdb.Get(ctx, permsKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var perms Permissions
	if err := json.Unmarshal(raw, &perms); err != nil {
		// A corrupt entry is treated as a miss; the evaluator re-derives.
		return nil, nil
	}
	return &perms, nil
}

// StorePermissions caches the flat permission set with its own TTL.
func (s *Store) StorePermissions(ctx context.Context, userID string, perms *Permissions) error {
	if perms == nil {
		return errors.New("session: permissions are required")
	}
	data, err := json.Marshal(perms)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Set(ctx, permsKey(userID), data, s.cfg.PermTTL).Err()
}

// DropPermissions clears the cached set so the next evaluation hits the DB.
func (s *Store) DropPermissions(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Del(ctx, permsKey(userID)).Err()
}

// ActionTokens returns the cached required levels for an action key.
// An empty list is a valid cached value ("no code required"), so the
// second return distinguishes a miss from an empty entry.
func (s *Store) ActionTokens(ctx context.Context, actionKey string) ([]string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := s.rdb.Get(ctx, registryKey(actionKey)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var tokens []string
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, false, nil
	}
	return tokens, true, nil
}

// StoreActionTokens caches a registry entry, including empty ones.
func (s *Store) StoreActionTokens(ctx context.Context, actionKey string, tokens []string) error {
	if tokens == nil {
		tokens = []string{}
	}
	data, err := json.Marshal(tokens)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Set(ctx, registryKey(actionKey), data, s.cfg.RegistryTTL).Err()
}

// DropActionTokens invalidates a registry entry after an administrative edit.
func (s *Store) DropActionTokens(ctx context.Context, actionKey string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Del(ctx, registryKey(actionKey)).Err()
}

// RecordFailure atomically increments the step-up failure counter for
// (user, level) and returns the new count. INCR is the whole point:
// two concurrent wrong codes must not under-count. The lockout window
// starts at the first failure and is not extended by later ones, so a
// tripped lockout cannot be reset by further guessing.
func (s *Store) RecordFailure(ctx context.Context, userID, level string, window time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	key := failKey(userID, level)
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// FailureState returns the current failure count and the time left in
// the lockout window. A missing key reports zero failures.
func (s *Store) FailureState(ctx context.Context, userID, level string) (int64, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	key := failKey(userID, level)
	count, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	remaining, err := s.rdb.TTL(ctx, key).Result()
	if err != nil {
		return count, 0, err
	}
	if remaining < 0 {
		remaining = 0
	}
	return count, remaining, nil
}

// ClearFailures resets the counter after a successful verification.
func (s *Store) ClearFailures(ctx context.Context, userID, level string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return s.rdb.Del(ctx, failKey(userID, level)).Err()
}
