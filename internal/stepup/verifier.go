package stepup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"corvel.app/internal/auth"
	"corvel.app/internal/session"
)

// Security levels, escalating. Each is guarded by its own shared code,
// independent of the user's own password.
const (
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
	LevelL4 = "L4"
)

// Lockout policy defaults: five failures trip a 30-minute block.
const (
	DefaultMaxAttempts = 5
	DefaultWindow      = 30 * time.Minute
)

// Error codes surfaced in the HTTP payload.
const (
	CodeRequired           = "SECURITY_CODE_REQUIRED"
	CodeVerificationFailed = "SECURITY_VERIFICATION_FAILED"
)

// VerifyError is a structured rejection with enough detail for the
// client UI, but never the hash or another user's state.
type VerifyError struct {
	Code              string
	Message           string
	RequiredLevel     string
	RemainingAttempts int
	RemainingSeconds  int
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("stepup: %s (%s)", e.Message, e.Code)
}

// ValidLevel reports whether s names a known security level.
func ValidLevel(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case LevelL1, LevelL2, LevelL3, LevelL4:
		return true
	}
	return false
}

// CodeSource is the verifier's view of the credential store.
type CodeSource interface {
	// ActiveCodeHash returns the bcrypt hash of the single active code
	// for the level.
	ActiveCodeHash(ctx context.Context, level string) (string, error)
	// ActionTokens returns the required levels for the action key. An
	// unregistered action resolves to an empty list, meaning no code is
	// needed.
	ActionTokens(ctx context.Context, actionKey string) ([]string, error)
}

// Codes carries the caller-supplied security codes: the per-level legacy
// body fields plus the single tagged header value.
type Codes struct {
	PerLevel map[string]string
	Single   string
}

// ForLevel picks the code supplied for a level, falling back to the
// single header code.
func (c Codes) ForLevel(level string) string {
	level = strings.ToUpper(strings.TrimSpace(level))
	if code, ok := c.PerLevel[level]; ok && strings.TrimSpace(code) != "" {
		return strings.TrimSpace(code)
	}
	return strings.TrimSpace(c.Single)
}

// Verifier gates sensitive operations behind per-level security codes.
// The live registry, not the call site's declared level, decides what an
// action requires, so operators can tighten or relax policy without a
// deploy.
type Verifier struct {
	cache       *session.Store
	creds       CodeSource
	maxAttempts int64
	window      time.Duration
}

// Option configures the Verifier.
type Option func(*Verifier)

// WithLockout overrides the failure threshold and window.
func WithLockout(maxAttempts int, window time.Duration) Option {
	return func(v *Verifier) {
		if maxAttempts > 0 {
			v.maxAttempts = int64(maxAttempts)
		}
		if window > 0 {
			v.window = window
		}
	}
}

// NewVerifier wires the shared cache and the credential store.
func NewVerifier(cache *session.Store, creds CodeSource, opts ...Option) (*Verifier, error) {
	if cache == nil || creds == nil {
		return nil, errors.New("stepup: cache and code source are required")
	}
	v := &Verifier{
		cache:       cache,
		creds:       creds,
		maxAttempts: DefaultMaxAttempts,
		window:      DefaultWindow,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify checks the supplied codes against the action's live registry
// entry. nil means allow. A *VerifyError is a structured rejection; any
// other error is an infrastructure failure and the caller fails closed.
func (v *Verifier) Verify(ctx context.Context, claims *auth.Claims, actionKey string, codes Codes) error {
	if claims == nil {
		return errors.New("stepup: claims are required")
	}
	actionKey = strings.TrimSpace(actionKey)
	if actionKey == "" {
		return errors.New("stepup: action key is required")
	}
	if claims.Superuser() {
		return nil
	}

	levels, err := v.requiredLevels(ctx, actionKey)
	if err != nil {
		return err
	}
	// An empty registry entry means the action needs no code at all,
	// regardless of any level declared at the call site.
	for _, level := range levels {
		if err := v.verifyLevel(ctx, claims.UserID(), level, codes.ForLevel(level)); err != nil {
			return err
		}
	}
	return nil
}

// requiredLevels is cache-first with a DB fallback; the loaded entry is
// cached, empty lists included.
func (v *Verifier) requiredLevels(ctx context.Context, actionKey string) ([]string, error) {
	tokens, ok, err := v.cache.ActionTokens(ctx, actionKey)
	if err == nil && ok {
		return tokens, nil
	}
	tokens, err = v.creds.ActionTokens(ctx, actionKey)
	if err != nil {
		return nil, fmt.Errorf("stepup: resolve action %s: %w", actionKey, err)
	}
	normalized := make([]string, 0, len(tokens))
	for _, t := range tokens {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		normalized = append(normalized, t)
	}
	_ = v.cache.StoreActionTokens(ctx, actionKey, normalized)
	return normalized, nil
}

func (v *Verifier) verifyLevel(ctx context.Context, userID, level, code string) error {
	if code == "" {
		return &VerifyError{
			Code:          CodeRequired,
			Message:       fmt.Sprintf("security code for level %s is required", level),
			RequiredLevel: level,
		}
	}

	// The lockout gate runs before the hash is consulted: once tripped,
	// only time passes it, not further guessing. Correct codes included.
	count, remaining, err := v.cache.FailureState(ctx, userID, level)
	if err != nil {
		return fmt.Errorf("stepup: read lockout state: %w", err)
	}
	if count >= v.maxAttempts && remaining > 0 {
		return &VerifyError{
			Code:             CodeVerificationFailed,
			Message:          fmt.Sprintf("level %s verification is blocked", level),
			RequiredLevel:    level,
			RemainingSeconds: int(remaining.Seconds()),
		}
	}

	hash, err := v.creds.ActiveCodeHash(ctx, level)
	if err != nil {
		return fmt.Errorf("stepup: load active code for %s: %w", level, err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) != nil {
		failures, err := v.cache.RecordFailure(ctx, userID, level, v.window)
		if err != nil {
			return fmt.Errorf("stepup: record failure: %w", err)
		}
		left := v.maxAttempts - failures
		if left < 0 {
			left = 0
		}
		verr := &VerifyError{
			Code:              CodeVerificationFailed,
			Message:           fmt.Sprintf("invalid security code for level %s", level),
			RequiredLevel:     level,
			RemainingAttempts: int(left),
		}
		if left == 0 {
			verr.Message = fmt.Sprintf("level %s verification is blocked", level)
			verr.RemainingSeconds = int(v.window.Seconds())
		}
		return verr
	}

	if err := v.cache.ClearFailures(ctx, userID, level); err != nil {
		// Best-effort: a stale counter only shortens the allowance for
		// future mistakes, it cannot block this success.
		return nil
	}
	return nil
}
