package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err, "start miniredis")
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store, mr
}

func TestTouchLiveKill(t *testing.T) {
	store, mr := newTestStore(t, Config{LiveTTL: time.Minute})
	ctx := context.Background()

	live, err := store.Live(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, live, "no marker yet")

	require.NoError(t, store.Touch(ctx, "u1"))
	live, err = store.Live(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, live)

	// Idle expiry.
	mr.FastForward(2 * time.Minute)
	live, err = store.Live(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, live, "marker must expire")

	require.NoError(t, store.Touch(ctx, "u1"))
	require.NoError(t, store.StorePermissions(ctx, "u1", &Permissions{Flat: map[string]bool{"module.x": true}}))
	require.NoError(t, store.Kill(ctx, "u1"))

	live, err = store.Live(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, live, "killed session must be dead")
	perms, err := store.Permissions(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, perms, "kill drops cached permissions too")
}

func TestConsumeRevocationIsSingleUse(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	reason, err := store.ConsumeRevocation(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, reason, "no flag set")

	require.NoError(t, store.RevokeAll(ctx, []string{"u1"}, "ROLE_BOUNDARY_CHANGED"))

	reason, err = store.ConsumeRevocation(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "ROLE_BOUNDARY_CHANGED", reason)

	// The flag pays out exactly once.
	reason, err = store.ConsumeRevocation(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, reason)
}

func TestRevokeAllDropsPermissionsForEveryUser(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	for _, id := range []string{"u1", "u2", "u3"} {
		require.NoError(t, store.StorePermissions(ctx, id, &Permissions{Flat: map[string]bool{"module.a": true}}))
	}
	require.NoError(t, store.RevokeAll(ctx, []string{"u1", "u3"}, "USER_PERMISSIONS_CHANGED"))

	for _, id := range []string{"u1", "u3"} {
		perms, err := store.Permissions(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, perms, "revoked user %s keeps no cached set", id)
		reason, err := store.ConsumeRevocation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "USER_PERMISSIONS_CHANGED", reason)
	}

	perms, err := store.Permissions(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, perms, "untouched user keeps its cache")
	assert.True(t, perms.Flat["module.a"])
}

func TestRevokeAllValidation(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	assert.NoError(t, store.RevokeAll(ctx, nil, "X"), "empty batch is a no-op")
	assert.Error(t, store.RevokeAll(ctx, []string{"u1"}, "  "), "reason is mandatory")
}

func TestPermissionsCorruptEntryIsAMiss(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	ctx := context.Background()

	require.NoError(t, mr.Set("sess:perms:u1", "{not json"))
	perms, err := store.Permissions(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, perms)
}

func TestActionTokensDistinguishEmptyFromMissing(t *testing.T) {
	store, _ := newTestStore(t, Config{})
	ctx := context.Background()

	_, found, err := store.ActionTokens(ctx, "btn_x")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.StoreActionTokens(ctx, "btn_x", nil))
	tokens, found, err := store.ActionTokens(ctx, "btn_x")
	require.NoError(t, err)
	assert.True(t, found, "empty list is a real cached value")
	assert.Empty(t, tokens)

	require.NoError(t, store.StoreActionTokens(ctx, "btn_y", []string{"L3", "L4"}))
	tokens, found, err = store.ActionTokens(ctx, "btn_y")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"L3", "L4"}, tokens)

	require.NoError(t, store.DropActionTokens(ctx, "btn_y"))
	_, found, err = store.ActionTokens(ctx, "btn_y")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFailureCounterWindow(t *testing.T) {
	store, mr := newTestStore(t, Config{})
	ctx := context.Background()
	window := 30 * time.Minute

	count, err := store.RecordFailure(ctx, "u1", "l3", window)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	// Later failures must not restart the window.
	mr.FastForward(10 * time.Minute)
	count, err = store.RecordFailure(ctx, "u1", "L3", window)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "level is case-insensitive")

	got, remaining, err := store.FailureState(ctx, "u1", "L3")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got)
	assert.LessOrEqual(t, remaining, 20*time.Minute)
	assert.Greater(t, remaining, time.Duration(0))

	require.NoError(t, store.ClearFailures(ctx, "u1", "L3"))
	got, remaining, err = store.FailureState(ctx, "u1", "L3")
	require.NoError(t, err)
	assert.Zero(t, got)
	assert.Zero(t, remaining)

	// Full window elapses: the counter evaporates.
	_, err = store.RecordFailure(ctx, "u1", "L3", window)
	require.NoError(t, err)
	mr.FastForward(window + time.Minute)
	got, _, err = store.FailureState(ctx, "u1", "L3")
	require.NoError(t, err)
	assert.Zero(t, got)
}
