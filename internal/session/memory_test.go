package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	token, tokenHash, err := NewToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, HashToken(token), tokenHash)

	now := time.Now().Unix()
	rec := Record{
		TokenHash:    tokenHash,
		UserID:       "user-1",
		WalletPubkey: "pubkey-1",
		CreatedAt:    now,
		ExpiresAt:    now + 3600,
	}
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, tokenHash)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestMemoryGetUnknownToken(t *testing.T) {
	store := NewMemory()

	_, err := store.Get(context.Background(), HashToken("never-issued"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDestroyIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()

	_, tokenHash, err := NewToken()
	require.NoError(t, err)

	now := time.Now().Unix()
	require.NoError(t, store.Create(ctx, Record{TokenHash: tokenHash, UserID: "user-1", CreatedAt: now, ExpiresAt: now + 60}))

	require.NoError(t, store.Destroy(ctx, tokenHash))
	require.NoError(t, store.Destroy(ctx, tokenHash))

	_, err = store.Get(ctx, tokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryExpiredSessionBehavesAsAbsent(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_700_000_000, 0)
	store := NewMemory(WithClock(func() time.Time { return current }))

	_, tokenHash, err := NewToken()
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, Record{
		TokenHash: tokenHash,
		UserID:    "user-1",
		CreatedAt: current.Unix(),
		ExpiresAt: current.Unix() + 10,
	}))

	_, err = store.Get(ctx, tokenHash)
	require.NoError(t, err)

	current = current.Add(11 * time.Second)
	_, err = store.Get(ctx, tokenHash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySweepDropsOnlyExpired(t *testing.T) {
	ctx := context.Background()
	current := time.Unix(1_700_000_000, 0)
	store := NewMemory(WithClock(func() time.Time { return current }))

	for i, expiresIn := range []int64{-5, 5, 60} {
		_, tokenHash, err := NewToken()
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, Record{
			TokenHash: tokenHash,
			UserID:    "user",
			CreatedAt: current.Unix() - int64(i),
			ExpiresAt: current.Unix() + expiresIn,
		}))
	}

	assert.Equal(t, 1, store.Sweep())
}

func TestNewTokenIsUnique(t *testing.T) {
	first, firstHash, err := NewToken()
	require.NoError(t, err)
	second, secondHash, err := NewToken()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.NotEqual(t, firstHash, secondHash)
}
