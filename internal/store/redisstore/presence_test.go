package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Ring/internal/domain"
)

func newStore(t *testing.T) (*PresenceStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewClient(Config{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewPresenceStore(client, time.Minute), mr
}

func TestOnlineOffline(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.MarkOnline(ctx, "u1", time.Now()))
	on, err := s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, on)

	seen := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.MarkOffline(ctx, "u1", seen))
	on, err = s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, on)

	last, err := s.LastSeen(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, seen.Equal(last))

	last, err = s.LastSeen(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestPresenceKeysExpireUnlessRefreshed(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	require.NoError(t, s.MarkOnline(ctx, "u1", time.Now()))
	require.NoError(t, s.MarkOnline(ctx, "u2", time.Now()))

	mr.FastForward(40 * time.Second)
	require.NoError(t, s.Refresh(ctx, []domain.UserID{"u2"}, time.Now()))
	mr.FastForward(40 * time.Second)

	on, err := s.IsOnline(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, on, "u1 expired")

	on, err = s.IsOnline(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, on, "u2 refreshed")

	require.NoError(t, s.Refresh(ctx, nil, time.Now()))
}
