package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/layer-3/woosh/core"
	"github.com/layer-3/woosh/ports"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniredisStore(t *testing.T) (ports.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, "test:"), mr
}

func TestRedisStore(t *testing.T) {
	testStoreContract(t, func(t *testing.T) ports.Store {
		s, _ := newMiniredisStore(t)
		return s
	})
}

func TestRedisStoreKeyLayout(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)

	require.NoError(t, s.Set(ctx, "chats/c1", []byte(`{"id":"c1"}`)))
	assert.Equal(t, `{"id":"c1"}`, mr.HGet("test:node:chats", "c1"))

	at := time.UnixMilli(1_700_000_000_123)
	require.NoError(t, s.ScheduleExpiry(ctx, "chats/c1/messages/m1", at))
	score, err := mr.ZScore("test:expiries", "chats/c1/messages/m1")
	require.NoError(t, err)
	assert.Equal(t, float64(at.UnixMilli()), score)
}

func TestRedisStoreDefaultPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	s := NewRedisStore(client, "")
	require.NoError(t, s.Set(context.Background(), "a/b", []byte(`{}`)))
	assert.True(t, mr.Exists("woosh:node:a"))
}

func TestRedisStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	s, mr := newMiniredisStore(t)
	mr.Close()

	_, err := s.Get(ctx, "chats/c1")
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	err = s.Set(ctx, "chats/c1", []byte(`{}`))
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	_, err = s.DueExpiries(ctx, time.Now(), 10)
	assert.ErrorIs(t, err, core.ErrStoreUnavailable)

	assert.ErrorIs(t, s.Ping(ctx), core.ErrStoreUnavailable)
}

func TestRedisStoreNeverDueEarly(t *testing.T) {
	ctx := context.Background()
	s, _ := newMiniredisStore(t)

	at := time.UnixMilli(1_700_000_000_000).Add(400 * time.Microsecond)
	require.NoError(t, s.ScheduleExpiry(ctx, "m/1", at))

	due, err := s.DueExpiries(ctx, at.Add(-100*time.Microsecond), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	due, err = s.DueExpiries(ctx, at.Add(time.Millisecond), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m/1"}, due)
}
