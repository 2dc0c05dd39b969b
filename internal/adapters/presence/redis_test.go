package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dkeye/Whisper/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeys(t *testing.T) {
	assert.Equal(t, "whisper:presence:42", presenceKey(42))
	assert.Equal(t, "whisper:last_seen:42", lastSeenKey(42))
}

func TestParseMillis(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, parseMillis("1740830400000").Equal(at))
	assert.True(t, parseMillis("junk").IsZero())
	assert.True(t, parseMillis("0").IsZero())
}

func newMirror(t *testing.T, srv *miniredis.Miniredis, node string) *RedisMirror {
	t.Helper()
	m, err := NewRedisMirror(context.Background(), config.Redis{Addr: srv.Addr(), TTL: time.Minute}, node)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestRedisMirror_OnlineOffline(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	m := newMirror(t, srv, "node-a")

	require.NoError(t, m.SetOnline(ctx, 1))
	owner, err := srv.Get(presenceKey(1))
	require.NoError(t, err)
	assert.Equal(t, "node-a", owner)
	assert.Equal(t, time.Minute, srv.TTL(presenceKey(1)))

	online, _, err := m.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.True(t, online)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.SetOffline(ctx, 1, at))
	assert.False(t, srv.Exists(presenceKey(1)))

	online, last, err := m.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.False(t, online)
	assert.True(t, last.Equal(at))
}

func TestRedisMirror_OfflineKeepsOtherNodesSession(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	a := newMirror(t, srv, "node-a")
	b := newMirror(t, srv, "node-b")

	require.NoError(t, a.SetOnline(ctx, 1))
	require.NoError(t, b.SetOnline(ctx, 1))

	released, err := a.release(ctx, 1, time.Now())
	require.NoError(t, err)
	assert.False(t, released)

	online, _, err := b.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.True(t, online, "node-b still holds the user")

	released, err = b.release(ctx, 1, time.Now())
	require.NoError(t, err)
	assert.True(t, released)
	assert.False(t, srv.Exists(presenceKey(1)))
}

func TestRedisMirror_TouchRecreatesExpiredKey(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	m := newMirror(t, srv, "node-a")

	require.NoError(t, m.SetOnline(ctx, 1))
	srv.FastForward(2 * time.Minute)
	assert.False(t, srv.Exists(presenceKey(1)))

	online, last, err := m.Lookup(ctx, 1)
	require.NoError(t, err)
	assert.False(t, online)
	assert.True(t, last.IsZero())

	require.NoError(t, m.Touch(ctx, 1))
	assert.True(t, srv.Exists(presenceKey(1)))
	assert.Equal(t, time.Minute, srv.TTL(presenceKey(1)))
}

func TestNewRedisMirror_Unreachable(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	_, err := NewRedisMirror(context.Background(), config.Redis{Addr: addr}, "node-a")
	assert.Error(t, err)
}
