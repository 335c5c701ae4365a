package ratelimit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func stores(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"sqlite": func() Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "quota.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestCheckRateLimit(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := mk()
			defer store.Close()
			c := &clock{t: time.UnixMilli(1_700_000_000_000)}
			l := New(WithStore(store), WithClock(c.now))

			info, err := l.CheckRateLimit(ctx, "a")
			require.NoError(t, err)
			assert.False(t, info.IsLimited)
			assert.Equal(t, 59, info.Remaining)
			assert.Equal(t, c.t.Add(DefaultWindow).UnixMilli(), info.ResetTime)

			for i := 2; i <= DefaultLimit; i++ {
				info, err = l.CheckRateLimit(ctx, "a")
				require.NoError(t, err)
				require.False(t, info.IsLimited, "call %d", i)
			}
			assert.Equal(t, 0, info.Remaining)

			info, err = l.CheckRateLimit(ctx, "a")
			require.NoError(t, err)
			assert.True(t, info.IsLimited)
			assert.Equal(t, 0, info.Remaining)
			assert.Equal(t, c.t.Add(DefaultWindow).UnixMilli(), info.ResetTime)

			other, err := l.CheckRateLimit(ctx, "b")
			require.NoError(t, err)
			assert.False(t, other.IsLimited)
			assert.Equal(t, 59, other.Remaining)

			c.advance(DefaultWindow)
			info, err = l.CheckRateLimit(ctx, "a")
			require.NoError(t, err)
			assert.False(t, info.IsLimited, "window reset")
			assert.Equal(t, 59, info.Remaining)
		})
	}
}

func TestCleanupRateLimits(t *testing.T) {
	for name, mk := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := mk()
			defer store.Close()
			c := &clock{t: time.UnixMilli(1_700_000_000_000)}
			l := New(WithStore(store), WithClock(c.now))

			_, err := l.CheckRateLimit(ctx, "old")
			require.NoError(t, err)
			c.advance(90 * time.Second)
			_, err = l.CheckRateLimit(ctx, "new")
			require.NoError(t, err)

			// "old" expired 30s ago: kept until a full window has passed.
			n, err := l.CleanupRateLimits(ctx)
			require.NoError(t, err)
			assert.Equal(t, 0, n)

			c.advance(31 * time.Second)
			n, err = l.CleanupRateLimits(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestGetOrCreateSessionID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session")
	l := New(WithSessionStore(&FileSessionStore{Path: path}))

	id := l.GetOrCreateSessionID()
	assert.True(t, strings.HasPrefix(id, "session_"))
	assert.Equal(t, id, l.GetOrCreateSessionID())

	again := New(WithSessionStore(&FileSessionStore{Path: path}))
	assert.Equal(t, id, again.GetOrCreateSessionID(), "id persisted across limiters")

	rotated, err := again.RotateSessionID()
	require.NoError(t, err)
	assert.NotEqual(t, id, rotated)
	assert.Equal(t, rotated, again.GetOrCreateSessionID())
}

func TestGenerateSessionIDUnique(t *testing.T) {
	assert.NotEqual(t, GenerateSessionID(), GenerateSessionID())
}

func TestStartSweeperRejectsBadSpec(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	assert.Error(t, New().StartSweeper(ctx, "not a schedule"))
	assert.NoError(t, New().StartSweeper(ctx, ""))
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
