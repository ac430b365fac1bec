package ratelimit

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/spendgate/internal/storage"
	"github.com/mattjoyce/spendgate/internal/storage/storagetest"
)

var windowStart = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type testLimiter interface {
	Limiter
	SetLimit(int)
}

func newSQL(t *testing.T, limit int, c *clock) testLimiter {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	l := NewSQLLimiter(db, limit)
	l.now = c.Now
	return l
}

func newRedis(t *testing.T, limit int, c *clock) testLimiter {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l := NewRedisLimiter(client, limit)
	l.now = c.Now
	return l
}

func newPostgres(t *testing.T, limit int, c *clock) testLimiter {
	t.Helper()
	l := NewSQLLimiter(storagetest.Postgres(t), limit)
	l.now = c.Now
	return l
}

// Postgres is skipped unless storagetest.PostgresURLEnv is set.
var backends = map[string]func(*testing.T, int, *clock) testLimiter{
	"sql":      newSQL,
	"postgres": newPostgres,
	"redis":    newRedis,
}

func grants(t *testing.T, l Limiter, credential string, n int) int {
	t.Helper()
	granted := 0
	for i := 0; i < n; i++ {
		ok, err := l.Acquire(context.Background(), credential)
		require.NoError(t, err)
		if ok {
			granted++
		}
	}
	return granted
}

func TestLimitWithinWindow(t *testing.T) {
	for name, newLimiter := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: windowStart.Add(time.Minute)}
			l := newLimiter(t, 3, c)
			assert.Equal(t, 3, grants(t, l, "acct", 5))
			// Other credentials have their own quota.
			assert.Equal(t, 3, grants(t, l, "other", 5))
		})
	}
}

func TestRollingHourAcrossWindowBoundary(t *testing.T) {
	for name, newLimiter := range backends {
		t.Run(name, func(t *testing.T) {
			const limit = 20
			burst := windowStart.Add(-time.Second)
			c := &clock{t: burst}
			l := newLimiter(t, limit, c)
			require.Equal(t, limit, grants(t, l, "acct", limit))

			// Any hour starting at the burst already holds the full quota.
			total := limit
			for at := burst.Add(10 * time.Second); at.Before(burst.Add(Window)); at = at.Add(10 * time.Second) {
				c.Set(at)
				total += grants(t, l, "acct", 1)
			}
			assert.Equal(t, limit, total)

			// A full hour after the burst those grants have left the window.
			c.Set(burst.Add(Window))
			assert.Equal(t, limit, grants(t, l, "acct", limit+5))
		})
	}
}

func TestRollingHourSpreadGrants(t *testing.T) {
	for name, newLimiter := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: windowStart.Add(50 * time.Minute)}
			l := newLimiter(t, 3, c)
			require.Equal(t, 2, grants(t, l, "acct", 2))

			c.Set(windowStart.Add(80 * time.Minute))
			require.Equal(t, 1, grants(t, l, "acct", 3))

			// The first two leave the window at 10:50, the last at 11:20.
			c.Set(windowStart.Add(109 * time.Minute))
			assert.Zero(t, grants(t, l, "acct", 1))
			c.Set(windowStart.Add(110 * time.Minute))
			assert.Equal(t, 2, grants(t, l, "acct", 5))
		})
	}
}

func TestConcurrentAcquireNeverExceedsLimit(t *testing.T) {
	for name, newLimiter := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: windowStart.Add(time.Minute)}
			l := newLimiter(t, 10, c)

			var granted atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := l.Acquire(context.Background(), "acct")
					if err == nil && ok {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(10), granted.Load())
		})
	}
}

func TestSetLimit(t *testing.T) {
	for name, newLimiter := range backends {
		t.Run(name, func(t *testing.T) {
			c := &clock{t: windowStart.Add(time.Minute)}
			l := newLimiter(t, 2, c)
			require.Equal(t, 2, grants(t, l, "acct", 4))
			l.SetLimit(4)
			assert.Equal(t, 2, grants(t, l, "acct", 4))
		})
	}
}

func TestRedisLimitersShareQuota(t *testing.T) {
	mr := miniredis.RunT(t)
	c := &clock{t: windowStart.Add(time.Minute)}

	var total int
	for i := 0; i < 2; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		l := NewRedisLimiter(client, 5)
		l.now = c.Now
		total += grants(t, l, "acct", 4)
	}
	assert.Equal(t, 5, total)

	key := Key("acct")
	require.True(t, mr.Exists(key))
	members, err := mr.ZMembers(key)
	require.NoError(t, err)
	assert.Len(t, members, 5)
	assert.Equal(t, Window, mr.TTL(key))
}

func TestPruneExpired(t *testing.T) {
	c := &clock{t: windowStart}
	l := newSQL(t, 5, c).(*SQLLimiter)
	require.Equal(t, 1, grants(t, l, "acct", 1))
	c.Set(windowStart.Add(30 * time.Minute))
	require.Equal(t, 1, grants(t, l, "acct", 1))

	n, err := l.PruneExpired(context.Background(), windowStart.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = l.PruneExpired(context.Background(), windowStart.Add(Window))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// Pruning never frees quota that is still inside the window.
	c.Set(windowStart.Add(Window))
	assert.Equal(t, 4, grants(t, l, "acct", 10))
}

func TestKeyUsesClusterHashTag(t *testing.T) {
	assert.Equal(t, "rate:{acct}", Key("acct"))
	assert.Equal(t, "rate:{meta:act_42}", Key("meta:act_42"))
}
