package prefetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebulakv/pkg/config"
	"github.com/ajitpratap0/nebulakv/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebulakv/pkg/store"
	"github.com/ajitpratap0/nebulakv/pkg/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testPrefetchConfig disables the background loop so tests drive maintain().
func testPrefetchConfig() config.PrefetchConfig {
	cfg := config.Default().Prefetch
	cfg.BackgroundRefreshInterval = 0
	return cfg
}

func newTestCache(t *testing.T, cfg config.PrefetchConfig, provider ConnProvider) (*Cache, *fakeClock) {
	t.Helper()
	c, err := New(cfg, provider, testutil.TestLogger(t))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c.now = clock.Now
	return c, clock
}

func newConn(t *testing.T, ms *testutil.MemoryStore) *testutil.MemoryConn {
	t.Helper()
	conn, err := ms.Dialer()(context.Background())
	require.NoError(t, err)
	return conn.(*testutil.MemoryConn)
}

func providerFor(conn store.Conn) ConnProvider {
	return func(context.Context) (store.Conn, func(), error) {
		return conn, func() {}, nil
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testPrefetchConfig()
	cfg.PopularityDecayFactor = 1.5
	_, err := New(cfg, nil, nil)
	require.Error(t, err)
	assert.True(t, nebulaerrors.IsType(err, nebulaerrors.ErrorTypeConfig))
}

func TestCache_GetCachesValues(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("user:1", "ada")
	conn := newConn(t, ms)
	c, _ := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	v, ok, err := c.Get(ctx, conn, "user:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ada", v)

	v, ok, err = c.Get(ctx, conn, "user:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ada", v)
	assert.Equal(t, int64(1), ms.Gets.Load())

	m := c.GetMetrics()
	assert.Equal(t, int64(1), m.Hits)
	assert.Equal(t, int64(1), m.Misses)
	assert.Equal(t, 0.5, m.HitRate)
	assert.Equal(t, 1, m.Entries)
	assert.Greater(t, m.Bytes, int64(0))
}

func TestCache_AbsentKeysAreNotCached(t *testing.T) {
	ms := testutil.NewMemoryStore()
	conn := newConn(t, ms)
	c, _ := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, ok, err := c.Get(ctx, conn, "missing")
		require.NoError(t, err)
		assert.False(t, ok)
	}
	assert.Equal(t, int64(2), ms.Gets.Load())
	assert.Equal(t, 0, c.GetMetrics().Entries)
}

func TestCache_ExpiredEntriesAreNeverReturned(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("k", "v1")
	conn := newConn(t, ms)
	c, clock := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	_, _, err := c.Get(ctx, conn, "k")
	require.NoError(t, err)
	ms.Put("k", "v2")

	clock.Advance(c.cfg.TTL)

	v, _, err := c.Get(ctx, conn, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
	assert.Equal(t, int64(2), ms.Gets.Load())
}

func TestCache_GetSurfacesStoreErrors(t *testing.T) {
	ms := testutil.NewMemoryStore()
	conn := newConn(t, ms)
	conn.Break(errors.New("LOADING Redis is loading the dataset in memory"))
	c, _ := newTestCache(t, testPrefetchConfig(), nil)

	_, _, err := c.Get(context.Background(), conn, "k")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOADING")
	assert.Equal(t, 0, c.GetMetrics().Entries)
}

func TestCache_MGetFetchesOnlyMisses(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("a", "1")
	ms.Put("b", "2")
	conn := newConn(t, ms)
	c, _ := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	_, _, err := c.Get(ctx, conn, "a")
	require.NoError(t, err)

	replies, err := c.MGet(ctx, conn, []string{"a", "b", "missing", "b"})
	require.NoError(t, err)
	require.Len(t, replies, 4)
	assert.Equal(t, "1", replies[0].Str)
	assert.Equal(t, "2", replies[1].Str)
	assert.True(t, replies[2].Nil)
	assert.Equal(t, "2", replies[3].Str)
	assert.Equal(t, int64(1), ms.MGets.Load())

	// everything present is now cached
	replies, err = c.MGet(ctx, conn, []string{"b", "a"})
	require.NoError(t, err)
	assert.Equal(t, "2", replies[0].Str)
	assert.Equal(t, "1", replies[1].Str)
	assert.Equal(t, int64(1), ms.MGets.Load())
}

func TestCache_MGetSurfacesStoreErrors(t *testing.T) {
	ms := testutil.NewMemoryStore()
	conn := newConn(t, ms)
	conn.Break(store.ErrConnClosed)
	c, _ := newTestCache(t, testPrefetchConfig(), nil)

	_, err := c.MGet(context.Background(), conn, []string{"a"})
	assert.ErrorIs(t, err, store.ErrConnClosed)
}

func TestCache_EvictsLeastPopularFirst(t *testing.T) {
	ms := testutil.NewMemoryStore()
	for _, k := range []string{"a", "b", "c", "d"} {
		ms.Put(k, "value-"+k)
	}
	conn := newConn(t, ms)
	cfg := testPrefetchConfig()
	cfg.MaxCacheSize = 3
	c, clock := newTestCache(t, cfg, nil)
	ctx := context.Background()

	get := func(key string, times int) {
		for i := 0; i < times; i++ {
			_, _, err := c.Get(ctx, conn, key)
			require.NoError(t, err)
		}
		clock.Advance(time.Millisecond)
	}
	get("a", 4)
	get("b", 2)
	get("c", 2)
	get("d", 1)

	m := c.GetMetrics()
	assert.Equal(t, 3, m.Entries)
	assert.Equal(t, int64(1), m.Evictions)

	c.mu.Lock()
	_, hasA := c.entries["a"]
	_, hasB := c.entries["b"]
	_, hasC := c.entries["c"]
	_, hasD := c.entries["d"]
	c.mu.Unlock()

	// b and c tie on popularity, the older one goes
	assert.True(t, hasA)
	assert.False(t, hasB)
	assert.True(t, hasC)
	assert.True(t, hasD)
}

func TestCache_ByteBound(t *testing.T) {
	ms := testutil.NewMemoryStore()
	conn := newConn(t, ms)
	cfg := testPrefetchConfig()
	cfg.MaxCacheBytes = 3 * (entryOverhead + 2 + 100)
	c, _ := newTestCache(t, cfg, nil)
	ctx := context.Background()

	value := string(make([]byte, 100))
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("k%d", i)
		ms.Put(key, value)
		_, _, err := c.Get(ctx, conn, key)
		require.NoError(t, err)
		assert.LessOrEqual(t, c.GetMetrics().Bytes, cfg.MaxCacheBytes)
	}
	assert.Equal(t, 3, c.GetMetrics().Entries)

	// a single value larger than the whole bound is not kept
	ms.Put("huge", string(make([]byte, 1024)))
	v, ok, err := c.Get(ctx, conn, "huge")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, v, 1024)
	assert.LessOrEqual(t, c.GetMetrics().Bytes, cfg.MaxCacheBytes)
}

func TestCache_MaintenanceDecaysAndPurges(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("hot", "1")
	ms.Put("cold", "2")
	conn := newConn(t, ms)
	c, clock := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_, _, err := c.Get(ctx, conn, "hot")
		require.NoError(t, err)
	}
	c.maintain(ctx)

	c.mu.Lock()
	assert.InDelta(t, 10*c.cfg.PopularityDecayFactor, c.entries["hot"].popularity, 1e-9)
	c.mu.Unlock()

	clock.Advance(c.cfg.TTL / 2)
	_, _, err := c.Get(ctx, conn, "cold")
	require.NoError(t, err)

	clock.Advance(c.cfg.TTL / 2)
	c.maintain(ctx)

	c.mu.Lock()
	_, hasHot := c.entries["hot"]
	_, hasCold := c.entries["cold"]
	c.mu.Unlock()
	assert.False(t, hasHot)
	assert.True(t, hasCold)
}

func TestCache_RefreshesHotKeysNearExpiry(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("hot", "v1")
	ms.Put("gone", "x")
	ms.Put("lukewarm", "w1")
	conn := newConn(t, ms)
	c, clock := newTestCache(t, testPrefetchConfig(), providerFor(conn))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		for _, k := range []string{"hot", "gone"} {
			_, _, err := c.Get(ctx, conn, k)
			require.NoError(t, err)
		}
	}
	_, _, err := c.Get(ctx, conn, "lukewarm")
	require.NoError(t, err)

	ms.Put("hot", "v2")
	ms.Put("lukewarm", "w2")
	_, err = conn.Exec(ctx, []store.Command{{Op: store.OpDel, Key: "gone"}})
	require.NoError(t, err)

	clock.Advance(c.cfg.TTL - c.cfg.RefreshWindow/2)
	c.maintain(ctx)

	gets := ms.Gets.Load()
	v, ok, err := c.Get(ctx, conn, "hot")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
	assert.Equal(t, gets, ms.Gets.Load(), "refreshed key must be served from cache")

	v, _, err = c.Get(ctx, conn, "lukewarm")
	require.NoError(t, err)
	assert.Equal(t, "w1", v, "cold keys are not refreshed")

	c.mu.Lock()
	_, hasGone := c.entries["gone"]
	c.mu.Unlock()
	assert.False(t, hasGone)
	assert.Equal(t, int64(1), c.GetMetrics().Refreshes)

	// refreshed entry got a fresh TTL
	clock.Advance(c.cfg.RefreshWindow)
	_, _, err = c.Get(ctx, conn, "hot")
	require.NoError(t, err)
	assert.Equal(t, gets, ms.Gets.Load())
}

func TestCache_ConcurrentMissesShareOneRead(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("k", "v")
	conn := &gatedConn{MemoryConn: newConn(t, ms), gate: make(chan struct{})}
	c, _ := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, ok, err := c.Get(ctx, conn, "k")
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", v)
		}()
	}

	testutil.AssertEventually(t, func() bool { return conn.calls.Load() == 1 }, time.Second, "no read started")
	time.Sleep(50 * time.Millisecond)
	close(conn.gate)
	wg.Wait()

	assert.Equal(t, int32(1), conn.calls.Load())
}

// gatedConn blocks Get until gate is closed.
type gatedConn struct {
	*testutil.MemoryConn
	gate  chan struct{}
	calls atomic.Int32
}

func (c *gatedConn) Get(ctx context.Context, key string) (string, bool, error) {
	c.calls.Add(1)
	<-c.gate
	return c.MemoryConn.Get(ctx, key)
}

// parkedConn reads from the store, then parks Get until release is closed.
type parkedConn struct {
	*testutil.MemoryConn
	entered chan struct{}
	release chan struct{}
}

func (c *parkedConn) Get(ctx context.Context, key string) (string, bool, error) {
	v, found, err := c.MemoryConn.Get(ctx, key)
	close(c.entered)
	<-c.release
	return v, found, err
}

func TestCache_ReadOverlappingInvalidateIsNotCached(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("user:1", "old")
	c, _ := newTestCache(t, testPrefetchConfig(), nil)
	gated := &parkedConn{
		MemoryConn: newConn(t, ms),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	ctx := context.Background()

	got := make(chan string, 1)
	go func() {
		v, _, err := c.Get(ctx, gated, "user:1")
		assert.NoError(t, err)
		got <- v
	}()

	<-gated.entered
	ms.Put("user:1", "new")
	c.Invalidate("user:1")
	close(gated.release)
	assert.Equal(t, "old", <-got)

	assert.Equal(t, 0, c.GetMetrics().Entries)
	v, found, err := c.Get(ctx, newConn(t, ms), "user:1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "new", v)
}

func TestCache_InvalidateAndPatterns(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("user:1", "a")
	ms.Put("user:2", "b")
	ms.Put("order:9", "c")
	conn := newConn(t, ms)
	c, _ := newTestCache(t, testPrefetchConfig(), nil)
	ctx := context.Background()

	for _, k := range []string{"user:1", "user:2", "order:9"} {
		_, _, err := c.Get(ctx, conn, k)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, c.GetMetrics().AccessPatterns)

	c.Invalidate("user:1")
	c.Invalidate("never-cached")
	assert.Equal(t, 2, c.GetMetrics().Entries)

	_, _, err := c.Get(ctx, conn, "user:1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), ms.Gets.Load())
}

func TestCache_DisabledPassesThrough(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("k", "v")
	conn := newConn(t, ms)
	cfg := testPrefetchConfig()
	cfg.Enabled = false
	c, _ := newTestCache(t, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, ok, err := c.Get(ctx, conn, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", v)
	}
	replies, err := c.MGet(ctx, conn, []string{"k"})
	require.NoError(t, err)
	assert.Equal(t, "v", replies[0].Str)

	assert.Equal(t, int64(3), ms.Gets.Load())
	assert.Equal(t, 0, c.GetMetrics().Entries)
}

func TestCache_StopIsIdempotent(t *testing.T) {
	ms := testutil.NewMemoryStore()
	ms.Put("k", "v")
	conn := newConn(t, ms)

	cfg := config.Default().Prefetch
	cfg.BackgroundRefreshInterval = 5 * time.Millisecond
	c, err := New(cfg, providerFor(conn), testutil.TestLogger(t))
	require.NoError(t, err)

	_, _, err = c.Get(context.Background(), conn, "k")
	require.NoError(t, err)

	c.Stop()
	assert.NotPanics(t, c.Stop)
	assert.Equal(t, 0, c.GetMetrics().Entries)

	select {
	case <-c.done:
	default:
		t.Fatal("maintenance loop still running after Stop")
	}
}

func TestCache_CompressesLargeValues(t *testing.T) {
	for _, codec := range []string{"s2", "lz4", "zstd"} {
		t.Run(codec, func(t *testing.T) {
			ms := testutil.NewMemoryStore()
			large := strings.Repeat("embedding-metadata;", 200)
			ms.Put("large", large)
			ms.Put("small", "v")
			conn := newConn(t, ms)

			cfg := testPrefetchConfig()
			cfg.Compression = codec
			cfg.CompressMinBytes = 256
			c, _ := newTestCache(t, cfg, nil)

			for i := 0; i < 2; i++ {
				v, found, err := c.Get(context.Background(), conn, "large")
				require.NoError(t, err)
				require.True(t, found)
				assert.Equal(t, large, v)
			}
			_, _, err := c.Get(context.Background(), conn, "small")
			require.NoError(t, err)

			m := c.GetMetrics()
			assert.Equal(t, 1, m.Compressed)
			assert.Equal(t, int64(1), m.Hits)
			assert.Less(t, m.Bytes, int64(len(large)))

			c.Invalidate("large")
			assert.Equal(t, 0, c.GetMetrics().Compressed)
		})
	}
}

func TestCache_CompressionDisabled(t *testing.T) {
	ms := testutil.NewMemoryStore()
	large := strings.Repeat("x", 4096)
	ms.Put("large", large)
	conn := newConn(t, ms)

	cfg := testPrefetchConfig()
	cfg.Compression = "none"
	c, _ := newTestCache(t, cfg, nil)

	_, _, err := c.Get(context.Background(), conn, "large")
	require.NoError(t, err)
	assert.Equal(t, 0, c.GetMetrics().Compressed)
	assert.Greater(t, c.GetMetrics().Bytes, int64(len(large)))
}
