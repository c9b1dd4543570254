package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// valueOfTokens returns a string whose JSON encoding is exactly 4*tokens bytes.
func valueOfTokens(tokens int) string {
	return strings.Repeat("v", tokens*4-2)
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *testClock) {
	t.Helper()
	clock := newTestClock()
	return NewCache(cfg, WithClock(clock.Now), WithLogger(zaptest.NewLogger(t))), clock
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		value any
		want  int
	}{
		{"abcd", 2},
		{"", 1},
		{strings.Repeat("v", 20000), 5001},
		{strings.Repeat("v", 60000), 15001},
		{map[string]int{"a": 1}, 2},
	}
	for _, tt := range tests {
		got, err := EstimateTokens(tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCache_EvictsTwoOldestOverBudget(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())
	value := strings.Repeat("v", 60000)

	var evicted []string
	for i := 1; i <= 5; i++ {
		res := cache.Store(fmt.Sprintf("k%d", i), value, BucketTransient, "")
		require.True(t, res.Stored(), "store %d", i)
		evicted = append(evicted, res.Evicted...)
		clock.Advance(time.Second)
	}

	assert.Equal(t, []string{"k1", "k2"}, evicted)
	for _, key := range []string{"k1", "k2"} {
		_, ok := cache.Retrieve(key)
		assert.False(t, ok, key)
	}
	for _, key := range []string{"k3", "k4", "k5"} {
		v, ok := cache.Retrieve(key)
		assert.True(t, ok, key)
		assert.Equal(t, value, v)
	}
	assert.LessOrEqual(t, cache.Stats().TotalTokens, DefaultTotalTokenCap)
}

func TestCache_SmallValuesStayWithinBudget(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())
	value := strings.Repeat("v", 20000)

	for i := 1; i <= 5; i++ {
		res := cache.Store(fmt.Sprintf("k%d", i), value, BucketTransient, "")
		require.True(t, res.Stored())
		assert.Empty(t, res.Evicted)
		clock.Advance(time.Second)
	}
	assert.Equal(t, 5*5001, cache.Stats().TotalTokens)
	assert.Equal(t, 5, cache.Stats().Entries)
}

func TestCache_SensitiveQuotaRejects(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())

	res := cache.Store("api-key", valueOfTokens(4000), BucketSensitive, "credentials")
	require.Equal(t, StoreStored, res.Status)

	before := cache.Stats()
	res = cache.Store("token", valueOfTokens(1001), BucketSensitive, "")
	assert.Equal(t, StoreRejected, res.Status)
	require.Error(t, res.Err)
	assert.True(t, faults.Is(res.Err, faults.KindCapacity))
	assert.ErrorIs(t, res.Err, ErrSensitiveQuota)

	after := cache.Stats()
	assert.Equal(t, before.Buckets[BucketSensitive], after.Buckets[BucketSensitive])
	assert.Equal(t, int64(1), after.Rejections)
	_, ok := cache.Retrieve("token")
	assert.False(t, ok)

	// Exactly at the ceiling is allowed.
	res = cache.Store("token", valueOfTokens(1000), BucketSensitive, "")
	assert.Equal(t, StoreStored, res.Status)
	assert.Equal(t, DefaultSensitiveTokenCap, cache.Stats().Buckets[BucketSensitive].Tokens)
}

func TestCache_SensitiveNeverExceedsQuota(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())

	sizes := []int{700, 1200, 3000, 50, 900, 2500, 400, 1, 1800, 600}
	for i, size := range sizes {
		key := fmt.Sprintf("s%d", i%4)
		before := cache.Stats().Buckets[BucketSensitive]
		res := cache.Store(key, valueOfTokens(size), BucketSensitive, "")
		after := cache.Stats().Buckets[BucketSensitive]

		assert.LessOrEqual(t, after.Tokens, DefaultSensitiveTokenCap)
		if res.Status == StoreRejected {
			assert.Equal(t, before, after, "rejected store %d changed state", i)
		}
		clock.Advance(time.Minute)
	}
}

func TestCache_SensitiveEntriesAreNeverAutoEvicted(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())

	require.True(t, cache.Store("secret", valueOfTokens(4000), BucketSensitive, "").Stored())
	clock.Advance(time.Second)
	for i := 1; i <= 3; i++ {
		cache.Store(fmt.Sprintf("t%d", i), valueOfTokens(20000), BucketDecision, "")
		clock.Advance(time.Second)
	}

	_, ok := cache.Retrieve("secret")
	assert.True(t, ok)
	_, ok = cache.Retrieve("t1")
	assert.False(t, ok)
	assert.Equal(t, 44000, cache.Stats().TotalTokens)
}

func TestCache_EvictionFollowsLastAccess(t *testing.T) {
	cache, clock := newTestCache(t, Config{TotalTokenCap: 30, SensitiveTokenCap: 10})

	for _, key := range []string{"a", "b", "c"} {
		require.True(t, cache.Store(key, valueOfTokens(10), BucketTransient, "").Stored())
		clock.Advance(time.Second)
	}
	_, ok := cache.Retrieve("a")
	require.True(t, ok)
	clock.Advance(time.Second)

	res := cache.Store("d", valueOfTokens(10), BucketTransient, "")
	assert.Equal(t, []string{"b"}, res.Evicted)

	res = cache.Store("e", valueOfTokens(10), BucketTransient, "")
	assert.Equal(t, []string{"c"}, res.Evicted)
	assert.Equal(t, []string{"a", "d", "e"}, cache.Keys(BucketTransient))
}

func TestCache_UpdateReplacesTokenAccounting(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())

	require.Equal(t, StoreStored, cache.Store("k", valueOfTokens(100), BucketDecision, "").Status)
	res := cache.Store("k", valueOfTokens(10), BucketDecision, "")
	assert.Equal(t, StoreUpdated, res.Status)

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, 10, stats.TotalTokens)
	assert.Equal(t, 10, stats.Buckets[BucketDecision].Tokens)
}

func TestCache_ExpiredEntryIsMissAndEvictedOnce(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())
	cache.Store("k", "v", BucketTransient, "")

	clock.Advance(DefaultTransientTTL)
	_, ok := cache.Retrieve("k")
	assert.True(t, ok, "entry at exactly its TTL is still valid")

	clock.Advance(time.Nanosecond)
	_, ok = cache.Retrieve("k")
	assert.False(t, ok)
	_, ok = cache.Retrieve("k")
	assert.False(t, ok)

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 0, stats.Entries)
}

func TestCache_BucketTTLs(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())
	cache.Store("t", "v", BucketTransient, "")
	cache.Store("d", "v", BucketDecision, "")
	cache.Store("s", "v", BucketSensitive, "")

	clock.Advance(2 * time.Hour)
	_, ok := cache.Retrieve("t")
	assert.False(t, ok)
	_, ok = cache.Retrieve("d")
	assert.True(t, ok)

	clock.Advance(24 * time.Hour)
	_, ok = cache.Retrieve("d")
	assert.False(t, ok)
	_, ok = cache.Retrieve("s")
	assert.True(t, ok)

	clock.Advance(7 * 24 * time.Hour)
	_, ok = cache.Retrieve("s")
	assert.False(t, ok)
}

func TestCache_Evict(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())
	cache.Store("s", "v", BucketSensitive, "")

	assert.True(t, cache.Evict("s"))
	assert.False(t, cache.Evict("s"))
	assert.Equal(t, 0, cache.Stats().Buckets[BucketSensitive].Tokens)
}

func TestCache_UnknownBucket(t *testing.T) {
	cache, _ := newTestCache(t, DefaultConfig())

	res := cache.Store("k", "v", Bucket("scratch"), "")
	assert.Equal(t, StoreRejected, res.Status)
	assert.True(t, faults.Is(res.Err, faults.KindValidation))
	assert.ErrorIs(t, res.Err, ErrUnknownBucket)
}

func TestCache_EntryLargerThanBudgetIsRejected(t *testing.T) {
	cache, _ := newTestCache(t, Config{TotalTokenCap: 100, SensitiveTokenCap: 20})
	cache.Store("small", valueOfTokens(10), BucketTransient, "")

	res := cache.Store("huge", valueOfTokens(101), BucketTransient, "")
	assert.Equal(t, StoreRejected, res.Status)
	assert.ErrorIs(t, res.Err, ErrEntryTooLarge)
	_, ok := cache.Retrieve("small")
	assert.True(t, ok)
}

func TestCache_ExportImportDropsExpired(t *testing.T) {
	cache, clock := newTestCache(t, DefaultConfig())
	cache.Store("t", "transient value", BucketTransient, "")
	cache.Store("d", "decision value", BucketDecision, "agreed")
	cache.Store("s", "sensitive value", BucketSensitive, "")

	exported := cache.ExportState()
	require.Len(t, exported, 3)

	fresh := NewCache(DefaultConfig(), WithClock(clock.Now))
	assert.Equal(t, 3, fresh.ImportState(exported))
	assert.Equal(t, cache.ExportState(), fresh.ExportState())

	clock.Advance(90 * time.Minute)
	later := NewCache(DefaultConfig(), WithClock(clock.Now))
	assert.Equal(t, 2, later.ImportState(exported))
	assert.Equal(t, []string{"d"}, later.Keys(BucketDecision))
	assert.Empty(t, later.Keys(BucketTransient))

	v, ok := later.Retrieve("d")
	require.True(t, ok)
	assert.Equal(t, "decision value", v)
}

func TestCache_SaveAndLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "cache.json")

	cache, clock := newTestCache(t, DefaultConfig())
	cache.Store("d", map[string]any{"choice": "postgres"}, BucketDecision, "")
	cache.Store("t", "scratch", BucketTransient, "")
	require.NoError(t, cache.SaveFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded := NewCache(DefaultConfig(), WithClock(clock.Now))
	n, err := loaded.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	v, ok := loaded.Retrieve("d")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"choice": "postgres"}, v)
}

func TestCache_LoadFileMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	cache, _ := newTestCache(t, DefaultConfig())

	n, err := cache.LoadFile(filepath.Join(dir, "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0600))
	_, err = cache.LoadFile(bad)
	assert.ErrorIs(t, err, ErrSnapshotCorrupted)
}

func TestCache_Metrics(t *testing.T) {
	m := NewMetrics()
	clock := newTestClock()
	cache := NewCache(DefaultConfig(), WithClock(clock.Now), WithMetrics(m))

	hits := testutil.ToFloat64(m.HitsTotal)
	misses := testutil.ToFloat64(m.MissesTotal)
	rejections := testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(string(BucketSensitive)))

	cache.Store("k", "v", BucketDecision, "")
	cache.Retrieve("k")
	cache.Retrieve("absent")
	cache.Store("big", valueOfTokens(DefaultSensitiveTokenCap+1), BucketSensitive, "")

	assert.Equal(t, hits+1, testutil.ToFloat64(m.HitsTotal))
	assert.Equal(t, misses+1, testutil.ToFloat64(m.MissesTotal))
	assert.Equal(t, rejections+1, testutil.ToFloat64(m.RejectionsTotal.WithLabelValues(string(BucketSensitive))))
	assert.Same(t, m, NewMetrics())
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.SensitiveTokenCap = cfg.TotalTokenCap + 1
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.DecisionTTL = 0
	assert.Error(t, cfg.Validate())
}
