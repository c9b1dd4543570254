// Package memory provides the shared memory cache used to carry decisions and
// context across cycles.
//
// Entries live in one of three buckets. Transient and decision entries expire
// by TTL and are evicted least-recently-accessed first once the total token
// budget is exceeded. Sensitive entries have their own hard token ceiling,
// are rejected on overflow and are only ever removed by TTL or Evict.
//
// Example usage:
//
//	cache := memory.NewCache(memory.DefaultConfig())
//	res := cache.Store("decision:auth", "use JWT", memory.BucketDecision, "agreed in run 4")
//	if res.Status == memory.StoreRejected {
//		// handle capacity
//	}
//	v, ok := cache.Retrieve("decision:auth")
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/roundtable/internal/faults"
	"go.uber.org/zap"
)

// Bucket is a cache partition with its own TTL and eviction policy.
type Bucket string

// Buckets.
const (
	BucketTransient Bucket = "transient"
	BucketDecision  Bucket = "decision"
	BucketSensitive Bucket = "sensitive"
)

// Buckets returns all buckets in a stable order.
func Buckets() []Bucket {
	return []Bucket{BucketTransient, BucketDecision, BucketSensitive}
}

// Defaults.
const (
	DefaultTotalTokenCap     = 50000
	DefaultSensitiveTokenCap = 5000
	DefaultTransientTTL      = time.Hour
	DefaultDecisionTTL       = 24 * time.Hour
	DefaultSensitiveTTL      = 7 * 24 * time.Hour
)

var (
	// ErrUnknownBucket is returned for a bucket name outside Buckets().
	ErrUnknownBucket = errors.New("unknown bucket")

	// ErrSensitiveQuota is returned when a sensitive store would exceed its ceiling.
	ErrSensitiveQuota = errors.New("sensitive bucket quota exceeded")

	// ErrEntryTooLarge is returned when an entry can never fit the total budget.
	ErrEntryTooLarge = errors.New("entry exceeds total token budget")
)

// Config configures the cache.
type Config struct {
	TotalTokenCap     int           `koanf:"total_token_cap"`
	SensitiveTokenCap int           `koanf:"sensitive_token_cap"`
	TransientTTL      time.Duration `koanf:"transient_ttl"`
	DecisionTTL       time.Duration `koanf:"decision_ttl"`
	SensitiveTTL      time.Duration `koanf:"sensitive_ttl"`

	// SnapshotPath is where the cache snapshot is persisted between runs.
	SnapshotPath string `koanf:"snapshot_path"`
}

// DefaultConfig returns the canonical 50k/5k budget with 1h/24h/7d TTLs.
func DefaultConfig() Config {
	return Config{
		TotalTokenCap:     DefaultTotalTokenCap,
		SensitiveTokenCap: DefaultSensitiveTokenCap,
		TransientTTL:      DefaultTransientTTL,
		DecisionTTL:       DefaultDecisionTTL,
		SensitiveTTL:      DefaultSensitiveTTL,
		SnapshotPath:      ".roundtable/cache.json",
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.TotalTokenCap <= 0 {
		return fmt.Errorf("total_token_cap must be positive, got %d", c.TotalTokenCap)
	}
	if c.SensitiveTokenCap <= 0 || c.SensitiveTokenCap > c.TotalTokenCap {
		return fmt.Errorf("sensitive_token_cap must be in (0, %d], got %d", c.TotalTokenCap, c.SensitiveTokenCap)
	}
	if c.TransientTTL <= 0 || c.DecisionTTL <= 0 || c.SensitiveTTL <= 0 {
		return errors.New("bucket TTLs must be positive")
	}
	return nil
}

func (c Config) ttl(b Bucket) (time.Duration, bool) {
	switch b {
	case BucketTransient:
		return c.TransientTTL, true
	case BucketDecision:
		return c.DecisionTTL, true
	case BucketSensitive:
		return c.SensitiveTTL, true
	default:
		return 0, false
	}
}

// Entry is a single cached value.
type Entry struct {
	Key            string        `json:"key"`
	Value          any           `json:"value"`
	Bucket         Bucket        `json:"bucket"`
	TokenCount     int           `json:"token_count"`
	CreatedAt      time.Time     `json:"created_at"`
	LastAccessedAt time.Time     `json:"last_accessed_at"`
	TTL            time.Duration `json:"ttl"`

	// Reason documents why the entry was stored. Never read by eviction.
	Reason string `json:"reason,omitempty"`

	seq uint64
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > e.TTL
}

// StoreStatus is the outcome of a Store call.
type StoreStatus string

// Store outcomes.
const (
	StoreStored   StoreStatus = "stored"
	StoreUpdated  StoreStatus = "updated"
	StoreRejected StoreStatus = "rejected"
)

// StoreResult reports what a Store call did. Rejections carry a
// faults.KindCapacity or faults.KindValidation error in Err.
type StoreResult struct {
	Status  StoreStatus
	Tokens  int
	Evicted []string
	Err     error
}

// Stored reports whether the value is now in the cache.
func (r StoreResult) Stored() bool {
	return r.Status == StoreStored || r.Status == StoreUpdated
}

// BucketStats is per-bucket usage.
type BucketStats struct {
	Entries int `json:"entries"`
	Tokens  int `json:"tokens"`
}

// Stats is a point-in-time view of cache usage and counters.
type Stats struct {
	Entries           int                    `json:"entries"`
	TotalTokens       int                    `json:"total_tokens"`
	TotalTokenCap     int                    `json:"total_token_cap"`
	SensitiveTokenCap int                    `json:"sensitive_token_cap"`
	Buckets           map[Bucket]BucketStats `json:"buckets"`
	Hits              int64                  `json:"hits"`
	Misses            int64                  `json:"misses"`
	Evictions         int64                  `json:"evictions"`
	Rejections        int64                  `json:"rejections"`
	HitRate           float64                `json:"hit_rate"`
}

// Cache is a token-budgeted, three-bucket cache with TTL and LRU eviction.
// It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry
	usage   map[Bucket]int
	seq     uint64

	hits, misses, evictions, rejections int64

	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces the cache clock.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// NewCache creates an empty cache. Zero config values fall back to defaults.
func NewCache(cfg Config, opts ...Option) *Cache {
	d := DefaultConfig()
	if cfg.TotalTokenCap <= 0 {
		cfg.TotalTokenCap = d.TotalTokenCap
	}
	if cfg.SensitiveTokenCap <= 0 {
		cfg.SensitiveTokenCap = d.SensitiveTokenCap
	}
	if cfg.TransientTTL <= 0 {
		cfg.TransientTTL = d.TransientTTL
	}
	if cfg.DecisionTTL <= 0 {
		cfg.DecisionTTL = d.DecisionTTL
	}
	if cfg.SensitiveTTL <= 0 {
		cfg.SensitiveTTL = d.SensitiveTTL
	}

	c := &Cache{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		usage:   make(map[Bucket]int),
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// EstimateTokens returns ceil(len(json(value)) / 4).
func EstimateTokens(value any) (int, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("serializing value: %w", err)
	}
	return (len(data) + 3) / 4, nil
}

// Store inserts or replaces key. Replacing a key swaps its token accounting.
//
// A sensitive store that would push the sensitive bucket over its ceiling is
// rejected and leaves the cache unchanged. A non-sensitive store that pushes
// the total over budget evicts non-sensitive entries, least recently accessed
// first, until the total is back within budget.
func (c *Cache) Store(key string, value any, bucket Bucket, reason string) StoreResult {
	ttl, ok := c.cfg.ttl(bucket)
	if !ok {
		return StoreResult{
			Status: StoreRejected,
			Err:    faults.New(faults.KindValidation, "cache.store", fmt.Errorf("%w: %q", ErrUnknownBucket, bucket)).With("key", key),
		}
	}
	tokens, err := EstimateTokens(value)
	if err != nil {
		return StoreResult{
			Status: StoreRejected,
			Err:    faults.New(faults.KindValidation, "cache.store", err).With("key", key),
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	existing := c.entries[key]

	if bucket == BucketSensitive {
		projected := c.usage[BucketSensitive] + tokens
		if existing != nil && existing.Bucket == BucketSensitive {
			projected -= existing.TokenCount
		}
		if projected > c.cfg.SensitiveTokenCap {
			return c.reject(key, bucket, tokens, fmt.Errorf("%w: %d + %d > %d tokens",
				ErrSensitiveQuota, c.usage[BucketSensitive], tokens, c.cfg.SensitiveTokenCap))
		}
	} else {
		room := c.cfg.TotalTokenCap - c.usage[BucketSensitive]
		if existing != nil && existing.Bucket == BucketSensitive {
			room += existing.TokenCount
		}
		if tokens > room {
			return c.reject(key, bucket, tokens, fmt.Errorf("%w: %d > %d tokens available",
				ErrEntryTooLarge, tokens, room))
		}
	}

	status := StoreStored
	if existing != nil {
		status = StoreUpdated
		c.remove(existing)
	}

	c.seq++
	entry := &Entry{
		Key:            key,
		Value:          value,
		Bucket:         bucket,
		TokenCount:     tokens,
		CreatedAt:      now,
		LastAccessedAt: now,
		TTL:            ttl,
		Reason:         reason,
		seq:            c.seq,
	}
	c.entries[key] = entry
	c.usage[bucket] += tokens

	evicted := c.enforceBudget()
	c.metrics.setUsage(c.bucketStats())

	return StoreResult{Status: status, Tokens: tokens, Evicted: evicted}
}

func (c *Cache) reject(key string, bucket Bucket, tokens int, err error) StoreResult {
	c.rejections++
	c.metrics.recordRejection(bucket)
	c.logger.Warn("cache store rejected",
		zap.String("key", key),
		zap.String("bucket", string(bucket)),
		zap.Int("tokens", tokens),
		zap.Error(err),
	)
	return StoreResult{
		Status: StoreRejected,
		Tokens: tokens,
		Err:    faults.New(faults.KindCapacity, "cache.store", err).With("key", key).With("bucket", string(bucket)),
	}
}

// enforceBudget evicts non-sensitive entries by ascending LastAccessedAt
// until the total is within budget. Caller holds c.mu.
func (c *Cache) enforceBudget() []string {
	if c.totalTokens() <= c.cfg.TotalTokenCap {
		return nil
	}

	candidates := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		if e.Bucket != BucketSensitive {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
			return a.LastAccessedAt.Before(b.LastAccessedAt)
		}
		return a.seq < b.seq
	})

	var evicted []string
	for _, e := range candidates {
		if c.totalTokens() <= c.cfg.TotalTokenCap {
			break
		}
		c.remove(e)
		c.evictions++
		c.metrics.recordEviction(e.Bucket, "lru")
		evicted = append(evicted, e.Key)
	}
	if len(evicted) > 0 {
		c.logger.Debug("cache entries evicted for budget",
			zap.Strings("keys", evicted),
			zap.Int("total_tokens", c.totalTokens()),
		)
	}
	return evicted
}

// Retrieve returns the value for key. Expired entries are deleted and count
// as both an eviction and a miss.
func (c *Cache) Retrieve(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.metrics.recordMiss()
		return nil, false
	}

	now := c.now()
	if e.expired(now) {
		c.remove(e)
		c.evictions++
		c.misses++
		c.metrics.recordEviction(e.Bucket, "ttl")
		c.metrics.recordMiss()
		c.metrics.setUsage(c.bucketStats())
		return nil, false
	}

	e.LastAccessedAt = now
	c.hits++
	c.metrics.recordHit()
	return e.Value, true
}

// Evict removes key. It returns false if the key was not present.
func (c *Cache) Evict(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return false
	}
	c.remove(e)
	c.evictions++
	c.metrics.recordEviction(e.Bucket, "manual")
	c.metrics.setUsage(c.bucketStats())
	return true
}

// Keys returns the keys held in bucket, sorted.
func (c *Cache) Keys(bucket Bucket) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for k, e := range c.entries {
		if e.Bucket == bucket {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Stats returns usage and counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:           len(c.entries),
		TotalTokens:       c.totalTokens(),
		TotalTokenCap:     c.cfg.TotalTokenCap,
		SensitiveTokenCap: c.cfg.SensitiveTokenCap,
		Buckets:           c.bucketStats(),
		Hits:              c.hits,
		Misses:            c.misses,
		Evictions:         c.evictions,
		Rejections:        c.rejections,
	}
	if lookups := c.hits + c.misses; lookups > 0 {
		s.HitRate = float64(c.hits) / float64(lookups)
	}
	return s
}

// ExportState returns copies of every entry, sorted by key.
func (c *Cache) ExportState() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		cp := *e
		cp.seq = 0
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ImportState replaces the cache contents with entries. Entries whose TTL
// has elapsed since their original CreatedAt are dropped, as are entries
// with unknown buckets or that would break the sensitive ceiling. It returns
// the number of entries imported.
func (c *Cache) ImportState(entries []Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry, len(entries))
	c.usage = make(map[Bucket]int)

	ordered := make([]Entry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].LastAccessedAt.Before(ordered[j].LastAccessedAt)
	})

	now := c.now()
	dropped := 0
	for i := range ordered {
		e := ordered[i]
		if _, ok := c.cfg.ttl(e.Bucket); !ok {
			dropped++
			continue
		}
		if e.TTL <= 0 {
			e.TTL, _ = c.cfg.ttl(e.Bucket)
		}
		if e.expired(now) {
			dropped++
			continue
		}
		tokens, err := EstimateTokens(e.Value)
		if err != nil {
			dropped++
			continue
		}
		e.TokenCount = tokens
		if e.Bucket == BucketSensitive && c.usage[BucketSensitive]+tokens > c.cfg.SensitiveTokenCap {
			dropped++
			continue
		}
		if old, ok := c.entries[e.Key]; ok {
			c.remove(old)
		}
		c.seq++
		e.seq = c.seq
		c.entries[e.Key] = &e
		c.usage[e.Bucket] += tokens
	}

	evicted := c.enforceBudget()
	c.metrics.setUsage(c.bucketStats())

	if dropped > 0 || len(evicted) > 0 {
		c.logger.Info("cache state imported",
			zap.Int("imported", len(c.entries)),
			zap.Int("dropped", dropped),
			zap.Int("evicted", len(evicted)),
		)
	}
	return len(c.entries)
}

func (c *Cache) remove(e *Entry) {
	delete(c.entries, e.Key)
	c.usage[e.Bucket] -= e.TokenCount
}

func (c *Cache) totalTokens() int {
	total := 0
	for _, n := range c.usage {
		total += n
	}
	return total
}

func (c *Cache) bucketStats() map[Bucket]BucketStats {
	out := make(map[Bucket]BucketStats, 3)
	for _, b := range Buckets() {
		out[b] = BucketStats{Tokens: c.usage[b]}
	}
	for _, e := range c.entries {
		s := out[e.Bucket]
		s.Entries++
		out[e.Bucket] = s
	}
	return out
}
