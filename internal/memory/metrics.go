package memory

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the shared memory cache.
type Metrics struct {
	HitsTotal       prometheus.Counter
	MissesTotal     prometheus.Counter
	EvictionsTotal  *prometheus.CounterVec
	RejectionsTotal *prometheus.CounterVec
	Tokens          *prometheus.GaugeVec
	Entries         *prometheus.GaugeVec
}

// NewMetrics creates and registers the cache metrics once per process.
//
// Metrics:
//   - roundtable_cache_hits_total
//   - roundtable_cache_misses_total
//   - roundtable_cache_evictions_total{bucket,reason} (reason: ttl, lru, manual)
//   - roundtable_cache_rejections_total{bucket}
//   - roundtable_cache_tokens{bucket}
//   - roundtable_cache_entries{bucket}
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "roundtable",
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total number of cache hits",
			}),
			MissesTotal: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "roundtable",
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total number of cache misses, including expired entries",
			}),
			EvictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "roundtable",
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Total number of evicted entries by bucket and reason",
			}, []string{"bucket", "reason"}),
			RejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "roundtable",
				Subsystem: "cache",
				Name:      "rejections_total",
				Help:      "Total number of stores rejected for capacity",
			}, []string{"bucket"}),
			Tokens: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "roundtable",
				Subsystem: "cache",
				Name:      "tokens",
				Help:      "Estimated tokens held per bucket",
			}, []string{"bucket"}),
			Entries: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "roundtable",
				Subsystem: "cache",
				Name:      "entries",
				Help:      "Number of entries held per bucket",
			}, []string{"bucket"}),
		}
	})
	return globalMetrics
}

func (m *Metrics) recordHit() {
	if m != nil {
		m.HitsTotal.Inc()
	}
}

func (m *Metrics) recordMiss() {
	if m != nil {
		m.MissesTotal.Inc()
	}
}

func (m *Metrics) recordEviction(bucket Bucket, reason string) {
	if m != nil {
		m.EvictionsTotal.WithLabelValues(string(bucket), reason).Inc()
	}
}

func (m *Metrics) recordRejection(bucket Bucket) {
	if m != nil {
		m.RejectionsTotal.WithLabelValues(string(bucket)).Inc()
	}
}

func (m *Metrics) setUsage(usage map[Bucket]BucketStats) {
	if m == nil {
		return
	}
	for _, b := range Buckets() {
		u := usage[b]
		m.Tokens.WithLabelValues(string(b)).Set(float64(u.Tokens))
		m.Entries.WithLabelValues(string(b)).Set(float64(u.Entries))
	}
}
