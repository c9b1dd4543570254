package orchestrator

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/roundtable/internal/actor"
	"github.com/fyrsmithlabs/roundtable/internal/contextstore"
	"github.com/fyrsmithlabs/roundtable/internal/events"
	"github.com/fyrsmithlabs/roundtable/internal/memory"
)

// MemoryRecorder mirrors cycle output into the shared memory cache.
type MemoryRecorder interface {
	// RecordDecision saves a key decision
	RecordDecision(ctx context.Context, runNumber int, actorID, decision string) error

	// RecordRead caches the content of a file an actor read
	RecordRead(ctx context.Context, path, content string) error

	// RecordSnapshot caches an actor's own state at the end of a cycle
	RecordSnapshot(ctx context.Context, runNumber int, snap actor.Snapshot) error
}

// CacheRecorder implements MemoryRecorder on a memory.Cache. Rejected
// stores are capacity outcomes: they are logged and published, never
// returned as failures of the turn.
type CacheRecorder struct {
	cache    *memory.Cache
	sink     events.Sink
	runID    string
	redactor contextstore.Redactor
	logger   *zap.Logger
	seq      atomic.Int64
}

// RecorderOption configures a CacheRecorder.
type RecorderOption func(*CacheRecorder)

// WithRecorderRedactor scrubs decisions, file reads and snapshot notes
// before they enter the cache, which is persisted next to the context.
func WithRecorderRedactor(r contextstore.Redactor) RecorderOption {
	return func(c *CacheRecorder) { c.redactor = r }
}

// NewCacheRecorder creates a recorder writing to cache.
func NewCacheRecorder(cache *memory.Cache, sink events.Sink, runID string, logger *zap.Logger, opts ...RecorderOption) *CacheRecorder {
	if sink == nil {
		sink = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &CacheRecorder{cache: cache, sink: sink, runID: runID, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DecisionKey returns the cache key of a decision.
func DecisionKey(runNumber int, actorID string, seq int) string {
	return fmt.Sprintf("decision:%d:%s:%d", runNumber, actorID, seq)
}

// ReadKey returns the cache key of a file read.
func ReadKey(path string) string {
	return "read:" + path
}

// SnapshotKey returns the cache key of an actor snapshot.
func SnapshotKey(actorID string) string {
	return "actor:" + actorID
}

// RecordDecision saves a key decision into the decision bucket.
func (r *CacheRecorder) RecordDecision(ctx context.Context, runNumber int, actorID, decision string) error {
	seq := int(r.seq.Add(1))
	return r.store(ctx, runNumber, actorID, DecisionKey(runNumber, actorID, seq), r.redact(decision), memory.BucketDecision, "key decision")
}

// RecordRead caches file content in the transient bucket.
func (r *CacheRecorder) RecordRead(ctx context.Context, path, content string) error {
	return r.store(ctx, 0, "", ReadKey(path), r.redact(content), memory.BucketTransient, "file read")
}

// RecordSnapshot caches an actor snapshot in the transient bucket.
func (r *CacheRecorder) RecordSnapshot(ctx context.Context, runNumber int, snap actor.Snapshot) error {
	if len(snap.Notes) > 0 {
		notes := make([]string, len(snap.Notes))
		for i, n := range snap.Notes {
			notes[i] = r.redact(n)
		}
		snap.Notes = notes
	}
	return r.store(ctx, runNumber, snap.ID, SnapshotKey(snap.ID), snap, memory.BucketTransient, "actor snapshot")
}

func (r *CacheRecorder) redact(text string) string {
	if r.redactor == nil {
		return text
	}
	return r.redactor.Redact(text)
}

func (r *CacheRecorder) store(ctx context.Context, runNumber int, actorID, key string, value any, bucket memory.Bucket, reason string) error {
	res := r.cache.Store(key, value, bucket, reason)
	if res.Stored() {
		return nil
	}
	r.logger.Debug("cache store rejected",
		zap.String("key", key),
		zap.String("bucket", string(bucket)),
		zap.Error(res.Err),
	)
	_ = r.sink.Publish(ctx, events.New(events.CacheRejected, r.runID, runNumber, actorID, map[string]any{
		"key":    key,
		"bucket": string(bucket),
		"tokens": res.Tokens,
	}))
	return nil
}
