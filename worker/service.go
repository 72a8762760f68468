package worker

import (
	"context"
	"expvar"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/INLOpen/nexusflow/cache"
	"github.com/INLOpen/nexusflow/checkpoint"
	"github.com/INLOpen/nexusflow/core"
	"github.com/INLOpen/nexusflow/hooks"
	"github.com/INLOpen/nexusflow/oplog"
)

// defaultStatusCacheCapacity bounds the in-memory status cache when the
// caller does not configure one.
const defaultStatusCacheCapacity = 4096

// StatusServiceOptions configures a StatusService.
type StatusServiceOptions struct {
	Oplog       oplog.Store
	Checkpoints checkpoint.Store
	Hooks       hooks.HookManager

	DefaultRetry  core.RetryConfig
	CacheCapacity int
	// ShardCount partitions the running-set index. Zero means a single shard.
	ShardCount uint32

	Logger *slog.Logger

	// Optional counters.
	CacheHits   *expvar.Int
	CacheMisses *expvar.Int
	Recomputes  *expvar.Int
}

// StatusService derives, caches and persists worker status records. The
// oplog stays the source of truth: the LRU cache and the checkpoint store
// only short-circuit the fold, and a stale or missing copy in either is
// recovered transparently.
type StatusService struct {
	store       oplog.Store
	checkpoints checkpoint.Store
	hooks       hooks.HookManager

	defaultRetry core.RetryConfig
	shardCount   uint32
	logger       *slog.Logger

	cache      *cache.LRU[core.WorkerStatusRecord]
	inflight   singleflight.Group
	recomputes *expvar.Int
}

// NewStatusService creates a StatusService.
func NewStatusService(opts StatusServiceOptions) (*StatusService, error) {
	if opts.Oplog == nil {
		return nil, fmt.Errorf("status service requires an oplog store")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.CacheCapacity <= 0 {
		opts.CacheCapacity = defaultStatusCacheCapacity
	}
	if opts.ShardCount == 0 {
		opts.ShardCount = 1
	}
	if opts.DefaultRetry.MaxAttempts == 0 {
		opts.DefaultRetry = core.DefaultRetryConfig()
	}

	s := &StatusService{
		store:        opts.Oplog,
		checkpoints:  opts.Checkpoints,
		hooks:        opts.Hooks,
		defaultRetry: opts.DefaultRetry,
		shardCount:   opts.ShardCount,
		logger:       opts.Logger.With("component", "StatusService"),
		recomputes:   opts.Recomputes,
	}

	var onHit, onMiss func(key string)
	if opts.Hooks != nil {
		onHit = func(key string) {
			_ = opts.Hooks.Trigger(context.Background(), hooks.NewOnCacheHitEvent(hooks.CachePayload{Key: key}))
		}
		onMiss = func(key string) {
			_ = opts.Hooks.Trigger(context.Background(), hooks.NewOnCacheMissEvent(hooks.CachePayload{Key: key}))
		}
	}
	s.cache = cache.NewLRU[core.WorkerStatusRecord](opts.CacheCapacity, nil, onHit, onMiss)
	s.cache.SetMetrics(opts.CacheHits, opts.CacheMisses)

	return s, nil
}

// DefaultRetry returns the retry budget applied to workers without an
// overridden policy.
func (s *StatusService) DefaultRetry() core.RetryConfig {
	return s.defaultRetry
}

// GetStatus returns the up-to-date status record for a worker, folding any
// oplog entries appended since the record was last derived. Concurrent
// requests for the same worker share one computation.
func (s *StatusService) GetStatus(ctx context.Context, workerID core.WorkerID) (core.WorkerStatusRecord, error) {
	key := workerID.String()

	if cached, ok := s.cache.Get(key); ok {
		lastIndex, err := s.store.GetLastIndex(workerID)
		if err != nil {
			return core.WorkerStatusRecord{}, err
		}
		if cached.OplogIdx == lastIndex {
			return cached, nil
		}
	}

	result, err, _ := s.inflight.Do(key, func() (any, error) {
		return s.refresh(ctx, workerID)
	})
	if err != nil {
		return core.WorkerStatusRecord{}, err
	}
	return result.(core.WorkerStatusRecord), nil
}

// refresh derives the current record from the best available base: the LRU
// copy, then the checkpoint, then from scratch.
func (s *StatusService) refresh(ctx context.Context, workerID core.WorkerID) (core.WorkerStatusRecord, error) {
	key := workerID.String()

	var base *core.WorkerStatusRecord
	if cached, ok := s.cache.Get(key); ok {
		base = &cached
	} else if s.checkpoints != nil {
		persisted, ok, err := s.checkpoints.Get(workerID)
		if err != nil {
			s.logger.Warn("Failed to load status checkpoint, recomputing", "worker_id", workerID, "error", err)
		} else if ok {
			base = &persisted
		}
	}
	if base == nil && s.recomputes != nil {
		s.recomputes.Add(1)
	}

	previousStatus := core.WorkerStatusIdle
	hadPrevious := false
	if base != nil {
		previousStatus = base.Status
		hadPrevious = true
	}

	record, err := CalculateLastKnownStatus(s.store, workerID, base, s.defaultRetry)
	if err != nil {
		return core.WorkerStatusRecord{}, err
	}

	s.cache.Put(key, record)
	if s.checkpoints != nil {
		if err := s.checkpoints.Put(workerID, record); err != nil {
			// The checkpoint is an optimization; losing it only costs a
			// recompute on the next cold start.
			s.logger.Warn("Failed to persist status checkpoint", "worker_id", workerID, "error", err)
		}
	}

	if s.hooks != nil && hadPrevious && record.Status != previousStatus {
		_ = s.hooks.Trigger(ctx, hooks.NewPostStatusChangeEvent(hooks.PostStatusChangePayload{
			WorkerID: workerID,
			From:     previousStatus,
			To:       record.Status,
		}))
	}

	return record, nil
}

// Invalidate drops the cached record so the next GetStatus re-derives it.
func (s *StatusService) Invalidate(workerID core.WorkerID) {
	s.cache.Remove(workerID.String())
}

// Forget removes all derived state for a worker: the cached record, the
// checkpoint and the running-set registration. The oplog itself is not
// touched.
func (s *StatusService) Forget(workerID core.WorkerID) error {
	s.cache.Remove(workerID.String())
	if s.checkpoints == nil {
		return nil
	}
	if err := s.checkpoints.Delete(workerID); err != nil {
		return fmt.Errorf("deleting status checkpoint for %s: %w", workerID, err)
	}
	return s.checkpoints.RemoveRunning(s.shardOf(workerID), workerID)
}

// MarkRunning registers a worker in its shard's running set.
func (s *StatusService) MarkRunning(workerID core.WorkerID) error {
	if s.checkpoints == nil {
		return nil
	}
	return s.checkpoints.AddRunning(s.shardOf(workerID), workerID)
}

// MarkStopped removes a worker from its shard's running set.
func (s *StatusService) MarkStopped(workerID core.WorkerID) error {
	if s.checkpoints == nil {
		return nil
	}
	return s.checkpoints.RemoveRunning(s.shardOf(workerID), workerID)
}

// ListRunning enumerates the workers registered as running in a shard. This
// is the index an executor scans on startup to resume interrupted workers.
func (s *StatusService) ListRunning(shard core.ShardID) ([]core.WorkerID, error) {
	if s.checkpoints == nil {
		return nil, nil
	}
	return s.checkpoints.ListRunning(shard)
}

// ShardCount returns the number of shards the running-set index is
// partitioned into.
func (s *StatusService) ShardCount() uint32 {
	return s.shardCount
}

func (s *StatusService) shardOf(workerID core.WorkerID) core.ShardID {
	return core.ShardOf(workerID, s.shardCount)
}
