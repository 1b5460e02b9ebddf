// Package cache implements the tiered cache manager: key derivation,
// freshness policy, the memory tier, and the lookup protocol across the
// memory, durable, and overflow tiers.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/statcache/statcache/internal/analytics"
	"github.com/statcache/statcache/internal/metrics"
	"github.com/statcache/statcache/pkg/errors"
	"github.com/statcache/statcache/pkg/retry"
	"github.com/statcache/statcache/pkg/types"
)

// touchTimeout bounds the best-effort access metadata bump on durable hits.
const touchTimeout = 2 * time.Second

// ManagerOptions wires a Manager. Memory and Durable are required; the rest
// degrade gracefully when absent.
type ManagerOptions struct {
	Memory     *MemoryTier
	Durable    types.DurableStore
	Overflow   types.OverflowStore
	Fetcher    types.Fetcher
	Structures types.StructureFetcher

	Recorder   *analytics.Recorder
	Aggregator *analytics.Aggregator
	Metrics    *metrics.Collector
	Logger     *zap.Logger
	Clock      clock.Clock

	// OverflowThreshold is the observation count above which payloads move
	// to the overflow tier. Zero disables overflow.
	OverflowThreshold int

	// PrewarmDelay is the minimum delay between consecutive upstream calls
	// made while warming.
	PrewarmDelay time.Duration

	// Retry configures backoff for upstream fetches during warming.
	Retry retry.Config
}

// Manager front-ends the tier chain. A lookup walks memory → durable
// (→ overflow for pointer-based entries) → upstream, recording every outcome.
// Tier failures degrade to misses; only upstream failures on a true miss
// surface to the caller.
type Manager struct {
	memory     *MemoryTier
	durable    types.DurableStore
	overflow   types.OverflowStore
	fetcher    types.Fetcher
	structures types.StructureFetcher

	recorder   *analytics.Recorder
	aggregator *analytics.Aggregator
	metrics    *metrics.Collector
	logger     *zap.Logger
	clock      clock.Clock

	overflowThreshold int
	prewarmDelay      time.Duration
	retryer           *retry.Retryer
}

// NewManager builds a manager from its dependencies.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Memory == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "memory tier is required")
	}
	if opts.Durable == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "durable store is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PrewarmDelay <= 0 {
		opts.PrewarmDelay = time.Second
	}
	if opts.Retry.MaxAttempts == 0 && opts.Retry.RetryableErrors == nil {
		opts.Retry = retry.DefaultConfig()
	}

	return &Manager{
		memory:            opts.Memory,
		durable:           opts.Durable,
		overflow:          opts.Overflow,
		fetcher:           opts.Fetcher,
		structures:        opts.Structures,
		recorder:          opts.Recorder,
		aggregator:        opts.Aggregator,
		metrics:           opts.Metrics,
		logger:            opts.Logger,
		clock:             opts.Clock,
		overflowThreshold: opts.OverflowThreshold,
		prewarmDelay:      opts.PrewarmDelay,
		retryer:           retry.New(opts.Retry),
	}, nil
}

// LookupOrFetch implements the full lookup protocol. It returns the cached
// records when any tier holds a fresh entry, and otherwise falls back to the
// upstream fetcher, writing the result back through all tiers.
func (m *Manager) LookupOrFetch(ctx context.Context, q types.Query) ([]types.Record, error) {
	key, err := DeriveKey(q)
	if err != nil {
		return nil, err
	}
	start := m.clock.Now()

	if entry, ok := m.memory.Get(key); ok {
		records, err := decodeRecords(entry.Payload)
		if err == nil {
			m.finish(key, q.DataflowID, types.TierMemory, start)
			return records, nil
		}
		// Corrupt transient copy: drop it and fall through to durable.
		m.logger.Warn("dropping undecodable memory entry", zap.String("key", key), zap.Error(err))
		m.memory.Delete(key)
	}

	if entry, payload, tier, ok := m.durableGet(ctx, key); ok {
		records, err := decodeRecords(payload)
		if err == nil {
			m.promote(entry, payload)
			m.touchAsync(key)
			m.finish(key, q.DataflowID, tier, start)
			return records, nil
		}
		m.logger.Warn("undecodable durable payload, treating as miss", zap.String("key", key), zap.Error(err))
	}

	m.finish(key, q.DataflowID, types.TierMiss, start)

	if m.fetcher == nil {
		return nil, errors.New(errors.ErrCodeUpstreamError, "no upstream fetcher configured").
			WithComponent("manager").WithOperation("lookup")
	}
	records, err := m.fetcher.Fetch(ctx, q)
	if err != nil {
		return nil, err
	}
	if err := m.Store(ctx, q, records); err != nil {
		// The caller still gets its data; the cache just stays cold.
		m.logger.Warn("failed to store fetched result",
			zap.String("key", key),
			zap.String("dataflow", q.DataflowID),
			zap.Error(err))
	}
	return records, nil
}

// Store writes a fetched result back through the tiers: durable (+ overflow
// when the result exceeds the threshold), then memory.
func (m *Manager) Store(ctx context.Context, q types.Query, records []types.Record) error {
	key, err := DeriveKey(q)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to encode records").WithCause(err)
	}

	now := m.clock.Now()
	entry := &types.CacheEntry{
		Key:            key,
		DataflowID:     q.DataflowID,
		Filter:         q.Filter,
		StartPeriod:    q.StartPeriod,
		EndPeriod:      q.EndPeriod,
		ResultCount:    len(records),
		Class:          types.ClassObservation,
		CachedAt:       now,
		LastAccessedAt: now,
	}

	if m.overflowThreshold > 0 && len(records) > m.overflowThreshold && m.overflow != nil {
		ref, err := m.overflow.Store(ctx, q.DataflowID, key, payload)
		if err != nil {
			// Overflow failure fails the whole entry write.
			m.metrics.RecordStoreFailure("overflow")
			return errors.New(errors.ErrCodeStorageWrite, "overflow store failed").WithCause(err)
		}
		entry.OverflowRef = ref
	} else {
		entry.Payload = payload
	}

	if err := entry.Validate(); err != nil {
		return errors.New(errors.ErrCodeInternalError, "invalid cache entry").WithCause(err)
	}
	if err := m.durable.Put(ctx, entry); err != nil {
		m.metrics.RecordStoreFailure("durable")
		// The blob was never referenced by a row; reclaim it best-effort.
		if entry.OverflowRef != "" {
			if delErr := m.overflow.Delete(ctx, entry.OverflowRef); delErr != nil && !errors.IsNotFound(delErr) {
				m.logger.Warn("failed to reclaim orphaned overflow blob",
					zap.String("ref", entry.OverflowRef), zap.Error(delErr))
			}
		}
		return err
	}

	m.promote(entry, payload)
	return nil
}

// LookupStructure looks up or fetches dataflow structure, cached as a
// metadata-class entry under the long metadata TTL.
func (m *Manager) LookupStructure(ctx context.Context, dataflowID string) ([]byte, error) {
	key, err := DeriveStructureKey(dataflowID)
	if err != nil {
		return nil, err
	}
	start := m.clock.Now()

	if entry, ok := m.memory.Get(key); ok {
		m.finish(key, dataflowID, types.TierMemory, start)
		return entry.Payload, nil
	}
	if entry, payload, tier, ok := m.durableGet(ctx, key); ok {
		m.promote(entry, payload)
		m.touchAsync(key)
		m.finish(key, dataflowID, tier, start)
		return payload, nil
	}

	m.finish(key, dataflowID, types.TierMiss, start)

	if m.structures == nil {
		return nil, errors.New(errors.ErrCodeUpstreamError, "no structure fetcher configured").
			WithComponent("manager").WithOperation("structure")
	}
	payload, err := m.structures.FetchStructure(ctx, dataflowID)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	entry := &types.CacheEntry{
		Key:            key,
		DataflowID:     dataflowID,
		Class:          types.ClassMetadata,
		Payload:        payload,
		CachedAt:       now,
		LastAccessedAt: now,
	}
	if err := m.durable.Put(ctx, entry); err != nil {
		m.metrics.RecordStoreFailure("durable")
		m.logger.Warn("failed to store structure", zap.String("key", key), zap.Error(err))
	} else {
		m.promote(entry, payload)
	}
	return payload, nil
}

// Invalidate removes one key from every tier. Invalidating an absent key is
// a no-op.
func (m *Manager) Invalidate(ctx context.Context, key string) error {
	m.memory.Delete(key)

	ref, err := m.durable.Delete(ctx, key)
	if err != nil {
		return err
	}
	if ref != "" && m.overflow != nil {
		if err := m.overflow.Delete(ctx, ref); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	return nil
}

// InvalidateDataflow removes every entry for a dataflow from every tier.
func (m *Manager) InvalidateDataflow(ctx context.Context, dataflowID string) error {
	m.memory.DeleteByDataflow(dataflowID)

	refs, err := m.durable.DeleteByDataflow(ctx, dataflowID)
	if err != nil {
		return err
	}
	if len(refs) == 0 || m.overflow == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, ref := range refs {
		ref := ref
		g.Go(func() error {
			if err := m.overflow.Delete(gctx, ref); err != nil && !errors.IsNotFound(err) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Statistics summarizes access events over the last windowHours hours.
func (m *Manager) Statistics(ctx context.Context, windowHours int) (*types.Summary, error) {
	if m.aggregator == nil {
		return nil, errors.New(errors.ErrCodeInternalError, "no aggregator configured")
	}
	return m.aggregator.Summary(ctx, windowHours)
}

// Close tears down the components the manager drives: the memory tier sweep
// and the access recorder.
func (m *Manager) Close() {
	m.memory.Close()
	if m.recorder != nil {
		m.recorder.Close()
	}
}

// durableGet reads the durable tier and resolves overflow pointers. Any tier
// failure is logged, counted, and degraded to a miss.
func (m *Manager) durableGet(ctx context.Context, key string) (*types.CacheEntry, []byte, types.Tier, bool) {
	entry, err := m.durable.Get(ctx, key)
	if err != nil {
		if !errors.IsNotFound(err) {
			m.metrics.RecordStoreFailure("durable")
			m.logger.Warn("durable tier unavailable, degrading to miss",
				zap.String("key", key), zap.Error(err))
		}
		return nil, nil, types.TierMiss, false
	}

	if entry.OverflowRef != "" {
		payload, err := m.overflowFetch(ctx, entry.OverflowRef)
		if err != nil {
			m.metrics.RecordStoreFailure("overflow")
			m.logger.Warn("overflow tier unavailable, degrading to miss",
				zap.String("key", key),
				zap.String("ref", entry.OverflowRef),
				zap.Error(err))
			return nil, nil, types.TierMiss, false
		}
		return entry, payload, types.TierDurableOverflow, true
	}
	return entry, entry.Payload, types.TierDurable, true
}

func (m *Manager) overflowFetch(ctx context.Context, ref string) ([]byte, error) {
	if m.overflow == nil {
		return nil, errors.New(errors.ErrCodeStoreUnavailable, "overflow tier not configured")
	}
	return m.overflow.Fetch(ctx, ref)
}

// promote installs an inline copy of the entry in the memory tier.
func (m *Manager) promote(entry *types.CacheEntry, payload []byte) {
	transient := *entry
	transient.Payload = payload
	transient.OverflowRef = ""
	m.memory.Put(transient)
	m.metrics.SetMemoryEntries(m.memory.Len())
}

// touchAsync bumps access metadata on the durable entry. Best effort: the
// update may race or be lost, which undercounts but never blocks a lookup.
func (m *Manager) touchAsync(key string) {
	at := m.clock.Now()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := m.durable.Touch(ctx, key, at); err != nil && !errors.IsNotFound(err) {
			m.logger.Debug("access touch failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

// finish records the outcome of a lookup with the recorder and metrics.
func (m *Manager) finish(key, dataflowID string, tier types.Tier, start time.Time) {
	latency := m.clock.Now().Sub(start)
	if m.recorder != nil {
		m.recorder.Record(key, dataflowID, tier, latency)
	}
	m.metrics.ObserveLookup(string(tier), latency)
}

func decodeRecords(payload []byte) ([]types.Record, error) {
	var records []types.Record
	if err := json.Unmarshal(payload, &records); err != nil {
		return nil, err
	}
	return records, nil
}
