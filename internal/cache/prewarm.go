package cache

import (
	"context"

	"go.uber.org/zap"

	"github.com/statcache/statcache/pkg/errors"
	"github.com/statcache/statcache/pkg/types"
)

// Warm proactively populates the cache for the given dataflows using each
// dataflow's default query (no filter, no period). Fetches run sequentially
// with a minimum delay between consecutive upstream calls — the prewarmer is
// the rate-limit enforcement point, so it must never fan out. A failure to
// warm one dataflow is logged and does not abort the rest; Warm only returns
// an error when the context is canceled.
func (m *Manager) Warm(ctx context.Context, dataflowIDs []string) error {
	if m.fetcher == nil {
		return errors.New(errors.ErrCodeUpstreamError, "no upstream fetcher configured").
			WithComponent("prewarmer").WithOperation("warm")
	}

	calledUpstream := false
	for _, id := range dataflowIDs {
		q := types.Query{DataflowID: id}
		key, err := DeriveKey(q)
		if err != nil {
			m.logger.Warn("skipping unwarmable dataflow", zap.String("dataflow", id), zap.Error(err))
			m.metrics.RecordPrewarm("invalid")
			continue
		}

		if m.isCached(ctx, key) {
			m.metrics.RecordPrewarm("cached")
			continue
		}

		// Courtesy delay between consecutive upstream calls.
		if calledUpstream {
			timer := m.clock.Timer(m.prewarmDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		calledUpstream = true

		var records []types.Record
		err = m.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			var ferr error
			records, ferr = m.fetcher.Fetch(ctx, q)
			return ferr
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("prewarm fetch failed",
				zap.String("dataflow", id), zap.Error(err))
			m.metrics.RecordPrewarm("failed")
			continue
		}

		if err := m.Store(ctx, q, records); err != nil {
			m.logger.Warn("prewarm store failed",
				zap.String("dataflow", id), zap.Error(err))
			m.metrics.RecordPrewarm("failed")
			continue
		}

		m.logger.Info("prewarmed dataflow",
			zap.String("dataflow", id), zap.Int("records", len(records)))
		m.metrics.RecordPrewarm("warmed")
	}

	return nil
}

// isCached reports whether any tier already holds a fresh entry for key.
func (m *Manager) isCached(ctx context.Context, key string) bool {
	if _, ok := m.memory.Get(key); ok {
		return true
	}
	_, _, _, ok := m.durableGet(ctx, key)
	return ok
}
