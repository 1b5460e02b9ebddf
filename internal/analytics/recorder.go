// Package analytics records cache lookup outcomes and aggregates them into
// hit-rate and popularity summaries.
package analytics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/statcache/statcache/internal/metrics"
	"github.com/statcache/statcache/pkg/types"
)

// RecorderConfig controls event buffering and retention.
type RecorderConfig struct {
	// Retention is how long events are kept before being purged.
	Retention time.Duration

	// PurgeInterval is how often the purge loop runs.
	PurgeInterval time.Duration

	// BufferSize is the capacity of the in-flight event channel. When the
	// buffer is full, events are dropped and counted, never blocking the
	// lookup path.
	BufferSize int
}

// Recorder persists access events off the lookup critical path. Record is
// fire-and-forget: persistence failures are logged and swallowed.
type Recorder struct {
	store   types.EventStore
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Collector

	retention     time.Duration
	purgeInterval time.Duration

	ch      chan types.AccessEvent
	dropped atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRecorder creates a recorder and starts its writer and purge loops.
// Close must be called on shutdown.
func NewRecorder(store types.EventStore, cfg RecorderConfig, logger *zap.Logger, clk clock.Clock, collector *metrics.Collector) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = time.Hour
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}

	r := &Recorder{
		store:         store,
		logger:        logger,
		clock:         clk,
		metrics:       collector,
		retention:     cfg.Retention,
		purgeInterval: cfg.PurgeInterval,
		ch:            make(chan types.AccessEvent, cfg.BufferSize),
		stopCh:        make(chan struct{}),
	}

	r.wg.Add(2)
	go r.writeLoop()
	go r.purgeLoop()

	return r
}

// Record enqueues one access event. It never blocks and never fails: when
// the buffer is full or the recorder is stopped, the event is dropped.
func (r *Recorder) Record(key, dataflowID string, tier types.Tier, latency time.Duration) {
	ev := types.AccessEvent{
		ID:         uuid.NewString(),
		Key:        key,
		DataflowID: dataflowID,
		Tier:       tier,
		Latency:    latency,
		Timestamp:  r.clock.Now(),
	}

	select {
	case <-r.stopCh:
		return
	default:
	}

	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
		r.metrics.RecordDroppedEvent()
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the background loops and waits for in-flight writes.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()

	for {
		select {
		case ev := <-r.ch:
			r.persist(ev)
		case <-r.stopCh:
			// Drain whatever is already buffered.
			for {
				select {
				case ev := <-r.ch:
					r.persist(ev)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) persist(ev types.AccessEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.store.Append(ctx, ev); err != nil {
		r.logger.Warn("failed to persist access event",
			zap.String("key", ev.Key),
			zap.String("tier", string(ev.Tier)),
			zap.Error(err))
	}
}

func (r *Recorder) purgeLoop() {
	defer r.wg.Done()

	ticker := r.clock.Ticker(r.purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := r.clock.Now().Add(-r.retention)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := r.store.PurgeBefore(ctx, cutoff); err != nil {
				r.logger.Warn("failed to purge old access events",
					zap.Time("cutoff", cutoff),
					zap.Error(err))
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}
