package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/statcache/statcache/pkg/types"
)

// topDataflowLimit caps the popularity ranking in a summary.
const topDataflowLimit = 10

// EntryCounter reports how many entries the durable tier currently holds.
type EntryCounter interface {
	CountEntries(ctx context.Context) (int64, error)
}

// Aggregator summarizes the access event log over a rolling window.
type Aggregator struct {
	events  types.EventStore
	entries EntryCounter
	clock   clock.Clock
}

// NewAggregator creates an aggregator. A nil clock defaults to the wall
// clock; a nil entries counter reports zero cached entries.
func NewAggregator(events types.EventStore, entries EntryCounter, clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.New()
	}
	return &Aggregator{events: events, entries: entries, clock: clk}
}

// Summary computes hit rate and dataflow popularity over the last
// windowHours hours. The hit rate over zero events is exactly zero.
func (a *Aggregator) Summary(ctx context.Context, windowHours int) (*types.Summary, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := a.clock.Now().Add(-time.Duration(windowHours) * time.Hour)

	events, err := a.events.EventsSince(ctx, since)
	if err != nil {
		return nil, err
	}

	summary := &types.Summary{
		TotalEvents:  int64(len(events)),
		TopDataflows: []types.DataflowCount{},
	}

	if a.entries != nil {
		count, err := a.entries.CountEntries(ctx)
		if err == nil {
			summary.TotalCachedEntries = count
		}
	}

	if len(events) == 0 {
		return summary, nil
	}

	var hits int64
	perDataflow := make(map[string]int64)
	for _, ev := range events {
		if ev.Tier != types.TierMiss {
			hits++
		}
		perDataflow[ev.DataflowID]++
	}
	summary.HitRate = float64(hits) / float64(len(events))

	ranking := make([]types.DataflowCount, 0, len(perDataflow))
	for id, n := range perDataflow {
		ranking = append(ranking, types.DataflowCount{DataflowID: id, Events: n})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Events != ranking[j].Events {
			return ranking[i].Events > ranking[j].Events
		}
		return ranking[i].DataflowID < ranking[j].DataflowID
	})
	if len(ranking) > topDataflowLimit {
		ranking = ranking[:topDataflowLimit]
	}
	summary.TopDataflows = ranking

	return summary, nil
}
