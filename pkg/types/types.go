// Package types defines the core data model and the interfaces between the
// cache manager and its storage backends and collaborators.
package types

import (
	"context"
	"fmt"
	"time"
)

// EntryClass distinguishes cached observation results from cached dataflow
// structure (metadata), which carry different freshness policies.
type EntryClass string

const (
	ClassObservation EntryClass = "observation"
	ClassMetadata    EntryClass = "metadata"
)

// Tier identifies which storage layer satisfied a lookup.
type Tier string

const (
	TierMemory          Tier = "memory"
	TierDurable         Tier = "durable"
	TierDurableOverflow Tier = "durable-overflow"
	TierMiss            Tier = "miss"
)

// Query describes a request for statistical observations. DataflowID is
// required; all other fields are optional and normalize to their zero value.
type Query struct {
	DataflowID  string
	Filter      string
	StartPeriod string
	EndPeriod   string
	MaxResults  int
}

// Record is a single statistical observation returned by the upstream.
type Record struct {
	SeriesKey string  `json:"series_key"`
	Period    string  `json:"period"`
	Value     float64 `json:"value"`
}

// CacheEntry is the canonical cached result, owned by the durable tier.
// Exactly one of Payload and OverflowRef is set: Payload holds the
// JSON-encoded records inline, OverflowRef points at a blob in the overflow
// tier for oversized results.
type CacheEntry struct {
	Key            string
	DataflowID     string
	Filter         string
	StartPeriod    string
	EndPeriod      string
	ResultCount    int
	Class          EntryClass
	Payload        []byte
	OverflowRef    string
	CachedAt       time.Time
	LastAccessedAt time.Time
	AccessCount    int64
}

// Validate enforces the payload-or-pointer invariant.
func (e *CacheEntry) Validate() error {
	if e.Key == "" {
		return fmt.Errorf("cache entry has empty key")
	}
	inline := len(e.Payload) > 0
	overflow := e.OverflowRef != ""
	if inline == overflow {
		return fmt.Errorf("cache entry %s: exactly one of payload and overflow ref must be set", e.Key)
	}
	return nil
}

// AccessEvent records the outcome of a single lookup. Events are append-only
// and purged by age; they are never mutated.
type AccessEvent struct {
	ID         string
	Key        string
	DataflowID string
	Tier       Tier
	Latency    time.Duration
	Timestamp  time.Time
}

// DataflowCount is one row of a popularity ranking.
type DataflowCount struct {
	DataflowID string `json:"dataflow_id"`
	Events     int64  `json:"events"`
}

// Summary aggregates access events over a rolling window.
type Summary struct {
	TotalCachedEntries int64           `json:"total_cached_entries"`
	TotalEvents        int64           `json:"total_events"`
	HitRate            float64         `json:"hit_rate"`
	TopDataflows       []DataflowCount `json:"top_dataflows"`
}

// Fetcher is the upstream data source. Implementations are expected to be
// slow and rate-limited; failures surface as UPSTREAM_ERROR or RATE_LIMITED.
type Fetcher interface {
	Fetch(ctx context.Context, q Query) ([]Record, error)
}

// StructureFetcher retrieves dataflow structure (metadata) from the upstream.
type StructureFetcher interface {
	FetchStructure(ctx context.Context, dataflowID string) ([]byte, error)
}

// DurableStore is the persistent source of truth for cache entries.
//
// Get returns a NOT_FOUND error for absent or expired entries and
// STORE_UNAVAILABLE when the backing store cannot be reached; callers treat
// both as a miss. Put upserts by key, last write wins. Delete returns the
// overflow ref of the removed entry, if any, so the caller can clean up the
// overflow tier; deleting an absent key is a no-op. DeleteByDataflow removes
// every entry for a dataflow and returns the overflow refs it released.
type DurableStore interface {
	Get(ctx context.Context, key string) (*CacheEntry, error)
	Put(ctx context.Context, entry *CacheEntry) error
	Delete(ctx context.Context, key string) (overflowRef string, err error)
	DeleteByDataflow(ctx context.Context, dataflowID string) (overflowRefs []string, err error)
	Touch(ctx context.Context, key string, at time.Time) error
	CountEntries(ctx context.Context) (int64, error)
}

// OverflowStore holds payloads too large for the durable tier and hands back
// an opaque reference for the durable entry to carry.
type OverflowStore interface {
	Store(ctx context.Context, dataflowID, key string, payload []byte) (ref string, err error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// EventStore persists access events for later aggregation.
type EventStore interface {
	Append(ctx context.Context, ev AccessEvent) error
	EventsSince(ctx context.Context, since time.Time) ([]AccessEvent, error)
	PurgeBefore(ctx context.Context, cutoff time.Time) error
}
