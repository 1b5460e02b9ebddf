package cache

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/statcache/statcache/internal/analytics"
	"github.com/statcache/statcache/pkg/errors"
	"github.com/statcache/statcache/pkg/types"
)

// fakeDurable is an in-memory DurableStore with injectable failures.
type fakeDurable struct {
	mu      sync.Mutex
	entries map[string]*types.CacheEntry
	touched []string

	getErr error
	putErr error
}

func newFakeDurable() *fakeDurable {
	return &fakeDurable{entries: make(map[string]*types.CacheEntry)}
}

func (f *fakeDurable) Get(_ context.Context, key string) (*types.CacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	entry, ok := f.entries[key]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "no entry for key %s", key)
	}
	cp := *entry
	return &cp, nil
}

func (f *fakeDurable) Put(_ context.Context, entry *types.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	cp := *entry
	f.entries[entry.Key] = &cp
	return nil
}

func (f *fakeDurable) Delete(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok {
		return "", nil
	}
	delete(f.entries, key)
	return entry.OverflowRef, nil
}

func (f *fakeDurable) DeleteByDataflow(_ context.Context, dataflowID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var refs []string
	for key, entry := range f.entries {
		if entry.DataflowID != dataflowID {
			continue
		}
		if entry.OverflowRef != "" {
			refs = append(refs, entry.OverflowRef)
		}
		delete(f.entries, key)
	}
	return refs, nil
}

func (f *fakeDurable) Touch(_ context.Context, key string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[key]; !ok {
		return errors.Newf(errors.ErrCodeNotFound, "no entry for key %s", key)
	}
	f.touched = append(f.touched, key)
	return nil
}

func (f *fakeDurable) CountEntries(context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries)), nil
}

func (f *fakeDurable) touchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.touched)
}

func (f *fakeDurable) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

func (f *fakeDurable) entry(key string) *types.CacheEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[key]
}

// fakeOverflow is an in-memory OverflowStore.
type fakeOverflow struct {
	mu    sync.Mutex
	blobs map[string][]byte

	storeErr error
	fetchErr error
}

func newFakeOverflow() *fakeOverflow {
	return &fakeOverflow{blobs: make(map[string][]byte)}
}

func (f *fakeOverflow) Store(_ context.Context, dataflowID, key string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return "", f.storeErr
	}
	ref := "blobs/" + dataflowID + "/" + key
	f.blobs[ref] = payload
	return ref, nil
}

func (f *fakeOverflow) Fetch(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	payload, ok := f.blobs[ref]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeNotFound, "no overflow object for ref %s", ref)
	}
	return payload, nil
}

func (f *fakeOverflow) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, ref)
	return nil
}

func (f *fakeOverflow) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blobs)
}

// fakeFetcher serves canned records per dataflow and counts calls.
type fakeFetcher struct {
	mu        sync.Mutex
	records   map[string][]types.Record
	errs      map[string]error
	calls     int
	perFlow   map[string]int
	structure []byte
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		records: make(map[string][]types.Record),
		errs:    make(map[string]error),
		perFlow: make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, q types.Query) ([]types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.perFlow[q.DataflowID]++
	if err := f.errs[q.DataflowID]; err != nil {
		return nil, err
	}
	return f.records[q.DataflowID], nil
}

func (f *fakeFetcher) FetchStructure(_ context.Context, dataflowID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.perFlow[dataflowID]++
	if err := f.errs[dataflowID]; err != nil {
		return nil, err
	}
	return f.structure, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeEventStore collects appended events in memory.
type fakeEventStore struct {
	mu     sync.Mutex
	events []types.AccessEvent
}

func (f *fakeEventStore) Append(_ context.Context, ev types.AccessEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeEventStore) EventsSince(_ context.Context, since time.Time) ([]types.AccessEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.AccessEvent
	for _, ev := range f.events {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEventStore) PurgeBefore(_ context.Context, cutoff time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.events[:0]
	for _, ev := range f.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	f.events = kept
	return nil
}

type managerFixture struct {
	manager  *Manager
	memory   *MemoryTier
	durable  *fakeDurable
	overflow *fakeOverflow
	fetcher  *fakeFetcher
}

func newFixture(t *testing.T, mutate func(*ManagerOptions)) *managerFixture {
	t.Helper()

	memory := NewMemoryTier(time.Minute, time.Hour, nil)
	durable := newFakeDurable()
	overflow := newFakeOverflow()
	fetcher := newFakeFetcher()

	opts := ManagerOptions{
		Memory:     memory,
		Durable:    durable,
		Overflow:   overflow,
		Fetcher:    fetcher,
		Structures: fetcher,
	}
	if mutate != nil {
		mutate(&opts)
	}

	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Close)

	return &managerFixture{manager: m, memory: memory, durable: durable, overflow: overflow, fetcher: fetcher}
}

func someRecords() []types.Record {
	return []types.Record{
		{SeriesKey: "USA.GDP", Period: "2024-Q1", Value: 27.36},
		{SeriesKey: "USA.GDP", Period: "2024-Q2", Value: 27.61},
	}
}

func seedDurable(t *testing.T, durable *fakeDurable, q types.Query, records []types.Record) string {
	t.Helper()
	key, err := DeriveKey(q)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	payload, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal records: %v", err)
	}
	now := time.Now()
	durable.entries[key] = &types.CacheEntry{
		Key:            key,
		DataflowID:     q.DataflowID,
		Filter:         q.Filter,
		StartPeriod:    q.StartPeriod,
		EndPeriod:      q.EndPeriod,
		ResultCount:    len(records),
		Class:          types.ClassObservation,
		Payload:        payload,
		CachedAt:       now,
		LastAccessedAt: now,
	}
	return key
}

func TestLookupMissFetchesAndWritesBack(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	q := types.Query{DataflowID: "QNA", Filter: "USA.GDP"}
	fx.fetcher.records["QNA"] = someRecords()

	records, err := fx.manager.LookupOrFetch(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if fx.fetcher.callCount() != 1 {
		t.Errorf("expected 1 upstream call, got %d", fx.fetcher.callCount())
	}

	key, _ := DeriveKey(q)
	if !fx.durable.has(key) {
		t.Error("fetched result was not written to the durable tier")
	}
	if _, ok := fx.memory.Get(key); !ok {
		t.Error("fetched result was not promoted to the memory tier")
	}

	// Second lookup is served from memory without another upstream call.
	if _, err := fx.manager.LookupOrFetch(context.Background(), q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fx.fetcher.callCount() != 1 {
		t.Errorf("memory hit should not call upstream, got %d calls", fx.fetcher.callCount())
	}
}

func TestLookupDurableHitPromotesAndTouches(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	q := types.Query{DataflowID: "QNA", Filter: "USA.GDP"}
	key := seedDurable(t, fx.durable, q, someRecords())

	records, err := fx.manager.LookupOrFetch(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if fx.fetcher.callCount() != 0 {
		t.Errorf("durable hit should not call upstream, got %d calls", fx.fetcher.callCount())
	}
	if _, ok := fx.memory.Get(key); !ok {
		t.Error("durable hit was not promoted to memory")
	}

	// The access bump runs off the lookup path.
	deadline := time.Now().Add(2 * time.Second)
	for fx.durable.touchCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("durable hit never bumped access metadata")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLookupDegradesToMissWhenDurableUnavailable(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.durable.getErr = errors.New(errors.ErrCodeStoreUnavailable, "dynamo down")
	fx.durable.putErr = errors.New(errors.ErrCodeStoreUnavailable, "dynamo down")
	fx.fetcher.records["QNA"] = someRecords()

	records, err := fx.manager.LookupOrFetch(context.Background(), types.Query{DataflowID: "QNA"})
	if err != nil {
		t.Fatalf("store outage must degrade to a miss, got error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected fetched records despite outage, got %d", len(records))
	}
	if fx.fetcher.callCount() != 1 {
		t.Errorf("expected 1 upstream call, got %d", fx.fetcher.callCount())
	}
}

func TestLookupSurfacesUpstreamErrorOnTrueMiss(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.fetcher.errs["QNA"] = errors.New(errors.ErrCodeUpstreamError, "provider exploded")

	_, err := fx.manager.LookupOrFetch(context.Background(), types.Query{DataflowID: "QNA"})
	if !errors.IsUpstream(err) {
		t.Fatalf("expected UPSTREAM_ERROR, got %v", err)
	}
}

func TestLookupSurfacesRateLimitOnTrueMiss(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.fetcher.errs["QNA"] = errors.New(errors.ErrCodeRateLimited, "throttled")

	_, err := fx.manager.LookupOrFetch(context.Background(), types.Query{DataflowID: "QNA"})
	if !errors.IsRateLimited(err) {
		t.Fatalf("expected RATE_LIMITED, got %v", err)
	}
}

func TestCachedResultShieldsUpstreamFailures(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	q := types.Query{DataflowID: "QNA"}
	seedDurable(t, fx.durable, q, someRecords())
	fx.fetcher.errs["QNA"] = errors.New(errors.ErrCodeUpstreamError, "provider exploded")

	records, err := fx.manager.LookupOrFetch(context.Background(), q)
	if err != nil {
		t.Fatalf("cached entry should shield upstream failure, got %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected cached records, got %d", len(records))
	}
}

func TestLookupInvalidQuery(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)

	_, err := fx.manager.LookupOrFetch(context.Background(), types.Query{})
	if !errors.IsInvalidQuery(err) {
		t.Fatalf("expected INVALID_QUERY, got %v", err)
	}
	if fx.fetcher.callCount() != 0 {
		t.Error("invalid query must not reach upstream")
	}
}

func TestStoreMovesLargeResultsToOverflow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(o *ManagerOptions) { o.OverflowThreshold = 1 })
	q := types.Query{DataflowID: "QNA"}
	fx.fetcher.records["QNA"] = someRecords() // 2 records > threshold 1

	if _, err := fx.manager.LookupOrFetch(context.Background(), q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fx.overflow.size() != 1 {
		t.Fatalf("expected 1 overflow blob, got %d", fx.overflow.size())
	}

	key, _ := DeriveKey(q)
	entry := fx.durable.entry(key)
	if entry == nil {
		t.Fatal("no durable entry written")
	}
	if entry.OverflowRef == "" || entry.Payload != nil {
		t.Errorf("expected pointer-based entry, got payload=%d bytes ref=%q", len(entry.Payload), entry.OverflowRef)
	}

	// A cold lookup resolves the pointer through the overflow tier.
	fx.memory.Delete(key)
	records, err := fx.manager.LookupOrFetch(context.Background(), q)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records via overflow, got %d", len(records))
	}
	if fx.fetcher.callCount() != 1 {
		t.Errorf("overflow hit should not call upstream again, got %d calls", fx.fetcher.callCount())
	}
}

func TestStoreFailedDurableWriteReclaimsOverflowBlob(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(o *ManagerOptions) { o.OverflowThreshold = 1 })
	fx.durable.putErr = errors.New(errors.ErrCodeStoreUnavailable, "dynamo down")
	q := types.Query{DataflowID: "QNA"}

	err := fx.manager.Store(context.Background(), q, someRecords())
	if !errors.IsStoreUnavailable(err) {
		t.Fatalf("expected STORE_UNAVAILABLE, got %v", err)
	}
	if fx.overflow.size() != 0 {
		t.Errorf("orphaned overflow blob left behind, %d blobs remain", fx.overflow.size())
	}
}

func TestStoreOverflowFailureFailsWrite(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(o *ManagerOptions) { o.OverflowThreshold = 1 })
	fx.overflow.storeErr = errors.New(errors.ErrCodeStoreUnavailable, "s3 down")
	q := types.Query{DataflowID: "QNA"}

	err := fx.manager.Store(context.Background(), q, someRecords())
	if err == nil {
		t.Fatal("expected error when overflow write fails")
	}

	key, _ := DeriveKey(q)
	if fx.durable.has(key) {
		t.Error("durable entry written despite overflow failure")
	}
}

func TestOverflowOutageDegradesToMiss(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(o *ManagerOptions) { o.OverflowThreshold = 1 })
	q := types.Query{DataflowID: "QNA"}
	fx.fetcher.records["QNA"] = someRecords()

	if _, err := fx.manager.LookupOrFetch(context.Background(), q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, _ := DeriveKey(q)
	fx.memory.Delete(key)
	fx.overflow.fetchErr = errors.New(errors.ErrCodeStoreUnavailable, "s3 down")

	records, err := fx.manager.LookupOrFetch(context.Background(), q)
	if err != nil {
		t.Fatalf("overflow outage must degrade to a miss, got %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected refetched records, got %d", len(records))
	}
	if fx.fetcher.callCount() != 2 {
		t.Errorf("expected a second upstream call after degraded hit, got %d", fx.fetcher.callCount())
	}
}

func TestInvalidateRemovesEveryTier(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(o *ManagerOptions) { o.OverflowThreshold = 1 })
	q := types.Query{DataflowID: "QNA"}
	fx.fetcher.records["QNA"] = someRecords()

	if _, err := fx.manager.LookupOrFetch(context.Background(), q); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	key, _ := DeriveKey(q)
	if err := fx.manager.Invalidate(context.Background(), key); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := fx.memory.Get(key); ok {
		t.Error("entry survived in memory")
	}
	if fx.durable.has(key) {
		t.Error("entry survived in durable tier")
	}
	if fx.overflow.size() != 0 {
		t.Error("overflow blob survived invalidation")
	}
}

func TestInvalidateDataflowRemovesAllEntries(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, func(o *ManagerOptions) { o.OverflowThreshold = 1 })
	fx.fetcher.records["QNA"] = someRecords()
	fx.fetcher.records["EXR"] = someRecords()[:1]

	queries := []types.Query{
		{DataflowID: "QNA"},
		{DataflowID: "QNA", Filter: "USA.GDP"},
		{DataflowID: "EXR"},
	}
	for _, q := range queries {
		if _, err := fx.manager.LookupOrFetch(context.Background(), q); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if err := fx.manager.InvalidateDataflow(context.Background(), "QNA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, q := range queries[:2] {
		key, _ := DeriveKey(q)
		if fx.durable.has(key) {
			t.Errorf("entry %s survived dataflow invalidation", key)
		}
		if _, ok := fx.memory.Get(key); ok {
			t.Errorf("entry %s survived in memory", key)
		}
	}

	exrKey, _ := DeriveKey(queries[2])
	if !fx.durable.has(exrKey) {
		t.Error("unrelated dataflow entry was invalidated")
	}
}

func TestLookupStructureCachesMetadata(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	fx.fetcher.structure = []byte(`{"id":"QNA"}`)

	doc, err := fx.manager.LookupStructure(context.Background(), "QNA")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(doc) != `{"id":"QNA"}` {
		t.Errorf("unexpected structure %s", doc)
	}
	if fx.fetcher.callCount() != 1 {
		t.Fatalf("expected 1 upstream call, got %d", fx.fetcher.callCount())
	}

	entry := fx.durable.entry("structure:QNA")
	if entry == nil || entry.Class != types.ClassMetadata {
		t.Fatalf("structure not cached as metadata entry: %+v", entry)
	}

	if _, err := fx.manager.LookupStructure(context.Background(), "QNA"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fx.fetcher.callCount() != 1 {
		t.Errorf("cached structure should not call upstream, got %d calls", fx.fetcher.callCount())
	}
}

func TestConcurrentMissesOnSameKey(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, nil)
	q := types.Query{DataflowID: "QNA"}
	fx.fetcher.records["QNA"] = someRecords()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			records, err := fx.manager.LookupOrFetch(context.Background(), q)
			if err == nil && len(records) != 2 {
				err = errors.Newf(errors.ErrCodeInternalError, "got %d records", len(records))
			}
			errs[n] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("lookup %d failed: %v", i, err)
		}
	}

	key, _ := DeriveKey(q)
	if !fx.durable.has(key) {
		t.Error("no durable entry after concurrent misses")
	}
}

func TestStatisticsSummarizesRecordedLookups(t *testing.T) {
	t.Parallel()

	events := &fakeEventStore{}
	durable := newFakeDurable()
	memory := NewMemoryTier(time.Minute, time.Hour, nil)
	fetcher := newFakeFetcher()
	fetcher.records["QNA"] = someRecords()

	clk := clock.New()
	recorder := analytics.NewRecorder(events, analytics.RecorderConfig{BufferSize: 16}, nil, clk, nil)
	aggregator := analytics.NewAggregator(events, durable, clk)

	m, err := NewManager(ManagerOptions{
		Memory:     memory,
		Durable:    durable,
		Fetcher:    fetcher,
		Recorder:   recorder,
		Aggregator: aggregator,
		Clock:      clk,
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	q := types.Query{DataflowID: "QNA"}
	if _, err := m.LookupOrFetch(context.Background(), q); err != nil { // miss
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.LookupOrFetch(context.Background(), q); err != nil { // memory hit
		t.Fatalf("unexpected error: %v", err)
	}

	// Close drains the recorder so both events are persisted.
	m.Close()

	summary, err := aggregator.Summary(context.Background(), 24)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalEvents != 2 {
		t.Fatalf("expected 2 events, got %d", summary.TotalEvents)
	}
	if summary.HitRate != 0.5 {
		t.Errorf("hit rate = %v, want 0.5", summary.HitRate)
	}
	if len(summary.TopDataflows) != 1 || summary.TopDataflows[0].DataflowID != "QNA" || summary.TopDataflows[0].Events != 2 {
		t.Errorf("unexpected ranking: %+v", summary.TopDataflows)
	}
	if summary.TotalCachedEntries != 1 {
		t.Errorf("expected 1 cached entry, got %d", summary.TotalCachedEntries)
	}
}
