package types

import (
	"testing"
	"time"
)

func TestCacheEntryValidate(t *testing.T) {
	t.Parallel()

	base := CacheEntry{
		Key:        "data:QNA:USA.GDP:2024-Q1:2024-Q4:100",
		DataflowID: "QNA",
		Class:      ClassObservation,
		CachedAt:   time.Now(),
	}

	tests := []struct {
		name    string
		mutate  func(*CacheEntry)
		wantErr bool
	}{
		{
			name:   "inline payload",
			mutate: func(e *CacheEntry) { e.Payload = []byte(`[]`) },
		},
		{
			name:   "overflow reference",
			mutate: func(e *CacheEntry) { e.OverflowRef = "QNA/blob.json" },
		},
		{
			name: "empty key",
			mutate: func(e *CacheEntry) {
				e.Key = ""
				e.Payload = []byte(`[]`)
			},
			wantErr: true,
		},
		{
			name: "payload and reference both set",
			mutate: func(e *CacheEntry) {
				e.Payload = []byte(`[]`)
				e.OverflowRef = "QNA/blob.json"
			},
			wantErr: true,
		},
		{
			name:    "neither payload nor reference",
			mutate:  func(e *CacheEntry) {},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			entry := base
			tt.mutate(&entry)

			err := entry.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected validation error: %v", err)
			}
		})
	}
}
