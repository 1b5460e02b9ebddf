package cache

import (
	"strconv"
	"strings"

	"github.com/statcache/statcache/pkg/errors"
	"github.com/statcache/statcache/pkg/types"
)

// Cache keys are colon-joined and deterministic: two logically identical
// queries always derive the same key. Absent optional fields normalize to
// fixed placeholders so derivation is total over the query space.
const (
	observationKeyPrefix = "data"
	structureKeyPrefix   = "structure"
	allFilter            = "all"
)

// DeriveKey derives the cache key for an observation query. The dataflow id
// is required; everything else is optional.
func DeriveKey(q types.Query) (string, error) {
	dataflow := strings.TrimSpace(q.DataflowID)
	if dataflow == "" {
		return "", errors.New(errors.ErrCodeInvalidQuery, "dataflow id is required")
	}
	// The colon is the key separator; letting it into a field would make
	// distinct queries collide on the same key.
	if strings.Contains(dataflow, ":") {
		return "", errors.Newf(errors.ErrCodeInvalidQuery, "dataflow id must not contain ':', got %q", dataflow)
	}
	if q.MaxResults < 0 {
		return "", errors.Newf(errors.ErrCodeInvalidQuery, "max results must not be negative, got %d", q.MaxResults)
	}

	filter := strings.TrimSpace(q.Filter)
	if filter == "" {
		filter = allFilter
	}
	if strings.Contains(filter, ":") {
		return "", errors.Newf(errors.ErrCodeInvalidQuery, "filter must not contain ':', got %q", filter)
	}

	start := strings.TrimSpace(q.StartPeriod)
	end := strings.TrimSpace(q.EndPeriod)
	if strings.Contains(start, ":") || strings.Contains(end, ":") {
		return "", errors.New(errors.ErrCodeInvalidQuery, "periods must not contain ':'")
	}

	count := ""
	if q.MaxResults > 0 {
		count = strconv.Itoa(q.MaxResults)
	}

	parts := []string{
		observationKeyPrefix,
		dataflow,
		filter,
		start,
		end,
		count,
	}
	return strings.Join(parts, ":"), nil
}

// DeriveStructureKey derives the cache key for a dataflow structure
// (metadata) lookup.
func DeriveStructureKey(dataflowID string) (string, error) {
	dataflow := strings.TrimSpace(dataflowID)
	if dataflow == "" {
		return "", errors.New(errors.ErrCodeInvalidQuery, "dataflow id is required")
	}
	if strings.Contains(dataflow, ":") {
		return "", errors.Newf(errors.ErrCodeInvalidQuery, "dataflow id must not contain ':', got %q", dataflow)
	}
	return structureKeyPrefix + ":" + dataflow, nil
}
