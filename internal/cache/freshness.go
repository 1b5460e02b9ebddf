package cache

import (
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/statcache/statcache/pkg/types"
)

// FreshnessConfig holds the TTLs handed out by the freshness policy.
type FreshnessConfig struct {
	// ObservationShortTTL applies to queries whose start period falls within
	// RecentWindow of now. Recent data gets revised often upstream.
	ObservationShortTTL time.Duration

	// ObservationLongTTL applies to historical queries.
	ObservationLongTTL time.Duration

	// DefaultTTL applies when the start period is absent or unparsable.
	DefaultTTL time.Duration

	// MetadataTTL applies to dataflow structure entries.
	MetadataTTL time.Duration
}

// recentWindow is how far back a start period may lie and still count as
// recent: 3 calendar months.
const recentWindowMonths = 3

// FreshnessPolicy computes entry TTLs from a query's temporal
// characteristics. It never fails: unparsable input degrades to the default
// TTL rather than an error.
type FreshnessPolicy struct {
	config FreshnessConfig
	clock  clock.Clock
}

// NewFreshnessPolicy creates a policy with the given TTLs. A nil clock
// defaults to the wall clock.
func NewFreshnessPolicy(config FreshnessConfig, clk clock.Clock) *FreshnessPolicy {
	if clk == nil {
		clk = clock.New()
	}
	if config.ObservationShortTTL <= 0 {
		config.ObservationShortTTL = 24 * time.Hour
	}
	if config.ObservationLongTTL <= 0 {
		config.ObservationLongTTL = 7 * 24 * time.Hour
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 24 * time.Hour
	}
	if config.MetadataTTL <= 0 {
		config.MetadataTTL = 30 * 24 * time.Hour
	}
	return &FreshnessPolicy{config: config, clock: clk}
}

// TTLFor returns the time-to-live for an entry of the given class. For
// observations the start period decides between the short and long TTL.
func (p *FreshnessPolicy) TTLFor(class types.EntryClass, startPeriod string) time.Duration {
	if class == types.ClassMetadata {
		return p.config.MetadataTTL
	}

	start, ok := parsePeriod(startPeriod)
	if !ok {
		return p.config.DefaultTTL
	}

	cutoff := p.clock.Now().AddDate(0, -recentWindowMonths, 0)
	if start.After(cutoff) {
		return p.config.ObservationShortTTL
	}
	return p.config.ObservationLongTTL
}

// Expired reports whether an entry written at cachedAt has outlived its TTL.
func (p *FreshnessPolicy) Expired(entry *types.CacheEntry) bool {
	ttl := p.TTLFor(entry.Class, entry.StartPeriod)
	return p.clock.Now().After(entry.CachedAt.Add(ttl))
}

// parsePeriod parses an SDMX-style reporting period into its starting
// calendar point. Supported formats: 2006, 2006-01, 2006-01-02 and
// quarters such as 2006-Q3.
func parsePeriod(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}

	if year, quarter, ok := parseQuarter(s); ok {
		return time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC), true
	}

	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func parseQuarter(s string) (year, quarter int, ok bool) {
	parts := strings.SplitN(s, "-Q", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil || len(parts[0]) != 4 {
		return 0, 0, false
	}
	quarter, err = strconv.Atoi(parts[1])
	if err != nil || quarter < 1 || quarter > 4 {
		return 0, 0, false
	}
	return year, quarter, true
}
