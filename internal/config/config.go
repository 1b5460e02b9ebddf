// Package config loads and validates statcache configuration from YAML files
// and STATCACHE_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration.
type Configuration struct {
	Global   GlobalConfig   `yaml:"global"`
	Cache    CacheConfig    `yaml:"cache"`
	Stats    StatsConfig    `yaml:"stats"`
	Prewarm  PrewarmConfig  `yaml:"prewarm"`
	AWS      AWSConfig      `yaml:"aws"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// GlobalConfig represents global application settings.
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsPort int    `yaml:"metrics_port"`
}

// CacheConfig represents cache tier and freshness settings.
type CacheConfig struct {
	// Memory tier
	MemoryTTL           time.Duration `yaml:"memory_ttl"`
	MemorySweepInterval time.Duration `yaml:"memory_sweep_interval"`

	// Freshness policy
	ObservationShortTTL time.Duration `yaml:"observation_short_ttl"`
	ObservationLongTTL  time.Duration `yaml:"observation_long_ttl"`
	DefaultTTL          time.Duration `yaml:"default_ttl"`
	MetadataTTL         time.Duration `yaml:"metadata_ttl"`

	// Payloads with more observations than this move to the overflow tier.
	// Zero disables overflow entirely.
	OverflowThreshold int `yaml:"overflow_threshold"`
}

// StatsConfig represents access analytics settings.
type StatsConfig struct {
	Retention     time.Duration `yaml:"retention"`
	PurgeInterval time.Duration `yaml:"purge_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// PrewarmConfig represents background pre-warming settings.
type PrewarmConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Dataflows []string      `yaml:"dataflows"`
	Delay     time.Duration `yaml:"delay"`
	Interval  time.Duration `yaml:"interval"`
}

// AWSConfig represents the DynamoDB and S3 backend settings.
type AWSConfig struct {
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	EntriesTable    string        `yaml:"entries_table"`
	EventsTable     string        `yaml:"events_table"`
	OverflowBucket  string        `yaml:"overflow_bucket"`
	OverflowPrefix  string        `yaml:"overflow_prefix"`
	DurableTimeout  time.Duration `yaml:"durable_timeout"`
	OverflowTimeout time.Duration `yaml:"overflow_timeout"`
}

// UpstreamConfig represents the upstream data provider settings. BaseURL is
// optional; without it the daemon serves cached data only and misses fail.
type UpstreamConfig struct {
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NewDefault returns a configuration with production defaults.
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			MetricsPort: 9090,
		},
		Cache: CacheConfig{
			MemoryTTL:           60 * time.Second,
			MemorySweepInterval: 30 * time.Second,
			ObservationShortTTL: 24 * time.Hour,
			ObservationLongTTL:  7 * 24 * time.Hour,
			DefaultTTL:          24 * time.Hour,
			MetadataTTL:         30 * 24 * time.Hour,
			OverflowThreshold:   10000,
		},
		Stats: StatsConfig{
			Retention:     30 * 24 * time.Hour,
			PurgeInterval: time.Hour,
			BufferSize:    1024,
		},
		Prewarm: PrewarmConfig{
			Enabled:  false,
			Delay:    time.Second,
			Interval: 12 * time.Hour,
		},
		AWS: AWSConfig{
			Region:          "us-east-1",
			EntriesTable:    "statcache-entries",
			EventsTable:     "statcache-events",
			OverflowBucket:  "statcache-overflow",
			OverflowPrefix:  "overflow",
			DurableTimeout:  2 * time.Second,
			OverflowTimeout: 5 * time.Second,
		},
		Upstream: UpstreamConfig{
			UserAgent: "statcache",
			Timeout:   30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file, overlaying defaults.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	return nil
}

// LoadFromEnv applies STATCACHE_* environment variable overrides.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("STATCACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("STATCACHE_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid STATCACHE_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}
	if val := os.Getenv("STATCACHE_MEMORY_TTL"); val != "" {
		ttl, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid STATCACHE_MEMORY_TTL: %w", err)
		}
		c.Cache.MemoryTTL = ttl
	}
	if val := os.Getenv("STATCACHE_OVERFLOW_THRESHOLD"); val != "" {
		threshold, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid STATCACHE_OVERFLOW_THRESHOLD: %w", err)
		}
		c.Cache.OverflowThreshold = threshold
	}
	if val := os.Getenv("STATCACHE_STATS_RETENTION"); val != "" {
		retention, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid STATCACHE_STATS_RETENTION: %w", err)
		}
		c.Stats.Retention = retention
	}
	if val := os.Getenv("STATCACHE_PREWARM_ENABLED"); val != "" {
		c.Prewarm.Enabled = strings.EqualFold(val, "true") || val == "1"
	}
	if val := os.Getenv("STATCACHE_PREWARM_DATAFLOWS"); val != "" {
		c.Prewarm.Dataflows = splitAndTrim(val)
	}
	if val := os.Getenv("STATCACHE_PREWARM_DELAY"); val != "" {
		delay, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid STATCACHE_PREWARM_DELAY: %w", err)
		}
		c.Prewarm.Delay = delay
	}
	if val := os.Getenv("STATCACHE_AWS_REGION"); val != "" {
		c.AWS.Region = val
	}
	if val := os.Getenv("STATCACHE_AWS_ENDPOINT"); val != "" {
		c.AWS.Endpoint = val
	}
	if val := os.Getenv("STATCACHE_ENTRIES_TABLE"); val != "" {
		c.AWS.EntriesTable = val
	}
	if val := os.Getenv("STATCACHE_EVENTS_TABLE"); val != "" {
		c.AWS.EventsTable = val
	}
	if val := os.Getenv("STATCACHE_OVERFLOW_BUCKET"); val != "" {
		c.AWS.OverflowBucket = val
	}
	if val := os.Getenv("STATCACHE_UPSTREAM_URL"); val != "" {
		c.Upstream.BaseURL = val
	}
	if val := os.Getenv("STATCACHE_UPSTREAM_TIMEOUT"); val != "" {
		timeout, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid STATCACHE_UPSTREAM_TIMEOUT: %w", err)
		}
		c.Upstream.Timeout = timeout
	}
	return nil
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Configuration) Validate() error {
	switch strings.ToUpper(c.Global.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("invalid log level: %s", c.Global.LogLevel)
	}
	if c.Global.MetricsPort < 0 || c.Global.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.Global.MetricsPort)
	}
	if c.Cache.MemoryTTL <= 0 {
		return fmt.Errorf("memory_ttl must be positive, got %v", c.Cache.MemoryTTL)
	}
	if c.Cache.MemorySweepInterval <= 0 {
		return fmt.Errorf("memory_sweep_interval must be positive, got %v", c.Cache.MemorySweepInterval)
	}
	if c.Cache.ObservationShortTTL <= 0 || c.Cache.ObservationLongTTL <= 0 ||
		c.Cache.DefaultTTL <= 0 || c.Cache.MetadataTTL <= 0 {
		return fmt.Errorf("freshness TTLs must be positive")
	}
	if c.Cache.ObservationShortTTL > c.Cache.ObservationLongTTL {
		return fmt.Errorf("observation_short_ttl (%v) exceeds observation_long_ttl (%v)",
			c.Cache.ObservationShortTTL, c.Cache.ObservationLongTTL)
	}
	if c.Cache.OverflowThreshold < 0 {
		return fmt.Errorf("overflow_threshold must not be negative, got %d", c.Cache.OverflowThreshold)
	}
	if c.Stats.Retention <= 0 {
		return fmt.Errorf("stats retention must be positive, got %v", c.Stats.Retention)
	}
	if c.Stats.BufferSize <= 0 {
		return fmt.Errorf("stats buffer_size must be positive, got %d", c.Stats.BufferSize)
	}
	if c.Prewarm.Delay <= 0 {
		return fmt.Errorf("prewarm delay must be positive, got %v", c.Prewarm.Delay)
	}
	if c.Prewarm.Enabled && c.Prewarm.Interval <= 0 {
		return fmt.Errorf("prewarm interval must be positive, got %v", c.Prewarm.Interval)
	}
	if c.AWS.EntriesTable == "" || c.AWS.EventsTable == "" {
		return fmt.Errorf("entries_table and events_table are required")
	}
	if c.Cache.OverflowThreshold > 0 && c.AWS.OverflowBucket == "" {
		return fmt.Errorf("overflow_bucket is required when overflow_threshold is set")
	}
	if c.AWS.DurableTimeout <= 0 || c.AWS.OverflowTimeout <= 0 {
		return fmt.Errorf("tier timeouts must be positive")
	}
	if c.Upstream.BaseURL == "" && c.Prewarm.Enabled {
		return fmt.Errorf("prewarm requires upstream base_url")
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream timeout must be positive, got %v", c.Upstream.Timeout)
	}
	return nil
}

// Load builds the effective configuration: defaults, then the optional file,
// then environment overrides, then validation.
func Load(filename string) (*Configuration, error) {
	cfg := NewDefault()
	if filename != "" {
		if err := cfg.LoadFromFile(filename); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
