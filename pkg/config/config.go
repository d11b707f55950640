// Package config provides the unified configuration for nebulakv.
// A single Config structure carries one section per component of the
// acceleration layer, so the pool, batcher, caches and monitor are always
// configured together.
//
// The configuration is organized into logical sections:
//   - Redis: address and timeouts of the backing store
//   - Pool: connection pool bounds, acquire timeout and maintenance
//   - Batcher: batch size, flush window, concurrency cap and priorities
//   - Prefetch: value cache bounds, popularity and background refresh
//   - Optimizer: query rewriting, index hints and result caching
//   - Monitor: recommendation thresholds and sampling
//   - Engine: metrics pump interval
//   - Logging: zap logger settings
//   - Tracing: OpenTelemetry span export
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Pool.MaxConnections = 32
//	cfg.Batcher.MaxWaitTime = 5 * time.Millisecond
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"

	"github.com/ajitpratap0/nebulakv/pkg/logger"
)

// Config is the single configuration structure for the acceleration layer.
type Config struct {
	// Redis configures the backing store client
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Pool configures the connection pool
	Pool PoolConfig `yaml:"pool" json:"pool"`

	// Batcher configures request batching
	Batcher BatcherConfig `yaml:"batcher" json:"batcher"`

	// Prefetch configures the value cache
	Prefetch PrefetchConfig `yaml:"prefetch" json:"prefetch"`

	// Optimizer configures the query optimizer
	Optimizer OptimizerConfig `yaml:"optimizer" json:"optimizer"`

	// Monitor configures the performance monitor
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Engine configures how the components are driven together
	Engine EngineConfig `yaml:"engine" json:"engine"`

	// Logging configures the zap logger
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Tracing configures OpenTelemetry spans around engine operations
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// RedisConfig holds the backing store connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr" json:"addr"`
	Username     string        `yaml:"username" json:"username"`
	Password     string        `yaml:"password" json:"password"`
	DB           int           `yaml:"db" json:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	// MinConnections is kept alive by background maintenance
	MinConnections int `yaml:"min_connections" json:"min_connections"`
	// MaxConnections caps live connections, loaned or free
	MaxConnections int `yaml:"max_connections" json:"max_connections"`
	// AcquireTimeout bounds how long Acquire waits for a free connection
	AcquireTimeout time.Duration `yaml:"acquire_timeout" json:"acquire_timeout"`
	// IdleTimeout marks a free connection as reapable above MinConnections
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// MaxRetries bounds dial retries when creating a connection
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// MaintenanceInterval is the period of reaping, health checks and top-up
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" json:"maintenance_interval"`
	// HealthCheckTimeout bounds a single ping during maintenance
	HealthCheckTimeout time.Duration `yaml:"health_check_timeout" json:"health_check_timeout"`
}

// BatcherConfig contains request batching settings.
type BatcherConfig struct {
	// MaxBatchSize caps requests per batch and triggers an immediate flush
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`
	// MaxWaitTime is the flush timer armed on the first enqueue
	MaxWaitTime time.Duration `yaml:"max_wait_time" json:"max_wait_time"`
	// MaxConcurrentBatches caps batches executing at once
	MaxConcurrentBatches int `yaml:"max_concurrent_batches" json:"max_concurrent_batches"`
	// PriorityLevels is the number of FIFO queues, highest index drains first
	PriorityLevels int `yaml:"priority_levels" json:"priority_levels"`
	// AgingThreshold promotes a request one level after waiting this long (0 = off)
	AgingThreshold time.Duration `yaml:"aging_threshold" json:"aging_threshold"`
}

// PrefetchConfig contains value cache settings.
type PrefetchConfig struct {
	// Enabled turns caching on; when off Get and MGet go straight to the store
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxCacheSize caps the number of cached entries
	MaxCacheSize int `yaml:"max_cache_size" json:"max_cache_size"`
	// MaxCacheBytes caps the total size of cached keys and values (0 = no byte bound)
	MaxCacheBytes int64 `yaml:"max_cache_bytes" json:"max_cache_bytes"`
	// PrefetchThreshold is the popularity above which entries are refreshed
	PrefetchThreshold float64 `yaml:"prefetch_threshold" json:"prefetch_threshold"`
	// BackgroundRefreshInterval is the maintenance tick period
	BackgroundRefreshInterval time.Duration `yaml:"background_refresh_interval" json:"background_refresh_interval"`
	// PopularityDecayFactor multiplies every popularity on each tick
	PopularityDecayFactor float64 `yaml:"popularity_decay_factor" json:"popularity_decay_factor"`
	// TTL is the lifetime of a cached value
	TTL time.Duration `yaml:"ttl" json:"ttl"`
	// RefreshWindow is how close to expiry a hot entry must be to be refreshed
	RefreshWindow time.Duration `yaml:"refresh_window" json:"refresh_window"`
	// RefreshRatePerSec limits keys refreshed per second (0 = unlimited)
	RefreshRatePerSec int `yaml:"refresh_rate_per_sec" json:"refresh_rate_per_sec"`
	// Compression is the codec for large cached values: none, s2, lz4 or zstd
	Compression string `yaml:"compression" json:"compression"`
	// CompressMinBytes is the value size from which Compression applies
	CompressMinBytes int `yaml:"compress_min_bytes" json:"compress_min_bytes"`
}

// OptimizerConfig contains query optimizer settings.
type OptimizerConfig struct {
	EnableIndexHints     bool `yaml:"enable_index_hints" json:"enable_index_hints"`
	EnableQueryRewriting bool `yaml:"enable_query_rewriting" json:"enable_query_rewriting"`
	EnableResultCaching  bool `yaml:"enable_result_caching" json:"enable_result_caching"`
	// MaxComplexity rejects queries whose estimated cost exceeds it (0 = unlimited)
	MaxComplexity float64 `yaml:"max_complexity" json:"max_complexity"`
	// Timeout bounds a single search against the store
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// DefaultCacheTTL applies to cheap queries
	DefaultCacheTTL time.Duration `yaml:"default_cache_ttl" json:"default_cache_ttl"`
	// ExpensiveCacheTTL applies to queries costing more than ExpensiveCostThreshold
	ExpensiveCacheTTL      time.Duration `yaml:"expensive_cache_ttl" json:"expensive_cache_ttl"`
	ExpensiveCostThreshold float64       `yaml:"expensive_cost_threshold" json:"expensive_cost_threshold"`
	// MaxCacheEntries bounds the result cache
	MaxCacheEntries int `yaml:"max_cache_entries" json:"max_cache_entries"`
	// MinEF is the floor of the ef clamp
	MinEF int `yaml:"min_ef" json:"min_ef"`
}

// MonitorConfig contains performance monitor settings.
type MonitorConfig struct {
	// SampleInterval is the period of process memory sampling (0 = off)
	SampleInterval time.Duration `yaml:"sample_interval" json:"sample_interval"`
	// LatencyWindow is the number of latency samples kept for percentiles
	LatencyWindow int `yaml:"latency_window" json:"latency_window"`

	PoolUtilizationThreshold    float64       `yaml:"pool_utilization_threshold" json:"pool_utilization_threshold"`
	BatchingEfficiencyThreshold float64       `yaml:"batching_efficiency_threshold" json:"batching_efficiency_threshold"`
	CacheHitRateThreshold       float64       `yaml:"cache_hit_rate_threshold" json:"cache_hit_rate_threshold"`
	LatencyP95Threshold         time.Duration `yaml:"latency_p95_threshold" json:"latency_p95_threshold"`
	MemoryThresholdMB           float64       `yaml:"memory_threshold_mb" json:"memory_threshold_mb"`
}

// EngineConfig contains settings for driving the components together.
type EngineConfig struct {
	// MetricsInterval is how often component metrics are pushed to the monitor (0 = manual)
	MetricsInterval time.Duration `yaml:"metrics_interval" json:"metrics_interval"`
	// ShutdownTimeout bounds the final batcher flush on Close
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// TracingConfig contains OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	// Exporter selects where spans go; only "stdout" is built in
	Exporter     string  `yaml:"exporter" json:"exporter"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
}

// Default creates a Config with production-ready defaults.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Redis.Addr = "redis:6379"
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Pool: PoolConfig{
			MinConnections:      2,
			MaxConnections:      10,
			AcquireTimeout:      5 * time.Second,
			IdleTimeout:         5 * time.Minute,
			MaxRetries:          3,
			MaintenanceInterval: 30 * time.Second,
			HealthCheckTimeout:  2 * time.Second,
		},
		Batcher: BatcherConfig{
			MaxBatchSize:         100,
			MaxWaitTime:          10 * time.Millisecond,
			MaxConcurrentBatches: 10,
			PriorityLevels:       3,
		},
		Prefetch: PrefetchConfig{
			Enabled:                   true,
			MaxCacheSize:              10000,
			MaxCacheBytes:             64 << 20, // 64MiB
			PrefetchThreshold:         5,
			BackgroundRefreshInterval: 30 * time.Second,
			PopularityDecayFactor:     0.9,
			TTL:                       5 * time.Minute,
			RefreshWindow:             time.Minute,
			RefreshRatePerSec:         1000,
			Compression:               "s2",
			CompressMinBytes:          1024,
		},
		Optimizer: OptimizerConfig{
			EnableIndexHints:       true,
			EnableQueryRewriting:   true,
			EnableResultCaching:    true,
			MaxComplexity:          100,
			Timeout:                5 * time.Second,
			DefaultCacheTTL:        5 * time.Minute,
			ExpensiveCacheTTL:      30 * time.Minute,
			ExpensiveCostThreshold: 5,
			MaxCacheEntries:        5000,
			MinEF:                  100,
		},
		Monitor: MonitorConfig{
			SampleInterval:              30 * time.Second,
			LatencyWindow:               1000,
			PoolUtilizationThreshold:    0.85,
			BatchingEfficiencyThreshold: 0.5,
			CacheHitRateThreshold:       0.7,
			LatencyP95Threshold:         100 * time.Millisecond,
			MemoryThresholdMB:           1024,
		},
		Engine: EngineConfig{
			MetricsInterval: 15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Tracing: TracingConfig{
			ServiceName:  "nebulakv",
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
	}
}

// Validate checks the configuration for correctness.
// Components call it on construction; callers should call it after loading.
func (c *Config) Validate() error {
	if err := c.Pool.Validate(); err != nil {
		return err
	}
	if err := c.Batcher.Validate(); err != nil {
		return err
	}
	if err := c.Prefetch.Validate(); err != nil {
		return err
	}
	if err := c.Optimizer.Validate(); err != nil {
		return err
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

// Validate checks the tracing section.
func (t *TracingConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.Exporter != "stdout" {
		return fmt.Errorf("tracing.exporter %q is not supported", t.Exporter)
	}
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be in [0, 1]")
	}
	return nil
}

// Validate checks the pool section.
func (p *PoolConfig) Validate() error {
	if p.MinConnections < 0 {
		return fmt.Errorf("pool.min_connections cannot be negative")
	}
	if p.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if p.MinConnections > p.MaxConnections {
		return fmt.Errorf("pool.min_connections (%d) exceeds max_connections (%d)", p.MinConnections, p.MaxConnections)
	}
	if p.AcquireTimeout <= 0 {
		return fmt.Errorf("pool.acquire_timeout must be positive")
	}
	if p.MaxRetries < 0 {
		return fmt.Errorf("pool.max_retries cannot be negative")
	}
	return nil
}

// Validate checks the batcher section.
func (b *BatcherConfig) Validate() error {
	if b.MaxBatchSize <= 0 {
		return fmt.Errorf("batcher.max_batch_size must be positive")
	}
	if b.MaxWaitTime <= 0 {
		return fmt.Errorf("batcher.max_wait_time must be positive")
	}
	if b.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("batcher.max_concurrent_batches must be positive")
	}
	if b.PriorityLevels < 1 {
		return fmt.Errorf("batcher.priority_levels must be at least 1")
	}
	return nil
}

// Validate checks the prefetch section.
func (p *PrefetchConfig) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.MaxCacheSize <= 0 {
		return fmt.Errorf("prefetch.max_cache_size must be positive")
	}
	if p.MaxCacheBytes < 0 {
		return fmt.Errorf("prefetch.max_cache_bytes cannot be negative")
	}
	if p.PopularityDecayFactor <= 0 || p.PopularityDecayFactor > 1 {
		return fmt.Errorf("prefetch.popularity_decay_factor must be in (0, 1]")
	}
	if p.TTL <= 0 {
		return fmt.Errorf("prefetch.ttl must be positive")
	}
	switch p.Compression {
	case "", "none", "s2", "lz4", "zstd":
	default:
		return fmt.Errorf("prefetch.compression %q is not one of none, s2, lz4, zstd", p.Compression)
	}
	if p.CompressMinBytes < 0 {
		return fmt.Errorf("prefetch.compress_min_bytes cannot be negative")
	}
	return nil
}

// Validate checks the optimizer section.
func (o *OptimizerConfig) Validate() error {
	if o.MaxComplexity < 0 {
		return fmt.Errorf("optimizer.max_complexity cannot be negative")
	}
	if o.EnableResultCaching && (o.DefaultCacheTTL <= 0 || o.ExpensiveCacheTTL <= 0) {
		return fmt.Errorf("optimizer cache TTLs must be positive when result caching is enabled")
	}
	if o.MaxCacheEntries < 0 {
		return fmt.Errorf("optimizer.max_cache_entries cannot be negative")
	}
	return nil
}

// Validate checks the monitor section.
func (m *MonitorConfig) Validate() error {
	if m.LatencyWindow < 0 {
		return fmt.Errorf("monitor.latency_window cannot be negative")
	}
	if m.PoolUtilizationThreshold < 0 || m.PoolUtilizationThreshold > 1 {
		return fmt.Errorf("monitor.pool_utilization_threshold must be in [0, 1]")
	}
	return nil
}
