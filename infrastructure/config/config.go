// Package config provides the engine configuration surface with
// environment-variable overrides.
package config

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
)

// Thresholds holds the byte thresholds that gate value transformation.
type Thresholds struct {
	Compression int
	Chunking    int
}

// CompressionMode selects the compression strategy variant.
type CompressionMode string

const (
	CompressionFixed    CompressionMode = "fixed"
	CompressionAdaptive CompressionMode = "adaptive"
)

// AdaptiveConfig tunes adaptive compression level selection.
type AdaptiveConfig struct {
	SampleSize         int
	HighThreshold      float64
	LowThreshold       float64
	FrequencyThreshold int64
}

// CompressionConfig configures the compression strategies.
type CompressionConfig struct {
	Enabled  bool
	Mode     CompressionMode
	Level    int
	Adaptive AdaptiveConfig
}

// ChunkingConfig configures the chunking strategy.
type ChunkingConfig struct {
	Enabled     bool
	ChunkSize   int
	LazyLoading bool
	SmartSizing bool
}

// SerializationConfig configures the smart serialization strategy.
type SerializationConfig struct {
	Enabled       bool
	SizeThreshold int
}

// EncryptionConfig configures the encryption strategy.
type EncryptionConfig struct {
	Enabled    bool
	EncryptAll bool
	Keys       []string
	Patterns   []string
}

// StrategiesConfig groups per-strategy configuration.
type StrategiesConfig struct {
	Compression   CompressionConfig
	Chunking      ChunkingConfig
	Serialization SerializationConfig
	Encryption    EncryptionConfig
}

// FallbackConfig controls strategy failure behavior.
type FallbackConfig struct {
	Enabled   bool
	LogErrors bool
}

// MonitoringConfig controls the in-store performance metrics.
type MonitoringConfig struct {
	Enabled            bool
	MetricsTTL         time.Duration
	RecentEntriesLimit int
}

// WarningsConfig holds the analyze-performance thresholds.
type WarningsConfig struct {
	HitRatioThreshold          float64
	OptimizationRatioThreshold float64
	SlowWriteThreshold         time.Duration
}

// DriverConfig enables strategies per backend driver.
type DriverConfig struct {
	Compression bool
	Chunking    bool
}

// EventsConfig enables the event sink and individual event names.
type EventsConfig struct {
	Enabled  bool
	Dispatch map[string]bool
}

// CircuitBreakerConfig tunes the backend circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// RateLimiterConfig holds the rate limiter defaults.
type RateLimiterConfig struct {
	Window      time.Duration
	MaxAttempts int
}

// CostAwareConfig enables the cost-aware scorer.
type CostAwareConfig struct {
	Enabled bool
}

// Config is the full engine configuration surface.
type Config struct {
	Thresholds     Thresholds
	Strategies     StrategiesConfig
	Fallback       FallbackConfig
	Monitoring     MonitoringConfig
	Warnings       WarningsConfig
	Drivers        map[string]DriverConfig
	Events         EventsConfig
	CircuitBreaker CircuitBreakerConfig
	RateLimiter    RateLimiterConfig
	CostAware      CostAwareConfig
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Thresholds: Thresholds{
			Compression: 1024,
			Chunking:    51200,
		},
		Strategies: StrategiesConfig{
			Compression: CompressionConfig{
				Enabled: true,
				Mode:    CompressionFixed,
				Level:   6,
				Adaptive: AdaptiveConfig{
					SampleSize:         1024,
					HighThreshold:      0.3,
					LowThreshold:       0.8,
					FrequencyThreshold: 100,
				},
			},
			Chunking: ChunkingConfig{
				Enabled:   true,
				ChunkSize: 1000,
			},
			Serialization: SerializationConfig{
				Enabled:       true,
				SizeThreshold: 1024,
			},
			Encryption: EncryptionConfig{},
		},
		Fallback: FallbackConfig{
			Enabled:   true,
			LogErrors: true,
		},
		Monitoring: MonitoringConfig{
			Enabled:            true,
			MetricsTTL:         24 * time.Hour,
			RecentEntriesLimit: 100,
		},
		Warnings: WarningsConfig{
			HitRatioThreshold:          0.5,
			OptimizationRatioThreshold: 0.1,
			SlowWriteThreshold:         100 * time.Millisecond,
		},
		Drivers: map[string]DriverConfig{
			"memory": {Compression: true, Chunking: true},
			"redis":  {Compression: true, Chunking: true},
			"sql":    {Compression: true, Chunking: true},
		},
		Events: EventsConfig{},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		},
		RateLimiter: RateLimiterConfig{
			Window:      time.Minute,
			MaxAttempts: 60,
		},
		CostAware: CostAwareConfig{},
	}
}

// FromEnv returns DefaultConfig overridden by environment variables.
func FromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Thresholds.Compression = GetEnvInt("SMARTCACHE_COMPRESSION_THRESHOLD", cfg.Thresholds.Compression)
	cfg.Thresholds.Chunking = GetEnvInt("SMARTCACHE_CHUNKING_THRESHOLD", cfg.Thresholds.Chunking)

	cfg.Strategies.Compression.Enabled = GetEnvBool("SMARTCACHE_COMPRESSION_ENABLED", cfg.Strategies.Compression.Enabled)
	if mode := GetEnv("SMARTCACHE_COMPRESSION_MODE", ""); mode != "" {
		cfg.Strategies.Compression.Mode = CompressionMode(mode)
	}
	cfg.Strategies.Compression.Level = GetEnvInt("SMARTCACHE_COMPRESSION_LEVEL", cfg.Strategies.Compression.Level)
	cfg.Strategies.Chunking.Enabled = GetEnvBool("SMARTCACHE_CHUNKING_ENABLED", cfg.Strategies.Chunking.Enabled)
	cfg.Strategies.Chunking.ChunkSize = GetEnvInt("SMARTCACHE_CHUNK_SIZE", cfg.Strategies.Chunking.ChunkSize)
	cfg.Strategies.Chunking.LazyLoading = GetEnvBool("SMARTCACHE_LAZY_LOADING", cfg.Strategies.Chunking.LazyLoading)
	cfg.Strategies.Chunking.SmartSizing = GetEnvBool("SMARTCACHE_SMART_SIZING", cfg.Strategies.Chunking.SmartSizing)

	cfg.Fallback.Enabled = GetEnvBool("SMARTCACHE_FALLBACK_ENABLED", cfg.Fallback.Enabled)
	cfg.Fallback.LogErrors = GetEnvBool("SMARTCACHE_FALLBACK_LOG_ERRORS", cfg.Fallback.LogErrors)

	cfg.Monitoring.Enabled = GetEnvBool("SMARTCACHE_MONITORING_ENABLED", cfg.Monitoring.Enabled)
	cfg.Monitoring.MetricsTTL = GetEnvDuration("SMARTCACHE_METRICS_TTL", cfg.Monitoring.MetricsTTL)

	cfg.CircuitBreaker.Enabled = GetEnvBool("SMARTCACHE_CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreaker.Enabled)
	cfg.CircuitBreaker.FailureThreshold = GetEnvInt("SMARTCACHE_CB_FAILURE_THRESHOLD", cfg.CircuitBreaker.FailureThreshold)
	cfg.CircuitBreaker.RecoveryTimeout = GetEnvDuration("SMARTCACHE_CB_RECOVERY_TIMEOUT", cfg.CircuitBreaker.RecoveryTimeout)
	cfg.CircuitBreaker.SuccessThreshold = GetEnvInt("SMARTCACHE_CB_SUCCESS_THRESHOLD", cfg.CircuitBreaker.SuccessThreshold)

	cfg.RateLimiter.Window = GetEnvDuration("SMARTCACHE_RATE_WINDOW", cfg.RateLimiter.Window)
	cfg.RateLimiter.MaxAttempts = GetEnvInt("SMARTCACHE_RATE_MAX_ATTEMPTS", cfg.RateLimiter.MaxAttempts)

	cfg.CostAware.Enabled = GetEnvBool("SMARTCACHE_COST_AWARE_ENABLED", cfg.CostAware.Enabled)

	return cfg
}

// DriverFor returns the per-driver strategy toggles, defaulting to all-enabled
// for drivers without an explicit entry.
func (c *Config) DriverFor(name string) DriverConfig {
	if c.Drivers != nil {
		if d, ok := c.Drivers[name]; ok {
			return d
		}
	}
	return DriverConfig{Compression: true, Chunking: true}
}

// EventEnabled reports whether the named event should be dispatched.
func (c *Config) EventEnabled(name string) bool {
	if !c.Events.Enabled {
		return false
	}
	if c.Events.Dispatch == nil {
		return true
	}
	enabled, ok := c.Events.Dispatch[name]
	if !ok {
		return true
	}
	return enabled
}

// String renders the size-sensitive parts of the configuration for logs.
func (c *Config) String() string {
	return fmt.Sprintf("thresholds{compression=%s chunking=%s} chunk_size=%d",
		datasize.ByteSize(c.Thresholds.Compression).HumanReadable(),
		datasize.ByteSize(c.Thresholds.Chunking).HumanReadable(),
		c.Strategies.Chunking.ChunkSize)
}
