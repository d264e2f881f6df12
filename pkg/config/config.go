// Package config provides the unified configuration system for Strataflow.
// It defines a single ConnectorConfig structure that describes one configured
// source, organized into logical sections:
//   - Connection: endpoint and credentials, opaque to the core and validated
//     by the specific connector variant
//   - Streams: the tables/sheets/objects to sync, with incremental cursor
//     fields and business keys
//   - Performance: batch sizes and concurrency
//   - Timeouts: connection and run-level timeouts
//   - Reliability: retry behavior for transient source failures
//
// Example usage:
//
//	cfg := config.NewConnectorConfig("orders-db", "postgres")
//	cfg.Connection.Params["dsn"] = "postgres://..."
//	cfg.Streams = append(cfg.Streams, config.StreamConfig{Name: "orders", CursorField: "updated_at"})
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"time"
)

// ConnectorConfig is the immutable description of one configured source.
// It is created through the configuration API, read-only to the core, and
// never mutated mid-run.
type ConnectorConfig struct {
	// ID uniquely identifies the connector instance
	ID string `yaml:"id" json:"id"`
	// Name is the human-readable connector name
	Name string `yaml:"name" json:"name"`
	// Type is the source-type tag resolved through the connector registry
	Type string `yaml:"type" json:"type"`
	// Enabled gates scheduling; disabled connectors can still be run manually
	Enabled bool `yaml:"enabled" json:"enabled"`
	// Schedule is a cron expression; empty means manual-only
	Schedule string `yaml:"schedule" json:"schedule"`

	// Connection holds endpoint and credential parameters
	Connection ConnectionConfig `yaml:"connection" json:"connection"`

	// Streams lists the source streams to sync
	Streams []StreamConfig `yaml:"streams" json:"streams"`

	// Performance settings control throughput and resource usage
	Performance PerformanceConfig `yaml:"performance" json:"performance"`

	// Timeouts define connection and run timeout durations
	Timeouts TimeoutConfig `yaml:"timeouts" json:"timeouts"`

	// Reliability settings for retry behavior on transient failures
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
}

// ConnectionConfig holds connection parameters. The core treats Params as an
// opaque blob; each connector variant validates the keys it needs.
type ConnectionConfig struct {
	// AuthType specifies the authentication method (basic, oauth2, api_key, token)
	AuthType string `yaml:"auth_type" json:"auth_type"`
	// Params stores connection parameters and credentials (use env vars in production)
	Params map[string]string `yaml:"params" json:"params"`
}

// StreamConfig describes one stream within a source.
type StreamConfig struct {
	// Name is the table, sheet tab, or object collection name
	Name string `yaml:"name" json:"name"`
	// Target overrides the destination stream name; defaults to Name
	Target string `yaml:"target" json:"target"`
	// CursorField is the incremental cursor column/field; empty means full snapshot
	CursorField string `yaml:"cursor_field" json:"cursor_field"`
	// BusinessKeys are the business-layer upsert key columns
	BusinessKeys []string `yaml:"business_keys" json:"business_keys"`
}

// TargetName returns the destination stream name, defaulting to Name when
// no override is configured.
func (s *StreamConfig) TargetName() string {
	if s.Target != "" {
		return s.Target
	}
	return s.Name
}

// PerformanceConfig contains performance-related settings.
type PerformanceConfig struct {
	// BatchSize controls the number of records per fetched batch
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// BufferSize sets the batch channel buffer depth
	BufferSize int `yaml:"buffer_size" json:"buffer_size"`
	// MaxConcurrency limits concurrent source connections
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
}

// TimeoutConfig contains timeout-related settings.
type TimeoutConfig struct {
	// Connection timeout for establishing and testing connections
	Connection time.Duration `yaml:"connection" json:"connection"`
	// Request timeout for individual source operations
	Request time.Duration `yaml:"request" json:"request"`
	// Run is the wall-clock timeout for a whole sync run
	Run time.Duration `yaml:"run" json:"run"`
}

// ReliabilityConfig contains retry settings for transient source failures.
// Permanent failures (bad credentials, unknown streams) are never retried.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for transient failures
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// MaxRetryDelay caps the exponential backoff
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RateLimitPerSec limits source requests per second (0 = unlimited)
	RateLimitPerSec int `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// NewConnectorConfig creates a ConnectorConfig with production defaults.
// Specific connectors override as needed.
func NewConnectorConfig(name, sourceType string) *ConnectorConfig {
	return &ConnectorConfig{
		ID:      name,
		Name:    name,
		Type:    sourceType,
		Enabled: true,
		Connection: ConnectionConfig{
			Params: make(map[string]string),
		},
		Performance: PerformanceConfig{
			BatchSize:      1000,
			BufferSize:     10,
			MaxConcurrency: 4,
		},
		Timeouts: TimeoutConfig{
			Connection: 30 * time.Second,
			Request:    30 * time.Second,
			Run:        30 * time.Minute,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts: 3,
			RetryDelay:    time.Second,
			MaxRetryDelay: 60 * time.Second,
		},
	}
}

// Validate checks required fields and value ranges. Connectors perform their
// own validation of Connection.Params on Initialize.
func (c *ConnectorConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream is required")
	}
	seen := make(map[string]bool, len(c.Streams))
	for _, s := range c.Streams {
		if s.Name == "" {
			return fmt.Errorf("stream name is required")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stream %q", s.Name)
		}
		seen[s.Name] = true
	}
	if c.Performance.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.Performance.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be positive")
	}
	if c.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	return nil
}

// Stream returns the stream config for a name, or nil if not configured.
func (c *ConnectorConfig) Stream(name string) *StreamConfig {
	for i := range c.Streams {
		if c.Streams[i].Name == name {
			return &c.Streams[i]
		}
	}
	return nil
}

// StreamNames returns the configured stream names in order.
func (c *ConnectorConfig) StreamNames() []string {
	names := make([]string, len(c.Streams))
	for i, s := range c.Streams {
		names[i] = s.Name
	}
	return names
}

// RunTimeout returns the run timeout, falling back to the 30 minute default.
func (c *ConnectorConfig) RunTimeout() time.Duration {
	if c.Timeouts.Run > 0 {
		return c.Timeouts.Run
	}
	return 30 * time.Minute
}

// ConnectionTimeout returns the connection timeout, defaulting to 30s.
func (c *ConnectorConfig) ConnectionTimeout() time.Duration {
	if c.Timeouts.Connection > 0 {
		return c.Timeouts.Connection
	}
	return 30 * time.Second
}

// ServiceConfig holds service-level settings for the scheduler daemon.
// It is populated from flags, environment, and config file through viper
// in the CLI layer.
type ServiceConfig struct {
	// DatabasePath is the SQLite database backing state, history and the warehouse
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	// ConfigDir holds connector config YAML documents loaded at startup
	ConfigDir string `mapstructure:"config_dir" yaml:"config_dir"`
	// Workers bounds concurrent sync runs across connectors
	Workers int `mapstructure:"workers" yaml:"workers"`
	// MetricsAddr is the Prometheus listen address (empty disables)
	MetricsAddr string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// NewServiceConfig returns service defaults.
func NewServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		DatabasePath: "strataflow.db",
		ConfigDir:    "connectors",
		Workers:      4,
		MetricsAddr:  ":9090",
		LogLevel:     "info",
	}
}

// Validate checks service-level settings.
func (s *ServiceConfig) Validate() error {
	if s.DatabasePath == "" {
		return fmt.Errorf("database_path is required")
	}
	if s.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}
