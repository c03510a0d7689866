package config

import (
	"time"

	"github.com/envelope-labs/relay/internal/pipeline"
	"github.com/envelope-labs/relay/internal/retry"
	"github.com/envelope-labs/relay/internal/storage/pgstore"
	"github.com/envelope-labs/relay/internal/storage/redisstore"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig           `yaml:"server"`
	API          APIConfig              `yaml:"api"`
	Connectivity ConnectivityConfig     `yaml:"connectivity"`
	Retry        RetryConfig            `yaml:"retry"`
	Queue        QueueConfig            `yaml:"queue"`
	Breaker      pipeline.BreakerConfig `yaml:"breaker"`
	Storage      StorageConfig          `yaml:"storage"`
	Redis        redisstore.Config      `yaml:"redis"`
	Database     pgstore.Config         `yaml:"database"`
	Logging      LoggingConfig          `yaml:"logging"`
}

// ServerConfig holds the diagnostics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// APIConfig points the client at the backend.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	// AuthToken seeds the session; usually ${API_TOKEN} from the env.
	AuthToken string `yaml:"auth_token"`
	// PublicPaths are URL fragments exempt from the auth guard.
	PublicPaths []string `yaml:"public_paths"`
}

// ConnectivityConfig tunes the reachability probe.
type ConnectivityConfig struct {
	// ProbeURL is HEAD-requested to verify reachability. Defaults to the
	// API base URL.
	ProbeURL     string        `yaml:"probe_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RetryConfig tunes the retry engine.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	RetryableStatuses []int         `yaml:"retryable_statuses"`
}

// Policy converts the plain config into an engine policy. Zero fields
// keep the defaults.
func (r RetryConfig) Policy() retry.Policy {
	p := retry.DefaultPolicy()
	if r.MaxRetries > 0 {
		p.MaxRetries = r.MaxRetries
	}
	if r.BaseDelay > 0 {
		p.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		p.MaxDelay = r.MaxDelay
	}
	if len(r.RetryableStatuses) > 0 {
		p.RetryableStatuses = make(map[int]struct{}, len(r.RetryableStatuses))
		for _, s := range r.RetryableStatuses {
			p.RetryableStatuses[s] = struct{}{}
		}
	}
	return p
}

// QueueConfig tunes the offline queue.
type QueueConfig struct {
	Key              string        `yaml:"key"`
	MaxItems         int           `yaml:"max_items"`
	MaxRetries       int           `yaml:"max_retries"`
	FallbackInterval time.Duration `yaml:"fallback_interval"`
}

// StorageConfig selects the persistence backend for the offline queue.
type StorageConfig struct {
	// Backend is one of "memory", "redis", "postgres".
	Backend string `yaml:"backend"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
