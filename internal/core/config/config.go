package config

import (
	"github.com/biopro/exception-collector/internal/collector"
	redisclient "github.com/biopro/exception-collector/internal/infra/redis"
	"github.com/biopro/exception-collector/internal/infra/storage/postgres"
	"github.com/biopro/exception-collector/internal/validation"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig       `yaml:"server"`
	Logging    LoggingConfig      `yaml:"logging"`
	Database   postgres.Config    `yaml:"database"`
	Redis      redisclient.Config `yaml:"redis"`
	Consumer   ConsumerConfig     `yaml:"consumer"`
	Publisher  PublisherConfig    `yaml:"publisher"`
	Retry      RetryConfig        `yaml:"retry"`
	Validation validation.Limits  `yaml:"validation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// ConsumerConfig holds the inbound failure-event streams.
type ConsumerConfig struct {
	Streams  []string `yaml:"streams"`
	Group    string   `yaml:"group"`
	Consumer string   `yaml:"consumer"`
}

// PublisherConfig holds the outbound milestone-event settings.
type PublisherConfig struct {
	StreamPrefix string `yaml:"stream_prefix"`
	MaxLen       int64  `yaml:"max_len"`
}

// RetryConfig holds the retry orchestration policy.
type RetryConfig struct {
	Policy collector.Policy `yaml:",inline"`

	// ResolveOnSuccess moves exceptions straight to RESOLVED when a retry
	// succeeds instead of the intermediate RETRY_SUCCEEDED status.
	ResolveOnSuccess bool `yaml:"resolve_on_success"`

	// AdmissionLock enables the Redis lock serializing retry admission
	// across instances.
	AdmissionLock bool `yaml:"admission_lock"`
}
