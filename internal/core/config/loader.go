package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/biopro/exception-collector/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Consumer.Group == "" {
		cfg.Consumer.Group = "exception-collector"
	}
	if cfg.Consumer.Consumer == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "collector-1"
		}
		cfg.Consumer.Consumer = host
	}
	if len(cfg.Consumer.Streams) == 0 {
		cfg.Consumer.Streams = DefaultStreams()
	}
	if cfg.Publisher.StreamPrefix == "" {
		cfg.Publisher.StreamPrefix = "exception_events"
	}
}

// DefaultStreams lists the inbound failure-event streams, one per
// upstream event type.
func DefaultStreams() []string {
	return []string{
		"interface_events:" + domain.EventTypeOrderRejected,
		"interface_events:" + domain.EventTypeOrderCancelled,
		"interface_events:" + domain.EventTypeCollectionRejected,
		"interface_events:" + domain.EventTypeDistributionFailed,
		"interface_events:" + domain.EventTypeValidationError,
	}
}
