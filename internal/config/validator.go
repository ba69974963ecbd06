package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/superboum/euler/internal/dht"
	"github.com/superboum/euler/internal/logging"
	"github.com/superboum/euler/internal/monitoring"
)

// Validator is responsible for validating the application's configuration.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate performs a full validation of the provided Config struct.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateLogging(&cfg.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	if err := v.validateDHT(&cfg.DHT); err != nil {
		return fmt.Errorf("dht config: %w", err)
	}
	if err := v.validateMetrics(&cfg.Metrics); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}
	return nil
}

func (v *Validator) validateLogging(cfg *logging.Config) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.Level) {
		return fmt.Errorf("invalid log level: %s", cfg.Level)
	}
	validEncodings := []string{"json", "console"}
	if !contains(validEncodings, cfg.Encoding) {
		return fmt.Errorf("invalid log encoding: %s", cfg.Encoding)
	}
	return nil
}

func (v *Validator) validateDHT(cfg *dht.Config) error {
	if cfg.NodeID != "" {
		if _, err := dht.ParseNodeID(cfg.NodeID); err != nil {
			return fmt.Errorf("node_id: %w", err)
		}
	}
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("listen_port out of range: %d", cfg.ListenPort)
	}
	for _, addr := range cfg.BootstrapNodes {
		if err := v.validateRemoteAddress(addr); err != nil {
			return fmt.Errorf("bootstrap_nodes: %w", err)
		}
	}
	if cfg.BucketSize < 1 {
		return errors.New("bucket_size must be at least 1")
	}
	if cfg.Alpha < 1 {
		return errors.New("alpha must be at least 1")
	}
	if cfg.Alpha > cfg.BucketSize {
		return errors.New("alpha cannot exceed bucket_size")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("request_timeout must be positive")
	}
	if cfg.RateLimit < 0 {
		return errors.New("rate_limit cannot be negative")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst < 1 {
		return errors.New("rate_burst must be positive when rate_limit is set")
	}
	if cfg.MaxHandlers < 1 {
		return errors.New("max_handlers must be positive")
	}
	if cfg.StorageShards < 1 {
		return errors.New("storage_shards must be positive")
	}
	return nil
}

func (v *Validator) validateMetrics(cfg *monitoring.Config) error {
	if !cfg.Enabled {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if !strings.HasPrefix(cfg.MetricsPath, "/") {
		return fmt.Errorf("metrics_path must start with '/': %s", cfg.MetricsPath)
	}
	return nil
}

// validateListenAddress checks if a string is a valid network listen address.
func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %s", addr)
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return fmt.Errorf("invalid port: %s", addr)
	}
	return nil
}

// validateRemoteAddress checks a host:port a peer can be reached at.
func (v *Validator) validateRemoteAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" {
		return fmt.Errorf("invalid address %q: missing host", addr)
	}
	if _, err := net.LookupPort("udp", port); err != nil {
		return fmt.Errorf("invalid address %q: bad port", addr)
	}
	return nil
}

// contains is a helper function to check for string presence in a slice.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
