package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/superboum/euler/internal/dht"
	"github.com/superboum/euler/internal/logging"
	"github.com/superboum/euler/internal/monitoring"
)

// EnvPrefix prefixes every environment override, e.g. EULER_DHT_ALPHA.
const EnvPrefix = "EULER"

// Config is the whole process configuration
type Config struct {
	Log     logging.Config    `mapstructure:"log" yaml:"log"`
	DHT     dht.Config        `mapstructure:"dht" yaml:"dht"`
	Metrics monitoring.Config `mapstructure:"metrics" yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:     logging.DefaultConfig(),
		DHT:     dht.DefaultConfig(),
		Metrics: monitoring.DefaultConfig(),
	}
}

// Load reads the YAML file at configPath, when given, over the defaults and
// applies environment overrides. KAD_PORT and KAD_BOOTSTRAP are honoured as
// short forms of EULER_DHT_LISTEN_PORT and EULER_DHT_BOOTSTRAP_NODES.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("dht.listen_port", EnvPrefix+"_DHT_LISTEN_PORT", "KAD_PORT"); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}
	if err := v.BindEnv("dht.bootstrap_nodes", EnvPrefix+"_DHT_BOOTSTRAP_NODES", "KAD_BOOTSTRAP"); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if len(cfg.DHT.BootstrapNodes) == 0 {
		cfg.DHT.BootstrapNodes = nil
	}

	if err := NewValidator().Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Save writes cfg as YAML, creating the parent directory if needed.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	// Logging
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.output_path", d.Log.OutputPath)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("log.compress", d.Log.Compress)
	v.SetDefault("log.disable_caller", d.Log.DisableCaller)
	v.SetDefault("log.sampling", d.Log.Sampling)

	// DHT
	v.SetDefault("dht.node_id", d.DHT.NodeID)
	v.SetDefault("dht.listen_host", d.DHT.ListenHost)
	v.SetDefault("dht.listen_port", d.DHT.ListenPort)
	v.SetDefault("dht.bootstrap_nodes", []string{})
	v.SetDefault("dht.bucket_size", d.DHT.BucketSize)
	v.SetDefault("dht.alpha", d.DHT.Alpha)
	v.SetDefault("dht.request_timeout", d.DHT.RequestTimeout)
	v.SetDefault("dht.probe_full_buckets", d.DHT.ProbeFullBuckets)
	v.SetDefault("dht.rate_limit", d.DHT.RateLimit)
	v.SetDefault("dht.rate_burst", d.DHT.RateBurst)
	v.SetDefault("dht.max_handlers", d.DHT.MaxHandlers)
	v.SetDefault("dht.storage_shards", d.DHT.StorageShards)

	// Metrics
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_addr", d.Metrics.ListenAddr)
	v.SetDefault("metrics.metrics_path", d.Metrics.MetricsPath)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}
