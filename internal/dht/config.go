package dht

import (
	"time"
)

const (
	// DefaultBucketSize is K, the capacity of a bucket and the width of a
	// FIND_NODE answer.
	DefaultBucketSize = 20
	// DefaultAlpha is the number of parallel queries per lookup round.
	DefaultAlpha = 3
	// DefaultRequestTimeout is the deadline of a single RPC.
	DefaultRequestTimeout = 2000 * time.Millisecond
	// MaxMessageSize bounds an encoded message so it fits one datagram on
	// any common path MTU after IP fragmentation.
	MaxMessageSize = 8192
)

// Config defines DHT node configuration
type Config struct {
	// Node settings
	NodeID         string   `mapstructure:"node_id" yaml:"node_id,omitempty"` // Optional, generated when empty
	ListenHost     string   `mapstructure:"listen_host" yaml:"listen_host"`
	ListenPort     int      `mapstructure:"listen_port" yaml:"listen_port"`
	BootstrapNodes []string `mapstructure:"bootstrap_nodes" yaml:"bootstrap_nodes,omitempty"`

	// Protocol settings
	BucketSize     int           `mapstructure:"bucket_size" yaml:"bucket_size"` // K in Kademlia
	Alpha          int           `mapstructure:"alpha" yaml:"alpha"`             // Parallelism factor
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// ProbeFullBuckets enables ping-and-replace on full buckets.
	ProbeFullBuckets bool `mapstructure:"probe_full_buckets" yaml:"probe_full_buckets"`

	// Inbound datagrams per second, 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`

	// MaxHandlers bounds the datagrams handled concurrently; the rest are dropped.
	MaxHandlers int `mapstructure:"max_handlers" yaml:"max_handlers"`

	// Storage settings
	StorageShards int `mapstructure:"storage_shards" yaml:"storage_shards"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ListenHost:       "0.0.0.0",
		ListenPort:       0,
		BucketSize:       DefaultBucketSize,
		Alpha:            DefaultAlpha,
		RequestTimeout:   DefaultRequestTimeout,
		ProbeFullBuckets: true,
		RateLimit:        1000,
		RateBurst:        256,
		MaxHandlers:      512,
		StorageShards:    64,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ListenHost == "" {
		c.ListenHost = d.ListenHost
	}
	if c.BucketSize <= 0 {
		c.BucketSize = d.BucketSize
	}
	if c.Alpha <= 0 {
		c.Alpha = d.Alpha
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RateBurst <= 0 {
		c.RateBurst = d.RateBurst
	}
	if c.MaxHandlers <= 0 {
		c.MaxHandlers = d.MaxHandlers
	}
	if c.StorageShards <= 0 {
		c.StorageShards = d.StorageShards
	}
}
