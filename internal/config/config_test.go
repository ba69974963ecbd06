package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/superboum/euler/internal/dht"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// TestLoadConfig tests configuration loading
func TestLoadConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		configContent string
		validate      func(t *testing.T, cfg *Config)
		wantErr       bool
	}{
		{
			name: "valid config",
			configContent: `
log:
  level: debug
  encoding: json

dht:
  node_id: "00112233445566778899aabbccddeeff00112233"
  listen_host: "127.0.0.1"
  listen_port: 4000
  bootstrap_nodes:
    - "10.0.0.1:4000"
    - "seed.example.com:4000"
  bucket_size: 16
  alpha: 4
  request_timeout: 500ms
  probe_full_buckets: false
  rate_limit: 500
  rate_burst: 50

metrics:
  enabled: true
  listen_addr: "127.0.0.1:9100"
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Log.Level)
				assert.Equal(t, "json", cfg.Log.Encoding)

				assert.Equal(t, "00112233445566778899aabbccddeeff00112233", cfg.DHT.NodeID)
				assert.Equal(t, "127.0.0.1", cfg.DHT.ListenHost)
				assert.Equal(t, 4000, cfg.DHT.ListenPort)
				assert.Equal(t, []string{"10.0.0.1:4000", "seed.example.com:4000"}, cfg.DHT.BootstrapNodes)
				assert.Equal(t, 16, cfg.DHT.BucketSize)
				assert.Equal(t, 4, cfg.DHT.Alpha)
				assert.Equal(t, 500*time.Millisecond, cfg.DHT.RequestTimeout)
				assert.False(t, cfg.DHT.ProbeFullBuckets)
				assert.Equal(t, 500.0, cfg.DHT.RateLimit)
				assert.Equal(t, 50, cfg.DHT.RateBurst)

				assert.True(t, cfg.Metrics.Enabled)
				assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.ListenAddr)
				assert.Equal(t, "/metrics", cfg.Metrics.MetricsPath)
			},
		},
		{
			name: "minimal config",
			configContent: `
dht:
  listen_port: 4001
`,
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4001, cfg.DHT.ListenPort)
				assert.Equal(t, dht.DefaultBucketSize, cfg.DHT.BucketSize)
				assert.Equal(t, dht.DefaultAlpha, cfg.DHT.Alpha)
				assert.Equal(t, dht.DefaultRequestTimeout, cfg.DHT.RequestTimeout)
				assert.True(t, cfg.DHT.ProbeFullBuckets)
				assert.Equal(t, "info", cfg.Log.Level)
				assert.Equal(t, 1000.0, cfg.DHT.RateLimit)
				assert.Equal(t, 512, cfg.DHT.MaxHandlers)
				assert.False(t, cfg.Metrics.Enabled)
			},
		},
		{
			name:          "empty config",
			configContent: "",
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default(), cfg)
			},
		},
		{
			name: "invalid node id",
			configContent: `
dht:
  node_id: "xyz"
`,
			wantErr: true,
		},
		{
			name: "invalid yaml",
			configContent: `
dht: [listen_port
`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := Load(writeConfig(t, tt.configContent))
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, cfg)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, cfg)
			tt.validate(t, cfg)
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(cfg *Config)
		wantErr bool
	}{
		{"defaults", func(cfg *Config) {}, false},
		{"bad log level", func(cfg *Config) { cfg.Log.Level = "loud" }, true},
		{"bad log encoding", func(cfg *Config) { cfg.Log.Encoding = "xml" }, true},
		{"negative port", func(cfg *Config) { cfg.DHT.ListenPort = -1 }, true},
		{"port too large", func(cfg *Config) { cfg.DHT.ListenPort = 70000 }, true},
		{"zero bucket size", func(cfg *Config) { cfg.DHT.BucketSize = 0 }, true},
		{"zero alpha", func(cfg *Config) { cfg.DHT.Alpha = 0 }, true},
		{"alpha above k", func(cfg *Config) { cfg.DHT.Alpha = cfg.DHT.BucketSize + 1 }, true},
		{"zero timeout", func(cfg *Config) { cfg.DHT.RequestTimeout = 0 }, true},
		{"negative rate", func(cfg *Config) { cfg.DHT.RateLimit = -1 }, true},
		{"rate limiting disabled", func(cfg *Config) { cfg.DHT.RateLimit = 0 }, false},
		{"zero max handlers", func(cfg *Config) { cfg.DHT.MaxHandlers = 0 }, true},
		{"bootstrap without port", func(cfg *Config) { cfg.DHT.BootstrapNodes = []string{"10.0.0.1"} }, true},
		{"bootstrap without host", func(cfg *Config) { cfg.DHT.BootstrapNodes = []string{":4000"} }, true},
		{"bootstrap ipv6", func(cfg *Config) { cfg.DHT.BootstrapNodes = []string{"[::1]:4000"} }, false},
		{"metrics disabled with bad addr", func(cfg *Config) { cfg.Metrics.ListenAddr = "nope" }, false},
		{"metrics enabled with bad addr", func(cfg *Config) {
			cfg.Metrics.Enabled = true
			cfg.Metrics.ListenAddr = "nope"
		}, true},
		{"metrics enabled with bad path", func(cfg *Config) {
			cfg.Metrics.Enabled = true
			cfg.Metrics.MetricsPath = "metrics"
		}, true},
	}

	v := NewValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := v.Validate(cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveConfig(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Log.Level = "warn"
	cfg.DHT.ListenPort = 4321
	cfg.DHT.BootstrapNodes = []string{"127.0.0.1:4000"}
	cfg.DHT.RequestTimeout = 750 * time.Millisecond

	path := filepath.Join(t.TempDir(), "nested", "euler.yaml")
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
dht:
  listen_port: 4000
`)

	t.Run("Prefixed", func(t *testing.T) {
		t.Setenv("EULER_DHT_ALPHA", "5")
		t.Setenv("EULER_LOG_LEVEL", "debug")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.DHT.Alpha)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, 4000, cfg.DHT.ListenPort)
	})

	t.Run("ShortForms", func(t *testing.T) {
		t.Setenv("KAD_PORT", "5555")
		t.Setenv("KAD_BOOTSTRAP", "10.0.0.1:4000,10.0.0.2:4000")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 5555, cfg.DHT.ListenPort)
		assert.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000"}, cfg.DHT.BootstrapNodes)
	})

	t.Run("InvalidValue", func(t *testing.T) {
		t.Setenv("EULER_DHT_BUCKET_SIZE", "0")
		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestWatcher(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")

	w, err := NewWatcher(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	w.SetDebounce(20 * time.Millisecond)

	var mu sync.Mutex
	var levels []string
	require.NoError(t, w.Start(func(cfg *Config) {
		mu.Lock()
		levels = append(levels, cfg.Log.Level)
		mu.Unlock()
	}))
	defer w.Stop()
	assert.Error(t, w.Start(nil), "second start")

	// An invalid file is ignored.
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0644))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Empty(t, levels)
	mu.Unlock()

	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644))
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 2*time.Second, 20*time.Millisecond)
}
