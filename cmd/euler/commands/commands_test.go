package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/superboum/euler/internal/config"
	"github.com/superboum/euler/internal/dht"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func startPeer(t *testing.T) *dht.Node {
	t.Helper()
	cfg := dht.DefaultConfig()
	cfg.ListenHost = "127.0.0.1"
	cfg.RequestTimeout = 500 * time.Millisecond
	node, err := dht.NewNode(zaptest.NewLogger(t), cfg, dht.WithStorage(dht.NewMemoryStorage()))
	require.NoError(t, err)
	require.NoError(t, node.Start(context.Background()))
	t.Cleanup(func() { _ = node.Stop() })
	return node
}

func TestParseKey(t *testing.T) {
	id, err := dht.NewNodeID()
	require.NoError(t, err)

	assert.Equal(t, id, parseKey(id.String()))
	assert.Equal(t, dht.HashKey([]byte("euler")), parseKey("euler"))
}

func TestIDCommand(t *testing.T) {
	out, err := execute(t, "id")
	require.NoError(t, err)
	_, err = dht.ParseNodeID(strings.TrimSpace(out))
	assert.NoError(t, err)

	out, err = execute(t, "id", "euler")
	require.NoError(t, err)
	assert.Equal(t, dht.HashKey([]byte("euler")).String(), strings.TrimSpace(out))
}

func TestClientCommands(t *testing.T) {
	peer := startPeer(t)
	addr := peer.Addr().String()

	t.Run("Ping", func(t *testing.T) {
		out, err := execute(t, "ping", addr, "--timeout", "5s")
		require.NoError(t, err)
		assert.Contains(t, out, "PONG from "+peer.ID().String())
	})

	t.Run("StoreThenFindValue", func(t *testing.T) {
		out, err := execute(t, "store", addr, "constant", "2.718", "--timeout", "5s")
		require.NoError(t, err)
		assert.Contains(t, out, "Stored 5 B")

		value, ok := peer.Storage().Get(dht.HashKey([]byte("constant")))
		require.True(t, ok)
		assert.Equal(t, []byte("2.718"), value)

		out, err = execute(t, "find-value", addr, "constant", "--timeout", "5s")
		require.NoError(t, err)
		assert.Contains(t, out, "2.718")
	})

	t.Run("FindNodeJSON", func(t *testing.T) {
		target, err := dht.NewNodeID()
		require.NoError(t, err)
		out, err := execute(t, "find-node", addr, target.String(), "--format", "json", "--timeout", "5s")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "["))
	})

	t.Run("InvalidTarget", func(t *testing.T) {
		_, err := execute(t, "find-node", addr, "nope")
		assert.Error(t, err)
	})

	t.Run("LookupNeedsBootstrap", func(t *testing.T) {
		target, err := dht.NewNodeID()
		require.NoError(t, err)
		_, err = execute(t, "lookup", target.String())
		assert.ErrorContains(t, err, "no bootstrap nodes")
	})

	t.Run("PutThenGet", func(t *testing.T) {
		// A fresh seed, so lookups do not wait on the clients above.
		seed := startPeer(t).Addr().String()
		out, err := execute(t, "put", "pi", "3.14159", "--bootstrap", seed, "--timeout", "10s")
		require.NoError(t, err)
		assert.Contains(t, out, "on 1 nodes")

		out, err = execute(t, "get", "pi", "--bootstrap", seed, "--timeout", "10s")
		require.NoError(t, err)
		assert.Contains(t, out, "3.14159")
	})
}

func TestNodeWriteConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "euler.yaml")
	out, err := execute(t, "node", "--port", "4321", "--bootstrap", "127.0.0.1:4000", "--write-config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4321, cfg.DHT.ListenPort)
	assert.Equal(t, []string{"127.0.0.1:4000"}, cfg.DHT.BootstrapNodes)
}
