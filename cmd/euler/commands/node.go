package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superboum/euler/internal/config"
	"github.com/superboum/euler/internal/dht"
	"github.com/superboum/euler/internal/logging"
	"github.com/superboum/euler/internal/monitoring"
)

// nodeCmd represents the node command
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a DHT node",
	Long: `Run a DHT node until interrupted.

Examples:
  # Start a seed node on a fixed port
  euler node --port 4000

  # Join an existing network
  euler node --bootstrap 10.0.0.1:4000,10.0.0.2:4000

  # Expose Prometheus metrics
  euler node --metrics-addr :9090

  # Write the effective configuration and exit
  euler node --port 4000 --write-config euler.yaml`,
	RunE: runNode,
}

func init() {
	rootCmd.AddCommand(nodeCmd)

	nodeCmd.Flags().String("host", "", "Listen host (overrides config)")
	nodeCmd.Flags().Int("port", 0, "Listen UDP port (overrides config)")
	nodeCmd.Flags().StringSlice("bootstrap", nil, "Bootstrap nodes host:port (comma-separated)")
	nodeCmd.Flags().String("node-id", "", "Node ID as 40 hex characters")
	nodeCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	nodeCmd.Flags().Duration("refresh-interval", time.Hour, "Bucket refresh interval, 0 disables")
	nodeCmd.Flags().String("write-config", "", "Write the effective configuration to this path and exit")
}

func applyNodeFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.DHT.ListenHost, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.DHT.ListenPort, _ = flags.GetInt("port")
	}
	if flags.Changed("bootstrap") {
		cfg.DHT.BootstrapNodes, _ = flags.GetStringSlice("bootstrap")
	}
	if flags.Changed("node-id") {
		cfg.DHT.NodeID, _ = flags.GetString("node-id")
	}
	if flags.Changed("metrics-addr") {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddr, _ = flags.GetString("metrics-addr")
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyNodeFlags(cmd, cfg)
	if err := config.NewValidator().Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if path, _ := cmd.Flags().GetString("write-config"); path != "" {
		if err := config.Save(cfg, path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
		return nil
	}

	logger, level, err := buildLogger(cfg.Log, false)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exporter := monitoring.NewExporter(logger.Named("monitoring"), cfg.Metrics)
	var opts []dht.Option
	if cfg.Metrics.Enabled {
		metrics, err := dht.NewMetrics(exporter.Namespace(), exporter.Registry())
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		opts = append(opts, dht.WithMetrics(metrics))
	}

	node, err := dht.NewNode(logger.Named("dht"), cfg.DHT, opts...)
	if err != nil {
		logger.Fatal("Failed to create DHT node", zap.Error(err))
	}
	if err := node.Start(ctx); err != nil {
		logger.Fatal("Failed to start DHT node", zap.Error(err))
	}
	defer func() {
		if err := node.Stop(); err != nil {
			logger.Error("Failed to stop DHT node", zap.Error(err))
		}
	}()

	exporter.SetHealthCheck(func() error {
		if node.Addr() == nil {
			return errors.New("dht node not listening")
		}
		return nil
	})
	if err := exporter.Start(ctx); err != nil {
		return err
	}
	defer exporter.Stop()

	if len(cfg.DHT.BootstrapNodes) > 0 {
		if err := node.Bootstrap(ctx, cfg.DHT.BootstrapNodes...); err != nil {
			// A node that cannot reach its seeds still serves peers that
			// contact it later.
			logger.Warn("Bootstrap failed", zap.Error(err))
		}
	}

	if cfgFile != "" {
		watcher, err := config.NewWatcher(logger.Named("config"), cfgFile)
		if err != nil {
			return err
		}
		err = watcher.Start(func(newCfg *config.Config) {
			if verbose {
				return
			}
			if err := logging.SetLevel(level, newCfg.Log.Level); err != nil {
				logger.Warn("Failed to apply log level", zap.Error(err))
				return
			}
			logger.Info("Log level updated", zap.String("level", newCfg.Log.Level))
		})
		if err != nil {
			return err
		}
		defer watcher.Stop()
	}

	printStartupInfo(cmd.OutOrStdout(), node, cfg)

	interval, _ := cmd.Flags().GetDuration("refresh-interval")
	refreshLoop(ctx, logger, node, interval)

	logger.Info("Received shutdown signal")
	return nil
}

// refreshLoop refreshes the routing table every interval until ctx is done.
func refreshLoop(ctx context.Context, logger *zap.Logger, node *dht.Node, interval time.Duration) {
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			if err := node.Refresh(ctx); err != nil {
				logger.Warn("Routing table refresh incomplete", zap.Error(err))
			}
			logger.Info("Routing table refreshed",
				zap.Int("contacts", node.Table().Len()),
				zap.Int("buckets", len(node.Table().NonEmptyBuckets())),
				zap.Duration("elapsed", time.Since(started)),
			)
		}
	}
}

func printStartupInfo(w io.Writer, node *dht.Node, cfg *config.Config) {
	fmt.Fprintln(w, "=== Euler DHT node ===")
	fmt.Fprintf(w, "Node ID:    %s\n", node.ID())
	fmt.Fprintf(w, "Listening:  %s\n", node.Addr())
	fmt.Fprintf(w, "K / alpha:  %d / %d\n", node.Config().BucketSize, node.Config().Alpha)
	fmt.Fprintf(w, "Contacts:   %s\n", humanize.Comma(int64(node.Table().Len())))
	if cfg.Metrics.Enabled {
		fmt.Fprintf(w, "Metrics:    http://%s%s\n", cfg.Metrics.ListenAddr, cfg.Metrics.MetricsPath)
	}
	fmt.Fprintln(w, "Press Ctrl+C to stop")
}
