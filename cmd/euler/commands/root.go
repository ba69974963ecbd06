package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/superboum/euler/internal/config"
	"github.com/superboum/euler/internal/logging"
)

const Version = "0.3.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "euler",
	Short: "Kademlia distributed hash table node",
	Long: `Euler runs a Kademlia DHT node over UDP and provides client commands to
ping peers, look up nodes and store or fetch values on the network.

Bootstrap peers and the listen port can also be set with the KAD_BOOTSTRAP and
KAD_PORT environment variables.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.SetVersionTemplate(`Euler {{.Version}}
Kademlia distributed hash table node
`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// buildLogger creates the process logger. quiet raises the level to warn for
// one-shot client commands unless --verbose is given.
func buildLogger(cfg logging.Config, quiet bool) (*zap.Logger, zap.AtomicLevel, error) {
	switch {
	case verbose:
		cfg.Level = "debug"
	case quiet:
		cfg.Level = "warn"
	}
	logger, level, err := logging.NewLogger(cfg)
	if err != nil {
		return nil, level, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, level, nil
}
