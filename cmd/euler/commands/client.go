package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/superboum/euler/internal/dht"
)

var (
	pingCmd = &cobra.Command{
		Use:   "ping <addr>",
		Short: "Ping a DHT node",
		Args:  cobra.ExactArgs(1),
		RunE:  runPing,
	}

	findNodeCmd = &cobra.Command{
		Use:   "find-node <addr> <target-id>",
		Short: "Ask one node for the contacts closest to a target",
		Args:  cobra.ExactArgs(2),
		RunE:  runFindNode,
	}

	findValueCmd = &cobra.Command{
		Use:   "find-value <addr> <key>",
		Short: "Ask one node for a value",
		Long: `Ask one node for a value. The key is either a 40 character hex
identifier or any other string, which is hashed into one.`,
		Args: cobra.ExactArgs(2),
		RunE: runFindValue,
	}

	storeCmd = &cobra.Command{
		Use:   "store <addr> <key> <value>",
		Short: "Store a value on one node",
		Args:  cobra.ExactArgs(3),
		RunE:  runStore,
	}

	lookupCmd = &cobra.Command{
		Use:   "lookup <target-id>",
		Short: "Run an iterative lookup for the nodes closest to a target",
		Args:  cobra.ExactArgs(1),
		RunE:  runLookup,
	}

	getCmd = &cobra.Command{
		Use:   "get <key>",
		Short: "Fetch a value from the network",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}

	putCmd = &cobra.Command{
		Use:   "put <key> <value>",
		Short: "Store a value on the nodes closest to its key",
		Args:  cobra.ExactArgs(2),
		RunE:  runPut,
	}

	idCmd = &cobra.Command{
		Use:   "id [key]",
		Short: "Generate a random node ID, or print the ID a key hashes to",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runID,
	}
)

func init() {
	for _, cmd := range []*cobra.Command{pingCmd, findNodeCmd, findValueCmd, storeCmd, lookupCmd, getCmd, putCmd} {
		rootCmd.AddCommand(cmd)
		cmd.Flags().Duration("timeout", 10*time.Second, "Overall deadline for the command")
	}
	for _, cmd := range []*cobra.Command{lookupCmd, getCmd, putCmd} {
		cmd.Flags().StringSlice("bootstrap", nil, "Bootstrap nodes host:port (defaults to config or KAD_BOOTSTRAP)")
	}
	for _, cmd := range []*cobra.Command{findNodeCmd, lookupCmd} {
		cmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	}
	rootCmd.AddCommand(idCmd)
}

// withClient starts an ephemeral node on a random port, optionally joins the
// network, and runs fn with it.
func withClient(cmd *cobra.Command, join bool, fn func(ctx context.Context, node *dht.Node) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, _, err := buildLogger(cfg.Log, true)
	if err != nil {
		return err
	}
	defer logger.Sync()

	clientCfg := cfg.DHT
	clientCfg.NodeID = ""
	clientCfg.ListenPort = 0
	clientCfg.ProbeFullBuckets = false

	node, err := dht.NewNode(logger.Named("dht"), clientCfg, dht.WithStorage(dht.NewMemoryStorage()))
	if err != nil {
		return err
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop()

	if join {
		seeds := cfg.DHT.BootstrapNodes
		if cmd.Flags().Changed("bootstrap") {
			seeds, _ = cmd.Flags().GetStringSlice("bootstrap")
		}
		if len(seeds) == 0 {
			return errors.New("no bootstrap nodes: use --bootstrap or KAD_BOOTSTRAP")
		}
		if err := node.Bootstrap(ctx, seeds...); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}
	return fn(ctx, node)
}

// parseKey accepts a hex identifier or hashes any other string.
func parseKey(s string) dht.NodeID {
	if id, err := dht.ParseNodeID(s); err == nil {
		return id
	}
	return dht.HashKey([]byte(s))
}

func runPing(cmd *cobra.Command, args []string) error {
	return withClient(cmd, false, func(ctx context.Context, node *dht.Node) error {
		started := time.Now()
		resp, err := node.Ping(ctx, args[0])
		if err != nil {
			return fmt.Errorf("ping %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "PONG from %s (%s) in %s\n", resp.Sender, args[0], time.Since(started).Round(time.Microsecond))
		return nil
	})
}

func runFindNode(cmd *cobra.Command, args []string) error {
	target, err := dht.ParseNodeID(args[1])
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	format, _ := cmd.Flags().GetString("format")
	return withClient(cmd, false, func(ctx context.Context, node *dht.Node) error {
		contacts, err := node.FindNode(ctx, args[0], target)
		if err != nil {
			return fmt.Errorf("find_node %s: %w", args[0], err)
		}
		return printContacts(cmd.OutOrStdout(), format, target, contacts)
	})
}

func runFindValue(cmd *cobra.Command, args []string) error {
	key := parseKey(args[1])
	return withClient(cmd, false, func(ctx context.Context, node *dht.Node) error {
		value, contacts, err := node.FindValue(ctx, args[0], key)
		if err != nil {
			return fmt.Errorf("find_value %s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		if value != nil {
			printValue(out, key, value)
			return nil
		}
		fmt.Fprintf(out, "Key %s not held by %s\n", key, args[0])
		return printContacts(out, "table", key, contacts)
	})
}

func runStore(cmd *cobra.Command, args []string) error {
	key := parseKey(args[1])
	value := []byte(args[2])
	return withClient(cmd, false, func(ctx context.Context, node *dht.Node) error {
		if err := node.Store(ctx, args[0], key, value); err != nil {
			return fmt.Errorf("store %s: %w", args[0], err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s under %s on %s\n", humanize.Bytes(uint64(len(value))), key, args[0])
		return nil
	})
}

func runLookup(cmd *cobra.Command, args []string) error {
	target, err := dht.ParseNodeID(args[0])
	if err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	format, _ := cmd.Flags().GetString("format")
	return withClient(cmd, true, func(ctx context.Context, node *dht.Node) error {
		contacts, err := node.Lookup(ctx, target)
		if err != nil {
			return err
		}
		return printContacts(cmd.OutOrStdout(), format, target, contacts)
	})
}

func runGet(cmd *cobra.Command, args []string) error {
	key := parseKey(args[0])
	return withClient(cmd, true, func(ctx context.Context, node *dht.Node) error {
		value, err := node.Get(ctx, key)
		if errors.Is(err, dht.ErrLookupExhausted) {
			return fmt.Errorf("key %s not found", key)
		}
		if err != nil {
			return err
		}
		printValue(cmd.OutOrStdout(), key, value)
		return nil
	})
}

func runPut(cmd *cobra.Command, args []string) error {
	key := parseKey(args[0])
	value := []byte(args[1])
	return withClient(cmd, true, func(ctx context.Context, node *dht.Node) error {
		replicas, err := node.Put(ctx, key, value)
		if err != nil {
			return err
		}
		if replicas == 0 {
			return fmt.Errorf("no peer accepted key %s", key)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %s under %s on %d nodes\n", humanize.Bytes(uint64(len(value))), key, replicas)
		return nil
	})
}

func runID(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		fmt.Fprintln(cmd.OutOrStdout(), parseKey(args[0]))
		return nil
	}
	id, err := dht.NewNodeID()
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func printValue(w io.Writer, key dht.NodeID, value []byte) {
	fmt.Fprintf(w, "%s (%s, key %s)\n", value, humanize.Bytes(uint64(len(value))), key)
}

type contactView struct {
	NodeID string `json:"node_id" yaml:"node_id"`
	Addr   string `json:"addr" yaml:"addr"`
	Bucket int    `json:"bucket" yaml:"bucket"`
}

// printContacts lists contacts with the bucket rank of their distance to
// target.
func printContacts(w io.Writer, format string, target dht.NodeID, contacts []dht.Contact) error {
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, contactView{
			NodeID: c.ID.String(),
			Addr:   c.Addr(),
			Bucket: dht.Rank(c.ID.Distance(target)),
		})
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		return yaml.NewEncoder(w).Encode(views)
	}

	fmt.Fprintf(w, "%d contacts closest to %s\n", len(views), target.Short())
	for i, v := range views {
		fmt.Fprintf(w, "%3d  %s  %-21s  rank %d\n", i+1, v.NodeID, v.Addr, v.Bucket)
	}
	return nil
}
