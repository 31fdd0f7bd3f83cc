// Command xaid runs an XAI full node, wiring spec §6's enumerated
// config surface through cobra flags and viper layering (flags > env
// > config file > defaults), the same root-command shape gochain's
// cmd/gochain uses for its node process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/xai-project/xai-core/internal/config"
	"github.com/xai-project/xai-core/internal/logging"
	"github.com/xai-project/xai-core/internal/node"
)

var (
	configFile string
	v          = viper.New()
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "xaid",
		Short: "xaid runs an XAI proof-of-work full node",
		Long: `xaid is the full-node daemon for the XAI network: it validates
and relays blocks and transactions, maintains the UTXO set, and
gossips with peers over the signed envelope protocol.`,
		RunE: runNode,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "path to a YAML config file")
	flags.String("network", "mainnet", "network: mainnet, testnet, or devnet")
	flags.String("data-dir", "./data", "directory for chain, utxo, and checkpoint data")
	flags.Int64("target-block-time-seconds", 60, "target seconds between blocks")
	flags.Int64("difficulty-adjustment-window", 2016, "blocks between difficulty retargets")
	flags.Int64("max-block-bytes", 1<<20, "maximum serialized block size in bytes")
	flags.Int("max-peers", 50, "maximum connected peers")
	flags.Int("max-peers-per-prefix", 8, "maximum peers admitted per /16 IPv4 prefix")
	flags.Int("max-peers-per-asn", 16, "maximum peers admitted per autonomous system")
	flags.Int64("checkpoint-interval", 1000, "blocks between automatic checkpoints")
	flags.Int("max-checkpoints", 10, "retained checkpoint manifests before pruning")
	flags.Int64("mempool-ttl-seconds", 259200, "mempool entry expiry age")
	flags.Int("p2p-rate-limit-per-minute", 30, "per-peer-per-message-kind rate limit")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintf(os.Stderr, "error: binding flags: %v\n", err)
		os.Exit(1)
	}
	// viper's BindPFlag keys use dashes where xai's mapstructure tags use
	// underscores; rebind each flag explicitly under its config key.
	for _, bind := range flagBindings {
		if err := v.BindPFlag(bind.key, flags.Lookup(bind.flag)); err != nil {
			fmt.Fprintf(os.Stderr, "error: binding flag %s: %v\n", bind.flag, err)
			os.Exit(1)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type flagBinding struct{ key, flag string }

var flagBindings = []flagBinding{
	{"network", "network"},
	{"data_dir", "data-dir"},
	{"target_block_time_seconds", "target-block-time-seconds"},
	{"difficulty_adjustment_window", "difficulty-adjustment-window"},
	{"max_block_bytes", "max-block-bytes"},
	{"max_peers", "max-peers"},
	{"max_peers_per_prefix", "max-peers-per-prefix"},
	{"max_peers_per_asn", "max-peers-per-asn"},
	{"checkpoint_interval", "checkpoint-interval"},
	{"max_checkpoints", "max-checkpoints"},
	{"mempool_ttl_seconds", "mempool-ttl-seconds"},
	{"p2p_rate_limit_per_minute", "p2p-rate-limit-per-minute"},
	{"log_level", "log-level"},
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	log := logging.New("xaid", cfg.LogLevel, os.Stderr)
	logging.SetGlobal(log)
	log.Infof("starting xaid on network %s, data dir %s", cfg.Network, cfg.DataDir)

	n, err := node.New(cfg, node.Options{}, log)
	if err != nil {
		return fmt.Errorf("starting node: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n.Start(ctx)
	<-ctx.Done()

	log.Info("shutting down")
	return n.Stop()
}
