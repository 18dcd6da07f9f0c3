package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftdb/driftdb/pkg/config"
	"github.com/driftdb/driftdb/pkg/log"
	"github.com/driftdb/driftdb/pkg/node"
)

var (
	// Version information (set via ldflags during build).
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "driftdbd",
	Short:   "driftdbd runs one node of a driftdb cluster",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"driftdbd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	for _, c := range []*cobra.Command{runCmd, bootstrapCmd, joinCmd} {
		c.Flags().String("config", "", "Path to the node's YAML config file")
	}
	joinCmd.Flags().String("peer", "", "Address of an existing cluster member to join (required)")
	rootCmd.AddCommand(runCmd, bootstrapCmd, joinCmd)

	initConfigCmd.Flags().String("out", "driftdb.yaml", "Path to write the generated config")
	initConfigCmd.Flags().String("node-id", "", "Node id to embed in the generated config (required)")
	rootCmd.AddCommand(initConfigCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		cfg := config.Default()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// serveUntilInterrupted starts n, blocks on SIGINT/SIGTERM, then runs the
// graceful shutdown sequence (pkg/node.Coordinator.Stop).
func serveUntilInterrupted(n *node.Coordinator, nodeID string) error {
	if err := n.Start(); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	log.Logger.Info().Str("nodeId", nodeID).Msg("driftdbd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := n.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop node: %w", err)
	}
	return nil
}

// runCmd starts a node that is already a cluster member -- the restart path,
// where this node's peers already carry it in their gossip membership and
// partition map, so no join handshake is needed.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start an existing cluster member and serve until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("build node: %w", err)
		}
		return serveUntilInterrupted(n, cfg.NodeID)
	},
}

// bootstrapCmd starts the first node of a brand new cluster. There is no
// raft quorum to form and no peer to contact -- this node's own partition
// map becomes the cluster's initial partition map.
var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Start the first node of a new cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("build node: %w", err)
		}
		log.Logger.Info().Str("nodeId", cfg.NodeID).Msg("bootstrapping new cluster")
		return serveUntilInterrupted(n, cfg.NodeID)
	},
}

// joinCmd starts a node and has it join an existing cluster through the
// given peer's clusterrpc control plane before serving client traffic.
var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start a node and join it to an existing cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		peerAddr, _ := cmd.Flags().GetString("peer")
		if peerAddr == "" {
			return fmt.Errorf("--peer is required")
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		n, err := node.New(cfg)
		if err != nil {
			return fmt.Errorf("build node: %w", err)
		}
		if err := n.Start(); err != nil {
			return fmt.Errorf("start node: %w", err)
		}
		log.Logger.Info().Str("nodeId", cfg.NodeID).Msg("driftdbd started")

		joinCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = n.Join(joinCtx, peerAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("join %s: %w", peerAddr, err)
		}
		log.Logger.Info().Str("peer", peerAddr).Msg("joined cluster")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh
		log.Logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := n.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop node: %w", err)
		}
		return nil
	},
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default YAML config to disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		nodeID, _ := cmd.Flags().GetString("node-id")
		out, _ := cmd.Flags().GetString("out")
		if nodeID == "" {
			return fmt.Errorf("--node-id is required")
		}

		cfg := config.Default()
		cfg.NodeID = nodeID
		if err := config.Save(cfg, out); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		fmt.Printf("wrote %s\n", out)
		return nil
	},
}
