package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	nodesync "github.com/opsuite/nodesync"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "nodesyncd",
		Short: "Business data replication node",
		Long: `Nodesyncd runs one replication node of a multi-node deployment.
It serves the sync API, answers initial-load requests from peers, and can
push full initial loads to newly provisioned nodes.`,
		RunE: runNode,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "nodesync.yaml", "Path to the YAML configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	setupLogging(logLevel)

	cfg, err := nodesync.LoadNodeConfig(configPath)
	if err != nil {
		return err
	}

	store, err := nodesync.OpenDataStore(nodesync.DefaultDataStoreConfig(cfg.DataPath))
	if err != nil {
		return fmt.Errorf("open data store: %w", err)
	}
	defer store.Close()

	guardCfg := cfg.Guard
	guardCfg.LocalSchema = cfg.LocalSchema()
	guard := nodesync.NewCompatGuard(guardCfg, nodesync.SemverVersionManager{})

	builder := nodesync.NewSnapshotBuilder(store, cfg.NodeID)
	engine := nodesync.NewChunkEngine(store, cfg.Transfer)
	sessions := nodesync.NewSessionStore(store.DB())
	broker := nodesync.NewProgressBroker(0)

	orchCfg := cfg.Session
	orchCfg.NodeID = cfg.NodeID
	orch := nodesync.NewOrchestrator(orchCfg, guard, builder, engine, sessions, broker, cfg.PeerDirectory())

	archiver, err := nodesync.NewAuditArchiver(cfg.Archive)
	if err != nil {
		return fmt.Errorf("configure archiver: %w", err)
	}
	orch.SetArchiver(archiver)

	receiver := nodesync.NewChunkReceiver(cfg.Receiver, store, builder)
	verifier := nodesync.NewTokenVerifier(cfg.RegistrationSecret)
	server := nodesync.NewSyncServer(cfg.Server, orch, receiver, guard, sessions, broker, verifier)

	orch.Start()
	defer orch.Stop()

	if err := server.Start(); err != nil {
		return err
	}
	defer server.Stop()

	slog.Info("node started", "node", cfg.NodeID, "peers", len(cfg.Peers))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
