package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"ulekv"
	"ulekv/leafentry"
	"ulekv/raft_replicator"
	"ulekv/wal_replicator"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "ulekv-server",
		Short:        "Replicated store of versioned leaf entries",
		SilenceUsage: true,
	}
	root.AddCommand(newRaftCmd(), newWALCmd(), newInspectCmd())
	return root
}

func newLogger(nodeID string) *log.Logger {
	return log.New(os.Stdout, fmt.Sprintf("[%s] ", nodeID), log.LstdFlags|log.Lmicroseconds)
}

func waitForSignal(logger *log.Logger) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	logger.Printf("Received signal: %s. Shutting down...", sig)
}

func newRaftCmd() *cobra.Command {
	var (
		nodeID      string
		raftAddr    string
		raftDataDir string
		dbDataDir   string
		httpAddr    string
		bootstrap   bool
		join        string
		arenaSize   int
	)
	cmd := &cobra.Command{
		Use:   "raft",
		Short: "Run a node that orders messages through a Raft log",
		RunE: func(cmd *cobra.Command, args []string) error {
			var joinAddresses []string
			if join != "" {
				joinAddresses = strings.Split(join, ",")
			}
			for _, dir := range []string{raftDataDir, dbDataDir} {
				if err := os.MkdirAll(dir, 0700); err != nil {
					return fmt.Errorf("failed to create data directory %s: %w", dir, err)
				}
			}

			logger := newLogger(nodeID)
			cfg := ulekv.DefaultConfig(nodeID, raftAddr, raftDataDir, dbDataDir).
				WithClusterConfig(bootstrap, joinAddresses).
				WithArenaSize(arenaSize)
			cfg.Logger = logger

			server, err := raft_replicator.NewRaftReplicationServer(cfg)
			if err != nil {
				return err
			}
			if err := server.Start(httpAddr); err != nil {
				return err
			}
			waitForSignal(logger)
			if err := server.Shutdown(); err != nil {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			logger.Println("Node shut down gracefully.")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&nodeID, "id", "node1", "Unique ID for this node")
	f.StringVar(&raftAddr, "raftaddr", "localhost:7000", "Raft bind address (host:port)")
	f.StringVar(&raftDataDir, "raftdir", "raft-data", "Raft data directory")
	f.StringVar(&dbDataDir, "dbdir", "pebble-data", "PebbleDB data directory")
	f.StringVar(&httpAddr, "httpaddr", "localhost:8080", "HTTP API server address (host:port)")
	f.BoolVar(&bootstrap, "bootstrap", false, "Bootstrap a new cluster (only for the first node)")
	f.StringVar(&join, "join", "", "Comma-separated HTTP addresses of cluster members to join")
	f.IntVar(&arenaSize, "arena", 1<<20, "Size in bytes of the leaf entry arena, 0 to pack on the heap")
	return cmd
}

func newWALCmd() *cobra.Command {
	var (
		nodeID       string
		internalAddr string
		httpAddr     string
		dataDir      string
		zkServers    string
		primary      bool
		interval     time.Duration
		arenaSize    int
	)
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Run a node that ships its write-ahead log to followers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := wal_replicator.DefaultWALConfig(nodeID, dataDir)
			cfg.InternalBindAddress = internalAddr
			cfg.HTTPAddr = httpAddr
			cfg.Primary = primary
			cfg.ReplicationInterval = interval
			cfg.ArenaSize = arenaSize
			cfg.Logger = newLogger(nodeID)
			if zkServers != "" {
				cfg.ZkServers = strings.Split(zkServers, ",")
			}

			server, err := wal_replicator.NewWALReplicationServer(cfg)
			if err != nil {
				return err
			}
			if err := server.Start(); err != nil {
				server.Close()
				return err
			}
			waitForSignal(cfg.Logger)
			return server.Shutdown()
		},
	}
	f := cmd.Flags()
	f.StringVar(&nodeID, "id", "node1", "Unique ID for this node")
	f.StringVar(&internalAddr, "internaladdr", "localhost:7100", "Address followers serve WAL pushes on (host:port)")
	f.StringVar(&httpAddr, "httpaddr", "localhost:8180", "HTTP API server address (host:port)")
	f.StringVar(&dataDir, "dbdir", "wal-data", "PebbleDB data directory")
	f.StringVar(&zkServers, "zk", "", "Comma-separated ZooKeeper servers; empty for static membership")
	f.BoolVar(&primary, "primary", false, "Act as the primary when ZooKeeper is not used")
	f.DurationVar(&interval, "interval", time.Second, "How often the primary pushes to its followers")
	f.IntVar(&arenaSize, "arena", 1<<20, "Size in bytes of the leaf entry arena, 0 to pack on the heap")
	return cmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect HEX",
		Short: "Validate and print a packed leaf entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0])
		},
	}
}

func inspect(w io.Writer, s string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("leaf entry is not hex: %w", err)
	}
	le := leafentry.LeafEntry(raw)
	if len(le) > 0 {
		if err := leafentry.Validate(le); err != nil {
			return err
		}
	}
	return leafentry.Fprint(w, le)
}
