package raft_replicator

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"ulekv"
)

// RaftReplicationServer runs a KVReplicator node with its HTTP API.
type RaftReplicationServer struct {
	config     ulekv.Config
	kvStore    *ulekv.KVReplicator
	httpServer *http.Server
	logger     *log.Logger
}

// NewRaftReplicationServer creates the node described by cfg.
func NewRaftReplicationServer(cfg ulekv.Config) (*RaftReplicationServer, error) {
	kvStore, err := ulekv.NewKVReplicator(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create KVReplicator: %w", err)
	}
	return &RaftReplicationServer{
		config:  cfg,
		kvStore: kvStore,
		logger:  cfg.Logger,
	}, nil
}

// Start starts the Raft node and serves the HTTP API on httpAddr.
func (rrs *RaftReplicationServer) Start(httpAddr string) error {
	if err := rrs.kvStore.Start(); err != nil {
		rrs.logger.Printf("ERROR: Failed to start KVReplicator: %v", err)
		return err
	}

	rrs.logger.Printf("KVReplicator node %s started successfully.", rrs.config.NodeID)
	rrs.logger.Printf("Raft listening on: %s", rrs.config.RaftBindAddress)
	rrs.logger.Printf("HTTP API listening on: %s", httpAddr)

	rrs.httpServer = SetupHTTPServer(httpAddr, rrs.kvStore, rrs.logger)
	return nil
}

// Shutdown stops the HTTP API, then the node.
func (rrs *RaftReplicationServer) Shutdown() error {
	if rrs.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rrs.httpServer.Shutdown(ctx); err != nil {
			rrs.logger.Printf("ERROR: HTTP server shutdown error: %v", err)
		}
		rrs.httpServer = nil
	}
	return rrs.kvStore.Shutdown()
}
