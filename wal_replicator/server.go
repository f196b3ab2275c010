package wal_replicator

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/rpc"
	"os"
	"sort"
	"sync"
	"time"

	"ulekv"
	"ulekv/internal/base"
	"ulekv/leafentry"
)

const defaultReplicationInterval = 5 * time.Second

// WALConfig is configuration for the WAL replication server.
type WALConfig struct {
	NodeID              string
	InternalBindAddress string   // net/rpc listener for updates pushed by the primary
	HTTPAddr            string   // HTTP API listener, e.g. ":8080"
	DataDir             string   // pebble directory; its WAL files are what gets shipped
	ZkServers           []string // e.g. ["localhost:2181"]; empty means static membership
	// Primary makes this node take writes when ZkServers is empty. With
	// ZooKeeper the election decides.
	Primary             bool
	ReplicationInterval time.Duration
	ArenaSize           int // see ulekv.Config.ArenaSize
	Logger              *log.Logger
}

// DefaultWALConfig returns a configuration with default settings.
func DefaultWALConfig(nodeID, dataDir string) WALConfig {
	return WALConfig{
		NodeID:              nodeID,
		InternalBindAddress: "localhost:9000",
		HTTPAddr:            "localhost:8080",
		DataDir:             dataDir,
		ReplicationInterval: defaultReplicationInterval,
		ArenaSize:           1 << 20,
		Logger:              log.New(os.Stdout, fmt.Sprintf("[%s-wal] ", nodeID), log.LstdFlags|log.Lmicroseconds),
	}
}

// Validate checks that the configuration is usable.
func (c WALConfig) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("WALConfig error: NodeID must be specified")
	}
	if c.DataDir == "" {
		return fmt.Errorf("WALConfig error: DataDir must be specified")
	}
	if c.ReplicationInterval <= 0 {
		return fmt.Errorf("WALConfig error: ReplicationInterval must be positive")
	}
	if c.ArenaSize < 0 {
		return fmt.Errorf("WALConfig error: ArenaSize must not be negative")
	}
	return nil
}

// WALReplicationServer is a leaf-entry store whose primary ships its pebble
// WAL to the other nodes. Writes are only accepted on the primary;
// followers serve reads of what has been shipped to them.
type WALReplicationServer struct {
	config     WALConfig
	logger     *log.Logger
	store      *PebbleDBStore
	zkManager  *ZKManager
	replicator *Replicator

	mu          sync.RWMutex
	staticNodes map[string]string // added through /wal/join

	rpcListener  net.Listener
	rpcServer    *http.Server
	httpListener net.Listener
	httpServer   *http.Server
}

// NewWALReplicationServer opens the store and connects to ZooKeeper.
func NewWALReplicationServer(cfg WALConfig) (*WALReplicationServer, error) {
	if cfg.ReplicationInterval == 0 {
		cfg.ReplicationInterval = defaultReplicationInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, fmt.Sprintf("[%s-wal] ", cfg.NodeID), log.LstdFlags|log.Lmicroseconds)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	logger.Printf("Initializing WALReplicationServer for node %s with data dir %s", cfg.NodeID, cfg.DataDir)

	store, err := NewPebbleDBStore(cfg.DataDir, cfg.ArenaSize, logger)
	if err != nil {
		return nil, err
	}

	wrs := &WALReplicationServer{
		config:      cfg,
		logger:      logger,
		store:       store,
		staticNodes: make(map[string]string),
	}
	wrs.replicator = NewReplicator(logger, cfg.NodeID, cfg.ReplicationInterval, wrs, wrs, store)
	wrs.zkManager = NewZKManager(logger, cfg.NodeID, wrs.replicator.TriggerReconciliation)
	if err := wrs.zkManager.Connect(cfg.ZkServers); err != nil {
		store.Close()
		return nil, err
	}
	return wrs, nil
}

// Start serves the replication RPC and the HTTP API, registers with
// ZooKeeper and starts pushing updates when primary.
func (wrs *WALReplicationServer) Start() error {
	wrs.logger.Printf("WALReplicationServer node %s starting...", wrs.config.NodeID)

	rpcSrv := rpc.NewServer()
	if err := rpcSrv.RegisterName("WALReplicationServer", &WALService{sink: wrs.store, logger: wrs.logger}); err != nil {
		return fmt.Errorf("failed to register replication service: %w", err)
	}
	rpcMux := http.NewServeMux()
	rpcMux.Handle(rpc.DefaultRPCPath, rpcSrv)

	var err error
	wrs.rpcListener, wrs.rpcServer, err = wrs.serve("replication RPC", wrs.config.InternalBindAddress, rpcMux)
	if err != nil {
		return err
	}
	wrs.httpListener, wrs.httpServer, err = wrs.serve("HTTP API", wrs.config.HTTPAddr, wrs.Handler())
	if err != nil {
		wrs.rpcServer.Close()
		return err
	}

	if err := wrs.zkManager.Start(wrs.InternalAddr()); err != nil {
		wrs.logger.Printf("ERROR: Failed to start ZKManager: %v", err)
		wrs.shutdownServers()
		return err
	}
	wrs.replicator.Start()

	wrs.logger.Printf("WALReplicationServer node %s started: replication on %s, HTTP API on %s",
		wrs.config.NodeID, wrs.InternalAddr(), wrs.HTTPAddr())
	return nil
}

func (wrs *WALReplicationServer) serve(name, addr string, handler http.Handler) (net.Listener, *http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		wrs.logger.Printf("ERROR: Failed to listen for %s on %s: %v", name, addr, err)
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	// No ReadTimeout: its deadline would outlive the hijack of RPC
	// connections.
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			wrs.logger.Printf("ERROR: %s server: %v", name, err)
		}
	}()
	return ln, srv, nil
}

// InternalAddr returns the address the replication RPC listens on.
func (wrs *WALReplicationServer) InternalAddr() string {
	if wrs.rpcListener == nil {
		return wrs.config.InternalBindAddress
	}
	return wrs.rpcListener.Addr().String()
}

// HTTPAddr returns the address the HTTP API listens on.
func (wrs *WALReplicationServer) HTTPAddr() string {
	if wrs.httpListener == nil {
		return wrs.config.HTTPAddr
	}
	return wrs.httpListener.Addr().String()
}

func (wrs *WALReplicationServer) shutdownServers() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if wrs.httpServer != nil {
		if err := wrs.httpServer.Shutdown(ctx); err != nil {
			wrs.logger.Printf("ERROR: HTTP server shutdown error: %v", err)
		}
		wrs.httpServer = nil
	}
	if wrs.rpcServer != nil {
		// Hijacked RPC connections are not tracked by Shutdown.
		if err := wrs.rpcServer.Close(); err != nil {
			wrs.logger.Printf("ERROR: replication RPC server close error: %v", err)
		}
		wrs.rpcServer = nil
	}
}

// Shutdown stops replication, the listeners and ZooKeeper, then closes
// the store.
func (wrs *WALReplicationServer) Shutdown() error {
	wrs.logger.Println("Shutting down WALReplicationServer...")
	wrs.replicator.Stop()
	wrs.shutdownServers()
	wrs.zkManager.Close()
	return wrs.Close()
}

// Close closes the store.
func (wrs *WALReplicationServer) Close() error {
	return wrs.store.Close()
}

// IsPrimary reports whether this node takes writes.
func (wrs *WALReplicationServer) IsPrimary() bool {
	if wrs.zkManager.Connected() {
		return wrs.zkManager.IsPrimary()
	}
	return wrs.config.Primary
}

// GetPrimary returns the node ID of the primary, or "" if unknown.
func (wrs *WALReplicationServer) GetPrimary() string {
	if wrs.zkManager.Connected() {
		return wrs.zkManager.GetPrimary()
	}
	if wrs.config.Primary {
		return wrs.config.NodeID
	}
	return ""
}

// GetActiveNodes returns the nodes registered in ZooKeeper plus the ones
// added with AddNode.
func (wrs *WALReplicationServer) GetActiveNodes() map[string]string {
	nodes := wrs.zkManager.GetActiveNodes()
	wrs.mu.RLock()
	defer wrs.mu.RUnlock()
	for id, addr := range wrs.staticNodes {
		nodes[id] = addr
	}
	return nodes
}

// AddNode adds a follower by hand, for clusters run without ZooKeeper.
func (wrs *WALReplicationServer) AddNode(nodeID, nodeAddr string) error {
	if nodeID == wrs.config.NodeID {
		return fmt.Errorf("node %s cannot add itself", nodeID)
	}
	wrs.mu.Lock()
	wrs.staticNodes[nodeID] = nodeAddr
	wrs.mu.Unlock()
	wrs.logger.Printf("Node added: ID=%s, Address=%s", nodeID, nodeAddr)
	wrs.replicator.TriggerReconciliation()
	return nil
}

// RemoveNode removes a node added with AddNode.
func (wrs *WALReplicationServer) RemoveNode(nodeID string) error {
	wrs.mu.Lock()
	_, exists := wrs.staticNodes[nodeID]
	delete(wrs.staticNodes, nodeID)
	wrs.mu.Unlock()
	if !exists {
		return fmt.Errorf("node %s is not in the static node list", nodeID)
	}
	wrs.logger.Printf("Node removed: ID=%s", nodeID)
	wrs.replicator.TriggerReconciliation()
	return nil
}

// GetStats returns the node's replication state.
func (wrs *WALReplicationServer) GetStats() map[string]string {
	stats := map[string]string{
		"node_id":      wrs.config.NodeID,
		"data_dir":     wrs.config.DataDir,
		"is_primary":   fmt.Sprint(wrs.IsPrimary()),
		"primary":      wrs.GetPrimary(),
		"active_nodes": fmt.Sprint(len(wrs.GetActiveNodes())),
	}
	if seq, err := wrs.LatestSequence(); err == nil {
		stats["next_seq"] = seq.String()
	}
	followers := wrs.replicator.FollowerSequences()
	ids := make([]string, 0, len(followers))
	for id := range followers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		stats["follower."+id] = followers[id].String()
	}
	return stats
}

// apply applies msg if this node is the primary and wakes the replicator.
func (wrs *WALReplicationServer) apply(msg leafentry.Message) (int, error) {
	if !wrs.IsPrimary() {
		return 0, fmt.Errorf("cannot apply %s: not the primary. Current primary: %s", msg.Type, wrs.GetPrimary())
	}
	n, err := wrs.store.Apply(msg)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		wrs.replicator.TriggerReconciliation()
	}
	return n, nil
}

func (wrs *WALReplicationServer) applyPoint(typ leafentry.MessageType, xids leafentry.XIDs, key, value []byte) error {
	_, err := wrs.apply(leafentry.Message{Type: typ, XIDs: xids, Key: key, Val: value})
	return err
}

// Insert writes value under key in the innermost transaction of xids.
func (wrs *WALReplicationServer) Insert(xids leafentry.XIDs, key, value []byte) error {
	return wrs.applyPoint(leafentry.MsgInsert, xids, key, value)
}

// InsertNoOverwrite is Insert that leaves a live value in place.
func (wrs *WALReplicationServer) InsertNoOverwrite(xids leafentry.XIDs, key, value []byte) error {
	return wrs.applyPoint(leafentry.MsgInsertNoOverwrite, xids, key, value)
}

func (wrs *WALReplicationServer) Delete(xids leafentry.XIDs, key []byte) error {
	return wrs.applyPoint(leafentry.MsgDeleteAny, xids, key, nil)
}

func (wrs *WALReplicationServer) Abort(xids leafentry.XIDs, key []byte) error {
	return wrs.applyPoint(leafentry.MsgAbortAny, xids, key, nil)
}

func (wrs *WALReplicationServer) Commit(xids leafentry.XIDs, key []byte) error {
	return wrs.applyPoint(leafentry.MsgCommitAny, xids, key, nil)
}

// CommitTxn commits the innermost transaction of xids in every key that
// carries it and returns how many keys changed.
func (wrs *WALReplicationServer) CommitTxn(xids leafentry.XIDs) (int, error) {
	return wrs.apply(leafentry.Message{Type: leafentry.MsgCommitBroadcastTxn, XIDs: xids})
}

// AbortTxn aborts the innermost transaction of xids in every key that
// carries it and returns how many keys changed.
func (wrs *WALReplicationServer) AbortTxn(xids leafentry.XIDs) (int, error) {
	return wrs.apply(leafentry.Message{Type: leafentry.MsgAbortBroadcastTxn, XIDs: xids})
}

// CommitAll commits every open transaction in every key.
func (wrs *WALReplicationServer) CommitAll() (int, error) {
	return wrs.apply(leafentry.Message{Type: leafentry.MsgCommitBroadcastAll, XIDs: leafentry.NewXIDs()})
}

func (wrs *WALReplicationServer) leaves() (*ulekv.LeafStore, error) {
	return wrs.store.Leaves()
}

// Get returns the latest value of key.
func (wrs *WALReplicationServer) Get(key []byte) ([]byte, error) {
	leaves, err := wrs.leaves()
	if err != nil {
		return nil, err
	}
	return leaves.Get(key)
}

// GetCommitted returns the committed value of key.
func (wrs *WALReplicationServer) GetCommitted(key []byte) ([]byte, error) {
	leaves, err := wrs.leaves()
	if err != nil {
		return nil, err
	}
	return leaves.GetCommitted(key)
}

// Inspect pretty-prints the leaf entry under key.
func (wrs *WALReplicationServer) Inspect(key []byte) (string, error) {
	leaves, err := wrs.leaves()
	if err != nil {
		return "", err
	}
	return leaves.Inspect(key)
}

// LatestSequence returns the sequence number of the next local write.
func (wrs *WALReplicationServer) LatestSequence() (base.SeqNum, error) {
	return wrs.store.GetLatestSequenceNumber()
}
