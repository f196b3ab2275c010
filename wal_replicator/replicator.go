package wal_replicator

import (
	"log"
	"net/rpc"
	"sync"
	"time"

	"ulekv/internal/base"
)

// applyWALUpdatesMethod is the RPC a primary calls on its followers.
const applyWALUpdatesMethod = "WALReplicationServer.ApplyWALUpdates"

// WALApplyRequest defines the RPC request for applying WAL updates.
type WALApplyRequest struct {
	Updates []WALUpdate
}

// WALApplyReply defines the RPC reply for applying WAL updates.
type WALApplyReply struct {
	AppliedCount int
	Error        string
}

// PrimaryChecker reports whether this node is the primary and where the
// primary is.
type PrimaryChecker interface {
	IsPrimary() bool
	GetPrimary() string
}

// NodeRegistry returns the live nodes, by node ID, with their internal
// addresses.
type NodeRegistry interface {
	GetActiveNodes() map[string]string
}

// WALSource is the primary's side of the store.
type WALSource interface {
	GetLatestSequenceNumber() (base.SeqNum, error)
	GetUpdatesSince(base.SeqNum) ([]WALUpdate, error)
}

// WALSink is the follower's side of the store.
type WALSink interface {
	ApplyUpdates([]WALUpdate) (int, error)
}

// WALService serves applyWALUpdatesMethod on a follower.
type WALService struct {
	sink   WALSink
	logger *log.Logger
}

// ApplyWALUpdates applies the updates pushed by the primary. Failures are
// reported in the reply so the primary retries from the same sequence.
func (s *WALService) ApplyWALUpdates(req WALApplyRequest, reply *WALApplyReply) error {
	n, err := s.sink.ApplyUpdates(req.Updates)
	if err != nil {
		s.logger.Printf("ERROR: failed to apply %d WAL updates: %v", len(req.Updates), err)
		reply.Error = err.Error()
		return nil
	}
	reply.AppliedCount = n
	return nil
}

// Replicator pushes the primary's WAL to every other active node over
// net/rpc.
type Replicator struct {
	logger         *log.Logger
	nodeID         string
	interval       time.Duration
	primaryChecker PrimaryChecker
	nodeRegistry   NodeRegistry
	walSource      WALSource

	// followerSequence holds, per follower, the first sequence number it
	// has not acknowledged.
	followerConnections map[string]*rpc.Client
	followerSequence    map[string]base.SeqNum
	mu                  sync.RWMutex

	started          bool
	stopChan         chan struct{}
	stopOnce         sync.Once
	done             chan struct{}
	triggerReconcile chan struct{}
}

// NewReplicator creates a Replicator that reconciles and pushes every
// interval.
func NewReplicator(
	logger *log.Logger,
	nodeID string,
	interval time.Duration,
	primaryChecker PrimaryChecker,
	nodeRegistry NodeRegistry,
	walSource WALSource,
) *Replicator {
	return &Replicator{
		logger:              logger,
		nodeID:              nodeID,
		interval:            interval,
		primaryChecker:      primaryChecker,
		nodeRegistry:        nodeRegistry,
		walSource:           walSource,
		followerConnections: make(map[string]*rpc.Client),
		followerSequence:    make(map[string]base.SeqNum),
		stopChan:            make(chan struct{}),
		done:                make(chan struct{}),
		triggerReconcile:    make(chan struct{}, 1),
	}
}

// Start initiates the replication process.
func (r *Replicator) Start() {
	r.logger.Println("Starting WAL Replicator...")
	r.started = true
	go r.replicationLoop()
}

// Stop waits for the replication loop to exit and closes every follower
// connection. It is safe to call more than once.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() {
		r.logger.Println("Stopping WAL Replicator...")
		close(r.stopChan)
		if r.started {
			<-r.done
		}
		r.disconnectAllFollowers()
		r.logger.Println("WAL Replicator stopped.")
	})
}

// TriggerReconciliation makes the loop reconcile and push now instead of
// at the next tick.
func (r *Replicator) TriggerReconciliation() {
	select {
	case r.triggerReconcile <- struct{}{}:
	default:
		// A trigger is already pending.
	}
}

func (r *Replicator) replicationLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
		case <-r.triggerReconcile:
		}
		r.reconcileFollowerConnections()
		r.pushWALUpdates()
	}
}

// reconcileFollowerConnections dials new followers and drops the ones that
// left. A node that is not the primary keeps no connections.
func (r *Replicator) reconcileFollowerConnections() {
	if !r.primaryChecker.IsPrimary() {
		r.disconnectAllFollowers()
		return
	}

	activeNodes := r.nodeRegistry.GetActiveNodes()

	r.mu.Lock()
	defer r.mu.Unlock()
	for followerID, conn := range r.followerConnections {
		if _, exists := activeNodes[followerID]; !exists || followerID == r.nodeID {
			r.logger.Printf("Disconnecting inactive follower: %s", followerID)
			conn.Close()
			delete(r.followerConnections, followerID)
			delete(r.followerSequence, followerID)
		}
	}

	for nodeID, addr := range activeNodes {
		if nodeID == r.nodeID {
			continue
		}
		if _, connected := r.followerConnections[nodeID]; connected {
			continue
		}
		client, err := rpc.DialHTTP("tcp", addr)
		if err != nil {
			r.logger.Printf("ERROR: Failed to connect to follower %s at %s: %v", nodeID, addr, err)
			continue
		}
		r.followerConnections[nodeID] = client
		if _, ok := r.followerSequence[nodeID]; !ok {
			r.followerSequence[nodeID] = 0
		}
		r.logger.Printf("Connected to follower %s at %s.", nodeID, addr)
	}
}

func (r *Replicator) disconnectAllFollowers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for followerID, conn := range r.followerConnections {
		if err := conn.Close(); err != nil {
			r.logger.Printf("ERROR: Failed to close connection to follower %s: %v", followerID, err)
		}
		delete(r.followerConnections, followerID)
		delete(r.followerSequence, followerID)
	}
}

// pushWALUpdates sends every connected follower the updates it has not
// acknowledged, in parallel, and waits for all of them.
func (r *Replicator) pushWALUpdates() {
	if !r.primaryChecker.IsPrimary() {
		return
	}

	type followerState struct {
		client   *rpc.Client
		sequence base.SeqNum
	}
	r.mu.RLock()
	followers := make(map[string]followerState, len(r.followerConnections))
	for id, client := range r.followerConnections {
		followers[id] = followerState{client: client, sequence: r.followerSequence[id]}
	}
	r.mu.RUnlock()

	latestSeqNum, err := r.walSource.GetLatestSequenceNumber()
	if err != nil {
		r.logger.Printf("ERROR: Failed to get latest sequence number from DB: %v", err)
		return
	}

	var wg sync.WaitGroup
	for id, state := range followers {
		if latestSeqNum <= state.sequence {
			continue
		}
		wg.Add(1)
		go func(id string, state followerState) {
			defer wg.Done()
			r.pushTo(id, state.client, state.sequence)
		}(id, state)
	}
	wg.Wait()
}

func (r *Replicator) pushTo(id string, client *rpc.Client, since base.SeqNum) {
	updates, err := r.walSource.GetUpdatesSince(since)
	if err != nil {
		r.logger.Printf("ERROR: Failed to get WAL updates for follower %s: %v", id, err)
		return
	}
	if len(updates) == 0 {
		return
	}

	var reply WALApplyReply
	if err := client.Call(applyWALUpdatesMethod, WALApplyRequest{Updates: updates}, &reply); err != nil {
		r.logger.Printf("ERROR: RPC call to follower %s failed: %v", id, err)
		if err == rpc.ErrShutdown {
			// Redial at the next reconcile, resuming from the same sequence.
			r.mu.Lock()
			if r.followerConnections[id] == client {
				delete(r.followerConnections, id)
			}
			r.mu.Unlock()
		}
		return
	}
	if reply.Error != "" {
		r.logger.Printf("ERROR: Follower %s reported error applying WAL updates: %s", id, reply.Error)
		return
	}

	next := updates[len(updates)-1].SeqNum + 1
	r.mu.Lock()
	if _, ok := r.followerConnections[id]; ok {
		r.followerSequence[id] = next
	}
	r.mu.Unlock()
	r.logger.Printf("Pushed %d updates to follower %s, next sequence %s", reply.AppliedCount, id, next)
}

// FollowerSequences returns, per connected follower, the first sequence
// number it has not acknowledged.
func (r *Replicator) FollowerSequences() map[string]base.SeqNum {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]base.SeqNum, len(r.followerSequence))
	for id, seq := range r.followerSequence {
		out[id] = seq
	}
	return out
}
