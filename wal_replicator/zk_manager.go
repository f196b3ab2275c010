package wal_replicator

import (
	"fmt"
	"log"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

const (
	zkRootPath     = "/ulekv/wal"
	zkNodesPath    = zkRootPath + "/nodes"
	zkElectionPath = zkRootPath + "/election"
	electionPrefix = "n_"
	// zk appends a ten digit sequence to sequential node names.
	zkSequenceLen = 10
)

// ZKManager registers this node under zkNodesPath, keeps the set of live
// nodes, and runs the primary election: the node owning the lowest
// ephemeral sequential node under zkElectionPath is the primary.
type ZKManager struct {
	conn                *zk.Conn
	sessionEvents       <-chan zk.Event
	logger              *log.Logger
	nodeID              string
	internalBindAddress string // registered as the node's data

	mu           sync.RWMutex
	activeNodes  map[string]string // node ID -> internal address
	electionNode string            // our node under zkElectionPath
	primaryID    string
	isPrimary    bool

	onChange func() // called when membership or the primary changes
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewZKManager creates a ZKManager; onChange may be nil.
func NewZKManager(logger *log.Logger, nodeID string, onChange func()) *ZKManager {
	if onChange == nil {
		onChange = func() {}
	}
	return &ZKManager{
		logger:      logger,
		nodeID:      nodeID,
		activeNodes: make(map[string]string),
		onChange:    onChange,
		stop:        make(chan struct{}),
	}
}

// Connect connects to zkServers and creates the paths the manager uses.
// With no servers it leaves the manager disconnected.
func (zkm *ZKManager) Connect(zkServers []string) error {
	if len(zkServers) == 0 {
		zkm.logger.Println("WARN: No ZooKeeper servers specified. Membership and election are static.")
		return nil
	}

	zkm.logger.Printf("Connecting to ZooKeeper at %v...", zkServers)
	conn, events, err := zk.Connect(zkServers, 10*time.Second)
	if err != nil {
		zkm.logger.Printf("ERROR: Failed to connect to ZooKeeper: %v", err)
		return fmt.Errorf("failed to connect to zookeeper: %w", err)
	}
	zkm.conn = conn
	zkm.sessionEvents = events

	for _, p := range []string{"/ulekv", zkRootPath, zkNodesPath, zkElectionPath} {
		if err := zkm.ensurePath(p); err != nil {
			zkm.conn.Close()
			zkm.conn = nil
			return err
		}
	}
	zkm.logger.Println("ZooKeeper connection established.")
	return nil
}

// Connected reports whether the manager has a ZooKeeper connection.
func (zkm *ZKManager) Connected() bool {
	return zkm.conn != nil
}

func (zkm *ZKManager) ensurePath(p string) error {
	exists, _, err := zkm.conn.Exists(p)
	if err != nil {
		zkm.logger.Printf("ERROR: Failed to check existence of ZK path %s: %v", p, err)
		return fmt.Errorf("zookeeper path check failed: %w", err)
	}
	if exists {
		return nil
	}
	_, err = zkm.conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		zkm.logger.Printf("ERROR: Failed to create ZK path %s: %v", p, err)
		return fmt.Errorf("failed to create zookeeper path %s: %w", p, err)
	}
	return nil
}

// Start registers the node, joins the election and starts the watches.
func (zkm *ZKManager) Start(internalBindAddress string) error {
	if zkm.conn == nil {
		return nil
	}
	zkm.internalBindAddress = internalBindAddress

	if err := zkm.RegisterNode(); err != nil {
		return err
	}
	if err := zkm.campaign(); err != nil {
		return err
	}

	zkm.wg.Add(3)
	go zkm.watch(zkNodesPath, zkm.refreshNodes)
	go zkm.watch(zkElectionPath, zkm.refreshPrimary)
	go zkm.handleSessionEvents()
	return nil
}

// Close stops the watches and closes the connection, which removes the
// node's ephemeral nodes.
func (zkm *ZKManager) Close() {
	if zkm.conn == nil {
		return
	}
	zkm.logger.Println("Closing ZooKeeper connection...")
	close(zkm.stop)
	zkm.conn.Close()
	zkm.wg.Wait()
	zkm.conn = nil
}

// RegisterNode creates the node's ephemeral membership node.
func (zkm *ZKManager) RegisterNode() error {
	if zkm.conn == nil {
		return nil
	}
	if zkm.internalBindAddress == "" {
		return fmt.Errorf("internal bind address not set, cannot register node %s", zkm.nodeID)
	}

	nodePath := path.Join(zkNodesPath, zkm.nodeID)
	_, err := zkm.conn.Create(nodePath, []byte(zkm.internalBindAddress), zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	switch err {
	case nil:
		zkm.logger.Printf("Registered node in ZooKeeper at %s", nodePath)
	case zk.ErrNodeExists:
		zkm.logger.Printf("WARN: Ephemeral ZK node %s already exists. This might indicate an unclean shutdown or a duplicate node ID.", nodePath)
	default:
		zkm.logger.Printf("ERROR: Failed to create ephemeral ZK node %s: %v", nodePath, err)
		return fmt.Errorf("failed to create ephemeral ZK node: %w", err)
	}
	return nil
}

// campaign enters the election with a new ephemeral sequential node.
func (zkm *ZKManager) campaign() error {
	created, err := zkm.conn.Create(path.Join(zkElectionPath, electionPrefix), []byte(zkm.nodeID),
		zk.FlagEphemeral|zk.FlagSequence, zk.WorldACL(zk.PermAll))
	if err != nil {
		zkm.logger.Printf("ERROR: Failed to join the primary election: %v", err)
		return fmt.Errorf("failed to create election node: %w", err)
	}
	zkm.mu.Lock()
	zkm.electionNode = path.Base(created)
	zkm.mu.Unlock()
	zkm.logger.Printf("Joined the primary election as %s", created)
	return nil
}

// watch calls refresh with the children of p every time they change.
func (zkm *ZKManager) watch(p string, refresh func(children []string)) {
	defer zkm.wg.Done()
	for {
		children, _, events, err := zkm.conn.ChildrenW(p)
		if err != nil {
			zkm.logger.Printf("ERROR: Failed to watch ZK path %s: %v", p, err)
			select {
			case <-zkm.stop:
				return
			case <-time.After(time.Second):
				continue
			}
		}
		refresh(children)
		select {
		case <-zkm.stop:
			return
		case <-events:
		}
	}
}

func (zkm *ZKManager) refreshNodes(children []string) {
	nodes := make(map[string]string, len(children))
	for _, nodeID := range children {
		data, _, err := zkm.conn.Get(path.Join(zkNodesPath, nodeID))
		if err != nil {
			// Gone since the listing; the next event refreshes again.
			continue
		}
		nodes[nodeID] = string(data)
	}
	zkm.mu.Lock()
	zkm.activeNodes = nodes
	zkm.mu.Unlock()
	zkm.logger.Printf("Active nodes: %v", nodes)
	zkm.onChange()
}

func (zkm *ZKManager) refreshPrimary(children []string) {
	lowest := lowestSequential(children)
	var primaryID string
	if lowest != "" {
		data, _, err := zkm.conn.Get(path.Join(zkElectionPath, lowest))
		if err == nil {
			primaryID = string(data)
		}
	}

	zkm.mu.Lock()
	isPrimary := lowest != "" && lowest == zkm.electionNode
	changed := zkm.primaryID != primaryID || zkm.isPrimary != isPrimary
	zkm.primaryID = primaryID
	zkm.isPrimary = isPrimary
	zkm.mu.Unlock()

	if changed {
		zkm.logger.Printf("Primary is now %q (this node primary: %t)", primaryID, isPrimary)
		zkm.onChange()
	}
}

// handleSessionEvents re-registers the node and rejoins the election
// once a new session replaces an expired one.
func (zkm *ZKManager) handleSessionEvents() {
	defer zkm.wg.Done()
	expired := false
	for {
		select {
		case <-zkm.stop:
			return
		case event, ok := <-zkm.sessionEvents:
			if !ok {
				return
			}
			if event.Type != zk.EventSession {
				continue
			}
			switch event.State {
			case zk.StateExpired:
				zkm.logger.Println("WARN: ZooKeeper session expired.")
				expired = true
				zkm.mu.Lock()
				zkm.electionNode = ""
				zkm.isPrimary = false
				zkm.mu.Unlock()
				zkm.onChange()
			case zk.StateHasSession:
				if !expired {
					continue
				}
				expired = false
				if err := zkm.RegisterNode(); err != nil {
					zkm.logger.Printf("ERROR: Failed to re-register node after session expiry: %v", err)
				}
				if err := zkm.campaign(); err != nil {
					zkm.logger.Printf("ERROR: Failed to rejoin the election after session expiry: %v", err)
				}
			}
		}
	}
}

// lowestSequential returns the election node with the lowest sequence
// number, or "" if there is none.
func lowestSequential(children []string) string {
	type candidate struct {
		name string
		seq  uint64
	}
	var candidates []candidate
	for _, name := range children {
		if len(name) < zkSequenceLen {
			continue
		}
		seq, err := strconv.ParseUint(name[len(name)-zkSequenceLen:], 10, 64)
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{name: name, seq: seq})
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	return candidates[0].name
}

// IsPrimary reports whether this node won the election.
func (zkm *ZKManager) IsPrimary() bool {
	zkm.mu.RLock()
	defer zkm.mu.RUnlock()
	return zkm.isPrimary
}

// GetPrimary returns the node ID of the elected primary, or "".
func (zkm *ZKManager) GetPrimary() string {
	zkm.mu.RLock()
	defer zkm.mu.RUnlock()
	return zkm.primaryID
}

// GetActiveNodes returns a copy of the live nodes.
func (zkm *ZKManager) GetActiveNodes() map[string]string {
	zkm.mu.RLock()
	defer zkm.mu.RUnlock()
	nodes := make(map[string]string, len(zkm.activeNodes))
	for k, v := range zkm.activeNodes {
		nodes[k] = v
	}
	return nodes
}
