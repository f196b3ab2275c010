package ulekv

import (
	"fmt"
	"log"

	"github.com/hashicorp/raft"

	"ulekv/leafentry"
)

// KVReplicator is a replicated store of versioned leaf entries. Every
// write is a leaf-entry message that goes through the Raft log and is
// applied by each replica's FSM; reads are served from the local Pebble
// DB.
type KVReplicator struct {
	config      Config
	raftManager *raftManager
	fsm         *pebbleFSM
	logger      *log.Logger
}

// NewKVReplicator creates and initializes a new KVReplicator instance.
// The Raft node is not started automatically; call Start() for that.
func NewKVReplicator(cfg Config) (*KVReplicator, error) {
	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}

	fsm, err := newPebbleFSM(cfg.DBPath, cfg.ArenaSize, cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pebble FSM: %w", err)
	}

	rm, err := newRaftManager(cfg, fsm, cfg.Logger)
	if err != nil {
		if closeErr := fsm.Close(); closeErr != nil {
			cfg.Logger.Printf("ERROR: failed to close FSM after Raft creation error: %v", closeErr)
		}
		return nil, err
	}

	return &KVReplicator{
		config:      cfg,
		raftManager: rm,
		fsm:         fsm,
		logger:      cfg.Logger,
	}, nil
}

// Start starts the Raft node, bootstrapping a single-node cluster if
// configured to.
func (kv *KVReplicator) Start() error {
	if err := kv.raftManager.Start(); err != nil {
		return err
	}
	kv.logger.Printf("KVReplicator started. Node ID: %s, Raft Address: %s, Pebble Path: %s",
		kv.config.NodeID, kv.config.RaftBindAddress, kv.config.DBPath)
	return nil
}

// apply replicates msg and returns the number of keys it rewrote.
func (kv *KVReplicator) apply(msg leafentry.Message) (int, error) {
	if err := ValidateMessage(msg); err != nil {
		return 0, err
	}
	res, err := kv.raftManager.ApplyCommand(newCommand(msg), kv.config.ApplyTimeout)
	if err != nil {
		return 0, err
	}
	kv.logger.Printf("%s successful: xids=%s key=%q rewrote=%d", msg.Type, msg.XIDs, msg.Key, res.Keys)
	return res.Keys, nil
}

func (kv *KVReplicator) applyPoint(typ leafentry.MessageType, xids leafentry.XIDs, key, value []byte) error {
	_, err := kv.apply(leafentry.Message{Type: typ, XIDs: xids, Key: key, Val: value})
	return err
}

// Insert writes value under key on behalf of the innermost transaction of
// xids.
func (kv *KVReplicator) Insert(xids leafentry.XIDs, key, value []byte) error {
	return kv.applyPoint(leafentry.MsgInsert, xids, key, value)
}

// InsertNoOverwrite is Insert, except that it does nothing when the
// innermost record of key is already an insert.
func (kv *KVReplicator) InsertNoOverwrite(xids leafentry.XIDs, key, value []byte) error {
	return kv.applyPoint(leafentry.MsgInsertNoOverwrite, xids, key, value)
}

// Delete deletes key on behalf of the innermost transaction of xids.
func (kv *KVReplicator) Delete(xids leafentry.XIDs, key []byte) error {
	return kv.applyPoint(leafentry.MsgDeleteAny, xids, key, nil)
}

// Abort discards the innermost transaction of xids' record of key.
func (kv *KVReplicator) Abort(xids leafentry.XIDs, key []byte) error {
	return kv.applyPoint(leafentry.MsgAbortAny, xids, key, nil)
}

// Commit merges the innermost transaction of xids' record of key into its
// parent.
func (kv *KVReplicator) Commit(xids leafentry.XIDs, key []byte) error {
	return kv.applyPoint(leafentry.MsgCommitAny, xids, key, nil)
}

// CommitTxn commits the innermost transaction of xids in every key it
// wrote. It returns the number of keys rewritten.
func (kv *KVReplicator) CommitTxn(xids leafentry.XIDs) (int, error) {
	return kv.apply(leafentry.Message{Type: leafentry.MsgCommitBroadcastTxn, XIDs: xids})
}

// AbortTxn aborts the innermost transaction of xids in every key it wrote.
// It returns the number of keys rewritten.
func (kv *KVReplicator) AbortTxn(xids leafentry.XIDs) (int, error) {
	return kv.apply(leafentry.Message{Type: leafentry.MsgAbortBroadcastTxn, XIDs: xids})
}

// CommitAll commits every uncommitted record of every key. It returns the
// number of keys rewritten.
func (kv *KVReplicator) CommitAll() (int, error) {
	return kv.apply(leafentry.Message{Type: leafentry.MsgCommitBroadcastAll, XIDs: leafentry.NewXIDs()})
}

// Get returns the latest value of key, including uncommitted writes. It
// fails with ErrKeyNotFound if the key is absent or provisionally deleted.
func (kv *KVReplicator) Get(key []byte) ([]byte, error) {
	var v []byte
	err := kv.fsm.read(func(s *LeafStore) (err error) {
		v, err = s.Get(key)
		return err
	})
	return v, err
}

// GetCommitted returns the committed value of key.
func (kv *KVReplicator) GetCommitted(key []byte) ([]byte, error) {
	var v []byte
	err := kv.fsm.read(func(s *LeafStore) (err error) {
		v, err = s.GetCommitted(key)
		return err
	})
	return v, err
}

// Entry returns the packed leaf entry of key, or nil.
func (kv *KVReplicator) Entry(key []byte) (leafentry.LeafEntry, error) {
	var le leafentry.LeafEntry
	err := kv.fsm.read(func(s *LeafStore) (err error) {
		le, err = s.Entry(key)
		return err
	})
	return le, err
}

// Inspect returns a printable rendering of the leaf entry of key.
func (kv *KVReplicator) Inspect(key []byte) (string, error) {
	var out string
	err := kv.fsm.read(func(s *LeafStore) (err error) {
		out, err = s.Inspect(key)
		return err
	})
	return out, err
}

// IsLeader checks if the current node is the Raft leader.
func (kv *KVReplicator) IsLeader() bool {
	return kv.raftManager.IsLeader()
}

// Leader returns the Raft address of the current leader.
// Returns empty string if there is no current leader.
func (kv *KVReplicator) Leader() raft.ServerAddress {
	return kv.raftManager.Leader()
}

// Stats returns basic stats from the Raft node.
func (kv *KVReplicator) Stats() map[string]string {
	return kv.raftManager.Stats()
}

// AddVoter adds a node to the cluster. It must be run on the leader.
func (kv *KVReplicator) AddVoter(serverID string, serverAddress string) error {
	if !kv.IsLeader() {
		return fmt.Errorf("node is not the leader, cannot add voter. Current leader: %s", kv.Leader())
	}
	return kv.raftManager.AddVoter(serverID, serverAddress)
}

// RemoveServer removes a node from the cluster. It must be run on the
// leader, and a node cannot remove itself.
func (kv *KVReplicator) RemoveServer(serverID string) error {
	if !kv.IsLeader() {
		return fmt.Errorf("node is not the leader, cannot remove server. Current leader: %s", kv.Leader())
	}
	if serverID == kv.config.NodeID {
		return fmt.Errorf("cannot remove self from the cluster using this method; leader transfer might be needed")
	}
	return kv.raftManager.RemoveServer(serverID)
}

// Shutdown stops the Raft node and closes the Pebble DB.
func (kv *KVReplicator) Shutdown() error {
	kv.logger.Println("Shutting down KVReplicator...")
	raftErr := kv.raftManager.Shutdown()
	if err := kv.fsm.Close(); err != nil {
		kv.logger.Printf("ERROR: failed to close FSM (Pebble DB): %v", err)
		return err
	}
	return raftErr
}
