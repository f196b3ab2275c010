package raft_replicator

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/raft"

	"ulekv"
	"ulekv/leafentry"
)

// Store is the part of *ulekv.KVReplicator the HTTP API serves.
type Store interface {
	Insert(xids leafentry.XIDs, key, value []byte) error
	InsertNoOverwrite(xids leafentry.XIDs, key, value []byte) error
	Delete(xids leafentry.XIDs, key []byte) error
	Abort(xids leafentry.XIDs, key []byte) error
	Commit(xids leafentry.XIDs, key []byte) error
	CommitTxn(xids leafentry.XIDs) (int, error)
	AbortTxn(xids leafentry.XIDs) (int, error)
	CommitAll() (int, error)
	Get(key []byte) ([]byte, error)
	GetCommitted(key []byte) ([]byte, error)
	Inspect(key []byte) (string, error)

	IsLeader() bool
	Leader() raft.ServerAddress
	Stats() map[string]string
	AddVoter(serverID, serverAddress string) error
	RemoveServer(serverID string) error
}

var _ Store = (*ulekv.KVReplicator)(nil)

// SetupHTTPServer starts serving the API for store on addr in the
// background and returns the server so the caller can shut it down.
func SetupHTTPServer(addr string, store Store, logger *log.Logger) *http.Server {
	server := &http.Server{
		Addr:    addr,
		Handler: NewHandler(store, logger),
	}

	go func() {
		logger.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server ListenAndServe: %v", err)
		}
	}()
	return server
}

// NewHandler returns the HTTP API for store.
//
//	GET    /kv?key=K[&committed=true]
//	PUT    /kv?key=K&value=V[&xids=1,2][&nooverwrite=true]
//	DELETE /kv?key=K[&xids=1,2]
//	GET    /kv/inspect?key=K
//	POST   /txn/commit?xids=1,2[&key=K]
//	POST   /txn/abort?xids=1,2[&key=K]
//	POST   /txn/commit-all
//	POST   /raft/join?nodeId=N&raftAddr=A
//	POST   /raft/remove?nodeId=N
//	GET    /raft/leader
//	GET    /raft/stats
func NewHandler(store Store, logger *log.Logger) http.Handler {
	h := &handler{store: store, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/kv", h.handleKV)
	mux.HandleFunc("/kv/inspect", h.handleInspect)
	mux.HandleFunc("/txn/commit", h.handleTxnEnd(true))
	mux.HandleFunc("/txn/abort", h.handleTxnEnd(false))
	mux.HandleFunc("/txn/commit-all", h.handleCommitAll)
	mux.HandleFunc("/raft/join", h.handleJoin)
	mux.HandleFunc("/raft/remove", h.handleRemove)
	mux.HandleFunc("/raft/leader", h.handleLeader)
	mux.HandleFunc("/raft/stats", h.handleStats)
	return mux
}

type handler struct {
	store  Store
	logger *log.Logger
}

// writeError maps err to a status code: 404 for missing keys, 400 for
// rejected messages, 409 or 503 when this node cannot accept writes.
func (h *handler) writeError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ulekv.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ulekv.ErrInvalidCommand):
		http.Error(w, fmt.Sprintf("Failed to %s: %v", action, err), http.StatusBadRequest)
	case strings.Contains(err.Error(), "not the leader"):
		if leaderAddr := h.store.Leader(); leaderAddr != "" {
			http.Error(w, fmt.Sprintf("Not leader. Try leader at (Raft Address): %s. Error: %v", leaderAddr, err), http.StatusConflict)
		} else {
			http.Error(w, fmt.Sprintf("Failed to %s (not leader, leader unknown): %v", action, err), http.StatusServiceUnavailable)
		}
	default:
		h.logger.Printf("ERROR: failed to %s: %v", action, err)
		http.Error(w, fmt.Sprintf("Failed to %s: %v", action, err), http.StatusInternalServerError)
	}
}

// xidsParam parses the xids query parameter; absent means the root.
func xidsParam(r *http.Request) (leafentry.XIDs, error) {
	xids, err := leafentry.ParseXIDs(r.URL.Query().Get("xids"))
	if err != nil {
		return nil, fmt.Errorf("bad xids parameter: %w", err)
	}
	return xids, nil
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

func (h *handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key parameter is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		get := h.store.Get
		if boolParam(r, "committed") {
			get = h.store.GetCommitted
		}
		value, err := get([]byte(key))
		if err != nil {
			h.writeError(w, "get key", err)
			return
		}
		w.Write(value)
	case http.MethodPut:
		if !r.URL.Query().Has("value") {
			http.Error(w, "value parameter is required for PUT", http.StatusBadRequest)
			return
		}
		xids, err := xidsParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		insert := h.store.Insert
		if boolParam(r, "nooverwrite") {
			insert = h.store.InsertNoOverwrite
		}
		if err := insert(xids, []byte(key), []byte(r.URL.Query().Get("value"))); err != nil {
			h.writeError(w, "put key", err)
			return
		}
		fmt.Fprint(w, "OK")
	case http.MethodDelete:
		xids, err := xidsParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := h.store.Delete(xids, []byte(key)); err != nil {
			h.writeError(w, "delete key", err)
			return
		}
		fmt.Fprint(w, "OK")
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handler) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key parameter is required", http.StatusBadRequest)
		return
	}
	out, err := h.store.Inspect([]byte(key))
	if err != nil {
		h.writeError(w, "inspect key", err)
		return
	}
	fmt.Fprint(w, out)
}

// handleTxnEnd commits or aborts the innermost transaction of xids, in one
// key if key is given and in every key that carries it otherwise.
func (h *handler) handleTxnEnd(commit bool) http.HandlerFunc {
	action := "abort"
	if commit {
		action = "commit"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		xids, err := xidsParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if len(xids) < 2 {
			http.Error(w, "xids parameter is required", http.StatusBadRequest)
			return
		}

		if key := r.URL.Query().Get("key"); key != "" {
			end := h.store.Abort
			if commit {
				end = h.store.Commit
			}
			if err := end(xids, []byte(key)); err != nil {
				h.writeError(w, action, err)
				return
			}
			fmt.Fprint(w, "OK")
			return
		}

		end := h.store.AbortTxn
		if commit {
			end = h.store.CommitTxn
		}
		n, err := end(xids)
		if err != nil {
			h.writeError(w, action, err)
			return
		}
		fmt.Fprintf(w, "OK (%d keys)", n)
	}
}

func (h *handler) handleCommitAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	n, err := h.store.CommitAll()
	if err != nil {
		h.writeError(w, "commit all", err)
		return
	}
	fmt.Fprintf(w, "OK (%d keys)", n)
}

func (h *handler) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	raftAddr := r.URL.Query().Get("raftAddr")
	if nodeID == "" || raftAddr == "" {
		http.Error(w, "nodeId and raftAddr parameters are required", http.StatusBadRequest)
		return
	}
	if err := h.store.AddVoter(nodeID, raftAddr); err != nil {
		h.writeError(w, "add voter", err)
		return
	}
	fmt.Fprint(w, "OK")
}

func (h *handler) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId parameter is required", http.StatusBadRequest)
		return
	}
	if err := h.store.RemoveServer(nodeID); err != nil {
		h.writeError(w, "remove server", err)
		return
	}
	fmt.Fprint(w, "OK")
}

func (h *handler) handleLeader(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Current leader Raft address: %s\n", h.store.Leader())
	fmt.Fprintf(w, "Is this node leader: %t\n", h.store.IsLeader())
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	for k, v := range h.store.Stats() {
		fmt.Fprintf(w, "%s: %s\n", k, v)
	}
}
