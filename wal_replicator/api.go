package wal_replicator

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"ulekv"
	"ulekv/leafentry"
)

// Handler returns the HTTP API of the server.
//
//	GET    /kv?key=K[&committed=true]
//	PUT    /kv?key=K&value=V[&xids=1,2][&nooverwrite=true]
//	DELETE /kv?key=K[&xids=1,2]
//	GET    /kv/inspect?key=K
//	POST   /txn/commit?xids=1,2[&key=K]
//	POST   /txn/abort?xids=1,2[&key=K]
//	POST   /txn/commit-all
//	POST   /wal/join?nodeId=N&address=A
//	POST   /wal/remove?nodeId=N
//	GET    /wal/primary
//	GET    /wal/stats
func (wrs *WALReplicationServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/kv", wrs.handleKV)
	mux.HandleFunc("/kv/inspect", wrs.handleInspect)
	mux.HandleFunc("/txn/commit", wrs.handleTxnEnd(true))
	mux.HandleFunc("/txn/abort", wrs.handleTxnEnd(false))
	mux.HandleFunc("/txn/commit-all", wrs.handleCommitAll)
	mux.HandleFunc("/wal/join", wrs.handleWALJoin)
	mux.HandleFunc("/wal/remove", wrs.handleWALRemove)
	mux.HandleFunc("/wal/primary", wrs.handleWALPrimary)
	mux.HandleFunc("/wal/stats", wrs.handleWALStats)
	return mux
}

func (wrs *WALReplicationServer) writeError(w http.ResponseWriter, action string, err error) {
	switch {
	case errors.Is(err, ulekv.ErrKeyNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ulekv.ErrInvalidCommand):
		http.Error(w, fmt.Sprintf("Failed to %s: %v", action, err), http.StatusBadRequest)
	case strings.Contains(err.Error(), "not the primary"):
		if wrs.GetPrimary() != "" {
			http.Error(w, fmt.Sprintf("Not primary. Try primary node %s. Error: %v", wrs.GetPrimary(), err), http.StatusConflict)
		} else {
			http.Error(w, fmt.Sprintf("Failed to %s (not primary, primary unknown): %v", action, err), http.StatusServiceUnavailable)
		}
	default:
		wrs.logger.Printf("ERROR: failed to %s: %v", action, err)
		http.Error(w, fmt.Sprintf("Failed to %s: %v", action, err), http.StatusInternalServerError)
	}
}

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

func (wrs *WALReplicationServer) handleKV(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key parameter is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		get := wrs.Get
		if boolParam(r, "committed") {
			get = wrs.GetCommitted
		}
		value, err := get([]byte(key))
		if err != nil {
			wrs.writeError(w, "get key", err)
			return
		}
		w.Write(value)
	case http.MethodPut, http.MethodDelete:
		xids, err := xidsParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodDelete {
			err = wrs.Delete(xids, []byte(key))
		} else if !r.URL.Query().Has("value") {
			http.Error(w, "value parameter is required for PUT", http.StatusBadRequest)
			return
		} else if boolParam(r, "nooverwrite") {
			err = wrs.InsertNoOverwrite(xids, []byte(key), []byte(r.URL.Query().Get("value")))
		} else {
			err = wrs.Insert(xids, []byte(key), []byte(r.URL.Query().Get("value")))
		}
		if err != nil {
			wrs.writeError(w, strings.ToLower(r.Method)+" key", err)
			return
		}
		fmt.Fprint(w, "OK")
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (wrs *WALReplicationServer) handleInspect(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if r.Method != http.MethodGet || key == "" {
		http.Error(w, "GET with a key parameter only", http.StatusBadRequest)
		return
	}
	out, err := wrs.Inspect([]byte(key))
	if err != nil {
		wrs.writeError(w, "inspect key", err)
		return
	}
	fmt.Fprint(w, out)
}

func (wrs *WALReplicationServer) handleTxnEnd(commit bool) http.HandlerFunc {
	action, end, endTxn := "abort", wrs.Abort, wrs.AbortTxn
	if commit {
		action, end, endTxn = "commit", wrs.Commit, wrs.CommitTxn
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
			if err := end(xids, []byte(key)); err != nil {
				wrs.writeError(w, action, err)
				return
			}
			fmt.Fprint(w, "OK")
			return
		}
		n, err := endTxn(xids)
		if err != nil {
			wrs.writeError(w, action, err)
			return
		}
		fmt.Fprintf(w, "OK (%d keys)", n)
	}
}

func (wrs *WALReplicationServer) handleCommitAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	n, err := wrs.CommitAll()
	if err != nil {
		wrs.writeError(w, "commit all", err)
		return
	}
	fmt.Fprintf(w, "OK (%d keys)", n)
}

func (wrs *WALReplicationServer) handleWALJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	nodeAddr := r.URL.Query().Get("address")
	if nodeID == "" || nodeAddr == "" {
		http.Error(w, "nodeId and address parameters are required", http.StatusBadRequest)
		return
	}
	if err := wrs.AddNode(nodeID, nodeAddr); err != nil {
		http.Error(w, fmt.Sprintf("Failed to add node: %v", err), http.StatusBadRequest)
		return
	}
	fmt.Fprintf(w, "Node %s (%s) added.", nodeID, nodeAddr)
}

func (wrs *WALReplicationServer) handleWALRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId parameter is required", http.StatusBadRequest)
		return
	}
	if err := wrs.RemoveNode(nodeID); err != nil {
		http.Error(w, fmt.Sprintf("Failed to remove node: %v", err), http.StatusNotFound)
		return
	}
	fmt.Fprintf(w, "Node %s removed.", nodeID)
}

func (wrs *WALReplicationServer) handleWALPrimary(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "Primary node: %s\n", wrs.GetPrimary())
	fmt.Fprintf(w, "Is this node primary: %t\n", wrs.IsPrimary())
}

func (wrs *WALReplicationServer) handleWALStats(w http.ResponseWriter, r *http.Request) {
	stats := wrs.GetStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, stats[k])
	}
}
