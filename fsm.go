package ulekv

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/hashicorp/go-uuid"
	"github.com/hashicorp/raft"
)

// generateLocalSnapshotID names a checkpoint directory uniquely.
func generateLocalSnapshotID() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), id), nil
}

// pebbleFSM implements the raft.FSM interface, applying leaf-entry
// commands to a LeafStore over Pebble.
type pebbleFSM struct {
	mu        sync.RWMutex // guards db and store, which Restore replaces
	db        *pebble.DB
	store     *LeafStore
	dbPath    string // Path to the Pebble data directory
	arenaSize int
	logger    *log.Logger
}

// applyResult is the response of a successfully applied command.
type applyResult struct {
	Keys int // number of keys rewritten
}

func openPebble(dbPath string) (*pebble.DB, error) {
	return pebble.Open(dbPath, &pebble.Options{})
}

// newPebbleFSM creates a new FSM.
func newPebbleFSM(dbPath string, arenaSize int, logger *log.Logger) (*pebbleFSM, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[pebbleFSM] ", log.LstdFlags|log.Lmicroseconds)
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}

	// Ensure the DB path exists
	if err := os.MkdirAll(dbPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pebble db path %s: %w", dbPath, err)
	}

	db, err := openPebble(dbPath)
	if err != nil {
		logger.Printf("ERROR: failed to open pebble db at %s: %v", dbPath, err)
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	logger.Printf("Pebble DB opened successfully at %s", dbPath)

	return &pebbleFSM{
		db:        db,
		store:     NewLeafStore(db, arenaSize, logger),
		dbPath:    dbPath,
		arenaSize: arenaSize,
		logger:    logger,
	}, nil
}

// Apply applies a Raft log entry to the leaf store. It returns an
// applyResult or an error.
func (fsm *pebbleFSM) Apply(logEntry *raft.Log) interface{} {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()

	cmd, err := DeserializeCommand(logEntry.Data)
	if err != nil {
		fsm.logger.Printf("ERROR: failed to deserialize command: %v", err)
		return fmt.Errorf("deserialize command: %w", err)
	}
	msg, err := cmd.Message()
	if err != nil {
		fsm.logger.Printf("ERROR: rejecting command at index %d: %v", logEntry.Index, err)
		return err
	}
	store, err := fsm.leafStore()
	if err != nil {
		return err
	}

	n, err := store.Apply(msg)
	if err != nil {
		fsm.logger.Printf("ERROR: failed to apply %s at index %d: %v", msg.Type, logEntry.Index, err)
		return err
	}
	fsm.logger.Printf("Applied %s: xids=%s key=%q rewrote=%d", msg.Type, msg.XIDs, msg.Key, n)
	return applyResult{Keys: n}
}

// leafStore returns the current store, or an error once the FSM is closed.
// The caller must hold fsm.mu.
func (fsm *pebbleFSM) leafStore() (*LeafStore, error) {
	if fsm.store == nil {
		return nil, fmt.Errorf("pebble db is not open")
	}
	return fsm.store, nil
}

// read runs fn against the current store.
func (fsm *pebbleFSM) read(fn func(s *LeafStore) error) error {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	s, err := fsm.leafStore()
	if err != nil {
		return err
	}
	return fn(s)
}

// Snapshot checkpoints the Pebble DB into a directory next to it. The
// checkpoint is archived by Persist and removed by Release.
func (fsm *pebbleFSM) Snapshot() (raft.FSMSnapshot, error) {
	fsm.mu.RLock()
	defer fsm.mu.RUnlock()
	if fsm.db == nil {
		return nil, fmt.Errorf("pebble db is not open")
	}

	snapshotID, err := generateLocalSnapshotID()
	if err != nil {
		fsm.logger.Printf("ERROR: failed to generate snapshot ID: %v", err)
		return nil, fmt.Errorf("failed to generate snapshot ID: %w", err)
	}
	checkpointDir := filepath.Join(filepath.Dir(fsm.dbPath),
		fmt.Sprintf("%s_snapshot_tmp_%s", filepath.Base(fsm.dbPath), snapshotID))

	// Checkpoint flushes the memtable, so the archive holds every applied
	// command.
	if err := fsm.db.Checkpoint(checkpointDir); err != nil {
		fsm.logger.Printf("ERROR: failed to create Pebble checkpoint at %s: %v", checkpointDir, err)
		return nil, fmt.Errorf("pebble checkpoint failed: %w", err)
	}
	fsm.logger.Printf("Pebble checkpoint created at %s", checkpointDir)

	return &pebbleFSMSnapshot{
		checkpointDir: checkpointDir,
		logger:        fsm.logger,
	}, nil
}

// Restore replaces the Pebble DB with the checkpoint archived in rc.
func (fsm *pebbleFSM) Restore(rc io.ReadCloser) error {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()
	defer rc.Close()

	fsm.logger.Println("Restoring FSM from Pebble snapshot")

	if fsm.db != nil {
		if err := fsm.db.Close(); err != nil {
			fsm.logger.Printf("ERROR: failed to close Pebble DB before restore: %v", err)
			return fmt.Errorf("failed to close current db for restore: %w", err)
		}
		fsm.db, fsm.store = nil, nil
	}

	if err := os.RemoveAll(fsm.dbPath); err != nil {
		fsm.logger.Printf("ERROR: failed to remove existing Pebble DB directory %s: %v", fsm.dbPath, err)
		if openErr := fsm.reopen(); openErr != nil {
			fsm.logger.Printf("ERROR: could not reopen Pebble DB %s: %v", fsm.dbPath, openErr)
		}
		return fmt.Errorf("failed to remove existing db directory %s: %w", fsm.dbPath, err)
	}
	if err := extractArchive(rc, fsm.dbPath); err != nil {
		fsm.logger.Printf("ERROR: failed to extract snapshot into %s: %v", fsm.dbPath, err)
		return err
	}

	if err := fsm.reopen(); err != nil {
		fsm.logger.Printf("ERROR: failed to re-open Pebble DB at %s after restore: %v", fsm.dbPath, err)
		return fmt.Errorf("failed to open pebble db post-restore: %w", err)
	}
	fsm.logger.Println("FSM restored successfully from Pebble snapshot.")
	return nil
}

// reopen opens the db at fsm.dbPath with a fresh LeafStore. The caller
// must hold fsm.mu.
func (fsm *pebbleFSM) reopen() error {
	db, err := openPebble(fsm.dbPath)
	if err != nil {
		return err
	}
	fsm.db = db
	fsm.store = NewLeafStore(db, fsm.arenaSize, fsm.logger)
	return nil
}

// Close closes the FSM and its underlying Pebble database.
func (fsm *pebbleFSM) Close() error {
	fsm.mu.Lock()
	defer fsm.mu.Unlock()

	if fsm.db == nil {
		return nil
	}
	if err := fsm.db.Close(); err != nil {
		fsm.logger.Printf("ERROR: failed to close Pebble DB: %v", err)
		return err
	}
	fsm.logger.Println("Pebble DB closed.")
	fsm.db, fsm.store = nil, nil
	return nil
}

// pebbleFSMSnapshot implements raft.FSMSnapshot.
type pebbleFSMSnapshot struct {
	checkpointDir string
	logger        *log.Logger
}

// Persist writes the checkpoint to sink as a tar archive.
func (s *pebbleFSMSnapshot) Persist(sink raft.SnapshotSink) error {
	s.logger.Printf("Persisting Pebble snapshot from checkpoint %s to sink ID: %s", s.checkpointDir, sink.ID())
	if err := archiveDir(sink, s.checkpointDir); err != nil {
		s.logger.Printf("ERROR: failed to archive checkpoint %s: %v", s.checkpointDir, err)
		_ = sink.Cancel()
		return err
	}
	if err := sink.Close(); err != nil {
		s.logger.Printf("ERROR: failed to close snapshot sink: %v", err)
		return err
	}
	return nil
}

// Release removes the checkpoint directory.
func (s *pebbleFSMSnapshot) Release() {
	if err := os.RemoveAll(s.checkpointDir); err != nil {
		s.logger.Printf("ERROR: failed to remove checkpoint directory %s during release: %v", s.checkpointDir, err)
	}
}

// archiveDir writes the regular files and directories under dir to w as a
// tar archive with paths relative to dir.
func archiveDir(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failure accessing a path %s: %w", path, err)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("failed to get tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("failed to write tar header for %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.Copy(tw, f); err != nil {
			return fmt.Errorf("failed to archive %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Close()
}

// extractArchive unpacks a tar archive written by archiveDir into dir,
// which is created if needed.
func extractArchive(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	root := filepath.Clean(dir) + string(os.PathSeparator)
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}
		target := filepath.Join(dir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("snapshot entry %q escapes %s", header.Name, dir)
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("failed to MkdirAll %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(header.Mode)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported tar entry type %c for %s", header.Typeflag, header.Name)
		}
	}
}

func writeFile(path string, r io.Reader, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return fmt.Errorf("failed to copy data to %s: %w", path, err)
	}
	return f.Close()
}
