package wal_replicator

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/record"

	"ulekv"
	"ulekv/internal/base"
	"ulekv/leafentry"
)

// WALUpdate is one key mutation read back from the primary's WAL. Values
// are packed leaf entries.
type WALUpdate struct {
	SeqNum base.SeqNum
	Op     base.Op
	Key    []byte
	Value  []byte // empty for deletes
}

// PebbleDBStore is a LeafStore over a pebble instance whose WAL it can read
// back for replication.
type PebbleDBStore struct {
	db      *pebble.DB
	leaves  *ulekv.LeafStore
	logger  *log.Logger
	dataDir string // WAL files live here
}

// NewPebbleDBStore opens the pebble instance in dataDir. arenaSize sizes
// the leaf store's packing arena.
func NewPebbleDBStore(dataDir string, arenaSize int, logger *log.Logger) (*PebbleDBStore, error) {
	logger.Printf("Initializing PebbleDBStore with data dir %s", dataDir)

	if dataDir == "" {
		return nil, fmt.Errorf("data directory must be specified for PebbleDB")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		logger.Printf("ERROR: Failed to create data directory %s: %v", dataDir, err)
		return nil, fmt.Errorf("failed to create data directory for PebbleDB: %w", err)
	}

	db, err := pebble.Open(dataDir, &pebble.Options{})
	if err != nil {
		logger.Printf("ERROR: Failed to open Pebble DB at %s: %v", dataDir, err)
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	logger.Printf("Pebble DB opened successfully at %s", dataDir)

	return &PebbleDBStore{
		db:      db,
		leaves:  ulekv.NewLeafStore(db, arenaSize, logger),
		logger:  logger,
		dataDir: dataDir,
	}, nil
}

var errNotInitialized = errors.New("pebble db is not initialized")

// Close closes the underlying PebbleDB instance.
func (pbs *PebbleDBStore) Close() error {
	if pbs.db == nil {
		return nil
	}
	pbs.logger.Println("Closing Pebble DB...")
	if err := pbs.db.Close(); err != nil {
		pbs.logger.Printf("ERROR: Failed to close Pebble DB: %v", err)
		return fmt.Errorf("failed to close pebble db: %w", err)
	}
	pbs.db = nil
	pbs.leaves = nil
	return nil
}

// Leaves returns the leaf store, or an error once the store is closed.
func (pbs *PebbleDBStore) Leaves() (*ulekv.LeafStore, error) {
	if pbs.db == nil {
		return nil, errNotInitialized
	}
	return pbs.leaves, nil
}

// Apply applies msg locally. See ulekv.LeafStore.Apply.
func (pbs *PebbleDBStore) Apply(msg leafentry.Message) (int, error) {
	leaves, err := pbs.Leaves()
	if err != nil {
		return 0, err
	}
	return leaves.Apply(msg)
}

// GetLatestSequenceNumber returns the sequence number the next write will
// be assigned. Every update below it is in the WAL.
func (pbs *PebbleDBStore) GetLatestSequenceNumber() (base.SeqNum, error) {
	if pbs.db == nil {
		return 0, errNotInitialized
	}
	snap := pbs.db.NewSnapshot()
	defer snap.Close()

	// pebble does not export the visible sequence number; a snapshot
	// records it in an unexported field.
	f := reflect.ValueOf(snap).Elem().FieldByName("seqNum")
	if !f.IsValid() {
		return 0, fmt.Errorf("pebble snapshot has no seqNum field")
	}
	return base.SeqNum(f.Uint()), nil
}

// walReaderLogNum is the log number parameter type of record.NewReader,
// which lives in a package of pebble that cannot be imported.
var walReaderLogNum = reflect.TypeOf(record.NewReader).In(1)

func newWALReader(f io.Reader, logNum uint64) *record.Reader {
	out := reflect.ValueOf(record.NewReader).Call([]reflect.Value{
		reflect.ValueOf(f),
		reflect.ValueOf(logNum).Convert(walReaderLogNum),
	})
	return out[0].Interface().(*record.Reader)
}

// GetUpdatesSince returns the key mutations with a sequence number of at
// least sinceSeq that are still in the WAL files, in sequence order.
// Unreadable files and records are logged and skipped.
func (pbs *PebbleDBStore) GetUpdatesSince(sinceSeq base.SeqNum) ([]WALUpdate, error) {
	if pbs.db == nil {
		return nil, errNotInitialized
	}

	walFiles, err := filepath.Glob(filepath.Join(pbs.dataDir, "*.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to list WAL files: %w", err)
	}

	type walFile struct {
		path string
		num  uint64
	}
	var files []walFile
	for _, path := range walFiles {
		if num, ok := base.ParseLogFilename(path); ok {
			files = append(files, walFile{path: path, num: num})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].num < files[j].num })

	updates := []WALUpdate{}
	for _, wf := range files {
		updates, err = pbs.readWALFile(wf.path, wf.num, sinceSeq, updates)
		if err != nil {
			return nil, err
		}
	}
	return updates, nil
}

func (pbs *PebbleDBStore) readWALFile(path string, logNum uint64, sinceSeq base.SeqNum, updates []WALUpdate) ([]WALUpdate, error) {
	f, err := os.Open(path)
	if err != nil {
		pbs.logger.Printf("WARN: could not open WAL file %s: %v", path, err)
		return updates, nil
	}
	defer f.Close()

	r := newWALReader(f, logNum)
	for {
		rr, err := r.Next()
		if err == nil {
			var repr []byte
			repr, err = io.ReadAll(rr)
			if err == nil {
				updates, err = pbs.decodeBatch(path, repr, sinceSeq, updates)
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, record.ErrZeroedChunk):
			// End of the written part of the file.
		default:
			pbs.logger.Printf("WARN: error reading next record from %s: %v", path, err)
		}
		return updates, nil
	}
}

func (pbs *PebbleDBStore) decodeBatch(path string, repr []byte, sinceSeq base.SeqNum, updates []WALUpdate) ([]WALUpdate, error) {
	h, ok := base.DecodeBatchHeader(repr)
	if !ok {
		return updates, fmt.Errorf("batch of %d bytes is shorter than its header", len(repr))
	}
	if h.End() <= sinceSeq {
		return updates, nil
	}

	reader, _ := pebble.ReadBatch(repr)
	seq := h.SeqNum
	for {
		kind, ukey, value, ok, err := reader.Next()
		if err != nil {
			return updates, fmt.Errorf("could not decode batch at %s from WAL file %s: %w", h.SeqNum, path, err)
		}
		if !ok {
			return updates, nil
		}
		if !base.ConsumesSeqNum(uint8(kind)) {
			continue
		}
		if op, ok := base.OpForKind(uint8(kind)); ok && seq >= sinceSeq {
			u := WALUpdate{SeqNum: seq, Op: op, Key: append([]byte(nil), ukey...)}
			if op == base.OpPut {
				u.Value = append([]byte(nil), value...)
			}
			updates = append(updates, u)
		}
		seq++
	}
}

// ApplyUpdates replays updates shipped from the primary in one batch.
// Every put must carry a valid packed leaf entry; nothing is written if
// one does not.
func (pbs *PebbleDBStore) ApplyUpdates(updates []WALUpdate) (int, error) {
	leaves, err := pbs.Leaves()
	if err != nil {
		return 0, err
	}
	err = leaves.WriteBatch(func(b *pebble.Batch) error {
		for _, u := range updates {
			switch u.Op {
			case base.OpPut:
				if err := leafentry.Validate(u.Value); err != nil {
					return fmt.Errorf("update %s for key %q: %w", u.SeqNum, u.Key, err)
				}
				if err := b.Set(u.Key, u.Value, nil); err != nil {
					return fmt.Errorf("batch set failed: %w", err)
				}
			case base.OpDelete:
				if err := b.Delete(u.Key, nil); err != nil {
					return fmt.Errorf("batch delete failed: %w", err)
				}
			default:
				return fmt.Errorf("update %s for key %q has unknown op %s", u.SeqNum, u.Key, u.Op)
			}
		}
		return nil
	})
	if err != nil {
		pbs.logger.Printf("ERROR: failed to apply %d WAL updates: %v", len(updates), err)
		return 0, err
	}
	return len(updates), nil
}
