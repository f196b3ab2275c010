package ulekv

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"ulekv/leafentry"
)

// ErrKeyNotFound is returned by reads of a key that holds no value.
var ErrKeyNotFound = errors.New("key not found")

// LeafStore keeps one packed leaf entry per pebble key and applies
// leaf-entry messages to them. A key whose entry packs to nothing is
// deleted. Writes are serialized; reads go straight to pebble and use the
// packed accessors.
type LeafStore struct {
	mu     sync.Mutex // serializes apply and guards arena
	db     *pebble.DB
	arena  *leafentry.Arena // nil packs on the heap
	logger *log.Logger
}

// NewLeafStore returns a store over db. arenaSize is the size of the
// scratch arena entries are packed in before they are written; 0 packs on
// the heap.
func NewLeafStore(db *pebble.DB, arenaSize int, logger *log.Logger) *LeafStore {
	if logger == nil {
		logger = log.New(os.Stderr, "[leafstore] ", log.LstdFlags|log.Lmicroseconds)
	}
	s := &LeafStore{db: db, logger: logger}
	if arenaSize > 0 {
		s.arena = leafentry.NewArena(arenaSize)
	}
	return s
}

// Apply delivers msg to the entries it addresses and writes the results in
// one synced batch. Point messages address msg.Key. Transaction broadcasts
// address every entry that carries msg.XIDs; COMMIT_BROADCAST_ALL
// addresses every uncommitted entry. It returns the number of keys
// rewritten.
func (s *LeafStore) Apply(msg leafentry.Message) (int, error) {
	if err := ValidateMessage(msg); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()

	var n int
	var err error
	switch {
	case msg.Type == leafentry.MsgCommitBroadcastAll:
		n, err = s.commitAll(b)
	case msg.Type.IsBroadcast():
		n, err = s.broadcast(b, msg)
	default:
		n, err = s.applyPoint(b, msg)
	}
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.logger.Printf("ERROR: failed to commit batch for %s: %v", msg.Type, err)
		return 0, fmt.Errorf("pebble commit failed: %w", err)
	}
	return n, nil
}

// WriteBatch stages writes with fn and commits them in one synced batch,
// serialized with Apply. It is how replicas replay entries packed
// elsewhere; fn must only stage valid packed entries.
func (s *LeafStore) WriteBatch(fn func(b *pebble.Batch) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	if b.Empty() {
		return nil
	}
	if err := b.Commit(pebble.Sync); err != nil {
		s.logger.Printf("ERROR: failed to commit replayed batch: %v", err)
		return fmt.Errorf("pebble commit failed: %w", err)
	}
	return nil
}

func (s *LeafStore) applyPoint(b *pebble.Batch, msg leafentry.Message) (int, error) {
	old, closer, err := s.db.Get(msg.Key)
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return 0, fmt.Errorf("pebble get for key %q failed: %w", msg.Key, err)
	}
	if closer != nil {
		defer closer.Close()
	}
	if err := s.rewrite(b, msg.Key, old, msg); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *LeafStore) broadcast(b *pebble.Batch, msg leafentry.Message) (int, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		le := leafentry.LeafEntry(iter.Value())
		if !le.HasXIDs(msg.XIDs) {
			continue
		}
		if err := s.rewrite(b, iter.Key(), le, msg); err != nil {
			return 0, err
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iteration failed: %w", err)
	}
	return n, nil
}

func (s *LeafStore) commitAll(b *pebble.Batch) (int, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	msg := leafentry.Message{Type: leafentry.MsgCommitBroadcastAll, XIDs: leafentry.NewXIDs()}
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		le := leafentry.LeafEntry(iter.Value())
		switch {
		case le.IsCommitted():
			continue
		case le.IsProvDel():
			if err := s.rewrite(b, iter.Key(), le, msg); err != nil {
				return 0, err
			}
		default:
			// FullPromote works in place, and the iterator's value must
			// not be written to.
			buf, fromArena := s.alloc(len(le))
			copy(buf, le)
			if err := b.Set(iter.Key(), leafentry.FullPromote(buf), nil); err != nil {
				return 0, fmt.Errorf("batch set failed: %w", err)
			}
			s.release(buf, fromArena)
		}
		n++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("iteration failed: %w", err)
	}
	return n, nil
}

// rewrite applies msg to old and stages the result for key in b.
func (s *LeafStore) rewrite(b *pebble.Batch, key []byte, old leafentry.LeafEntry, msg leafentry.Message) error {
	le, fromArena, err := s.pack(old, msg)
	if err != nil {
		s.logger.Printf("ERROR: failed to apply %s to key %q: %v", msg.Type, key, err)
		return fmt.Errorf("apply %s to key %q: %w", msg.Type, key, err)
	}
	if le == nil {
		if err := b.Delete(key, nil); err != nil {
			return fmt.Errorf("batch delete failed: %w", err)
		}
		return nil
	}
	// The batch copies the value, so the arena space can be reused.
	err = b.Set(key, le, nil)
	s.release(le, fromArena)
	if err != nil {
		return fmt.Errorf("batch set failed: %w", err)
	}
	return nil
}

// pack runs leafentry.Apply in the arena, compacting it once on request
// and falling back to the heap when it cannot hold the entry.
func (s *LeafStore) pack(old leafentry.LeafEntry, msg leafentry.Message) (leafentry.LeafEntry, bool, error) {
	if s.arena != nil {
		le, err := leafentry.Apply(old, msg, s.arena)
		if errors.Is(err, leafentry.ErrCompactionRequested) {
			// Nothing stays live in the arena between entries.
			s.arena.Compact(nil)
			le, err = leafentry.Apply(old, msg, s.arena)
		}
		switch {
		case err == nil:
			return le, le != nil, nil
		case !errors.Is(err, leafentry.ErrOutOfMemory) && !errors.Is(err, leafentry.ErrCompactionRequested):
			return nil, false, err
		}
		s.logger.Printf("WARN: arena of %d bytes cannot hold the entry for key %q, packing on the heap", s.arena.Cap(), msg.Key)
	}
	le, err := leafentry.Apply(old, msg, nil)
	return le, false, err
}

// alloc returns n scratch bytes, from the arena when it has room.
func (s *LeafStore) alloc(n int) ([]byte, bool) {
	if s.arena != nil {
		buf, err := s.arena.Alloc(n)
		if errors.Is(err, leafentry.ErrCompactionRequested) {
			s.arena.Compact(nil)
			buf, err = s.arena.Alloc(n)
		}
		if err == nil {
			return buf, true
		}
	}
	return make([]byte, n), false
}

func (s *LeafStore) release(buf []byte, fromArena bool) {
	if fromArena {
		s.arena.Free(buf)
	}
}

// Entry returns a copy of the packed leaf entry stored under key, or nil
// if the key holds nothing.
func (s *LeafStore) Entry(key []byte) (leafentry.LeafEntry, error) {
	v, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		s.logger.Printf("ERROR: Pebble Get failed for key %q: %v", key, err)
		return nil, fmt.Errorf("pebble get for key %q failed: %w", key, err)
	}
	defer closer.Close()
	return bytes.Clone(v), nil
}

// Get returns the value of the innermost record of key, as seen by the
// transaction that wrote it. A provisional delete reads as not found.
func (s *LeafStore) Get(key []byte) ([]byte, error) {
	le, err := s.Entry(key)
	if err != nil {
		return nil, err
	}
	if le == nil || le.IsProvDel() {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return le.LatestVal(), nil
}

// GetCommitted returns the committed value of key, ignoring every
// uncommitted record.
func (s *LeafStore) GetCommitted(key []byte) ([]byte, error) {
	le, err := s.Entry(key)
	if err != nil {
		return nil, err
	}
	if le == nil || le.OutermostIsDel() {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return le.OutermostVal(), nil
}

// HasXIDs reports whether the entry under key carries the transaction
// stack xids, which must name at least one transaction below the root.
func (s *LeafStore) HasXIDs(key []byte, xids leafentry.XIDs) (bool, error) {
	if len(xids) < 2 {
		return false, fmt.Errorf("xids %s name no transaction", xids)
	}
	le, err := s.Entry(key)
	if err != nil || le == nil {
		return false, err
	}
	return le.HasXIDs(xids), nil
}

// Inspect returns a printable rendering of the entry under key.
func (s *LeafStore) Inspect(key []byte) (string, error) {
	le, err := s.Entry(key)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := leafentry.Fprint(&buf, le); err != nil {
		return "", fmt.Errorf("entry for key %q: %w", key, err)
	}
	return buf.String(), nil
}

// ForEach calls fn with every key and packed entry in key order. The
// slices are only valid during the call.
func (s *LeafStore) ForEach(fn func(key []byte, le leafentry.LeafEntry) error) error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), leafentry.LeafEntry(iter.Value())); err != nil {
			return err
		}
	}
	return iter.Error()
}
