package leafentry

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// LeafEntry is a packed leaf entry. The accessors read it in place and
// never unpack it; they assume a well-formed entry (see Validate).
//
// Committed shape (one record, always an insert):
//
//	+-----+--------+--------+-----+-----+
//	| n=1 | keylen | vallen | key | val |
//	+-----+--------+--------+-----+-----+
//
// Provisional shape (n >= 2 records):
//
//	+---+--------+-----------+-----------+------+-----+-----------+------+
//	| n | keylen | ins vallen| inner tag | xid1 | key | ins val   | body |
//	+---+--------+-----------+-----------+------+-----+-----------+------+
//
// "ins" is the innermost insert record. The body holds, for each record
// from the innermost outward, its tag (except for the innermost record),
// its txnid (except for the two outermost records) and, for inserts other
// than the innermost one, a 4-byte length and the value. Integers are
// big-endian.
type LeafEntry []byte

const (
	committedHeaderSize   = 1 + 4 + 4
	provisionalHeaderSize = 1 + 4 + 4 + 1 + 8

	offsetKeyLen   = 1
	offsetValLen   = 5
	offsetInnerTag = 9
	offsetOuterXID = 10
)

// NumUXRs returns the number of transaction records.
func (le LeafEntry) NumUXRs() int {
	return int(le[0])
}

// IsCommitted reports whether le has the committed shape.
func (le LeafEntry) IsCommitted() bool {
	return le[0] == 1
}

// KeyLen returns the length of the key.
func (le LeafEntry) KeyLen() int {
	return int(binary.BigEndian.Uint32(le[offsetKeyLen:]))
}

func (le LeafEntry) keyOffset() int {
	if le.IsCommitted() {
		return committedHeaderSize
	}
	return provisionalHeaderSize
}

// Key returns the key. The result aliases le.
func (le LeafEntry) Key() []byte {
	off := le.keyOffset()
	end := off + le.KeyLen()
	return le[off:end:end]
}

// InnermostInsertedValLen returns the length of the innermost inserted
// value. Every leaf entry has one.
func (le LeafEntry) InnermostInsertedValLen() int {
	return int(binary.BigEndian.Uint32(le[offsetValLen:]))
}

// InnermostInsertedVal returns the innermost inserted value. The result
// aliases le.
func (le LeafEntry) InnermostInsertedVal() []byte {
	off := le.keyOffset() + le.KeyLen()
	end := off + le.InnermostInsertedValLen()
	return le[off:end:end]
}

// IsProvDel reports whether the innermost transaction deleted the row.
func (le LeafEntry) IsProvDel() bool {
	return !le.IsCommitted() && Tag(le[offsetInnerTag]) == TagDelete
}

// LatestKey returns the key as seen by the innermost transaction, or nil
// if it deleted the row.
func (le LeafEntry) LatestKey() []byte {
	if le.IsProvDel() {
		return nil
	}
	return le.Key()
}

// LatestKeyLen returns len(le.LatestKey()).
func (le LeafEntry) LatestKeyLen() int {
	if le.IsProvDel() {
		return 0
	}
	return le.KeyLen()
}

// LatestVal returns the value as seen by the innermost transaction, or nil
// if it deleted the row.
func (le LeafEntry) LatestVal() []byte {
	if le.IsProvDel() {
		return nil
	}
	return le.InnermostInsertedVal()
}

// LatestValLen returns len(le.LatestVal()).
func (le LeafEntry) LatestValLen() int {
	if le.IsProvDel() {
		return 0
	}
	return le.InnermostInsertedValLen()
}

// OutermostUncommittedXID returns the txnid of the outermost uncommitted
// record, or TxnIDRoot if le is committed.
func (le LeafEntry) OutermostUncommittedXID() TxnID {
	if le.IsCommitted() {
		return TxnIDRoot
	}
	return TxnID(binary.BigEndian.Uint64(le[offsetOuterXID:]))
}

// outermost returns the committed record, walking the body if needed.
func (le LeafEntry) outermost() UXR {
	h, r := parseHeader(le)
	var out UXR
	mustWalk(h.walk(&r, func(i int, x UXR) bool {
		if i == 0 {
			out = x
		}
		return true
	}))
	return out
}

// OutermostIsDel reports whether the committed record is a delete, that
// is whether the row does not exist outside of any transaction.
func (le LeafEntry) OutermostIsDel() bool {
	if le.IsCommitted() {
		return false
	}
	return le.outermost().IsDelete()
}

// OutermostKey returns the key as seen outside of any transaction, or nil
// if the row does not exist there.
func (le LeafEntry) OutermostKey() []byte {
	if le.OutermostIsDel() {
		return nil
	}
	return le.Key()
}

// OutermostVal returns the committed value, or nil if the row does not
// exist outside of any transaction. The result aliases le.
func (le LeafEntry) OutermostVal() []byte {
	if le.IsCommitted() {
		return le.InnermostInsertedVal()
	}
	x := le.outermost()
	if !x.IsInsert() {
		return nil
	}
	return x.Val
}

// OutermostValLen returns len(le.OutermostVal()).
func (le LeafEntry) OutermostValLen() int {
	return len(le.OutermostVal())
}

// HasXIDs reports whether the uncommitted records of le start with the
// transactions of xids, i.e. whether le was written by the innermost
// transaction of xids or one of its descendants. xids must name at least
// one transaction besides the root.
func (le LeafEntry) HasXIDs(xids XIDs) bool {
	if len(xids) < 2 {
		panic(errors.AssertionFailedf("leafentry: HasXIDs needs a transaction, got %s", xids))
	}
	if le.IsCommitted() || len(xids) > le.NumUXRs() {
		return false
	}
	if le.OutermostUncommittedXID() != xids[1] {
		return false
	}
	if len(xids) == 2 {
		return true
	}
	h, r := parseHeader(le)
	match := true
	mustWalk(h.walk(&r, func(i int, x UXR) bool {
		if i < len(xids) && x.TxnID != xids[i] {
			match = false
			return false
		}
		return i > 2
	}))
	return match
}

// MemSize returns the number of bytes the entry occupies. It walks the
// encoding, so le may be followed by unrelated bytes.
func (le LeafEntry) MemSize() int {
	h, r := parseHeader(le)
	mustWalk(h.walk(&r, func(int, UXR) bool { return true }))
	return r.off
}

// DiskSize returns the number of bytes the entry occupies on disk. The
// packed form is the disk form, so it equals MemSize.
func (le LeafEntry) DiskSize() int {
	return le.MemSize()
}

// SafeFormat implements redact.SafeFormatter. Keys and values are
// redactable.
func (le LeafEntry) SafeFormat(w redact.SafePrinter, _ rune) {
	if len(le) == 0 {
		w.SafeString("<no entry>")
		return
	}
	u, err := decode(le)
	if err != nil {
		w.Printf("<corrupt: %v>", err)
		return
	}
	w.Print(&u)
}

func (le LeafEntry) String() string {
	return redact.StringWithoutMarkers(le)
}

// header is the decoded fixed prefix of a packed entry. For the committed
// shape innerTag is TagInsert and xid1 is unused.
type header struct {
	n        int
	innerTag Tag
	xid1     TxnID
	key      []byte
	val      []byte
}

// parseHeader decodes the fixed prefix of le. The returned reader is
// positioned at the body and carries any corruption error.
func parseHeader(le []byte) (header, reader) {
	r := reader{buf: le}
	var h header
	h.n = int(r.u8())
	keylen := int(r.u32())
	vallen := int(r.u32())
	if h.n == 1 {
		h.innerTag = TagInsert
	} else {
		h.innerTag = Tag(r.u8())
		h.xid1 = TxnID(r.u64())
	}
	h.key = r.bytes(keylen)
	h.val = r.bytes(vallen)
	if r.err == nil && (h.n == 0 || h.n > MaxTransactionRecords) {
		r.err = corruptionErrorf("leafentry: %d transaction records", h.n)
	}
	return h, r
}

// walk visits the records of the entry from the innermost outward and
// stops early when fn returns false. Values alias the entry.
func (h *header) walk(r *reader, fn func(i int, x UXR) bool) error {
	if r.err != nil {
		return r.err
	}
	seenInsert := false
	for i := h.n - 1; i >= 0; i-- {
		x := UXR{Tag: h.innerTag}
		if i < h.n-1 {
			x.Tag = Tag(r.u8())
		}
		switch i {
		case 0:
			x.TxnID = TxnIDRoot
		case 1:
			x.TxnID = h.xid1
		default:
			x.TxnID = TxnID(r.u64())
		}
		if !x.Tag.valid() && r.err == nil {
			r.err = corruptionErrorf("leafentry: record %d has tag %s", i, x.Tag)
		}
		if x.Tag == TagInsert {
			if !seenInsert {
				x.Val = h.val
				seenInsert = true
			} else {
				x.Val = r.bytes(int(r.u32()))
			}
		}
		if r.err != nil {
			return r.err
		}
		if !fn(i, x) {
			return nil
		}
	}
	if !seenInsert {
		return corruptionErrorf("leafentry: no insert record")
	}
	return nil
}

func mustWalk(err error) {
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "leafentry: reading packed entry"))
	}
}
