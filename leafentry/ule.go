package leafentry

import (
	"bytes"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/redact"
)

// ULE is an unpacked leaf entry: a key and the stack of transaction
// records written against it, outermost (committed) first.
//
// A ULE reachable from Apply or Unpack satisfies:
//   - 1 <= len(UXRs) <= MaxTransactionRecords
//   - UXRs[0].TxnID == TxnIDRoot and UXRs[0] is an insert or a delete
//   - for i > 0, UXRs[i].TxnID is neither the root nor UXRs[i-1].TxnID
//   - the innermost record is not a placeholder
//
// The last property may be violated while a message is being applied.
type ULE struct {
	Key  []byte
	UXRs []UXR
}

// NewULE returns a ULE holding key and uxrs, outermost first.
func NewULE(key []byte, uxrs ...UXR) ULE {
	return ULE{Key: key, UXRs: uxrs}
}

// emptyULE returns the ULE of a slot that holds nothing: a committed
// delete at the root.
func emptyULE(key []byte) ULE {
	uxrs := make([]UXR, 1, 4)
	uxrs[0] = UXR{Tag: TagDelete, TxnID: TxnIDRoot}
	return ULE{Key: key, UXRs: uxrs}
}

// NumUXRs returns the depth of the record stack.
func (u *ULE) NumUXRs() int {
	return len(u.UXRs)
}

// Innermost returns the record of the innermost transaction.
func (u *ULE) Innermost() UXR {
	return u.UXRs[len(u.UXRs)-1]
}

// Outermost returns the committed record.
func (u *ULE) Outermost() UXR {
	return u.UXRs[0]
}

// HasInsert reports whether any level of the stack inserts a value. A ULE
// without one packs to "no entry".
func (u *ULE) HasInsert() bool {
	return u.innermostInsert() >= 0
}

// innermostInsert returns the index of the innermost insert record, or -1.
func (u *ULE) innermostInsert() int {
	for i := len(u.UXRs) - 1; i >= 0; i-- {
		if u.UXRs[i].IsInsert() {
			return i
		}
	}
	return -1
}

func (u *ULE) innermostTxnID() TxnID {
	return u.UXRs[len(u.UXRs)-1].TxnID
}

func (u *ULE) push(x UXR) {
	if len(u.UXRs) >= MaxTransactionRecords {
		panic(errors.AssertionFailedf("leafentry: transaction stack deeper than %d", MaxTransactionRecords))
	}
	u.UXRs = append(u.UXRs, x)
}

func (u *ULE) pop() {
	u.UXRs = u.UXRs[:len(u.UXRs)-1]
}

func (u *ULE) removeInnermostPlaceholders() {
	for u.UXRs[len(u.UXRs)-1].IsPlaceholder() {
		if len(u.UXRs) == 1 {
			panic(errors.AssertionFailedf("leafentry: placeholder at the root of %s", u))
		}
		u.pop()
	}
}

// promoteInnermostToIndex discards every record from index inward and
// replaces them with one record that keeps the txnid found at index but
// takes the tag and value of the former innermost record.
func (u *ULE) promoteInnermostToIndex(index int) {
	n := len(u.UXRs)
	if index < 0 || index >= n-1 {
		panic(errors.AssertionFailedf("leafentry: cannot promote innermost of %d records to index %d", n, index))
	}
	innermost := u.UXRs[n-1]
	if innermost.IsPlaceholder() {
		panic(errors.AssertionFailedf("leafentry: promoting placeholder %s", innermost))
	}
	innermost.TxnID = u.UXRs[index].TxnID
	u.UXRs = append(u.UXRs[:index], innermost)
}

// doImplicitPromotions collapses the records of transactions that are
// strictly inside the innermost common ancestor of the stack and xids.
// Such transactions saw no abort, so they committed into the ancestor.
func (u *ULE) doImplicitPromotions(xids XIDs) {
	n := len(u.UXRs)
	if n == 1 {
		return
	}
	overlap := min(n, len(xids))
	ica := overlap - 1
	for i := 1; i < overlap; i++ {
		if u.UXRs[i].TxnID != xids[i] {
			ica = i - 1
			break
		}
	}
	if ica < n-1 {
		u.promoteInnermostToIndex(ica)
	}
}

// prepareForNewUXR makes room for a record written by the innermost
// transaction of xids. The stack is assumed to be a prefix of xids.
func (u *ULE) prepareForNewUXR(xids XIDs) {
	if u.innermostTxnID() == xids.Innermost() {
		// The same transaction overwrites what it wrote before.
		u.pop()
		return
	}
	u.addPlaceholders(xids)
}

// addPlaceholders records every transaction of xids strictly between the
// innermost record and the innermost transaction, so that aborting any of
// them later unwinds to the right level.
func (u *ULE) addPlaceholders(xids XIDs) {
	n := len(u.UXRs)
	if n > len(xids)-1 {
		panic(errors.AssertionFailedf("leafentry: %d records do not fit under xids %s", n, xids))
	}
	for i := n; i < len(xids)-1; i++ {
		u.push(PlaceholderUXR(xids[i]))
	}
}

func (u *ULE) applyInsert(xids XIDs, val []byte) {
	u.prepareForNewUXR(xids)
	u.push(InsertUXR(xids.Innermost(), val))
}

func (u *ULE) applyDelete(xids XIDs) {
	u.prepareForNewUXR(xids)
	u.push(DeleteUXR(xids.Innermost()))
}

func (u *ULE) applyAbort(xids XIDs) {
	xid := xids.Innermost()
	if xid == TxnIDRoot {
		panic(errors.AssertionFailedf("leafentry: abort of the root transaction"))
	}
	// Nothing to undo unless the aborted transaction wrote the innermost
	// record.
	if len(u.UXRs) > 1 && u.innermostTxnID() == xid {
		u.pop()
		u.removeInnermostPlaceholders()
	}
}

func (u *ULE) applyCommit(xids XIDs) {
	xid := xids.Innermost()
	if xid == TxnIDRoot {
		panic(errors.AssertionFailedf("leafentry: commit of the root transaction"))
	}
	if len(u.UXRs) > 1 && u.innermostTxnID() == xid {
		u.promoteInnermostToIndex(len(u.UXRs) - 2)
	}
}

func (u *ULE) applyCommitAll() {
	if len(u.UXRs) > 1 {
		u.promoteInnermostToIndex(0)
	}
}

// applyMessage runs implicit promotion against the message's xids and then
// the message itself.
func (u *ULE) applyMessage(m Message) {
	u.doImplicitPromotions(m.XIDs)
	switch m.Type {
	case MsgInsert:
		u.applyInsert(m.XIDs, m.Val)
	case MsgInsertNoOverwrite:
		if !u.Innermost().IsInsert() {
			u.applyInsert(m.XIDs, m.Val)
		}
	case MsgDeleteAny, MsgDeleteBoth:
		u.applyDelete(m.XIDs)
	case MsgAbortAny, MsgAbortBoth, MsgAbortBroadcastTxn:
		u.applyAbort(m.XIDs)
	case MsgCommitAny, MsgCommitBoth, MsgCommitBroadcastTxn:
		u.applyCommit(m.XIDs)
	case MsgCommitBroadcastAll:
		u.applyCommitAll()
	default:
		panic(errors.AssertionFailedf("leafentry: unexpected message type %s", m.Type))
	}
}

// CheckInvariants returns an error describing the first structural
// invariant the ULE violates.
func (u *ULE) CheckInvariants() error {
	n := len(u.UXRs)
	if n < 1 || n > MaxTransactionRecords {
		return errors.Newf("leafentry: %d transaction records", n)
	}
	if u.UXRs[0].TxnID != TxnIDRoot {
		return errors.Newf("leafentry: outermost txnid %s is not the root", u.UXRs[0].TxnID)
	}
	if t := u.UXRs[0].Tag; t != TagInsert && t != TagDelete {
		return errors.Newf("leafentry: outermost record is %s", t)
	}
	for i := 1; i < n; i++ {
		x := u.UXRs[i]
		if !x.Tag.valid() {
			return errors.Newf("leafentry: record %d has tag %s", i, x.Tag)
		}
		if x.TxnID == TxnIDRoot {
			return errors.Newf("leafentry: record %d belongs to the root", i)
		}
		if x.TxnID == u.UXRs[i-1].TxnID {
			return errors.Newf("leafentry: records %d and %d share txnid %s", i-1, i, x.TxnID)
		}
	}
	if u.UXRs[n-1].IsPlaceholder() {
		return errors.Newf("leafentry: innermost record is a placeholder")
	}
	return nil
}

// Equal reports whether u and o hold the same key and records.
func (u *ULE) Equal(o *ULE) bool {
	if !bytes.Equal(u.Key, o.Key) || len(u.UXRs) != len(o.UXRs) {
		return false
	}
	for i := range u.UXRs {
		if !u.UXRs[i].Equal(o.UXRs[i]) {
			return false
		}
	}
	return true
}

// SafeFormat implements redact.SafeFormatter.
func (u *ULE) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("key=%q [", u.Key)
	for i := range u.UXRs {
		if i > 0 {
			w.SafeString(", ")
		}
		w.Print(u.UXRs[i])
	}
	w.SafeRune(']')
}

func (u *ULE) String() string {
	return redact.StringWithoutMarkers(u)
}
