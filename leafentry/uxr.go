package leafentry

import (
	"bytes"
	"fmt"

	"github.com/cockroachdb/redact"
)

// Tag is the discriminator of a transaction record. It is written as one
// byte in the packed form; the values MUST NOT change.
type Tag uint8

const (
	TagInsert      Tag = 1
	TagDelete      Tag = 2
	TagPlaceholder Tag = 3
)

var tagNames = []string{
	TagInsert:      "INSERT",
	TagDelete:      "DELETE",
	TagPlaceholder: "PLACEHOLDER",
}

func (t Tag) String() string {
	if t >= TagInsert && int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("UNKNOWN:%d", uint8(t))
}

// SafeFormat implements redact.SafeFormatter.
func (t Tag) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(t.String()))
}

func (t Tag) valid() bool {
	return t == TagInsert || t == TagDelete || t == TagPlaceholder
}

// UXR is an unpacked transaction record: what one transaction level did to
// the row. Val is set for TagInsert only and may alias the packed entry it
// was decoded from.
type UXR struct {
	Tag   Tag
	TxnID TxnID
	Val   []byte
}

// InsertUXR returns the record of xid writing val.
func InsertUXR(xid TxnID, val []byte) UXR {
	return UXR{Tag: TagInsert, TxnID: xid, Val: val}
}

// DeleteUXR returns the record of xid deleting the row.
func DeleteUXR(xid TxnID) UXR {
	return UXR{Tag: TagDelete, TxnID: xid}
}

// PlaceholderUXR returns the record of a transaction that encloses a
// writer but did not itself write the row.
func PlaceholderUXR(xid TxnID) UXR {
	return UXR{Tag: TagPlaceholder, TxnID: xid}
}

func (u UXR) IsInsert() bool      { return u.Tag == TagInsert }
func (u UXR) IsDelete() bool      { return u.Tag == TagDelete }
func (u UXR) IsPlaceholder() bool { return u.Tag == TagPlaceholder }

// Equal reports whether u and o are the same record. The values of
// non-insert records are ignored.
func (u UXR) Equal(o UXR) bool {
	if u.Tag != o.Tag || u.TxnID != o.TxnID {
		return false
	}
	return u.Tag != TagInsert || bytes.Equal(u.Val, o.Val)
}

// SafeFormat implements redact.SafeFormatter.
func (u UXR) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s@%s", u.Tag, u.TxnID)
	if u.IsInsert() {
		w.Printf(" %q", u.Val)
	}
}

func (u UXR) String() string {
	return redact.StringWithoutMarkers(u)
}
