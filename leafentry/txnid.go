package leafentry

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/redact"
)

// TxnID identifies a transaction. TxnIDRoot denotes the root (committed)
// transaction; it is implicit in the packed form and never written.
type TxnID uint64

// TxnIDRoot is the TxnID of the outermost, committed level.
const TxnIDRoot TxnID = 0

// MaxTransactionRecords bounds the depth of a transaction stack, both for
// message XIDs and for the records of an unpacked leaf entry. The packed
// form stores the record count in a single byte.
const MaxTransactionRecords = 64

func (id TxnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// SafeFormat implements redact.SafeFormatter.
func (id TxnID) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Print(redact.SafeString(id.String()))
}

// XIDs is a nested-transaction context, outermost first. Position 0 is
// always TxnIDRoot.
type XIDs []TxnID

// NewXIDs returns the context made of the root followed by ids, outermost
// first. NewXIDs() is the context of a non-transactional message.
func NewXIDs(ids ...TxnID) XIDs {
	x := make(XIDs, 0, len(ids)+1)
	x = append(x, TxnIDRoot)
	return append(x, ids...)
}

// Innermost returns the TxnID of the innermost transaction.
func (x XIDs) Innermost() TxnID {
	return x[len(x)-1]
}

// Child returns a copy of x with id pushed as the new innermost transaction.
func (x XIDs) Child(id TxnID) XIDs {
	c := make(XIDs, len(x), len(x)+1)
	copy(c, x)
	return append(c, id)
}

// Validate checks the shape invariants of a transaction stack.
func (x XIDs) Validate() error {
	if len(x) == 0 {
		return fmt.Errorf("xids: empty stack")
	}
	if len(x) > MaxTransactionRecords {
		return fmt.Errorf("xids: depth %d exceeds %d", len(x), MaxTransactionRecords)
	}
	if x[0] != TxnIDRoot {
		return fmt.Errorf("xids: outermost txnid is %d, not the root", x[0])
	}
	for i := 1; i < len(x); i++ {
		if x[i] == TxnIDRoot {
			return fmt.Errorf("xids: root txnid at depth %d", i)
		}
		for j := 1; j < i; j++ {
			if x[i] == x[j] {
				return fmt.Errorf("xids: txnid %d repeated at depth %d", x[i], i)
			}
		}
	}
	return nil
}

// String renders the stack the way it is written in the HTTP API and the
// test files: the non-root txnids joined by commas, or "root".
func (x XIDs) String() string {
	if len(x) <= 1 {
		return "root"
	}
	parts := make([]string, 0, len(x)-1)
	for _, id := range x[1:] {
		parts = append(parts, id.String())
	}
	return strings.Join(parts, ",")
}

// ParseXIDs parses a comma separated list of non-root txnids, outermost
// first. The empty string and "root" yield the root-only stack.
func ParseXIDs(s string) (XIDs, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "root" {
		return NewXIDs(), nil
	}
	fields := strings.Split(s, ",")
	ids := make([]TxnID, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseUint(strings.TrimSpace(f), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("xids: bad txnid %q: %w", f, err)
		}
		ids = append(ids, TxnID(v))
	}
	x := NewXIDs(ids...)
	if err := x.Validate(); err != nil {
		return nil, err
	}
	return x, nil
}
