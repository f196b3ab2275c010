package leafentry

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"ulekv/internal/invariants"
)

// Apply applies msg to the packed entry old, which may be empty, and
// returns the new packed entry. A nil result with a nil error means the
// slot holds nothing any more and should be deleted.
//
// Apply is deterministic and does not modify old; the result never
// aliases it. The only errors are those of alloc (ErrOutOfMemory,
// ErrCompactionRequested), in which case nothing was produced.
func Apply(old LeafEntry, msg Message, alloc Allocator) (LeafEntry, error) {
	if invariants.Enabled {
		if err := msg.XIDs.Validate(); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "leafentry: applying %s", msg))
		}
	}
	var u ULE
	if len(old) == 0 {
		u = emptyULE(msg.Key)
	} else {
		u = Unpack(old)
	}
	u.applyMessage(msg)
	if invariants.Enabled {
		if err := u.CheckInvariants(); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "leafentry: after %s", msg))
		}
	}
	le, err := Pack(&u, alloc)
	if err != nil || le == nil {
		return nil, err
	}
	if invariants.Enabled {
		checkRoundTrip(le, &u)
	}
	return le, nil
}

// checkRoundTrip asserts that le unpacks to u and packs back to le.
func checkRoundTrip(le LeafEntry, u *ULE) {
	got := Unpack(le)
	if !got.Equal(u) {
		panic(errors.AssertionFailedf("leafentry: unpacked %s, packed %s", &got, u))
	}
	again, err := Pack(&got, nil)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "leafentry: repack"))
	}
	if !bytes.Equal(again, le) {
		panic(errors.AssertionFailedf("leafentry: repack of %s differs", u))
	}
	if n := le.MemSize(); n != len(le) || n != MemSize(u) {
		panic(errors.AssertionFailedf("leafentry: size %d, packed %d bytes", n, len(le)))
	}
}

// FullPromote commits every uncommitted level of le in place and returns
// the committed entry, which is a prefix of le. le must be provisional and
// its innermost record must be an insert; no allocation takes place.
func FullPromote(le LeafEntry) LeafEntry {
	if le.IsCommitted() || le.IsProvDel() {
		panic(errors.AssertionFailedf("leafentry: full promotion of %s", le))
	}
	var want LeafEntry
	if invariants.Enabled {
		commit := Message{
			Type: MsgCommitBroadcastTxn,
			XIDs: NewXIDs(le.OutermostUncommittedXID()),
		}
		var err error
		if want, err = Apply(le, commit, nil); err != nil {
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "leafentry: full promotion"))
		}
	}

	keylen := le.KeyLen()
	vallen := le.InnermostInsertedValLen()
	le[0] = 1
	// The vallen field already holds the innermost insert's length.
	copy(le[committedHeaderSize:], le[provisionalHeaderSize:provisionalHeaderSize+keylen+vallen])
	out := le[:committedHeaderSize+keylen+vallen]

	if invariants.Enabled && !bytes.Equal(out, want) {
		panic(errors.AssertionFailedf("leafentry: full promotion gave %x, commit gave %x", []byte(out), []byte(want)))
	}
	return out
}
