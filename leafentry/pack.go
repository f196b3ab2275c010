package leafentry

import (
	"github.com/cockroachdb/errors"
)

// MemSize returns the number of bytes Pack writes for u, or 0 if u packs
// to no entry.
func MemSize(u *ULE) int {
	ii := u.innermostInsert()
	if ii < 0 {
		return 0
	}
	n := len(u.UXRs)
	if n == 1 {
		return committedHeaderSize + len(u.Key) + len(u.UXRs[0].Val)
	}
	size := provisionalHeaderSize + len(u.Key) + len(u.UXRs[ii].Val)
	for i := range u.UXRs {
		if i < n-1 {
			size++
		}
		if i >= 2 {
			size += 8
		}
		if i != ii && u.UXRs[i].IsInsert() {
			size += 4 + len(u.UXRs[i].Val)
		}
	}
	return size
}

// Pack encodes u. It returns a nil entry, and allocates nothing, when no
// record of u inserts a value: the caller deletes the slot. The entry is
// allocated from alloc, or from the heap when alloc is nil; an allocation
// error is returned unchanged.
func Pack(u *ULE, alloc Allocator) (LeafEntry, error) {
	if len(u.UXRs) == 0 || u.Innermost().IsPlaceholder() {
		panic(errors.AssertionFailedf("leafentry: packing %s", u))
	}
	ii := u.innermostInsert()
	if ii < 0 {
		return nil, nil
	}
	size := MemSize(u)
	buf, err := allocate(alloc, size)
	if err != nil {
		return nil, err
	}

	n := len(u.UXRs)
	w := writer{buf: buf}
	w.u8(uint8(n))
	w.u32(uint32(len(u.Key)))
	w.u32(uint32(len(u.UXRs[ii].Val)))
	if n > 1 {
		w.u8(uint8(u.Innermost().Tag))
		w.u64(uint64(u.UXRs[1].TxnID))
	}
	w.bytes(u.Key)
	w.bytes(u.UXRs[ii].Val)
	for i := n - 1; i >= 0; i-- {
		x := u.UXRs[i]
		if i < n-1 {
			w.u8(uint8(x.Tag))
		}
		if i >= 2 {
			w.u64(uint64(x.TxnID))
		}
		if i != ii && x.IsInsert() {
			w.u32(uint32(len(x.Val)))
			w.bytes(x.Val)
		}
	}
	if w.off != size {
		panic(errors.AssertionFailedf("leafentry: packed %d bytes, expected %d", w.off, size))
	}
	return LeafEntry(buf), nil
}

// Unpack decodes le. The records' values alias le. A malformed entry is a
// storage defect and panics; use Validate on untrusted input.
func Unpack(le LeafEntry) ULE {
	u, err := decode(le)
	if err != nil {
		panic(errors.NewAssertionErrorWithWrappedErrf(err, "leafentry: unpack"))
	}
	return u
}

// Validate checks that le is a well-formed packed entry. The returned
// error, if any, is marked with ErrCorruption.
func Validate(le LeafEntry) error {
	_, err := decode(le)
	return err
}

func decode(le LeafEntry) (ULE, error) {
	h, r := parseHeader(le)
	u := ULE{Key: h.key}
	if r.err == nil {
		u.UXRs = make([]UXR, h.n, h.n+1)
	}
	err := h.walk(&r, func(i int, x UXR) bool {
		u.UXRs[i] = x
		return true
	})
	if err != nil {
		return ULE{}, err
	}
	if r.remaining() != 0 {
		return ULE{}, corruptionErrorf("leafentry: %d trailing bytes", r.remaining())
	}
	if err := u.CheckInvariants(); err != nil {
		return ULE{}, errors.Mark(err, ErrCorruption)
	}
	return u, nil
}
