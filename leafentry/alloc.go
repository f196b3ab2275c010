package leafentry

import "github.com/cockroachdb/errors"

// Allocator supplies the memory of packed entries. Alloc returns exactly n
// bytes, ErrCompactionRequested when the caller should compact and retry,
// or ErrOutOfMemory.
type Allocator interface {
	Alloc(n int) ([]byte, error)
}

func allocate(a Allocator, n int) ([]byte, error) {
	if a == nil {
		return make([]byte, n), nil
	}
	buf, err := a.Alloc(n)
	if err != nil {
		return nil, err
	}
	if len(buf) != n {
		panic(errors.AssertionFailedf("leafentry: allocator returned %d bytes, asked for %d", len(buf), n))
	}
	return buf, nil
}

// Arena is a bump allocator over a fixed buffer. Freed bytes are only
// reclaimed by Compact, which moves the live allocations into a second
// buffer of the same size. An Arena is not safe for concurrent use.
type Arena struct {
	buf   []byte
	spare []byte
	off   int
	live  int
}

// NewArena returns an arena that can hold size bytes of live entries.
func NewArena(size int) *Arena {
	return &Arena{
		buf:   make([]byte, size),
		spare: make([]byte, size),
	}
}

// Alloc implements Allocator.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n < 0 {
		panic(errors.AssertionFailedf("leafentry: negative allocation %d", n))
	}
	if a.off+n <= len(a.buf) {
		b := a.buf[a.off : a.off+n : a.off+n]
		a.off += n
		a.live += n
		return b, nil
	}
	if a.live+n <= len(a.buf) {
		return nil, ErrCompactionRequested
	}
	return nil, ErrOutOfMemory
}

// Free marks b, which must have come from Alloc, as no longer used.
func (a *Arena) Free(b []byte) {
	if len(b) > a.live {
		panic(errors.AssertionFailedf("leafentry: freeing %d bytes with %d live", len(b), a.live))
	}
	a.live -= len(b)
}

// Compact copies the allocations in live to the start of the spare buffer
// and swaps buffers. It returns the relocated slices in the same order;
// every slice previously returned by Alloc is invalid afterwards.
func (a *Arena) Compact(live [][]byte) [][]byte {
	moved := make([][]byte, len(live))
	off := 0
	for i, b := range live {
		n := copy(a.spare[off:], b)
		if n != len(b) {
			panic(errors.AssertionFailedf("leafentry: compaction overflows arena of %d bytes", len(a.buf)))
		}
		moved[i] = a.spare[off : off+n : off+n]
		off += n
	}
	a.buf, a.spare = a.spare, a.buf
	a.off = off
	a.live = off
	return moved
}

// Reset discards every allocation.
func (a *Arena) Reset() {
	a.off = 0
	a.live = 0
}

// Cap returns the size of the arena.
func (a *Arena) Cap() int { return len(a.buf) }

// Used returns the number of bytes handed out since the last compaction.
func (a *Arena) Used() int { return a.off }

// Live returns the number of allocated bytes not yet freed.
func (a *Arena) Live() int { return a.live }
