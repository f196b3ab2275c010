package leafentry

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when neither the arena nor the heap can
	// hold a packed entry. The input entry is left untouched.
	ErrOutOfMemory = errors.New("leafentry: allocation failed")

	// ErrCompactionRequested is returned when the arena could hold the
	// packed entry after a compaction. The caller compacts and retries.
	ErrCompactionRequested = errors.New("leafentry: arena compaction requested")

	// ErrCorruption marks errors describing a malformed packed entry.
	ErrCorruption = errors.New("leafentry: corrupt leaf entry")
)

// corruptionErrorf formats an error marked as ErrCorruption.
func corruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// IsCorruptionError reports whether err describes a malformed entry.
func IsCorruptionError(err error) bool {
	return errors.Is(err, ErrCorruption)
}
