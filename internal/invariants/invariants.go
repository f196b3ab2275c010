// Package invariants gates the expensive self-checks of the storage code.
// Build with -tags invariants (or -race) to turn them on; the checks
// re-derive results along a second path and panic when the two disagree.
package invariants
