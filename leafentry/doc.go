// Package leafentry implements versioned leaf entries: the value stored
// under a key, together with the uncommitted versions written by a stack
// of nested transactions.
//
// An entry exists in two forms. A ULE is the unpacked working form, a key
// and a stack of transaction records (UXRs) from the committed outermost
// record to the innermost one. A LeafEntry is the packed byte form kept in
// storage. Apply is the single mutating operation: it unpacks an entry,
// runs one Message against it and packs the result. Commits and aborts of
// enclosing transactions that a message implies are folded in on the way
// (implicit promotion). FullPromote turns a provisional entry into a
// committed one without allocating.
//
// The package keeps no global state and does not log. Build with
// -tags invariants to cross-check every Apply and FullPromote against a
// second derivation of the result.
package leafentry
