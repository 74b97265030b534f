// Package chain persists refresh-token revocation chains.
//
// Every issued refresh token owns exactly one [Record], keyed by its token id.
// Rotation marks the presented record invalid and links it to its successor
// through Next, so each login produces a singly linked list of records whose
// only live element is the tip.
//
// # Atomicity
//
// [Store.Rotate] is a compare-and-swap: it succeeds only for a record that is
// valid and has no successor, and it writes the successor in the same unit.
// [RedisStore] runs it as a single Lua script; [PostgresStore] runs it as a
// conditional UPDATE inside one transaction. Of N concurrent rotations of the
// same tip exactly one succeeds and the rest observe [ErrStaleOrReused].
//
// # What this package must NOT do
//
//   - Interpret or verify signed tokens.
//   - Delete records. Retention is handled outside the rotation path.
package chain
