// Package stores provides the Redis-backed password reset record store.
//
// # Design
//
// Records are versioned, binary-encoded values with a TTL equal to their
// expiry. Consume runs a WATCH/MULTI optimistic transaction with retry on
// contention and flips a consumed flag instead of deleting, so a second use
// inside the lifetime is reported as consumed rather than unknown.
//
// # What this package must NOT do
//
//   - Import chainauth or any sibling internal package.
//   - Generate reset ids or decide what a consumed reset means.
package stores
