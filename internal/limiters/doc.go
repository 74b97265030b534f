// Package limiters provides domain-specific rate limiters built on top of the
// internal/rate primitives.
//
// [PasswordResetLimiter] throttles reset requests per identifier and reset
// confirmations per reset id. All limiters are nil-safe.
//
// # What this package must NOT do
//
//   - Import chainauth or any sibling internal package except internal/rate.
//   - Make policy decisions beyond counting.
package limiters
