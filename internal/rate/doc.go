// Package rate provides Redis-backed fixed-window counters and the login
// limiter built on them.
//
// # Window semantics
//
// INCR followed by EXPIRE on the first hit of a window. Key prefixes:
//   - <prefix>:l:  login failures per identifier
//   - <prefix>:li: login failures per client IP
//
// # What this package must NOT do
//
//   - Decide what happens to a limited caller; flows map [ErrRateLimited].
//   - Be imported outside the chainauth module.
package rate
