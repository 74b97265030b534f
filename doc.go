// Package chainauth issues short-lived access tokens and long-lived refresh
// tokens that rotate on every use. Every refresh token is a link in a chain
// of records kept by a [chain.Store]; presenting a token that was already
// rotated or revoked is treated as theft and invalidates the chain from that
// token onward.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Architecture boundaries
//
// chainauth is the public surface: [Engine], [Builder], [Config] and value
// types. Flow orchestration, rate limiting, reset records and audit dispatch
// live under internal/. Storage backends live in package chain and the token
// codec in package jwt.
//
// # Consistency
//
// The store's Rotate is the only synchronization point. Of two concurrent
// refreshes with the same token exactly one rotates; the other is reported as
// [ErrRefreshReuse] and revokes the winner's successor as well.
//
// Access tokens are verified without storage. Revoking a chain stops further
// refreshes; access tokens already issued stay valid until they expire.
package chainauth
