// Package flows contains the orchestration for every Engine operation.
//
// Each flow function (RunLogin, RunRefresh, RunLogoutAll, ...) takes a typed
// dependency struct and either returns a Result carrying a failure kind for
// the Engine to map, or emits metrics and audit events through callbacks in
// its deps and returns host-level sentinel errors.
//
// # Architecture boundaries
//
// Flows coordinate the chain store, token codec, rate limiters, reset store
// and mailer. They do NOT own any of these resources; ownership stays with
// the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import chainauth (to avoid import cycles).
package flows
