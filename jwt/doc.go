// Package jwt is the token codec: it mints signed access and refresh tokens
// carrying subject, token id, role snapshot and kind, and verifies them
// without touching storage.
package jwt
