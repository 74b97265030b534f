// Package middleware adapts chainauth access-token validation to net/http.
//
// [RequireAuth] reads the token through a [TokenSource], calls
// Engine.ValidateAccess and stores the result in the request context.
// [RequireRole] gates a handler on a role from that result. Rejections are
// JSON bodies of the form {"error": "<code>"}.
package middleware
