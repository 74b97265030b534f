// Package logging defines the structured logger used by the engine and the
// server binaries.
package logging

import "context"

// Logger is a context-aware, structured logger. Args are key-value pairs:
//
//	log.Warn(ctx, "reset delivery failed", "subject_id", id, "err", err)
type Logger interface {
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that always includes the given pairs.
	With(args ...any) Logger
}

// Nop discards everything.
type Nop struct{}

func (Nop) Info(context.Context, string, ...any)  {}
func (Nop) Warn(context.Context, string, ...any)  {}
func (Nop) Error(context.Context, string, ...any) {}
func (n Nop) With(...any) Logger                  { return n }
