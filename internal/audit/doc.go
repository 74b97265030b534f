// Package audit implements async event dispatching for security-relevant operations.
//
// # Components
//
//   - [Sink]: event consumers (channel, JSON writer, AMQP queue, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full or block-if-full semantics.
//   - [Event]: structured record with timestamp, type, subject, token id, IP, metadata.
//
// This package owns event buffering and sink delivery. It does NOT decide which
// events to emit; the Engine does.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import chainauth or any sibling internal package.
package audit
