package audit

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/idatt2105/chainauth/broker"
)

// Event is one security-relevant occurrence.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	EventType string            `json:"event_type"`
	SubjectID string            `json:"subject_id,omitempty"`
	TokenID   string            `json:"token_id,omitempty"`
	IP        string            `json:"ip,omitempty"`
	Success   bool              `json:"success"`
	Error     string            `json:"error,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Sink receives emitted audit events.
type Sink interface {
	Emit(ctx context.Context, event Event)
}

// NoOpSink drops audit events.
type NoOpSink struct{}

func (NoOpSink) Emit(context.Context, Event) {}

// ChannelSink writes audit events into a buffered channel.
type ChannelSink struct {
	events chan Event
}

func NewChannelSink(buffer int) *ChannelSink {
	if buffer <= 0 {
		buffer = 1
	}
	return &ChannelSink{
		events: make(chan Event, buffer),
	}
}

func (s *ChannelSink) Emit(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

func (s *ChannelSink) Events() <-chan Event {
	return s.events
}

// JSONWriterSink writes one JSON object per line.
type JSONWriterSink struct {
	writer io.Writer
	mu     sync.Mutex
}

func NewJSONWriterSink(w io.Writer) *JSONWriterSink {
	return &JSONWriterSink{
		writer: w,
	}
}

func (s *JSONWriterSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.writer == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, _ = s.writer.Write(data)
	_, _ = s.writer.Write([]byte("\n"))
}

// AMQPSink publishes each event as a JSON message to a queue. Publish
// failures are counted and otherwise dropped.
type AMQPSink struct {
	pub     broker.Publisher
	queue   string
	timeout time.Duration
	errs    atomic.Uint64
}

func NewAMQPSink(pub broker.Publisher, queue string, timeout time.Duration) *AMQPSink {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &AMQPSink{
		pub:     pub,
		queue:   queue,
		timeout: timeout,
	}
}

func (s *AMQPSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := broker.PublishJSON(ctx, s.pub, s.queue, event.EventType, event); err != nil {
		s.errs.Add(1)
	}
}

// Failures returns how many events could not be published.
func (s *AMQPSink) Failures() uint64 {
	return s.errs.Load()
}
