package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Config controls dispatcher buffering behavior.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull makes Emit count and discard an event instead of waiting
	// for buffer space.
	DropIfFull bool
	// OnDrop, when set, is called once for every discarded event.
	OnDrop func()
}

type envelope struct {
	ctx   context.Context
	event Event
}

// Dispatcher forwards audit events to a sink from a single worker, in the
// order they were accepted. Every accepted event reaches the sink before
// Close returns; events offered after Close are counted as dropped.
type Dispatcher struct {
	cfg     Config
	sink    Sink
	now     func() time.Time
	mu      sync.RWMutex
	closed  bool
	ch      chan envelope
	drained chan struct{}
	dropped atomic.Uint64
}

func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		cfg:     cfg,
		sink:    sink,
		now:     time.Now,
		ch:      make(chan envelope, cfg.BufferSize),
		drained: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.drained)
	for env := range d.ch {
		d.sink.Emit(env.ctx, env.event)
	}
}

// Emit queues event for the sink. The sink sees ctx's values but never its
// cancellation, so a finished request does not abort delivery. A zero
// Timestamp is stamped with the current UTC time.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.now().UTC()
	}
	env := envelope{ctx: context.WithoutCancel(ctx), event: event}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop()
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.ch <- env:
		default:
			d.drop()
		}
		return
	}

	select {
	case d.ch <- env:
	case <-ctx.Done():
		d.drop()
	}
}

func (d *Dispatcher) drop() {
	d.dropped.Add(1)
	if d.cfg.OnDrop != nil {
		d.cfg.OnDrop()
	}
}

// Close stops accepting events and blocks until the worker has delivered
// everything already queued. It is safe to call more than once.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ch)
	}
	d.mu.Unlock()
	<-d.drained
}

// Dropped reports how many events were discarded: buffer overflow with
// DropIfFull, a cancelled context while waiting for space, or Emit after
// Close.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
