package bout

import (
	"sync"
	"sync/atomic"

	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// DefaultDispatchBuffer is the queue size used when none is given.
const DefaultDispatchBuffer = 256

// Dispatcher decouples the turn loop from a slow event consumer. Emit
// enqueues without blocking; a full queue drops the event. Delivery is
// best effort and never affects the bout's outcome.
type Dispatcher struct {
	out     domain.EventSink
	queue   chan domain.Event
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ domain.EventSink = (*Dispatcher)(nil)

// NewDispatcher starts a goroutine delivering queued events to out.
func NewDispatcher(out domain.EventSink, buffer int) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultDispatchBuffer
	}
	d := &Dispatcher{
		out:   out,
		queue: make(chan domain.Event, buffer),
		done:  make(chan struct{}),
	}
	go d.drain()
	return d
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for ev := range d.queue {
		d.deliver(ev)
	}
}

// deliver isolates the loop from a panicking sink.
func (d *Dispatcher) deliver(ev domain.Event) {
	defer func() { _ = recover() }()
	d.out.Emit(ev)
}

// Emit queues ev. Events emitted after Close are dropped.
func (d *Dispatcher) Emit(ev domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped.Add(1)
		observability.EventsDropped.Inc()
	}
}

// Close stops accepting events and waits until the queue is delivered.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	<-d.done
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }
