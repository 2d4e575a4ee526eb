package accesslog

import (
	"sync"

	"github.com/wudi/prefixgate/internal/metrics"
)

// DefaultBufferSize is the queue length used when none is configured.
const DefaultBufferSize = 1024

// Async hands events to another sink on a single background goroutine.
// Log never blocks: when the queue is full the event is dropped and counted.
type Async struct {
	next    Sink
	queue   chan Event
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsync starts a goroutine draining into next.
func NewAsync(next Sink, size int, m *metrics.Collector) *Async {
	if size <= 0 {
		size = DefaultBufferSize
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, size),
		metrics: m,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Log enqueues ev.
func (a *Async) Log(ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.metrics.RecordLogDropped()
		return
	}
	select {
	case a.queue <- ev:
	default:
		a.metrics.RecordLogDropped()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		<-a.done
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		a.next.Log(ev)
	}
}
