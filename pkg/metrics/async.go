package metrics

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrObserverClosed is returned by Flush after Close.
var ErrObserverClosed = errors.New("metrics: observer closed")

// AsyncObserver moves event delivery off the speaking and turn paths. When
// the buffer is full new events are counted and dropped.
type AsyncObserver struct {
	inner   Observer
	queue   chan queued
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// queued is either an event or a flush marker.
type queued struct {
	ev     MetricsEvent
	marker chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if inner == nil {
		inner = NoopObserver{}
	}
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner: inner,
		queue: make(chan queued, buffer),
		done:  make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- queued{ev: ev}:
	default:
		a.dropped.Add(1)
	}
}

// Flush blocks until every event recorded before the call has reached the
// inner observer, then flushes it too if it is a Flusher.
func (a *AsyncObserver) Flush() error {
	marker := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return ErrObserverClosed
	}
	a.queue <- queued{marker: marker}
	a.mu.RUnlock()
	<-marker
	if f, ok := a.inner.(Flusher); ok {
		return f.Flush()
	}
	return nil
}

func (a *AsyncObserver) Dropped() int64 {
	return a.dropped.Load()
}

// Close stops accepting events and waits for the queue to drain. Calling it
// again only waits.
func (a *AsyncObserver) Close() {
	if a == nil {
		return
	}
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncObserver) deliver() {
	defer close(a.done)
	for item := range a.queue {
		if item.marker != nil {
			close(item.marker)
			continue
		}
		a.inner.RecordEvent(item.ev)
	}
}

var (
	_ Observer = (*AsyncObserver)(nil)
	_ Flusher  = (*AsyncObserver)(nil)
)
