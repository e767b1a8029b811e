// Package pipeline implements a directed dataflow graph of worker nodes
// connected by bounded queues. Values flow from a head node to a tail node;
// termination is modelled with typed stop signals that travel through the
// queues like ordinary items, so a queue channel is never closed.
package pipeline

// stopSignal terminates exactly one consumer of a queue.
//
// A signal with a non-empty Origin marks the end of one upstream's output
// stream; it is consumed by a worker, recorded, and does not terminate the
// worker. A signal with an empty Origin is a worker termination token,
// enqueued by worker 0 once every upstream has finished.
type stopSignal struct {
	// Origin is the name of the upstream node that finished, or
	// ExternalOrigin for a stop injected by an external producer.
	// Empty for worker termination tokens.
	Origin string
}

// ExternalOrigin marks a stop injected by an external producer (for example
// Sequential.End). A node with no connected upstreams treats the external
// producer as its sole upstream.
const ExternalOrigin = "__external__"

// StopValue returns the stop sentinel an external producer puts into a head
// queue to signal end-of-stream.
func StopValue() any {
	return stopSignal{Origin: ExternalOrigin}
}

// IsStop reports whether v is a stop sentinel of any kind.
func IsStop(v any) bool {
	_, ok := v.(stopSignal)

	return ok
}

// minQueueCapacity is the smallest permitted queue capacity. A zero-capacity
// queue would deadlock single-worker nodes that must park their own stop.
const minQueueCapacity = 1

// Queue is a bounded FIFO connecting two pipeline nodes.
//
// Put blocks while the queue is full and Get blocks while it is empty; this
// is the only backpressure mechanism in the pipeline. Len and Cap may race
// with concurrent producers and consumers.
type Queue struct {
	ch chan any
}

// NewQueue creates a bounded queue with the given capacity.
// Capacities below 1 are clamped to 1.
func NewQueue(capacity int) *Queue {
	if capacity < minQueueCapacity {
		capacity = minQueueCapacity
	}

	return &Queue{ch: make(chan any, capacity)}
}

// Put enqueues v, blocking until space is available.
func (q *Queue) Put(v any) {
	q.ch <- v
}

// Get dequeues one item, blocking until one is available.
func (q *Queue) Get() any {
	return <-q.ch
}

// TryPut enqueues v without blocking. It reports whether the item was accepted.
func (q *Queue) TryPut(v any) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// TryGet dequeues one item without blocking.
func (q *Queue) TryGet() (any, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		return nil, false
	}
}

// Len returns the number of items currently queued. Racy by design.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
