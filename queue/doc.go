// Package queue provides the bounded FIFO queue of pending accounting
// messages and the backpressure policy applied at capacity.
//
// Messages are held in strict insertion order. The delivery loop peeks
// without removing; nothing leaves the head until delivery of that
// position is confirmed. Under the Discard policy, step telemetry (the
// kinds listed in DiscardOrder) is purged to make room when the queue
// fills; under FailFast the enqueue surfaces ErrQueueFull instead.
package queue
