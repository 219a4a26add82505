// ABOUTME: Bounded FIFO queue of pending accounting messages with a wake channel.
// ABOUTME: Removal only happens from the head, and only after confirmed delivery.

package queue

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/gridwork/acctrelay/wire"
)

// ErrQueueFull indicates the queue is at capacity and the backpressure
// policy refused to make room.
var ErrQueueFull = errors.New("queue: full")

// Config bounds the queue and selects its overload behavior.
type Config struct {
	// MaxDepth is the hard capacity. Depth never exceeds it.
	MaxDepth int
	// Policy decides what happens at capacity.
	Policy Policy
	// HighWater is the depth at which an operator-visible warning is
	// logged, once per crossing. Zero disables the warning.
	HighWater int
}

// DurableQueue is the in-memory half of the durable queue: strict FIFO,
// bounded, mutated by producers (append), the delivery loop (peek and
// remove from the head), and the state file (bulk restore at startup,
// snapshot at shutdown).
type DurableQueue struct {
	mu     sync.Mutex
	items  []*wire.PendingMessage
	cfg    Config
	logger *slog.Logger

	wake chan struct{}

	purged    map[wire.Kind]uint64
	highWater bool
}

// New creates an empty queue.
func New(cfg Config, logger *slog.Logger) *DurableQueue {
	return &DurableQueue{
		cfg:    cfg,
		logger: logger.With("component", "queue"),
		wake:   make(chan struct{}, 1),
		purged: make(map[wire.Kind]uint64),
	}
}

// Wake returns the channel the delivery loop selects on. Every mutating
// call signals it.
func (q *DurableQueue) Wake() <-chan struct{} { return q.wake }

func (q *DurableQueue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue appends a message, applying the backpressure policy at capacity.
// Returns ErrQueueFull when the policy cannot make room.
func (q *DurableQueue) Enqueue(msg *wire.PendingMessage) error {
	q.mu.Lock()
	if len(q.items) >= q.cfg.MaxDepth {
		switch q.cfg.Policy {
		case PolicyFailFast:
			q.mu.Unlock()
			return ErrQueueFull
		case PolicyDiscard:
			if q.purgeLocked() == 0 {
				q.mu.Unlock()
				q.logger.Error("queue full and nothing purgeable; refusing message",
					"kind", msg.MsgKind.String(),
					"max_depth", q.cfg.MaxDepth,
				)
				return ErrQueueFull
			}
		}
	}
	q.items = append(q.items, msg)
	q.checkHighWaterLocked()
	q.mu.Unlock()
	q.notify()
	return nil
}

// purgeLocked drops every queued message whose kind appears in
// DiscardOrder, earliest category first, and returns how many were dropped.
func (q *DurableQueue) purgeLocked() int {
	total := 0
	for _, kind := range DiscardOrder {
		kept := q.items[:0]
		dropped := 0
		for _, m := range q.items {
			if m.MsgKind == kind {
				dropped++
				continue
			}
			kept = append(kept, m)
		}
		q.items = kept
		if dropped > 0 {
			total += dropped
			q.purged[kind] += uint64(dropped)
			q.logger.Warn("purged low-value messages to relieve backpressure",
				"kind", kind.String(),
				"purged", dropped,
				"depth", len(q.items),
			)
		}
	}
	return total
}

func (q *DurableQueue) checkHighWaterLocked() {
	if q.cfg.HighWater <= 0 {
		return
	}
	if len(q.items) >= q.cfg.HighWater {
		if !q.highWater {
			q.highWater = true
			q.logger.Warn("queue depth crossed high-water mark",
				"depth", len(q.items),
				"high_water", q.cfg.HighWater,
				"max_depth", q.cfg.MaxDepth,
			)
		}
	} else {
		q.highWater = false
	}
}

// PeekBatch returns up to maxN messages from the head without removing
// them, additionally bounded by maxBytes of serialized payload (the first
// message is always included so an oversized message cannot wedge the
// queue). Removal happens only after confirmed delivery.
func (q *DurableQueue) PeekBatch(maxN, maxBytes int) []*wire.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*wire.PendingMessage
	bytes := 0
	for _, m := range q.items {
		if len(out) >= maxN {
			break
		}
		if len(out) > 0 && bytes+m.Size() > maxBytes {
			break
		}
		out = append(out, m)
		bytes += m.Size()
	}
	return out
}

// RemoveHead pops the front message after a successful single delivery.
func (q *DurableQueue) RemoveHead() {
	q.RemoveBatch(1)
}

// RemoveBatch pops the first n messages after a successful batched
// delivery.
func (q *DurableQueue) RemoveBatch(n int) {
	q.mu.Lock()
	if n > len(q.items) {
		n = len(q.items)
	}
	q.items = q.items[n:]
	q.checkHighWaterLocked()
	q.mu.Unlock()
	q.notify()
}

// Depth returns the current queue size.
func (q *DurableQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot copies the current contents in order, for the shutdown save.
func (q *DurableQueue) Snapshot() []*wire.PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*wire.PendingMessage, len(q.items))
	copy(out, q.items)
	return out
}

// Restore bulk-loads messages at startup, before producers or the delivery
// loop run. Messages beyond capacity are dropped from the tail with a
// warning; the state file may have been written under a larger configured
// depth.
func (q *DurableQueue) Restore(msgs []*wire.PendingMessage) {
	q.mu.Lock()
	if len(msgs) > q.cfg.MaxDepth {
		q.logger.Warn("restored state exceeds queue capacity; dropping tail",
			"restored", len(msgs),
			"max_depth", q.cfg.MaxDepth,
		)
		msgs = msgs[:q.cfg.MaxDepth]
	}
	q.items = append([]*wire.PendingMessage(nil), msgs...)
	q.checkHighWaterLocked()
	q.mu.Unlock()
	q.notify()
}

// PurgedCounts reports how many messages of each kind the Discard policy
// has dropped since startup.
func (q *DurableQueue) PurgedCounts() map[wire.Kind]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[wire.Kind]uint64, len(q.purged))
	for k, v := range q.purged {
		out[k] = v
	}
	return out
}
