// Package agent implements the durable outbound-message agent a cluster
// controller embeds to deliver accounting events to the remote accounting
// endpoint without blocking its own work and without losing events across
// restarts or network outages.
//
// # Shape
//
// One Agent owns a bounded FIFO queue, a connection lifecycle manager, and
// a single delivery goroutine started by Run. Producers call Enqueue from
// any goroutine; the loop dequeues, batches when more than one message is
// pending, sends, and blocks for exactly one reply per request. No request
// is ever pipelined, so replies attribute unambiguously to queue positions
// and removal is strictly FIFO.
//
// # Failure semantics
//
// Delivery is at-least-once: a transient transport error or a malformed
// reply leaves the queue untouched, tears the connection down, and starts
// the reconnect cooldown. Only a well-formed reply removes messages, and
// only the acknowledged prefix. Per-item rejections are logged and dropped
// with the prefix: retrying bytes the endpoint has refused would loop
// forever.
//
// # Synchronous bypass
//
// SendAndWait lets a caller that needs an immediate answer (the
// registration handshake) borrow the connection for one exchange. It
// raises the halt flag so the loop stops scheduling work, then takes the
// same lock the loop holds around connection access. At most one of the
// loop and a bypass caller ever holds the connection.
//
// # Deferred post-processing
//
// Replies may carry follow-up metadata whose handling needs the
// application's lock. The loop only collects these while its own lock is
// held and invokes the registered handler after releasing it, so the agent
// lock is never held when the application lock is taken.
//
// # Shutdown
//
// Canceling the Run context stops the loop, persists the remaining queue
// to the state file, and closes the connection without attempting further
// network IO. Bypass callers blocked at shutdown observe an error rather
// than hang. Done is closed once the state file is written.
package agent
