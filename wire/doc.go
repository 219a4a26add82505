// Package wire defines the accounting message model shared by the queue,
// the state file, and the delivery agent.
//
// # Frames
//
// Every message serializes to a frame: a four-byte header carrying the
// protocol version and kind tag, followed by a CBOR body. The queue and
// the delivery loop treat frames as opaque bytes; only the header is read
// for batching and backpressure decisions.
//
// # Versioning
//
// CurrentVersion is what this build encodes. Frames persisted by an older
// build are upgraded on state-file replay via Recode, so an accounting
// record produced before an upgrade is still deliverable after it.
//
// # Kinds
//
// Message kinds form a tagged variant: each concrete type (JobStart,
// StepComplete, ...) carries its own body schema and is selected by the
// kind tag when decoding. Two classifications hang off the kind:
//
//   - Persistable: whether the kind survives a restart via the state file.
//     Registration handshakes do not; replaying a stale registration can
//     get the whole session rejected.
//   - Purgeable: whether the Discard backpressure policy may drop queued
//     messages of the kind. Only step telemetry qualifies.
package wire
