// Package transport abstracts the single outbound session to the remote
// accounting endpoint and manages its lifecycle.
//
// Transport is the byte-stream collaborator the agent consumes: connect,
// one send, one receive, close. TCP is the production implementation,
// framing each payload with a uint32 length prefix. Manager wraps a
// Transport with the Closed/Connecting/Open/Failing state machine and the
// post-failure cooldown that throttles reconnect storms.
package transport
