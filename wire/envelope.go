// ABOUTME: Batch envelope encoding and reply decoding for the delivery loop.
// ABOUTME: One multi-message request maps to one multi-reply with per-item result codes.

package wire

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ResultCode is the remote endpoint's per-item verdict.
type ResultCode uint32

const (
	// CodeSuccess means the item was committed; remove it from the queue.
	CodeSuccess ResultCode = 0
	// CodeRejected means the endpoint refused the item's content. Retrying
	// the identical bytes would loop forever, so rejected items are logged
	// and removed along with the rest of the acknowledged prefix.
	CodeRejected ResultCode = 1
	// CodeUnauthorized means the session itself was refused. Surfaced as
	// fatal by the registration exchange; it is a configuration problem,
	// not a transient condition.
	CodeUnauthorized ResultCode = 2
)

// ErrEmptyBatch indicates an attempt to build an envelope with no items.
var ErrEmptyBatch = errors.New("wire: empty batch")

type batchBody struct {
	Frames [][]byte `cbor:"frames"`
}

// EncodeBatch wraps several already-encoded frames into one multi-message
// request frame of KindBatch.
func EncodeBatch(frames [][]byte) ([]byte, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyBatch
	}
	return encodeBatchFrame(batchBody{Frames: frames})
}

func encodeBatchFrame(body batchBody) ([]byte, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling batch body: %w", err)
	}
	frame := make([]byte, frameHeaderLen+len(raw))
	putFrameHeader(frame, CurrentVersion, KindBatch)
	copy(frame[frameHeaderLen:], raw)
	return frame, nil
}

// DecodeBatch unwraps a KindBatch frame back into its member frames. Used
// by tests and by endpoint fakes; the production remote does its own
// unwrapping.
func DecodeBatch(frame []byte) ([][]byte, error) {
	v, k, err := FrameInfo(frame)
	if err != nil {
		return nil, err
	}
	if k != KindBatch {
		return nil, fmt.Errorf("%w: expected batch, got %s", ErrUnknownKind, k)
	}
	if v < MinVersion || v > CurrentVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	var body batchBody
	if err := cbor.Unmarshal(frame[frameHeaderLen:], &body); err != nil {
		return nil, fmt.Errorf("unmarshaling batch body: %w", err)
	}
	return body.Frames, nil
}

// FollowUp is deferred-callback metadata returned with a reply: the remote
// endpoint wants a heavier payload re-sent for the named job. Acting on it
// requires the application's own lock, so the delivery loop only collects
// these and hands them off after releasing its lock.
type FollowUp struct {
	JobID uint64 `cbor:"job_id"`
	Flags uint32 `cbor:"flags"`
}

// Reply is the decoded response to one request: one result code per sent
// item (a single-message send gets exactly one), plus any follow-up work.
type Reply struct {
	Codes     []ResultCode `cbor:"codes"`
	FollowUps []FollowUp   `cbor:"follow_ups,omitempty"`
}

// EncodeReply serializes a reply. Exists for endpoint fakes in tests; the
// agent only decodes.
func EncodeReply(r *Reply) ([]byte, error) {
	return encMode.Marshal(r)
}

// DecodeReply parses the raw response to a send. A malformed reply is a
// connection-health problem, never blamed on the message that was sent.
func DecodeReply(raw []byte) (*Reply, error) {
	var r Reply
	if err := cbor.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling reply: %w", err)
	}
	if len(r.Codes) == 0 {
		return nil, errors.New("wire: reply carries no result codes")
	}
	return &r, nil
}
