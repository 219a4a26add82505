// ABOUTME: Typed accounting message kinds and the tagged-variant Message interface.
// ABOUTME: Each kind carries its own CBOR body; frames are versioned for upgrades.

package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind tags a message with its accounting record type.
type Kind uint16

const (
	// KindRegister is the one-time cluster registration handshake. It is
	// never persisted: replaying a stale registration after a restart can
	// cause the remote endpoint to reject the whole session.
	KindRegister Kind = iota + 1
	KindJobStart
	KindJobComplete
	KindStepStart
	KindStepComplete
	KindNodeState
	// KindFini is the end-of-session notice a controller sends, via the
	// synchronous bypass, before it exits. Like registration it is bound
	// to the live session and never persisted.
	KindFini

	// KindBatch wraps several frames into one multi-message request. It is
	// built transiently by the delivery loop and never enqueued itself.
	KindBatch Kind = 100
)

// String returns the config/log name for a kind.
func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindJobStart:
		return "job_start"
	case KindJobComplete:
		return "job_complete"
	case KindStepStart:
		return "step_start"
	case KindStepComplete:
		return "step_complete"
	case KindNodeState:
		return "node_state"
	case KindFini:
		return "fini"
	case KindBatch:
		return "batch"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Persistable reports whether messages of this kind survive a restart via
// the state file.
func (k Kind) Persistable() bool {
	return k != KindRegister && k != KindFini && k != KindBatch
}

// Purgeable reports whether the Discard backpressure policy may drop queued
// messages of this kind to make room. Only high-frequency, low-importance
// step telemetry qualifies; job-lifecycle and node-state records never do.
func (k Kind) Purgeable() bool {
	return k == KindStepStart || k == KindStepComplete
}

// Message is the tagged variant over accounting record types. Concrete
// kinds serialize themselves; the delivery agent treats the resulting frame
// as opaque bytes.
type Message interface {
	Kind() Kind
}

// Register is the initial cluster registration handshake.
type Register struct {
	ClusterName     string `cbor:"cluster"`
	ControlHost     string `cbor:"host"`
	ControlPort     uint16 `cbor:"port"`
	ProtocolVersion uint16 `cbor:"proto"`
}

func (Register) Kind() Kind { return KindRegister }

// JobStart records a job beginning execution.
type JobStart struct {
	JobID      uint64    `cbor:"job_id"`
	Name       string    `cbor:"name"`
	UserID     uint32    `cbor:"uid"`
	GroupID    uint32    `cbor:"gid"`
	Partition  string    `cbor:"partition"`
	NodeCount  uint32    `cbor:"node_count"`
	SubmitTime time.Time `cbor:"submit_time"`
	StartTime  time.Time `cbor:"start_time"`
}

func (JobStart) Kind() Kind { return KindJobStart }

// JobComplete records a job finishing, successfully or otherwise.
type JobComplete struct {
	JobID    uint64    `cbor:"job_id"`
	State    string    `cbor:"state"`
	ExitCode int32     `cbor:"exit_code"`
	EndTime  time.Time `cbor:"end_time"`
}

func (JobComplete) Kind() Kind { return KindJobComplete }

// StepStart records a job step launching. Steps are high-frequency and are
// the first category purged under the Discard backpressure policy.
type StepStart struct {
	JobID     uint64    `cbor:"job_id"`
	StepID    uint32    `cbor:"step_id"`
	Name      string    `cbor:"name"`
	TaskCount uint32    `cbor:"task_count"`
	StartTime time.Time `cbor:"start_time"`
}

func (StepStart) Kind() Kind { return KindStepStart }

// StepComplete records a job step finishing.
type StepComplete struct {
	JobID    uint64    `cbor:"job_id"`
	StepID   uint32    `cbor:"step_id"`
	ExitCode int32     `cbor:"exit_code"`
	EndTime  time.Time `cbor:"end_time"`
}

func (StepComplete) Kind() Kind { return KindStepComplete }

// NodeState records a node changing state (down, drained, resumed).
type NodeState struct {
	NodeName string    `cbor:"node"`
	State    string    `cbor:"state"`
	Reason   string    `cbor:"reason"`
	Time     time.Time `cbor:"time"`
}

func (NodeState) Kind() Kind { return KindNodeState }

// Fini tells the endpoint the controller is exiting cleanly, so a quiet
// cluster can be told apart from a crashed one.
type Fini struct {
	ClusterName string    `cbor:"cluster"`
	Time        time.Time `cbor:"time"`
}

func (Fini) Kind() Kind { return KindFini }

// PendingMessage is one queued, already-serialized message. The frame is
// opaque to the queue and the delivery loop; only the kind tag and size are
// consulted for batching and backpressure decisions.
type PendingMessage struct {
	ID      uuid.UUID
	MsgKind Kind
	Version Version
	Frame   []byte
}

// NewPending serializes a message at the current protocol version and wraps
// it for queueing.
func NewPending(msg Message) (*PendingMessage, error) {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	return &PendingMessage{
		ID:      uuid.New(),
		MsgKind: msg.Kind(),
		Version: CurrentVersion,
		Frame:   frame,
	}, nil
}

// Size returns the serialized frame length in bytes, used for the batch
// byte budget.
func (p *PendingMessage) Size() int { return len(p.Frame) }
