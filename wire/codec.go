// ABOUTME: Versioned frame encoding for accounting messages and batch envelopes.
// ABOUTME: Frames are [version:uint16][kind:uint16][cbor body]; old frames upgrade on decode.

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version identifies the frame protocol version a message was encoded with.
type Version uint16

const (
	// VersionOne is the oldest version still accepted on state-file replay.
	VersionOne Version = 1
	// VersionTwo added task counts to step records and RFC 3339 time
	// encoding throughout.
	VersionTwo Version = 2

	// CurrentVersion is what this build encodes.
	CurrentVersion = VersionTwo

	// MinVersion is the oldest version Recode can upgrade from.
	MinVersion = VersionOne

	frameHeaderLen = 4
)

// ErrFrameTooShort indicates a frame smaller than its fixed header.
var ErrFrameTooShort = errors.New("wire: frame too short")

// ErrUnknownKind indicates a kind tag this build cannot decode.
var ErrUnknownKind = errors.New("wire: unknown message kind")

// ErrUnsupportedVersion indicates a frame version outside [MinVersion, CurrentVersion].
var ErrUnsupportedVersion = errors.New("wire: unsupported frame version")

var encMode cbor.EncMode

func init() {
	opts := cbor.CanonicalEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	var err error
	encMode, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
}

// EncodeFrame serializes a message at the current protocol version.
func EncodeFrame(msg Message) ([]byte, error) {
	body, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s body: %w", msg.Kind(), err)
	}
	frame := make([]byte, frameHeaderLen+len(body))
	putFrameHeader(frame, CurrentVersion, msg.Kind())
	copy(frame[frameHeaderLen:], body)
	return frame, nil
}

func putFrameHeader(frame []byte, v Version, k Kind) {
	binary.BigEndian.PutUint16(frame[0:2], uint16(v))
	binary.BigEndian.PutUint16(frame[2:4], uint16(k))
}

// FrameInfo reads the header of a frame without decoding the body.
func FrameInfo(frame []byte) (Version, Kind, error) {
	if len(frame) < frameHeaderLen {
		return 0, 0, ErrFrameTooShort
	}
	v := Version(binary.BigEndian.Uint16(frame[0:2]))
	k := Kind(binary.BigEndian.Uint16(frame[2:4]))
	return v, k, nil
}

// DecodeFrame parses a frame into its concrete message type. Frames from
// any supported version decode; fields added in later versions read as zero
// values.
func DecodeFrame(frame []byte) (Message, Version, error) {
	v, k, err := FrameInfo(frame)
	if err != nil {
		return nil, 0, err
	}
	if v < MinVersion || v > CurrentVersion {
		return nil, v, fmt.Errorf("%w: %d", ErrUnsupportedVersion, v)
	}
	body := frame[frameHeaderLen:]

	var msg Message
	switch k {
	case KindRegister:
		var m Register
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindJobStart:
		var m JobStart
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindJobComplete:
		var m JobComplete
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindStepStart:
		var m StepStart
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindStepComplete:
		var m StepComplete
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindNodeState:
		var m NodeState
		err = cbor.Unmarshal(body, &m)
		msg = m
	case KindFini:
		var m Fini
		err = cbor.Unmarshal(body, &m)
		msg = m
	default:
		return nil, v, fmt.Errorf("%w: %d", ErrUnknownKind, uint16(k))
	}
	if err != nil {
		return nil, v, fmt.Errorf("unmarshaling %s body: %w", k, err)
	}
	return msg, v, nil
}

// Recode upgrades a frame from an older protocol version to the current
// one. A frame produced by an older build must still be deliverable after
// an upgrade, so state-file replay recodes rather than rejects. Frames
// already at the current version are returned unchanged.
func Recode(frame []byte) ([]byte, error) {
	v, _, err := FrameInfo(frame)
	if err != nil {
		return nil, err
	}
	if v == CurrentVersion {
		return frame, nil
	}
	msg, _, err := DecodeFrame(frame)
	if err != nil {
		return nil, err
	}
	return EncodeFrame(msg)
}
