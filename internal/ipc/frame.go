// Package ipc implements the DaemonServer's local-socket wire protocol:
// length-prefixed (4-byte big-endian) JSON frames over a Unix domain
// socket, with a versioned Ping handshake and JSON-Schema-validated
// request bodies. Grounded on the teacher's HTTP-handler-registration
// style (internal/web/api.go) adapted from HTTP muxing to raw frame
// dispatch, since spec.md §6 mandates a local socket rather than HTTP, and
// on vsavkov-kilroy's tool_registry.go compile-schema-once-validate-many
// idiom for the JSON Schema pieces.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ProtocolVersion is the current wire protocol version, exchanged during
// the Ping handshake. A client on a different version is rejected with an
// Error frame of kind "version_mismatch" rather than silently
// misinterpreting frames.
const ProtocolVersion = 1

// Kind tags a frame's payload type.
type Kind string

const (
	KindPing        Kind = "Ping"
	KindPong        Kind = "Pong"
	KindStop        Kind = "Stop"
	KindSubscribe   Kind = "Subscribe"
	KindStatus      Kind = "Status"
	KindStageAction Kind = "StageAction"
	KindMerge       Kind = "Merge"
	KindAck         Kind = "Ack"
	KindStatusSnap  Kind = "StatusSnapshot"
	KindError       Kind = "Error"
	KindEvent       Kind = "Event"
)

// Frame is the envelope for every message on the wire. Payload is kept as
// raw JSON and decoded into a concrete type once Kind is known, so framing
// and schema validation are independent of any particular request shape.
type Frame struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload carries the client's protocol version.
type PingPayload struct {
	Version int `json:"version"`
}

// PongPayload carries the daemon's protocol version in reply.
type PongPayload struct {
	Version int `json:"version"`
}

// StageActionPayload requests a state-machine poke via IPC, per spec.md
// §6's `loom stage {complete|block|reset|retry|skip|hold|release} <id>`.
type StageActionPayload struct {
	StageID string `json:"stage_id"`
	Action  string `json:"action"`
}

// MergePayload requests a merge retry for a Blocked stage. The daemon
// rejects it for a stage in any other status, Completed included.
type MergePayload struct {
	StageID string `json:"stage_id"`
}

// ErrorPayload is returned for any request the daemon could not satisfy.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// ErrKindVersionMismatch is the ErrorPayload.Kind used when a client's
// Ping carries an incompatible protocol version.
const ErrKindVersionMismatch = "version_mismatch"

// WriteFrame serializes and writes one length-prefixed frame.
func WriteFrame(w io.Writer, f Frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("reading frame body: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, fmt.Errorf("parsing frame: %w", err)
	}
	return f, nil
}

// NewFrame builds a Frame from a typed payload.
func NewFrame(kind Kind, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Kind: kind}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshalling %s payload: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: raw}, nil
}
