// Package ws implements the network relay for canvas workspaces: a
// websocket server that multiplexes document updates between the clients of
// a room, plus the dialing client used by sessions.
//
// The protocol is a three-step handshake followed by a bidirectional update
// stream. Step 1: the client sends its state vector. Step 2: the server
// replies with its own state vector and the updates the client is missing.
// Step 3: both sides stream updates as their documents change; the server
// rebroadcasts every client update to all other sockets in the room.
// Presence frames ride the same stream but are never persisted.
package ws

import (
	"github.com/fxamacker/cbor/v2"

	pkgerrors "canvas-backend/pkg/errors"
)

// FrameType discriminates relay messages.
type FrameType uint8

const (
	FrameSyncStep1 FrameType = 0
	FrameSyncStep2 FrameType = 1
	FrameUpdate    FrameType = 2
	FramePresence  FrameType = 3
)

// Frame is the binary envelope for every relay message.
type Frame struct {
	T FrameType `json:"t"`
	B []byte    `json:"b,omitempty"`
}

// EncodeFrame serializes a frame.
func EncodeFrame(t FrameType, body []byte) ([]byte, error) {
	b, err := cbor.Marshal(Frame{T: t, B: body})
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode frame").WithCause(err)
	}
	return b, nil
}

// DecodeFrame deserializes a frame.
func DecodeFrame(b []byte) (Frame, error) {
	var f Frame
	if err := cbor.Unmarshal(b, &f); err != nil {
		return Frame{}, pkgerrors.NewValidationError("malformed frame").WithCause(err)
	}
	return f, nil
}

// SyncStep2 is the server's handshake reply: its state vector plus the
// updates the client is missing relative to the vector it sent.
type SyncStep2 struct {
	SV     []byte `json:"v"`
	Update []byte `json:"u,omitempty"`
}

// EncodeSyncStep2 serializes a handshake reply body.
func EncodeSyncStep2(sv, update []byte) ([]byte, error) {
	b, err := cbor.Marshal(SyncStep2{SV: sv, Update: update})
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode sync step 2").WithCause(err)
	}
	return b, nil
}

// DecodeSyncStep2 deserializes a handshake reply body.
func DecodeSyncStep2(b []byte) (SyncStep2, error) {
	var s SyncStep2
	if err := cbor.Unmarshal(b, &s); err != nil {
		return SyncStep2{}, pkgerrors.NewValidationError("malformed sync step 2").WithCause(err)
	}
	return s, nil
}
