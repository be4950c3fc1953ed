package canvas

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"

	pkgerrors "canvas-backend/pkg/errors"
)

// Container values are stored in the document as opaque CBOR blobs; these
// helpers are the single encode/decode path so every replica agrees on the
// byte representation.

// Nested metadata values must decode to string-keyed maps, matching what
// callers build and what Clone knows how to deep-copy.
var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// EncodeNode serializes a node for container storage.
func EncodeNode(n *Node) ([]byte, error) {
	b, err := cbor.Marshal(n)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("encode node", err)
	}
	return b, nil
}

// DecodeNode deserializes a node container value.
func DecodeNode(b []byte) (*Node, error) {
	var n Node
	if err := decMode.Unmarshal(b, &n); err != nil {
		return nil, pkgerrors.NewDatabaseError("decode node", err)
	}
	return &n, nil
}

// EncodeConnection serializes a connection for container storage.
func EncodeConnection(c *Connection) ([]byte, error) {
	b, err := cbor.Marshal(c)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("encode connection", err)
	}
	return b, nil
}

// DecodeConnection deserializes a connection container value.
func DecodeConnection(b []byte) (*Connection, error) {
	var c Connection
	if err := decMode.Unmarshal(b, &c); err != nil {
		return nil, pkgerrors.NewDatabaseError("decode connection", err)
	}
	return &c, nil
}

// EncodeScalar serializes a viewport scalar.
func EncodeScalar(f float64) ([]byte, error) {
	b, err := cbor.Marshal(f)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("encode scalar", err)
	}
	return b, nil
}

// DecodeScalar deserializes a viewport scalar.
func DecodeScalar(b []byte) (float64, error) {
	var f float64
	if err := decMode.Unmarshal(b, &f); err != nil {
		return 0, pkgerrors.NewDatabaseError("decode scalar", err)
	}
	return f, nil
}

// EncodePresence serializes a presence record for broadcast.
func EncodePresence(p *Presence) ([]byte, error) {
	b, err := cbor.Marshal(p)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("encode presence", err)
	}
	return b, nil
}

// DecodePresence deserializes a presence broadcast payload.
func DecodePresence(b []byte) (*Presence, error) {
	var p Presence
	if err := decMode.Unmarshal(b, &p); err != nil {
		return nil, pkgerrors.NewDatabaseError("decode presence", err)
	}
	return &p, nil
}
