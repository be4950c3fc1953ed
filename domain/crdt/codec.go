package crdt

import (
	"github.com/fxamacker/cbor/v2"

	pkgerrors "canvas-backend/pkg/errors"
)

// Wire formats. An update is a flat list of stamped container entries; a
// state vector is the per-replica high-water mark of stamps a replica has
// seen. Both are CBOR, chosen over JSON for compact binary values.

type wireEntry struct {
	Container string `json:"c"`
	Key       string `json:"k"`
	Value     []byte `json:"v"`
	Clock     uint64 `json:"t"`
	Replica   uint64 `json:"r"`
}

type wireUpdate struct {
	Entries []wireEntry `json:"e"`
}

func encodeUpdate(entries []wireEntry) ([]byte, error) {
	b, err := cbor.Marshal(wireUpdate{Entries: entries})
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode update").WithCause(err)
	}
	return b, nil
}

func decodeUpdate(b []byte) ([]wireEntry, error) {
	var u wireUpdate
	if err := cbor.Unmarshal(b, &u); err != nil {
		return nil, pkgerrors.NewValidationError("malformed update bytes").WithCause(err)
	}
	return u.Entries, nil
}

// EncodeState encodes the document's full container state as one update
// blob. Applying it to an empty replica reproduces the document; presence
// is excluded.
func (d *Document) EncodeState() ([]byte, error) {
	d.mu.Lock()
	entries := make([]wireEntry, 0)
	for _, c := range containers {
		for k, e := range d.state[c] {
			entries = append(entries, wireEntry{
				Container: string(c),
				Key:       k,
				Value:     e.Value,
				Clock:     e.Stamp.Clock,
				Replica:   e.Stamp.Replica,
			})
		}
	}
	d.mu.Unlock()
	return encodeUpdate(entries)
}

// EncodeStateVector encodes the compact "what I have seen" summary used in
// the sync handshake.
func (d *Document) EncodeStateVector() ([]byte, error) {
	d.mu.Lock()
	vec := make(map[uint64]uint64, len(d.vector))
	for r, c := range d.vector {
		vec[r] = c
	}
	d.mu.Unlock()

	b, err := cbor.Marshal(vec)
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode state vector").WithCause(err)
	}
	return b, nil
}

// DecodeStateVector decodes a peer's state vector.
func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	if len(b) == 0 {
		return map[uint64]uint64{}, nil
	}
	var vec map[uint64]uint64
	if err := cbor.Unmarshal(b, &vec); err != nil {
		return nil, pkgerrors.NewValidationError("malformed state vector").WithCause(err)
	}
	if vec == nil {
		vec = map[uint64]uint64{}
	}
	return vec, nil
}

// DiffUpdate encodes the entries a peer with the given state vector is
// missing: everything stamped past the peer's high-water mark for the
// stamping replica. Entries the peer has since overwritten are harmless to
// resend; the LWW merge discards them.
func (d *Document) DiffUpdate(remoteVector []byte) ([]byte, error) {
	vec, err := DecodeStateVector(remoteVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	entries := make([]wireEntry, 0)
	for _, c := range containers {
		for k, e := range d.state[c] {
			if e.Stamp.Clock > vec[e.Stamp.Replica] {
				entries = append(entries, wireEntry{
					Container: string(c),
					Key:       k,
					Value:     e.Value,
					Clock:     e.Stamp.Clock,
					Replica:   e.Stamp.Replica,
				})
			}
		}
	}
	d.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}
	return encodeUpdate(entries)
}
