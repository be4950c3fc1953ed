package crdt

import (
	"github.com/fxamacker/cbor/v2"

	pkgerrors "canvas-backend/pkg/errors"
)

// Presence is ephemeral per-session state (cursor, selection). It rides the
// same relay as document updates but is never encoded into document state
// and never persisted.

type wirePresence struct {
	Session string `json:"s"`
	Payload []byte `json:"p,omitempty"`
	Clear   bool   `json:"x,omitempty"`
}

type presenceSub struct {
	id uint64
	fn func(session string, payload []byte)
}

// OnPresence registers a presence subscriber. Payload is nil when a session
// leaves. The returned function removes the subscriber.
func (d *Document) OnPresence(fn func(session string, payload []byte)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.presSubs = append(d.presSubs, presenceSub{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.presSubs {
			if s.id == id {
				d.presSubs = append(d.presSubs[:i], d.presSubs[i+1:]...)
				return
			}
		}
	}
}

// UpdatePresence records a session's presence payload locally and returns
// the message to broadcast to peers.
func (d *Document) UpdatePresence(session string, payload []byte) ([]byte, error) {
	d.mu.Lock()
	d.presence[session] = append([]byte(nil), payload...)
	d.mu.Unlock()

	b, err := cbor.Marshal(wirePresence{Session: session, Payload: payload})
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode presence").WithCause(err)
	}
	return b, nil
}

// ClearPresence removes a session's presence (on disconnect) and returns
// the leave message to broadcast.
func (d *Document) ClearPresence(session string) ([]byte, error) {
	d.mu.Lock()
	delete(d.presence, session)
	d.mu.Unlock()

	b, err := cbor.Marshal(wirePresence{Session: session, Clear: true})
	if err != nil {
		return nil, pkgerrors.NewInternalError("encode presence").WithCause(err)
	}
	return b, nil
}

// ApplyPresence merges a peer's presence message and notifies subscribers.
func (d *Document) ApplyPresence(msg []byte) error {
	var wp wirePresence
	if err := cbor.Unmarshal(msg, &wp); err != nil {
		return pkgerrors.NewValidationError("malformed presence message").WithCause(err)
	}
	if wp.Session == "" {
		return pkgerrors.NewValidationError("presence message missing session")
	}

	d.mu.Lock()
	if wp.Clear {
		delete(d.presence, wp.Session)
	} else {
		d.presence[wp.Session] = append([]byte(nil), wp.Payload...)
	}
	subs := append([]presenceSub(nil), d.presSubs...)
	d.mu.Unlock()

	var payload []byte
	if !wp.Clear {
		payload = wp.Payload
	}
	for _, s := range subs {
		s.fn(wp.Session, payload)
	}
	return nil
}

// PresenceSnapshot returns a copy of every known session's presence payload.
func (d *Document) PresenceSnapshot() map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.presence))
	for k, v := range d.presence {
		out[k] = append([]byte(nil), v...)
	}
	return out
}
