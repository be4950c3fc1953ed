package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvas-backend/domain/crdt"
	"canvas-backend/infrastructure/snapshots"
	pkgerrors "canvas-backend/pkg/errors"
)

// Room holds the authoritative in-memory document for one workspace and
// the set of sockets connected to it. A room exists from first connect
// until the grace period after last disconnect has elapsed.
type Room struct {
	ID  string
	Doc *crdt.Document

	mu       sync.Mutex
	sessions map[*session]bool
	dirty    bool

	store  snapshots.Store
	logger *zap.Logger
}

func newRoom(id string, doc *crdt.Document, store snapshots.Store, logger *zap.Logger) *Room {
	return &Room{
		ID:       id,
		Doc:      doc,
		sessions: make(map[*session]bool),
		store:    store,
		logger:   logger.With(zap.String("workspaceID", id)),
	}
}

func (r *Room) attach(s *session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = true
	return len(r.sessions)
}

func (r *Room) detach(s *session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s] {
		delete(r.sessions, s)
		close(s.send)
	}
	return len(r.sessions)
}

// ApplyUpdate merges a client's update into the room document and
// rebroadcasts the raw frame to every other socket. Malformed updates are
// dropped without touching the room.
func (r *Room) ApplyUpdate(sender *session, update []byte, rawFrame []byte) error {
	if err := r.Doc.ApplyUpdate(update, sender); err != nil {
		return err
	}
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
	updatesRelayed.Inc()
	r.broadcast(sender, rawFrame)
	return nil
}

// BroadcastPresence relays an ephemeral presence frame to every other
// socket. Presence never marks the room dirty; it is not persisted.
func (r *Room) BroadcastPresence(sender *session, rawFrame []byte) {
	presenceRelayed.Inc()
	r.broadcast(sender, rawFrame)
}

// broadcast queues a frame on every session except the sender. Sessions
// with a full send buffer are evicted rather than allowed to stall the
// room.
func (r *Room) broadcast(sender *session, frame []byte) {
	// Sends are non-blocking and happen under the lock, so a concurrent
	// detach cannot close a channel mid-send.
	r.mu.Lock()
	var slow []*session
	for s := range r.sessions {
		if s == sender {
			continue
		}
		select {
		case s.send <- frame:
		default:
			slow = append(slow, s)
		}
	}
	r.mu.Unlock()

	for _, s := range slow {
		r.logger.Warn("Closing slow client", zap.String("sessionID", s.id))
		go s.close()
	}
}

// Snapshot persists the room's current state if it changed since the last
// save. Failures leave the room dirty so the next tick retries.
func (r *Room) Snapshot(ctx context.Context) error {
	r.mu.Lock()
	dirty := r.dirty
	r.dirty = false
	r.mu.Unlock()
	if !dirty {
		return nil
	}

	blob, err := r.Doc.EncodeState()
	if err == nil {
		err = r.store.Save(ctx, r.ID, blob)
	}
	if err != nil {
		r.mu.Lock()
		r.dirty = true
		r.mu.Unlock()
		if pkgerrors.IsUnavailable(err) {
			r.logger.Warn("Snapshot store unavailable, will retry", zap.Error(err))
		} else {
			r.logger.Error("Snapshot save failed, will retry", zap.Error(err))
		}
		return err
	}
	r.logger.Debug("Snapshot saved", zap.Int("bytes", len(blob)))
	return nil
}

// MarkDirty forces the next snapshot tick to persist, used on seed.
func (r *Room) MarkDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}

func (r *Room) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) == 0
}

func (r *Room) closeAll() {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

// connWriteWait bounds a single socket write.
const connWriteWait = 10 * time.Second
