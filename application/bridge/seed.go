package bridge

import (
	"go.uber.org/zap"

	"canvas-backend/application/writer"
	"canvas-backend/domain/canvas"
	"canvas-backend/domain/crdt"
)

// SeedPayload is a server-provided snapshot of a workspace, offered to a
// freshly opened session.
type SeedPayload struct {
	Nodes       []*canvas.Node       `json:"nodes"`
	Connections []*canvas.Connection `json:"connections"`
	Viewport    *canvas.Viewport     `json:"viewport,omitempty"`
}

// Empty reports whether the payload carries no content at all.
func (p *SeedPayload) Empty() bool {
	return p == nil || (len(p.Nodes) == 0 && len(p.Connections) == 0 && p.Viewport == nil)
}

// Seed runs the once-per-session-open loading algorithm.
//
// Precedence: existing document content (for example state restored from
// local persistence, which may hold unsynced local edits) always wins over
// the server payload; the only thing backfilled in that case is the shared
// viewport, and only when its scale is still at the default or unset. An
// empty document is batch-seeded from the payload in one transaction. With
// no document at all the payload is loaded straight into the cache —
// degraded single-user operation with no document semantics.
func (b *Bridge) Seed(payload *SeedPayload) error {
	if b.doc == nil {
		b.seedCacheOnly(payload)
		return nil
	}

	hasContent := b.doc.Len(crdt.ContainerNodes) > 0 || b.doc.Len(crdt.ContainerConnections) > 0
	switch {
	case hasContent:
		// Possibly-unsynced local edits; never overwritten by a
		// server payload.
		if payload != nil && payload.Viewport != nil {
			cur := writer.ReadViewport(b.doc, "")
			if !writer.HasSharedViewport(b.doc) || cur.Scale == canvas.DefaultScale {
				vp := *payload.Viewport
				if err := b.writer.WriteViewport(vp.OffsetX, vp.OffsetY, vp.Scale); err != nil {
					b.logger.Warn("Viewport backfill rejected", zap.Error(err))
				}
			}
		}
	case !payload.Empty():
		if err := b.writer.SeedBatch(payload.Nodes, payload.Connections, payload.Viewport); err != nil {
			return err
		}
	default:
		// Both empty: the canvas starts blank.
	}

	b.mirrorFromDocument()
	return nil
}

// mirrorFromDocument refreshes the whole cache from the authoritative
// document state. Used after seeding, since the document may have been
// populated (by local persistence) before this bridge subscribed.
func (b *Bridge) mirrorFromDocument() {
	var (
		change CacheChange
		nodes  []*canvas.Node
		conns  []*canvas.Connection
	)
	for key, raw := range b.doc.Entries(crdt.ContainerNodes) {
		n, err := canvas.DecodeNode(raw)
		if err != nil {
			b.logger.Warn("Skipping undecodable node", zap.String("key", key), zap.Error(err))
			continue
		}
		nodes = append(nodes, n)
		change.Nodes = append(change.Nodes, key)
	}
	for key, raw := range b.doc.Entries(crdt.ContainerConnections) {
		c, err := canvas.DecodeConnection(raw)
		if err != nil {
			b.logger.Warn("Skipping undecodable connection", zap.String("key", key), zap.Error(err))
			continue
		}
		conns = append(conns, c)
		change.Connections = append(change.Connections, key)
	}
	var vp *canvas.Viewport
	if writer.HasSharedViewport(b.doc) {
		shared := writer.ReadViewport(b.doc, "")
		vp = &shared
		change.Viewport = true
	}
	b.cache.apply(change, nodes, conns, vp)
}

func (b *Bridge) seedCacheOnly(payload *SeedPayload) {
	if payload.Empty() {
		return
	}
	var change CacheChange
	for _, n := range payload.Nodes {
		change.Nodes = append(change.Nodes, n.ID)
	}
	for _, c := range payload.Connections {
		change.Connections = append(change.Connections, c.ID)
	}
	if payload.Viewport != nil {
		change.Viewport = true
	}
	b.logger.Warn("Document unavailable, loading server payload into cache only")
	b.cache.apply(change, payload.Nodes, payload.Connections, payload.Viewport)
}
