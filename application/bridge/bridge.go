// Package bridge mirrors the shared document into a local reactive cache
// and routes imperative consumer operations through the safe writer.
//
// Two operating modes exist. Document-first is the target design: consumer
// actions write to the document only, and the single document subscriber is
// the sole writer of the cache, reading every value back out of the
// document after the write resolves. Legacy mode dual-writes the cache and
// the document from the action path and skips re-applying its own events;
// it is kept for backward compatibility and is known to race.
package bridge

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"canvas-backend/application/writer"
	"canvas-backend/domain/canvas"
	"canvas-backend/domain/crdt"
)

// Mode selects the synchronization policy between document and cache.
type Mode string

const (
	ModeDocumentFirst Mode = "document-first"
	ModeLegacy        Mode = "legacy"
)

// Bridge binds a document, a safe writer, and the local cache.
type Bridge struct {
	doc    *crdt.Document
	writer *writer.Writer
	cache  *Cache
	logger *zap.Logger
	unsub  func()

	modeMu sync.RWMutex
	mode   Mode
}

// New creates a bridge and subscribes it to document changes. A nil
// document yields a detached bridge: cache-only, degraded single-user
// operation (the document model failed to initialize).
func New(doc *crdt.Document, w *writer.Writer, mode Mode, logger *zap.Logger) *Bridge {
	b := &Bridge{
		doc:    doc,
		writer: w,
		cache:  NewCache(),
		mode:   mode,
		logger: logger,
	}
	if doc != nil {
		b.unsub = doc.OnUpdate(b.onUpdate)
	}
	return b
}

// Cache returns the local mirror for synchronous reads.
func (b *Bridge) Cache() *Cache { return b.cache }

// Mode returns the active synchronization policy.
func (b *Bridge) Mode() Mode {
	b.modeMu.RLock()
	defer b.modeMu.RUnlock()
	return b.mode
}

// SetMode switches the synchronization policy at runtime, driven by the
// documentFirst feature flag.
func (b *Bridge) SetMode(m Mode) {
	b.modeMu.Lock()
	changed := b.mode != m
	b.mode = m
	b.modeMu.Unlock()
	if changed {
		b.logger.Info("Bridge mode changed", zap.String("mode", string(m)))
	}
}

// Writer returns the safe writer behind this bridge.
func (b *Bridge) Writer() *writer.Writer { return b.writer }

// Detached reports whether the bridge runs without a document.
func (b *Bridge) Detached() bool { return b.doc == nil }

// Close unsubscribes from the document.
func (b *Bridge) Close() {
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}

// onUpdate is the document-change subscriber. In document-first mode it is
// the only code path allowed to mutate the cache, and it always reads the
// authoritative value back out of the document. In legacy mode it skips
// events this bridge's own writer produced (origin tag), since the action
// path already wrote the cache.
func (b *Bridge) onUpdate(evt crdt.UpdateEvent) {
	if b.Mode() == ModeLegacy && evt.Origin == b.writer.Origin() {
		return
	}

	var (
		change CacheChange
		nodes  []*canvas.Node
		conns  []*canvas.Connection
		vp     *canvas.Viewport
	)
	for _, ref := range evt.Changed {
		switch ref.Container {
		case crdt.ContainerNodes:
			raw, ok := b.doc.Get(crdt.ContainerNodes, ref.Key)
			if !ok {
				continue
			}
			n, err := canvas.DecodeNode(raw)
			if err != nil {
				b.logger.Warn("Skipping undecodable node", zap.String("key", ref.Key), zap.Error(err))
				continue
			}
			nodes = append(nodes, n)
			change.Nodes = append(change.Nodes, ref.Key)
		case crdt.ContainerConnections:
			raw, ok := b.doc.Get(crdt.ContainerConnections, ref.Key)
			if !ok {
				continue
			}
			c, err := canvas.DecodeConnection(raw)
			if err != nil {
				b.logger.Warn("Skipping undecodable connection", zap.String("key", ref.Key), zap.Error(err))
				continue
			}
			conns = append(conns, c)
			change.Connections = append(change.Connections, ref.Key)
		case crdt.ContainerViewport:
			// The cache mirrors the shared view only; per-session
			// restore records stay in the document.
			if strings.Contains(ref.Key, "/") {
				continue
			}
			if vp == nil {
				shared := writer.ReadViewport(b.doc, "")
				vp = &shared
				change.Viewport = true
			}
		}
	}
	b.cache.apply(change, nodes, conns, vp)
}

// UpsertNode writes a node through the safe writer. Legacy mode also
// updates the cache from the action path (the dual-write this design
// retires); errors are returned to the caller, never swallowed.
func (b *Bridge) UpsertNode(n *canvas.Node) error {
	if b.doc == nil {
		b.cache.apply(CacheChange{Nodes: []string{n.ID}}, []*canvas.Node{n}, nil, nil)
		return nil
	}
	if b.Mode() == ModeLegacy {
		b.cache.apply(CacheChange{Nodes: []string{n.ID}}, []*canvas.Node{n}, nil, nil)
	}
	return b.writer.WriteNode(n)
}

// UpsertConnection writes a connection through the safe writer.
func (b *Bridge) UpsertConnection(c *canvas.Connection) error {
	if b.doc == nil {
		b.cache.apply(CacheChange{Connections: []string{c.ID}}, nil, []*canvas.Connection{c}, nil)
		return nil
	}
	if b.Mode() == ModeLegacy {
		b.cache.apply(CacheChange{Connections: []string{c.ID}}, nil, []*canvas.Connection{c}, nil)
	}
	return b.writer.WriteConnection(c)
}

// RemoveNode soft-deletes a node (and, through the writer, every
// connection referencing it).
func (b *Bridge) RemoveNode(id string) error {
	if b.doc == nil {
		b.removeNodeFromCache(id)
		return nil
	}
	if b.Mode() == ModeLegacy {
		b.removeNodeFromCache(id)
	}
	return b.writer.DeleteNode(id)
}

// RemoveConnection soft-deletes a connection.
func (b *Bridge) RemoveConnection(id string) error {
	if b.doc == nil || b.Mode() == ModeLegacy {
		if conn, ok := b.cache.Connection(id); ok {
			conn.Deleted = true
			b.cache.apply(CacheChange{Connections: []string{id}}, nil, []*canvas.Connection{&conn}, nil)
		}
		if b.doc == nil {
			return nil
		}
	}
	return b.writer.DeleteConnection(id)
}

// SetViewport writes the shared viewport through the safe writer.
func (b *Bridge) SetViewport(x, y, scale float64) error {
	if b.doc == nil {
		vp := canvas.Viewport{OffsetX: x, OffsetY: y, Scale: scale}
		if err := vp.Validate(); err != nil {
			return err
		}
		b.cache.apply(CacheChange{Viewport: true}, nil, nil, &vp)
		return nil
	}
	if b.Mode() == ModeLegacy {
		vp := canvas.Viewport{OffsetX: x, OffsetY: y, Scale: scale}
		if err := vp.Validate(); err != nil {
			return err
		}
		b.cache.apply(CacheChange{Viewport: true}, nil, nil, &vp)
	}
	return b.writer.WriteViewport(x, y, scale)
}

// PanViewport routes a pan gesture through the safe writer.
func (b *Bridge) PanViewport(dx, dy float64) error {
	if b.doc == nil {
		vp, _ := b.cache.Viewport()
		vp.OffsetX += dx
		vp.OffsetY += dy
		b.cache.apply(CacheChange{Viewport: true}, nil, nil, &vp)
		return nil
	}
	return b.writer.PanViewport(dx, dy)
}

// ZoomViewport routes a zoom gesture through the safe writer.
func (b *Bridge) ZoomViewport(factor float64, anchor canvas.Position) error {
	if b.doc == nil {
		vp, _ := b.cache.Viewport()
		vp.Scale = canvas.ClampScale(vp.Scale * factor)
		b.cache.apply(CacheChange{Viewport: true}, nil, nil, &vp)
		return nil
	}
	return b.writer.ZoomViewport(factor, anchor)
}

// ResetViewport restores the shared viewport.
func (b *Bridge) ResetViewport() error {
	if b.doc == nil {
		vp := canvas.DefaultViewport()
		b.cache.apply(CacheChange{Viewport: true}, nil, nil, &vp)
		return nil
	}
	return b.writer.ResetViewport()
}

func (b *Bridge) removeNodeFromCache(id string) {
	change := CacheChange{}
	var nodes []*canvas.Node
	var conns []*canvas.Connection
	if n, ok := b.cache.Node(id); ok {
		n.Deleted = true
		nodes = append(nodes, &n)
		change.Nodes = append(change.Nodes, id)
	}
	for cid, conn := range b.cache.Connections() {
		if conn.Deleted || (conn.Source.NodeID != id && conn.Target.NodeID != id) {
			continue
		}
		c := conn
		c.Deleted = true
		conns = append(conns, &c)
		change.Connections = append(change.Connections, cid)
	}
	b.cache.apply(change, nodes, conns, nil)
}
