package bridge

import (
	"sync"

	"canvas-backend/domain/canvas"
)

// CacheChange summarizes one batch of cache mutations for consumers.
type CacheChange struct {
	Nodes       []string
	Connections []string
	Viewport    bool
}

type cacheListener struct {
	id uint64
	fn func(CacheChange)
}

// Cache is the local read-mostly mirror of the document, kept for
// consumers that need synchronous, render-friendly reads. In
// document-first mode the bridge's document subscriber is its sole writer.
type Cache struct {
	mu          sync.RWMutex
	nodes       map[string]*canvas.Node
	conns       map[string]*canvas.Connection
	viewport    canvas.Viewport
	hasViewport bool

	listeners []cacheListener
	nextID    uint64
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		nodes: make(map[string]*canvas.Node),
		conns: make(map[string]*canvas.Connection),
	}
}

// Node returns a copy of one cached node.
func (c *Cache) Node(id string) (canvas.Node, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[id]
	if !ok {
		return canvas.Node{}, false
	}
	return *n.Clone(), true
}

// Nodes returns copies of every cached node, deleted ones included.
func (c *Cache) Nodes() map[string]canvas.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]canvas.Node, len(c.nodes))
	for id, n := range c.nodes {
		out[id] = *n.Clone()
	}
	return out
}

// LiveNodes returns copies of the non-deleted nodes.
func (c *Cache) LiveNodes() []canvas.Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]canvas.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if !n.Deleted {
			out = append(out, *n.Clone())
		}
	}
	return out
}

// Connection returns a copy of one cached connection.
func (c *Cache) Connection(id string) (canvas.Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[id]
	if !ok {
		return canvas.Connection{}, false
	}
	return *conn.Clone(), true
}

// Connections returns copies of every cached connection.
func (c *Cache) Connections() map[string]canvas.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]canvas.Connection, len(c.conns))
	for id, conn := range c.conns {
		out[id] = *conn.Clone()
	}
	return out
}

// LiveConnections returns copies of the non-deleted connections.
func (c *Cache) LiveConnections() []canvas.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]canvas.Connection, 0, len(c.conns))
	for _, conn := range c.conns {
		if !conn.Deleted {
			out = append(out, *conn.Clone())
		}
	}
	return out
}

// Viewport returns the cached shared viewport; ok is false if it has never
// been set.
func (c *Cache) Viewport() (canvas.Viewport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.viewport, c.hasViewport
}

// OnChange registers a consumer change listener; returns an unsubscribe.
func (c *Cache) OnChange(fn func(CacheChange)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners = append(c.listeners, cacheListener{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, l := range c.listeners {
			if l.id == id {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

// apply mutates the cache under one lock and notifies listeners once.
// Values are cloned on the way in; the cache owns its copies.
func (c *Cache) apply(change CacheChange, nodes []*canvas.Node, conns []*canvas.Connection, vp *canvas.Viewport) {
	c.mu.Lock()
	for _, n := range nodes {
		c.nodes[n.ID] = n.Clone()
	}
	for _, conn := range conns {
		c.conns[conn.ID] = conn.Clone()
	}
	if vp != nil {
		c.viewport = *vp
		c.hasViewport = true
	}
	listeners := append([]cacheListener(nil), c.listeners...)
	c.mu.Unlock()

	if len(change.Nodes) == 0 && len(change.Connections) == 0 && !change.Viewport {
		return
	}
	for _, l := range listeners {
		l.fn(change)
	}
}
