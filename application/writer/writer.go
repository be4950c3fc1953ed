// Package writer is the sanitizing write façade in front of the shared
// document. Every value is deep-cloned into an independently-owned copy and
// validated before any container write, so nothing a caller retains can
// invalidate document state after its own transaction ends.
package writer

import (
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"canvas-backend/domain/canvas"
	"canvas-backend/domain/crdt"
	pkgerrors "canvas-backend/pkg/errors"
)

// Viewport scalar keys. Shared view lives under the bare keys; per-session
// restore records live under "<sessionID>/<key>".
const (
	KeyOffsetX = "offsetX"
	KeyOffsetY = "offsetY"
	KeyScale   = "scale"
)

// Origin tags update events produced through one writer so a subscriber
// can tell its own writes from remote ones. Compared by pointer identity.
type Origin struct {
	actor string
}

// Writer is the safe write boundary. One writer per open session.
type Writer struct {
	doc      *crdt.Document
	validate *validator.Validate
	logger   *zap.Logger
	actor    string
	origin   *Origin
}

// New creates a writer acting on behalf of actor (used for audit fields).
func New(doc *crdt.Document, actor string, logger *zap.Logger) *Writer {
	return &Writer{
		doc:      doc,
		validate: validator.New(),
		logger:   logger,
		actor:    actor,
		origin:   &Origin{actor: actor},
	}
}

// Origin returns the tag attached to this writer's update events.
func (w *Writer) Origin() *Origin {
	return w.origin
}

// WriteNode sanitizes and upserts one node.
func (w *Writer) WriteNode(n *canvas.Node) error {
	sn, err := w.sanitizeNode(n)
	if err != nil {
		return err
	}
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		return putNode(t, sn)
	})
}

// WriteNodes sanitizes and upserts a batch of nodes in one transaction, so
// subscribers observe a single change event.
func (w *Writer) WriteNodes(nodes []*canvas.Node) error {
	sanitized := make([]*canvas.Node, 0, len(nodes))
	for _, n := range nodes {
		sn, err := w.sanitizeNode(n)
		if err != nil {
			return err
		}
		sanitized = append(sanitized, sn)
	}
	if len(sanitized) == 0 {
		return nil
	}
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		for _, sn := range sanitized {
			if err := putNode(t, sn); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteNode soft-deletes a node and cascade-soft-deletes every connection
// referencing it, all in one transaction.
func (w *Writer) DeleteNode(id string) error {
	if id == "" {
		return pkgerrors.NewValidationError("node id is required")
	}
	now := time.Now().UnixMilli()
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		raw, ok := t.Get(crdt.ContainerNodes, id)
		if !ok {
			return pkgerrors.NewNotFoundError("node " + id)
		}
		n, err := canvas.DecodeNode(raw)
		if err != nil {
			return err
		}
		if n.Deleted {
			return nil
		}
		n.Deleted = true
		n.DeletedAt = now
		n.Audit.UpdatedBy = w.actor
		n.Audit.UpdatedAt = now
		if err := putNode(t, n); err != nil {
			return err
		}

		for _, key := range t.Keys(crdt.ContainerConnections) {
			rawC, ok := t.Get(crdt.ContainerConnections, key)
			if !ok {
				continue
			}
			c, err := canvas.DecodeConnection(rawC)
			if err != nil {
				return err
			}
			if c.Deleted || (c.Source.NodeID != id && c.Target.NodeID != id) {
				continue
			}
			c.Deleted = true
			c.DeletedAt = now
			c.Audit.UpdatedBy = w.actor
			c.Audit.UpdatedAt = now
			if err := putConnection(t, c); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteConnection sanitizes and upserts one connection. On first write both
// endpoints must reference existing, non-deleted nodes.
func (w *Writer) WriteConnection(c *canvas.Connection) error {
	sc, err := w.sanitizeConnection(c)
	if err != nil {
		return err
	}
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		if err := checkEndpoints(t, sc); err != nil {
			return err
		}
		return putConnection(t, sc)
	})
}

// WriteConnections upserts a batch of connections in one transaction.
func (w *Writer) WriteConnections(conns []*canvas.Connection) error {
	sanitized := make([]*canvas.Connection, 0, len(conns))
	for _, c := range conns {
		sc, err := w.sanitizeConnection(c)
		if err != nil {
			return err
		}
		sanitized = append(sanitized, sc)
	}
	if len(sanitized) == 0 {
		return nil
	}
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		for _, sc := range sanitized {
			if err := checkEndpoints(t, sc); err != nil {
				return err
			}
			if err := putConnection(t, sc); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteConnection soft-deletes one connection.
func (w *Writer) DeleteConnection(id string) error {
	if id == "" {
		return pkgerrors.NewValidationError("connection id is required")
	}
	now := time.Now().UnixMilli()
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		raw, ok := t.Get(crdt.ContainerConnections, id)
		if !ok {
			return pkgerrors.NewNotFoundError("connection " + id)
		}
		c, err := canvas.DecodeConnection(raw)
		if err != nil {
			return err
		}
		if c.Deleted {
			return nil
		}
		c.Deleted = true
		c.DeletedAt = now
		c.Audit.UpdatedBy = w.actor
		c.Audit.UpdatedAt = now
		return putConnection(t, c)
	})
}

func (w *Writer) sanitizeNode(n *canvas.Node) (*canvas.Node, error) {
	if n == nil {
		return nil, pkgerrors.NewValidationError("node is nil")
	}
	sn := n.Clone()
	now := time.Now().UnixMilli()
	if sn.Audit.CreatedAt == 0 {
		sn.Audit.CreatedBy = w.actor
		sn.Audit.CreatedAt = now
	}
	sn.Audit.UpdatedBy = w.actor
	sn.Audit.UpdatedAt = now
	if err := w.validate.Struct(sn); err != nil {
		return nil, pkgerrors.NewValidationError("invalid node").WithCause(err)
	}
	if err := sn.Validate(); err != nil {
		return nil, err
	}
	return sn, nil
}

func (w *Writer) sanitizeConnection(c *canvas.Connection) (*canvas.Connection, error) {
	if c == nil {
		return nil, pkgerrors.NewValidationError("connection is nil")
	}
	sc := c.Clone()
	now := time.Now().UnixMilli()
	if sc.Audit.CreatedAt == 0 {
		sc.Audit.CreatedBy = w.actor
		sc.Audit.CreatedAt = now
	}
	sc.Audit.UpdatedBy = w.actor
	sc.Audit.UpdatedAt = now
	if err := w.validate.Struct(sc); err != nil {
		return nil, pkgerrors.NewValidationError("invalid connection").WithCause(err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// checkEndpoints enforces referential integrity for newly created
// connections: both nodes must exist (committed or staged earlier in the
// same transaction) and must not be soft-deleted. Updates to an existing
// connection skip the check; its endpoints are already settled.
func checkEndpoints(t *crdt.Txn, c *canvas.Connection) error {
	if _, exists := t.Get(crdt.ContainerConnections, c.ID); exists {
		return nil
	}
	for _, nodeID := range []string{c.Source.NodeID, c.Target.NodeID} {
		raw, ok := t.Get(crdt.ContainerNodes, nodeID)
		if !ok {
			return pkgerrors.NewValidationError("connection references missing node " + nodeID)
		}
		n, err := canvas.DecodeNode(raw)
		if err != nil {
			return err
		}
		if n.Deleted {
			return pkgerrors.NewValidationError("connection references deleted node " + nodeID)
		}
	}
	return nil
}

func putNode(t *crdt.Txn, n *canvas.Node) error {
	b, err := canvas.EncodeNode(n)
	if err != nil {
		return err
	}
	return t.Set(crdt.ContainerNodes, n.ID, b)
}

func putConnection(t *crdt.Txn, c *canvas.Connection) error {
	b, err := canvas.EncodeConnection(c)
	if err != nil {
		return err
	}
	return t.Set(crdt.ContainerConnections, c.ID, b)
}
