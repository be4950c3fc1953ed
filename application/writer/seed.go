package writer

import (
	"canvas-backend/domain/canvas"
	"canvas-backend/domain/crdt"
)

// SeedBatch writes a server payload's nodes, connections, and viewport in
// one transaction, so a freshly opened document is populated under a single
// change event. Nodes are staged before connections, letting the
// referential check see them.
func (w *Writer) SeedBatch(nodes []*canvas.Node, conns []*canvas.Connection, vp *canvas.Viewport) error {
	sanitizedNodes := make([]*canvas.Node, 0, len(nodes))
	for _, n := range nodes {
		sn, err := w.sanitizeNode(n)
		if err != nil {
			return err
		}
		sanitizedNodes = append(sanitizedNodes, sn)
	}
	sanitizedConns := make([]*canvas.Connection, 0, len(conns))
	for _, c := range conns {
		sc, err := w.sanitizeConnection(c)
		if err != nil {
			return err
		}
		sanitizedConns = append(sanitizedConns, sc)
	}
	if vp != nil {
		if err := vp.Validate(); err != nil {
			return err
		}
	}

	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		for _, sn := range sanitizedNodes {
			if err := putNode(t, sn); err != nil {
				return err
			}
		}
		for _, sc := range sanitizedConns {
			if err := checkEndpoints(t, sc); err != nil {
				return err
			}
			if err := putConnection(t, sc); err != nil {
				return err
			}
		}
		if vp != nil {
			for key, val := range map[string]float64{
				KeyOffsetX: vp.OffsetX,
				KeyOffsetY: vp.OffsetY,
				KeyScale:   vp.Scale,
			} {
				b, err := canvas.EncodeScalar(val)
				if err != nil {
					return err
				}
				if err := t.Set(crdt.ContainerViewport, key, b); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
