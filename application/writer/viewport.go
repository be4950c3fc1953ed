package writer

import (
	"math"

	"canvas-backend/domain/canvas"
	"canvas-backend/domain/crdt"
	pkgerrors "canvas-backend/pkg/errors"
)

// WriteViewport replaces the shared viewport. Out-of-bounds scale is
// refused, not clamped: a direct write with a bad scale is a caller bug.
func (w *Writer) WriteViewport(x, y, scale float64) error {
	vp := canvas.Viewport{OffsetX: x, OffsetY: y, Scale: scale}
	if err := vp.Validate(); err != nil {
		return err
	}
	return w.writeViewport("", vp)
}

// PanViewport shifts the shared viewport by a delta, keeping the scale.
func (w *Writer) PanViewport(dx, dy float64) error {
	if math.IsNaN(dx) || math.IsNaN(dy) || math.IsInf(dx, 0) || math.IsInf(dy, 0) {
		return pkgerrors.NewValidationError("pan delta must be finite")
	}
	cur := w.Viewport()
	return w.writeViewport("", canvas.Viewport{
		OffsetX: cur.OffsetX + dx,
		OffsetY: cur.OffsetY + dy,
		Scale:   cur.Scale,
	})
}

// ZoomViewport multiplies the scale by factor, clamped to the allowed
// range, keeping the given screen anchor point fixed. Clamping (rather than
// refusing) matches interactive zoom gestures hitting the rail.
func (w *Writer) ZoomViewport(factor float64, anchor canvas.Position) error {
	if math.IsNaN(factor) || math.IsInf(factor, 0) || factor <= 0 {
		return pkgerrors.NewValidationError("zoom factor must be a positive finite number")
	}
	cur := w.Viewport()
	next := canvas.ClampScale(cur.Scale * factor)
	ratio := next / cur.Scale
	return w.writeViewport("", canvas.Viewport{
		OffsetX: anchor.X - (anchor.X-cur.OffsetX)*ratio,
		OffsetY: anchor.Y - (anchor.Y-cur.OffsetY)*ratio,
		Scale:   next,
	})
}

// ResetViewport restores the shared viewport to the origin at 1:1.
func (w *Writer) ResetViewport() error {
	return w.writeViewport("", canvas.DefaultViewport())
}

// Viewport reads the current shared viewport, defaulting unset scalars.
func (w *Writer) Viewport() canvas.Viewport {
	return ReadViewport(w.doc, "")
}

// SaveSessionViewport persists a per-session viewport record for personal
// pan/zoom restore, alongside the shared view.
func (w *Writer) SaveSessionViewport(sessionID string, vp canvas.Viewport) error {
	if sessionID == "" {
		return pkgerrors.NewValidationError("session id is required")
	}
	if err := vp.Validate(); err != nil {
		return err
	}
	return w.writeViewport(sessionID, vp)
}

// SessionViewport loads a per-session viewport record, if one was saved.
func (w *Writer) SessionViewport(sessionID string) (canvas.Viewport, bool) {
	if _, ok := w.doc.Get(crdt.ContainerViewport, viewportKey(sessionID, KeyScale)); !ok {
		return canvas.DefaultViewport(), false
	}
	return ReadViewport(w.doc, sessionID), true
}

func (w *Writer) writeViewport(sessionID string, vp canvas.Viewport) error {
	return w.doc.Transact(w.origin, func(t *crdt.Txn) error {
		for key, val := range map[string]float64{
			KeyOffsetX: vp.OffsetX,
			KeyOffsetY: vp.OffsetY,
			KeyScale:   vp.Scale,
		} {
			b, err := canvas.EncodeScalar(val)
			if err != nil {
				return err
			}
			if err := t.Set(crdt.ContainerViewport, viewportKey(sessionID, key), b); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReadViewport decodes a viewport from the document's scalar container.
// sessionID "" selects the shared view. Unset or undecodable scalars fall
// back to the defaults.
func ReadViewport(doc *crdt.Document, sessionID string) canvas.Viewport {
	vp := canvas.DefaultViewport()
	if raw, ok := doc.Get(crdt.ContainerViewport, viewportKey(sessionID, KeyOffsetX)); ok {
		if f, err := canvas.DecodeScalar(raw); err == nil {
			vp.OffsetX = f
		}
	}
	if raw, ok := doc.Get(crdt.ContainerViewport, viewportKey(sessionID, KeyOffsetY)); ok {
		if f, err := canvas.DecodeScalar(raw); err == nil {
			vp.OffsetY = f
		}
	}
	if raw, ok := doc.Get(crdt.ContainerViewport, viewportKey(sessionID, KeyScale)); ok {
		if f, err := canvas.DecodeScalar(raw); err == nil {
			vp.Scale = f
		}
	}
	return vp
}

// HasSharedViewport reports whether the shared scale has ever been written.
func HasSharedViewport(doc *crdt.Document) bool {
	_, ok := doc.Get(crdt.ContainerViewport, KeyScale)
	return ok
}

func viewportKey(sessionID, key string) string {
	if sessionID == "" {
		return key
	}
	return sessionID + "/" + key
}
