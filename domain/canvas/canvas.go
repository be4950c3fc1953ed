// Package canvas defines the plain record types held by the shared canvas
// document: nodes, connections, the viewport, and ephemeral presence.
//
// Every value that crosses the write boundary is a self-contained copy.
// Clone methods are deep by construction so that no value handed to the
// document shares mutable state with a caller.
package canvas

import (
	"math"
	"time"

	"github.com/google/uuid"

	pkgerrors "canvas-backend/pkg/errors"
)

// Anchor is the side of a node a connection attaches to.
type Anchor string

const (
	AnchorTop    Anchor = "top"
	AnchorRight  Anchor = "right"
	AnchorBottom Anchor = "bottom"
	AnchorLeft   Anchor = "left"
	AnchorCenter Anchor = "center"
)

// ParseAnchor validates an anchor side string.
func ParseAnchor(s string) (Anchor, error) {
	switch Anchor(s) {
	case AnchorTop, AnchorRight, AnchorBottom, AnchorLeft, AnchorCenter:
		return Anchor(s), nil
	}
	return "", pkgerrors.NewValidationError("unknown anchor side: " + s)
}

// Viewport bounds and node minimums enforced at the write boundary.
const (
	MinScale      = 0.1
	MaxScale      = 5.0
	DefaultScale  = 1.0
	MinNodeWidth  = 100.0
	MinNodeHeight = 50.0
)

// Position is a point on the infinite canvas.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a node's rendered extent.
type Size struct {
	Width  float64 `json:"width" validate:"min=100"`
	Height float64 `json:"height" validate:"min=50"`
}

// Content is a node's rich-text payload plus its format marker
// (e.g. "markdown", "plain").
type Content struct {
	Text   string `json:"text"`
	Format string `json:"format"`
}

// Style holds presentation attributes shared by nodes and connections.
type Style struct {
	Color       string `json:"color,omitempty"`
	BorderColor string `json:"borderColor,omitempty"`
}

// Audit records who touched a record and when (unix milliseconds).
type Audit struct {
	CreatedBy string `json:"createdBy,omitempty"`
	CreatedAt int64  `json:"createdAt,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	UpdatedAt int64  `json:"updatedAt,omitempty"`
}

// Node is one canvas element. The metadata map carries a free-form
// key/value bag including the node-type discriminator under "type".
type Node struct {
	ID       string                 `json:"id" validate:"required"`
	Position Position               `json:"position"`
	Size     Size                   `json:"size"`
	Content  Content                `json:"content"`
	Style    Style                  `json:"style"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	ZIndex   int                    `json:"zIndex"`
	Audit    Audit                  `json:"audit"`

	// Soft delete: the record stays in the container for recovery.
	Deleted   bool  `json:"deleted,omitempty"`
	DeletedAt int64 `json:"deletedAt,omitempty"`
}

// Endpoint is one end of a connection.
type Endpoint struct {
	NodeID string  `json:"nodeId" validate:"required"`
	Anchor Anchor  `json:"anchor"`
	Offset float64 `json:"offset" validate:"min=0,max=1"`
}

// Connection links two nodes. Source and target must differ and must
// reference live nodes at creation time.
type Connection struct {
	ID        string   `json:"id" validate:"required"`
	Source    Endpoint `json:"source"`
	Target    Endpoint `json:"target"`
	Label     string   `json:"label,omitempty"`
	Style     Style    `json:"style"`
	ZIndex    int      `json:"zIndex"`
	Audit     Audit    `json:"audit"`
	Deleted   bool     `json:"deleted,omitempty"`
	DeletedAt int64    `json:"deletedAt,omitempty"`
}

// Viewport is a pan/zoom state. The shared viewport lives under fixed
// document keys; per-session copies live under session-scoped keys.
type Viewport struct {
	OffsetX float64 `json:"offsetX"`
	OffsetY float64 `json:"offsetY"`
	Scale   float64 `json:"scale"`
}

// DefaultViewport returns the origin view at 1:1 zoom.
func DefaultViewport() Viewport {
	return Viewport{OffsetX: 0, OffsetY: 0, Scale: DefaultScale}
}

// Presence is a session's ephemeral cursor/selection state. It is
// broadcast to peers but never persisted.
type Presence struct {
	SessionID string   `json:"sessionId"`
	UserID    string   `json:"userId,omitempty"`
	Cursor    Position `json:"cursor"`
	Selection []string `json:"selection,omitempty"`
	UpdatedAt int64    `json:"updatedAt"`
}

// NewNode creates a node with a fresh id and audit fields stamped for actor.
func NewNode(actor string) *Node {
	now := nowMillis()
	return &Node{
		ID:       uuid.New().String(),
		Size:     Size{Width: MinNodeWidth, Height: MinNodeHeight},
		Content:  Content{Format: "markdown"},
		Metadata: map[string]interface{}{},
		Audit:    Audit{CreatedBy: actor, CreatedAt: now, UpdatedBy: actor, UpdatedAt: now},
	}
}

// NewConnection creates a connection between two nodes with a fresh id.
func NewConnection(actor, sourceID, targetID string) *Connection {
	now := nowMillis()
	return &Connection{
		ID:     uuid.New().String(),
		Source: Endpoint{NodeID: sourceID, Anchor: AnchorCenter, Offset: 0.5},
		Target: Endpoint{NodeID: targetID, Anchor: AnchorCenter, Offset: 0.5},
		Audit:  Audit{CreatedBy: actor, CreatedAt: now, UpdatedBy: actor, UpdatedAt: now},
	}
}

// Clone returns a deep copy sharing no references with the receiver.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Metadata != nil {
		out.Metadata = cloneMetadata(n.Metadata)
	}
	return &out
}

// Clone returns a deep copy of the connection.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	out := *c
	return &out
}

// Clone returns a copy of the presence record.
func (p *Presence) Clone() *Presence {
	if p == nil {
		return nil
	}
	out := *p
	if p.Selection != nil {
		out.Selection = append([]string(nil), p.Selection...)
	}
	return &out
}

// Validate checks structural invariants on a node.
func (n *Node) Validate() error {
	if n.ID == "" {
		return pkgerrors.NewValidationError("node id is required")
	}
	if !isFinite(n.Position.X) || !isFinite(n.Position.Y) {
		return pkgerrors.NewValidationError("node position must be finite")
	}
	if n.Size.Width < MinNodeWidth {
		return pkgerrors.NewValidationError("node width below minimum")
	}
	if n.Size.Height < MinNodeHeight {
		return pkgerrors.NewValidationError("node height below minimum")
	}
	return nil
}

// Validate checks structural invariants on a connection. Referential
// checks against the node container belong to the writer.
func (c *Connection) Validate() error {
	if c.ID == "" {
		return pkgerrors.NewValidationError("connection id is required")
	}
	if c.Source.NodeID == "" || c.Target.NodeID == "" {
		return pkgerrors.NewValidationError("connection endpoints are required")
	}
	if c.Source.NodeID == c.Target.NodeID {
		return pkgerrors.NewValidationError("connection cannot reference the same node on both ends")
	}
	for _, ep := range []Endpoint{c.Source, c.Target} {
		if _, err := ParseAnchor(string(ep.Anchor)); err != nil {
			return err
		}
		if ep.Offset < 0 || ep.Offset > 1 {
			return pkgerrors.NewValidationError("anchor offset must be within [0,1]")
		}
	}
	return nil
}

// Validate checks viewport bounds.
func (v Viewport) Validate() error {
	if !isFinite(v.OffsetX) || !isFinite(v.OffsetY) || !isFinite(v.Scale) {
		return pkgerrors.NewValidationError("viewport values must be finite")
	}
	if v.Scale < MinScale || v.Scale > MaxScale {
		return pkgerrors.NewValidationError("viewport scale out of bounds")
	}
	return nil
}

// ClampScale forces a scale into the allowed range.
func ClampScale(s float64) float64 {
	return math.Min(MaxScale, math.Max(MinScale, s))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func cloneMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMetadata(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
