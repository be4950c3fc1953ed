package writer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"canvas-backend/domain/canvas"
	"canvas-backend/domain/crdt"
	pkgerrors "canvas-backend/pkg/errors"
)

func newTestWriter(t *testing.T) (*Writer, *crdt.Document) {
	t.Helper()
	doc := crdt.NewDocument()
	return New(doc, "alice", zap.NewNop()), doc
}

func mustNode(t *testing.T, w *Writer) *canvas.Node {
	t.Helper()
	n := canvas.NewNode("alice")
	require.NoError(t, w.WriteNode(n))
	return n
}

func docNode(t *testing.T, doc *crdt.Document, id string) *canvas.Node {
	t.Helper()
	raw, ok := doc.Get(crdt.ContainerNodes, id)
	require.True(t, ok, "node %s not in document", id)
	n, err := canvas.DecodeNode(raw)
	require.NoError(t, err)
	return n
}

func docConnection(t *testing.T, doc *crdt.Document, id string) *canvas.Connection {
	t.Helper()
	raw, ok := doc.Get(crdt.ContainerConnections, id)
	require.True(t, ok, "connection %s not in document", id)
	c, err := canvas.DecodeConnection(raw)
	require.NoError(t, err)
	return c
}

func TestWriteNodeSanitizesInput(t *testing.T) {
	w, doc := newTestWriter(t)

	n := canvas.NewNode("alice")
	n.Metadata["type"] = "sticky"
	require.NoError(t, w.WriteNode(n))

	// Mutating the caller's value after the write must not affect the
	// document: the boundary deep-cloned it.
	n.Metadata["type"] = "corrupted"
	n.Position.X = 1e9

	stored := docNode(t, doc, n.ID)
	assert.Equal(t, "sticky", stored.Metadata["type"])
	assert.Zero(t, stored.Position.X)
	assert.Equal(t, "alice", stored.Audit.UpdatedBy)
	assert.NotZero(t, stored.Audit.UpdatedAt)
}

func TestWriteNodeRejectsInvalid(t *testing.T) {
	w, doc := newTestWriter(t)

	err := w.WriteNode(nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	n := canvas.NewNode("alice")
	n.Size.Width = 10
	err = w.WriteNode(n)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Zero(t, doc.Len(crdt.ContainerNodes), "rejected write must not touch the document")
}

func TestWriteNodesSingleEvent(t *testing.T) {
	w, doc := newTestWriter(t)

	var events int
	doc.OnUpdate(func(crdt.UpdateEvent) { events++ })

	nodes := []*canvas.Node{canvas.NewNode("alice"), canvas.NewNode("alice"), canvas.NewNode("alice")}
	require.NoError(t, w.WriteNodes(nodes))

	assert.Equal(t, 1, events, "batch write must emit one event")
	assert.Equal(t, 3, doc.Len(crdt.ContainerNodes))
}

func TestDeleteNodeCascadesConnections(t *testing.T) {
	w, doc := newTestWriter(t)

	n1 := mustNode(t, w)
	n2 := mustNode(t, w)
	n3 := mustNode(t, w)

	inbound := canvas.NewConnection("alice", n2.ID, n1.ID)
	outbound := canvas.NewConnection("alice", n1.ID, n3.ID)
	unrelated := canvas.NewConnection("alice", n2.ID, n3.ID)
	require.NoError(t, w.WriteConnections([]*canvas.Connection{inbound, outbound, unrelated}))

	var events int
	doc.OnUpdate(func(crdt.UpdateEvent) { events++ })
	require.NoError(t, w.DeleteNode(n1.ID))

	assert.Equal(t, 1, events, "delete and cascade must be one transaction")
	assert.True(t, docNode(t, doc, n1.ID).Deleted)
	assert.NotZero(t, docNode(t, doc, n1.ID).DeletedAt)
	assert.True(t, docConnection(t, doc, inbound.ID).Deleted)
	assert.True(t, docConnection(t, doc, outbound.ID).Deleted)
	assert.False(t, docConnection(t, doc, unrelated.ID).Deleted)
}

func TestDeleteNodeNotFound(t *testing.T) {
	w, _ := newTestWriter(t)
	err := w.DeleteNode("missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsNotFound(err))
}

func TestWriteConnectionRejectsSelfLoop(t *testing.T) {
	w, doc := newTestWriter(t)
	n := mustNode(t, w)

	c := canvas.NewConnection("alice", n.ID, n.ID)
	err := w.WriteConnection(c)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
	assert.Zero(t, doc.Len(crdt.ContainerConnections))
}

func TestWriteConnectionRejectsMissingEndpoint(t *testing.T) {
	w, _ := newTestWriter(t)
	n := mustNode(t, w)

	c := canvas.NewConnection("alice", n.ID, "ghost")
	err := w.WriteConnection(c)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestWriteConnectionRejectsDeletedEndpoint(t *testing.T) {
	w, _ := newTestWriter(t)
	n1 := mustNode(t, w)
	n2 := mustNode(t, w)
	require.NoError(t, w.DeleteNode(n2.ID))

	c := canvas.NewConnection("alice", n1.ID, n2.ID)
	err := w.WriteConnection(c)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestUpdateExistingConnectionSkipsEndpointCheck(t *testing.T) {
	w, doc := newTestWriter(t)
	n1 := mustNode(t, w)
	n2 := mustNode(t, w)

	c := canvas.NewConnection("alice", n1.ID, n2.ID)
	require.NoError(t, w.WriteConnection(c))

	// Soft-delete an endpoint, then relabel the existing connection.
	require.NoError(t, w.DeleteNode(n2.ID))
	c.Label = "renamed"
	require.NoError(t, w.WriteConnection(c))
	assert.Equal(t, "renamed", docConnection(t, doc, c.ID).Label)
}

func TestViewportBounds(t *testing.T) {
	w, _ := newTestWriter(t)

	require.NoError(t, w.WriteViewport(0, 0, 1.0))
	require.NoError(t, w.WriteViewport(10, -5, 5.0))

	err := w.WriteViewport(0, 0, 6.0)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	err = w.WriteViewport(0, 0, 0.05)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	vp := w.Viewport()
	assert.Equal(t, 5.0, vp.Scale, "rejected writes must leave the viewport untouched")
}

func TestPanViewport(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteViewport(10, 20, 2.0))
	require.NoError(t, w.PanViewport(-5, 15))

	vp := w.Viewport()
	assert.Equal(t, 5.0, vp.OffsetX)
	assert.Equal(t, 35.0, vp.OffsetY)
	assert.Equal(t, 2.0, vp.Scale)
}

func TestZoomViewportClampsAtRails(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteViewport(0, 0, 4.0))

	require.NoError(t, w.ZoomViewport(10, canvas.Position{}))
	assert.Equal(t, canvas.MaxScale, w.Viewport().Scale)

	require.NoError(t, w.ZoomViewport(0.001, canvas.Position{}))
	assert.Equal(t, canvas.MinScale, w.Viewport().Scale)

	err := w.ZoomViewport(-1, canvas.Position{})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestZoomViewportKeepsAnchorFixed(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteViewport(0, 0, 1.0))

	anchor := canvas.Position{X: 100, Y: 50}
	require.NoError(t, w.ZoomViewport(2.0, anchor))

	vp := w.Viewport()
	assert.Equal(t, 2.0, vp.Scale)
	// The world point under the anchor must not move:
	// (anchor - offset) / scale is invariant.
	assert.InDelta(t, 100.0, (anchor.X-vp.OffsetX)/vp.Scale, 1e-9)
	assert.InDelta(t, 50.0, (anchor.Y-vp.OffsetY)/vp.Scale, 1e-9)
}

func TestResetViewport(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteViewport(10, 20, 3.0))
	require.NoError(t, w.ResetViewport())
	assert.Equal(t, canvas.DefaultViewport(), w.Viewport())
}

func TestSessionViewportIndependentOfShared(t *testing.T) {
	w, _ := newTestWriter(t)
	require.NoError(t, w.WriteViewport(1, 2, 2.0))

	_, ok := w.SessionViewport("session-1")
	assert.False(t, ok)

	personal := canvas.Viewport{OffsetX: 100, OffsetY: 200, Scale: 0.5}
	require.NoError(t, w.SaveSessionViewport("session-1", personal))

	got, ok := w.SessionViewport("session-1")
	require.True(t, ok)
	assert.Equal(t, personal, got)
	assert.Equal(t, 2.0, w.Viewport().Scale, "shared view must be untouched")

	err := w.SaveSessionViewport("session-1", canvas.Viewport{Scale: 9})
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestSeedBatchSingleEvent(t *testing.T) {
	w, doc := newTestWriter(t)

	n1 := canvas.NewNode("seed")
	n2 := canvas.NewNode("seed")
	conn := canvas.NewConnection("seed", n1.ID, n2.ID)
	vp := &canvas.Viewport{OffsetX: 5, OffsetY: 5, Scale: 1.5}

	var events int
	doc.OnUpdate(func(crdt.UpdateEvent) { events++ })
	require.NoError(t, w.SeedBatch([]*canvas.Node{n1, n2}, []*canvas.Connection{conn}, vp))

	assert.Equal(t, 1, events)
	assert.Equal(t, 2, doc.Len(crdt.ContainerNodes))
	assert.Equal(t, 1, doc.Len(crdt.ContainerConnections))
	assert.Equal(t, 1.5, ReadViewport(doc, "").Scale)
}

func TestOriginTagsEvents(t *testing.T) {
	w, doc := newTestWriter(t)

	var origin interface{}
	doc.OnUpdate(func(evt crdt.UpdateEvent) { origin = evt.Origin })
	mustNode(t, w)

	assert.Equal(t, w.Origin(), origin)
}
