package canvas

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "canvas-backend/pkg/errors"
)

func TestNodeCloneIsIndependent(t *testing.T) {
	n := NewNode("alice")
	n.Metadata["type"] = "sticky"
	n.Metadata["tags"] = []interface{}{"a", "b"}

	clone := n.Clone()
	clone.Metadata["type"] = "frame"
	clone.Metadata["tags"].([]interface{})[0] = "changed"
	clone.Position.X = 99

	assert.Equal(t, "sticky", n.Metadata["type"])
	assert.Equal(t, "a", n.Metadata["tags"].([]interface{})[0])
	assert.Zero(t, n.Position.X)
}

func TestNodeValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Node)
		wantErr bool
	}{
		{"valid default", func(*Node) {}, false},
		{"missing id", func(n *Node) { n.ID = "" }, true},
		{"nan position", func(n *Node) { n.Position.X = math.NaN() }, true},
		{"infinite position", func(n *Node) { n.Position.Y = math.Inf(1) }, true},
		{"too narrow", func(n *Node) { n.Size.Width = 99 }, true},
		{"too short", func(n *Node) { n.Size.Height = 49 }, true},
		{"minimum size", func(n *Node) { n.Size = Size{Width: 100, Height: 50} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNode("alice")
			tt.mutate(n)
			err := n.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConnectionValidate(t *testing.T) {
	valid := NewConnection("alice", "n1", "n2")
	require.NoError(t, valid.Validate())

	selfLoop := NewConnection("alice", "n1", "n1")
	err := selfLoop.Validate()
	require.Error(t, err)
	assert.True(t, pkgerrors.IsValidation(err))

	badAnchor := NewConnection("alice", "n1", "n2")
	badAnchor.Source.Anchor = "diagonal"
	require.Error(t, badAnchor.Validate())

	badOffset := NewConnection("alice", "n1", "n2")
	badOffset.Target.Offset = 1.5
	require.Error(t, badOffset.Validate())
}

func TestViewportValidate(t *testing.T) {
	assert.NoError(t, Viewport{Scale: 1.0}.Validate())
	assert.NoError(t, Viewport{Scale: 5.0}.Validate())
	assert.NoError(t, Viewport{Scale: 0.1}.Validate())
	assert.Error(t, Viewport{Scale: 6.0}.Validate())
	assert.Error(t, Viewport{Scale: 0.05}.Validate())
	assert.Error(t, Viewport{OffsetX: math.NaN(), Scale: 1.0}.Validate())
}

func TestParseAnchor(t *testing.T) {
	for _, s := range []string{"top", "right", "bottom", "left", "center"} {
		a, err := ParseAnchor(s)
		require.NoError(t, err)
		assert.Equal(t, Anchor(s), a)
	}
	_, err := ParseAnchor("middle")
	require.Error(t, err)
}

func TestNodeCodecRoundTrip(t *testing.T) {
	n := NewNode("alice")
	n.Content = Content{Text: "# Hello", Format: "markdown"}
	n.Metadata["type"] = "card"
	n.ZIndex = 3
	n.Deleted = true
	n.DeletedAt = 1700000000000

	b, err := EncodeNode(n)
	require.NoError(t, err)
	got, err := DecodeNode(b)
	require.NoError(t, err)
	assert.Equal(t, n, got)
}

func TestDecodedMetadataStaysCloneable(t *testing.T) {
	n := NewNode("alice")
	n.Metadata["style"] = map[string]interface{}{"color": "red"}

	b, err := EncodeNode(n)
	require.NoError(t, err)
	decoded, err := DecodeNode(b)
	require.NoError(t, err)

	// Nested maps must come back string-keyed so Clone can deep-copy them.
	nested, ok := decoded.Metadata["style"].(map[string]interface{})
	require.True(t, ok, "nested metadata decoded as %T", decoded.Metadata["style"])
	assert.Equal(t, "red", nested["color"])

	clone := decoded.Clone()
	clone.Metadata["style"].(map[string]interface{})["color"] = "blue"
	assert.Equal(t, "red", decoded.Metadata["style"].(map[string]interface{})["color"])
}

func TestConnectionCodecRoundTrip(t *testing.T) {
	c := NewConnection("bob", "n1", "n2")
	c.Label = "depends on"
	c.Source.Anchor = AnchorRight
	c.Source.Offset = 0.25

	b, err := EncodeConnection(c)
	require.NoError(t, err)
	got, err := DecodeConnection(b)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestScalarCodecRoundTrip(t *testing.T) {
	b, err := EncodeScalar(2.5)
	require.NoError(t, err)
	f, err := DecodeScalar(b)
	require.NoError(t, err)
	assert.Equal(t, 2.5, f)
}
