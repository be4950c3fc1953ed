package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func set(t *testing.T, d *Document, c Container, key, value string) {
	t.Helper()
	err := d.Transact(nil, func(txn *Txn) error {
		return txn.Set(c, key, []byte(value))
	})
	require.NoError(t, err)
}

func fullState(t *testing.T, d *Document) []byte {
	t.Helper()
	b, err := d.EncodeState()
	require.NoError(t, err)
	return b
}

func TestTransactEmitsSingleEventPerBatch(t *testing.T) {
	d := NewDocument()

	var events []UpdateEvent
	d.OnUpdate(func(evt UpdateEvent) { events = append(events, evt) })

	err := d.Transact("me", func(txn *Txn) error {
		require.NoError(t, txn.Set(ContainerNodes, "a", []byte("1")))
		require.NoError(t, txn.Set(ContainerNodes, "b", []byte("2")))
		require.NoError(t, txn.Set(ContainerConnections, "c", []byte("3")))
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 1)
	assert.Equal(t, "me", events[0].Origin)
	assert.Len(t, events[0].Changed, 3)

	got, ok := d.Get(ContainerNodes, "a")
	require.True(t, ok)
	assert.Equal(t, []byte("1"), got)
}

func TestTransactErrorAppliesNothing(t *testing.T) {
	d := NewDocument()

	var events int
	d.OnUpdate(func(UpdateEvent) { events++ })

	err := d.Transact(nil, func(txn *Txn) error {
		require.NoError(t, txn.Set(ContainerNodes, "a", []byte("1")))
		return assert.AnError
	})
	require.Error(t, err)

	assert.Zero(t, events)
	assert.Zero(t, d.Len(ContainerNodes))
}

func TestRetainedTxnHandleIsRevoked(t *testing.T) {
	d := NewDocument()

	var leaked *Txn
	require.NoError(t, d.Transact(nil, func(txn *Txn) error {
		leaked = txn
		return txn.Set(ContainerNodes, "a", []byte("1"))
	}))

	err := leaked.Set(ContainerNodes, "b", []byte("2"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STALE_REFERENCE")
	_, ok := d.Get(ContainerNodes, "b")
	assert.False(t, ok)
}

func TestConvergenceAnyDeliveryOrder(t *testing.T) {
	a := NewDocumentWithReplica(1)
	b := NewDocumentWithReplica(2)

	set(t, a, ContainerNodes, "n1", "from-a")
	set(t, b, ContainerNodes, "n2", "from-b")
	set(t, a, ContainerConnections, "c1", "conn-a")
	set(t, b, ContainerViewport, "scale", "1.5")

	stateA := fullState(t, a)
	stateB := fullState(t, b)

	// a applies b's state, b applies a's state: opposite orders.
	require.NoError(t, a.ApplyUpdate(stateB, nil))
	require.NoError(t, b.ApplyUpdate(stateA, nil))

	for _, c := range []Container{ContainerNodes, ContainerConnections, ContainerViewport} {
		assert.Equal(t, a.Entries(c), b.Entries(c), "container %s diverged", c)
	}
}

func TestIdempotentReapply(t *testing.T) {
	a := NewDocumentWithReplica(1)
	b := NewDocumentWithReplica(2)
	set(t, a, ContainerNodes, "n1", "v1")

	update := fullState(t, a)
	require.NoError(t, b.ApplyUpdate(update, nil))

	var events int
	b.OnUpdate(func(UpdateEvent) { events++ })
	before := b.Entries(ContainerNodes)

	require.NoError(t, b.ApplyUpdate(update, nil))
	assert.Zero(t, events, "re-applying a merged update must emit nothing")
	assert.Equal(t, before, b.Entries(ContainerNodes))
}

func TestLastWriterWinsHigherClock(t *testing.T) {
	a := NewDocumentWithReplica(1)
	b := NewDocumentWithReplica(2)

	// a writes first; b sees it, then overwrites at a higher clock.
	set(t, a, ContainerViewport, "scale", "2.0")
	require.NoError(t, b.ApplyUpdate(fullState(t, a), nil))
	set(t, b, ContainerViewport, "scale", "1.5")

	require.NoError(t, a.ApplyUpdate(fullState(t, b), nil))

	gotA, _ := a.Get(ContainerViewport, "scale")
	gotB, _ := b.Get(ContainerViewport, "scale")
	assert.Equal(t, []byte("1.5"), gotA, "higher counter wins")
	assert.Equal(t, gotA, gotB)
}

func TestLastWriterWinsReplicaTieBreak(t *testing.T) {
	a := NewDocumentWithReplica(1)
	b := NewDocumentWithReplica(2)

	// Fully concurrent writes: both stamped clock 1.
	set(t, a, ContainerViewport, "scale", "a-value")
	set(t, b, ContainerViewport, "scale", "b-value")

	require.NoError(t, a.ApplyUpdate(fullState(t, b), nil))
	require.NoError(t, b.ApplyUpdate(fullState(t, a), nil))

	gotA, _ := a.Get(ContainerViewport, "scale")
	gotB, _ := b.Get(ContainerViewport, "scale")
	assert.Equal(t, gotA, gotB, "tie must resolve identically on both replicas")
	assert.Equal(t, []byte("b-value"), gotA, "higher replica id wins the tie")
}

func TestConcurrentInsertsBothSurvive(t *testing.T) {
	a := NewDocumentWithReplica(1)
	b := NewDocumentWithReplica(2)

	// Two clients create nodes "A" and "B" concurrently with no prior sync.
	set(t, a, ContainerNodes, "A", "node-a")
	set(t, b, ContainerNodes, "B", "node-b")

	require.NoError(t, a.ApplyUpdate(fullState(t, b), nil))
	require.NoError(t, b.ApplyUpdate(fullState(t, a), nil))

	for _, d := range []*Document{a, b} {
		_, hasA := d.Get(ContainerNodes, "A")
		_, hasB := d.Get(ContainerNodes, "B")
		assert.True(t, hasA && hasB)
	}
}

func TestStateRoundTrip(t *testing.T) {
	a := NewDocumentWithReplica(7)
	set(t, a, ContainerNodes, "n1", "v1")
	set(t, a, ContainerNodes, "n2", "v2")
	set(t, a, ContainerConnections, "c1", "e1")
	set(t, a, ContainerViewport, "scale", "2.5")

	restored := NewDocumentWithReplica(8)
	require.NoError(t, restored.ApplyUpdate(fullState(t, a), nil))

	for _, c := range []Container{ContainerNodes, ContainerConnections, ContainerViewport} {
		assert.Equal(t, a.Entries(c), restored.Entries(c))
	}
}

func TestDiffUpdateSendsOnlyMissing(t *testing.T) {
	a := NewDocumentWithReplica(1)
	b := NewDocumentWithReplica(2)

	set(t, a, ContainerNodes, "n1", "v1")
	require.NoError(t, b.ApplyUpdate(fullState(t, a), nil))
	set(t, a, ContainerNodes, "n2", "v2")

	sv, err := b.EncodeStateVector()
	require.NoError(t, err)
	diff, err := a.DiffUpdate(sv)
	require.NoError(t, err)
	require.NotNil(t, diff)

	entries, err := decodeUpdate(diff)
	require.NoError(t, err)
	require.Len(t, entries, 1, "peer already has n1")
	assert.Equal(t, "n2", entries[0].Key)

	require.NoError(t, b.ApplyUpdate(diff, nil))
	assert.Equal(t, a.Entries(ContainerNodes), b.Entries(ContainerNodes))
}

func TestDiffUpdateNothingMissing(t *testing.T) {
	a := NewDocumentWithReplica(1)
	set(t, a, ContainerNodes, "n1", "v1")

	sv, err := a.EncodeStateVector()
	require.NoError(t, err)
	diff, err := a.DiffUpdate(sv)
	require.NoError(t, err)
	assert.Nil(t, diff)
}

func TestApplyUpdateMalformedBytes(t *testing.T) {
	d := NewDocument()
	set(t, d, ContainerNodes, "n1", "v1")
	before := d.Entries(ContainerNodes)

	err := d.ApplyUpdate([]byte("not cbor at all"), nil)
	require.Error(t, err)
	assert.Equal(t, before, d.Entries(ContainerNodes), "malformed update must not touch state")
}

func TestUnsubscribeStopsEvents(t *testing.T) {
	d := NewDocument()
	var events int
	unsub := d.OnUpdate(func(UpdateEvent) { events++ })

	set(t, d, ContainerNodes, "a", "1")
	unsub()
	set(t, d, ContainerNodes, "b", "2")

	assert.Equal(t, 1, events)
}

func TestPresenceRoundTrip(t *testing.T) {
	a := NewDocument()
	b := NewDocument()

	msg, err := a.UpdatePresence("session-1", []byte("cursor"))
	require.NoError(t, err)

	var gotSession string
	var gotPayload []byte
	b.OnPresence(func(session string, payload []byte) {
		gotSession = session
		gotPayload = payload
	})
	require.NoError(t, b.ApplyPresence(msg))

	assert.Equal(t, "session-1", gotSession)
	assert.Equal(t, []byte("cursor"), gotPayload)
	assert.Contains(t, b.PresenceSnapshot(), "session-1")

	leave, err := a.ClearPresence("session-1")
	require.NoError(t, err)
	require.NoError(t, b.ApplyPresence(leave))
	assert.NotContains(t, b.PresenceSnapshot(), "session-1")
}

func TestPresenceExcludedFromState(t *testing.T) {
	a := NewDocument()
	_, err := a.UpdatePresence("session-1", []byte("cursor"))
	require.NoError(t, err)

	restored := NewDocument()
	require.NoError(t, restored.ApplyUpdate(fullState(t, a), nil))
	assert.Empty(t, restored.PresenceSnapshot())
}
