// Package crdt implements the conflict-free replicated document backing a
// collaborative canvas workspace.
//
// The document holds three last-writer-wins map containers (nodes,
// connections, viewport scalars) plus an ephemeral presence map. Container
// values are opaque byte slices; the document never interprets them. Each
// write is stamped with a monotonically increasing per-replica counter, and
// concurrent writes to the same key resolve deterministically: the higher
// counter wins, ties break on the higher replica id. Replicas that exchange
// the same set of updates converge regardless of delivery order.
package crdt

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	pkgerrors "canvas-backend/pkg/errors"
)

// Container names a top-level map within the document.
type Container string

const (
	ContainerNodes       Container = "nodes"
	ContainerConnections Container = "connections"
	ContainerViewport    Container = "viewport"
)

// containers in fixed order, used by the state codec.
var containers = []Container{ContainerNodes, ContainerConnections, ContainerViewport}

// Stamp orders writes. Clock is a lamport counter, Replica breaks ties.
type Stamp struct {
	Clock   uint64 `json:"t"`
	Replica uint64 `json:"r"`
}

// supersedes reports whether s wins over old under the LWW rule.
func (s Stamp) supersedes(old Stamp) bool {
	if s.Clock != old.Clock {
		return s.Clock > old.Clock
	}
	return s.Replica > old.Replica
}

type entry struct {
	Value []byte
	Stamp Stamp
}

// ChangeRef identifies one changed container key in an update event.
type ChangeRef struct {
	Container Container
	Key       string
}

// UpdateEvent is the single notification emitted per transaction or per
// applied remote update. Origin tags which replica-side actor produced the
// change so subscribers can suppress self-feedback.
type UpdateEvent struct {
	Update  []byte
	Origin  interface{}
	Changed []ChangeRef
}

type subscription struct {
	id uint64
	fn func(UpdateEvent)
}

// Document is one replica of the shared canvas state. All methods are safe
// for concurrent use. Encode and apply operations are pure with respect to
// other systems: they never invoke callbacks mid-merge; importers
// batch-apply and then emit one change notification.
type Document struct {
	mu      sync.Mutex
	replica uint64
	clock   uint64

	state  map[Container]map[string]entry
	vector map[uint64]uint64

	subs     []subscription
	presSubs []presenceSub
	nextSub  uint64

	presence map[string][]byte
}

// NewDocument creates an empty replica with a random replica id.
func NewDocument() *Document {
	id := uuid.New()
	return newDocument(binary.BigEndian.Uint64(id[:8]))
}

// NewDocumentWithReplica creates a replica with a fixed id, used by tests
// that need deterministic tie-breaking.
func NewDocumentWithReplica(replica uint64) *Document {
	return newDocument(replica)
}

func newDocument(replica uint64) *Document {
	state := make(map[Container]map[string]entry, len(containers))
	for _, c := range containers {
		state[c] = make(map[string]entry)
	}
	return &Document{
		replica:  replica,
		state:    state,
		vector:   make(map[uint64]uint64),
		presence: make(map[string][]byte),
	}
}

// ReplicaID returns this replica's id.
func (d *Document) ReplicaID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.replica
}

// Get returns a copy of the value stored under key, if any.
func (d *Document) Get(c Container, key string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.state[c][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Entries returns a copy of every key/value pair in a container.
func (d *Document) Entries(c Container) map[string][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string][]byte, len(d.state[c]))
	for k, e := range d.state[c] {
		out[k] = append([]byte(nil), e.Value...)
	}
	return out
}

// Len returns the number of keys in a container, deleted entries included.
func (d *Document) Len(c Container) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.state[c])
}

// OnUpdate registers a change subscriber. The returned function removes it.
// Subscribers run synchronously, in registration order, after the
// originating transaction or merge has fully committed.
func (d *Document) OnUpdate(fn func(UpdateEvent)) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs = append(d.subs, subscription{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		for i, s := range d.subs {
			if s.id == id {
				d.subs = append(d.subs[:i], d.subs[i+1:]...)
				return
			}
		}
	}
}

// Transact runs fn against a transaction handle. Writes are buffered and
// committed atomically when fn returns nil; subscribers observe exactly one
// update event for the whole batch. If fn returns an error nothing is
// applied. The handle is revoked once Transact returns; late writes through
// a retained handle fail with a stale-reference error instead of corrupting
// the document.
func (d *Document) Transact(origin interface{}, fn func(*Txn) error) error {
	d.mu.Lock()
	txn := &Txn{doc: d}
	err := fn(txn)
	if err != nil {
		txn.done = true
		d.mu.Unlock()
		return err
	}

	changed := make([]ChangeRef, 0, len(txn.pending))
	applied := make([]wireEntry, 0, len(txn.pending))
	for _, w := range txn.pending {
		d.clock++
		st := Stamp{Clock: d.clock, Replica: d.replica}
		d.state[w.container][w.key] = entry{Value: w.value, Stamp: st}
		d.bumpVector(st)
		changed = append(changed, ChangeRef{Container: w.container, Key: w.key})
		applied = append(applied, wireEntry{
			Container: string(w.container),
			Key:       w.key,
			Value:     w.value,
			Clock:     st.Clock,
			Replica:   st.Replica,
		})
	}
	txn.done = true

	var evt UpdateEvent
	emit := len(changed) > 0
	if emit {
		update, encErr := encodeUpdate(applied)
		if encErr != nil {
			d.mu.Unlock()
			return encErr
		}
		evt = UpdateEvent{Update: update, Origin: origin, Changed: changed}
	}
	subs := append([]subscription(nil), d.subs...)
	d.mu.Unlock()

	if emit {
		for _, s := range subs {
			s.fn(evt)
		}
	}
	return nil
}

// ApplyUpdate merges a remote update into this replica. Entries that lose
// the LWW race, or that are already present, are skipped; re-applying an
// already-merged update is a no-op and emits nothing. One update event is
// emitted after the whole batch is merged.
func (d *Document) ApplyUpdate(update []byte, origin interface{}) error {
	entries, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := make([]ChangeRef, 0, len(entries))
	for _, we := range entries {
		c := Container(we.Container)
		if _, ok := d.state[c]; !ok {
			d.mu.Unlock()
			return pkgerrors.NewValidationError("update references unknown container: " + we.Container)
		}
		st := Stamp{Clock: we.Clock, Replica: we.Replica}
		old, exists := d.state[c][we.Key]
		if exists && !st.supersedes(old.Stamp) {
			d.bumpVector(st)
			continue
		}
		d.state[c][we.Key] = entry{Value: we.Value, Stamp: st}
		d.bumpVector(st)
		if st.Clock > d.clock {
			d.clock = st.Clock
		}
		changed = append(changed, ChangeRef{Container: c, Key: we.Key})
	}
	subs := append([]subscription(nil), d.subs...)
	d.mu.Unlock()

	if len(changed) > 0 {
		evt := UpdateEvent{Update: update, Origin: origin, Changed: changed}
		for _, s := range subs {
			s.fn(evt)
		}
	}
	return nil
}

// bumpVector records that a write from st.Replica at st.Clock has been seen.
// Callers hold d.mu.
func (d *Document) bumpVector(st Stamp) {
	if st.Clock > d.vector[st.Replica] {
		d.vector[st.Replica] = st.Clock
	}
}

// Txn is a revocable write handle valid only inside Transact.
type Txn struct {
	doc     *Document
	pending []pendingWrite
	done    bool
}

type pendingWrite struct {
	container Container
	key       string
	value     []byte
}

// Set stages a write. The value is copied; callers keep ownership of theirs.
func (t *Txn) Set(c Container, key string, value []byte) error {
	if t.done {
		return pkgerrors.NewStaleReferenceError("write through a finalized transaction")
	}
	if _, ok := t.doc.state[c]; !ok {
		return pkgerrors.NewValidationError("unknown container: " + string(c))
	}
	t.pending = append(t.pending, pendingWrite{
		container: c,
		key:       key,
		value:     append([]byte(nil), value...),
	})
	return nil
}

// Get reads committed state overlaid with this transaction's staged writes.
func (t *Txn) Get(c Container, key string) ([]byte, bool) {
	if t.done {
		return nil, false
	}
	for i := len(t.pending) - 1; i >= 0; i-- {
		if t.pending[i].container == c && t.pending[i].key == key {
			return append([]byte(nil), t.pending[i].value...), true
		}
	}
	e, ok := t.doc.state[c][key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), e.Value...), true
}

// Keys lists committed keys in a container plus any staged in this txn.
func (t *Txn) Keys(c Container) []string {
	if t.done {
		return nil
	}
	seen := make(map[string]bool, len(t.doc.state[c]))
	keys := make([]string, 0, len(t.doc.state[c]))
	for k := range t.doc.state[c] {
		seen[k] = true
		keys = append(keys, k)
	}
	for _, w := range t.pending {
		if w.container == c && !seen[w.key] {
			seen[w.key] = true
			keys = append(keys, w.key)
		}
	}
	return keys
}
