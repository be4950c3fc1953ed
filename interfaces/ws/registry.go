package ws

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"canvas-backend/domain/crdt"
	"canvas-backend/infrastructure/snapshots"
	pkgerrors "canvas-backend/pkg/errors"
)

// RegistryOptions tune room lifecycle and persistence cadence.
type RegistryOptions struct {
	// SnapshotInterval is how often dirty rooms are checkpointed.
	SnapshotInterval time.Duration
	// GracePeriod is how long an empty room lingers before its final
	// snapshot and removal.
	GracePeriod time.Duration
}

// DefaultRegistryOptions match the documented relay defaults.
func DefaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		SnapshotInterval: 30 * time.Second,
		GracePeriod:      60 * time.Second,
	}
}

// Registry owns the per-room arena: one in-memory document per workspace
// id, created on first connect and destroyed after the last disconnect
// plus a grace period. A single relay process exclusively owns its rooms.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	timers map[string]*time.Timer

	store  snapshots.Store
	opts   RegistryOptions
	logger *zap.Logger

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry backed by the given snapshot store.
func NewRegistry(store snapshots.Store, opts RegistryOptions, logger *zap.Logger) *Registry {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultRegistryOptions().SnapshotInterval
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultRegistryOptions().GracePeriod
	}
	return &Registry{
		rooms:  make(map[string]*Room),
		timers: make(map[string]*time.Timer),
		store:  store,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Run drives the periodic snapshot ticker until Shutdown.
func (g *Registry) Run() {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.opts.SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				g.snapshotAll()
			}
		}
	}()
}

// GetOrCreate returns the room for a workspace, constructing its document
// from the latest snapshot on first connect. A pending eviction timer is
// cancelled when a client reconnects within the grace period.
func (g *Registry) GetOrCreate(ctx context.Context, workspaceID string) (*Room, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if t, ok := g.timers[workspaceID]; ok {
		t.Stop()
		delete(g.timers, workspaceID)
	}
	if room, ok := g.rooms[workspaceID]; ok {
		return room, nil
	}

	doc := crdt.NewDocument()
	blob, err := g.store.Load(ctx, workspaceID)
	switch {
	case err == nil:
		if applyErr := doc.ApplyUpdate(blob, g); applyErr != nil {
			// A corrupt checkpoint must not brick the room; clients
			// will resubmit their state on sync.
			g.logger.Error("Discarding corrupt snapshot",
				zap.String("workspaceID", workspaceID),
				zap.Error(applyErr),
			)
			doc = crdt.NewDocument()
		}
	case pkgerrors.IsNotFound(err):
		// First ever connect for this workspace.
	default:
		return nil, err
	}

	room := newRoom(workspaceID, doc, g.store, g.logger)
	g.rooms[workspaceID] = room
	roomsOpen.Inc()
	g.logger.Info("Room opened",
		zap.String("workspaceID", workspaceID),
		zap.Bool("seeded", err == nil),
	)
	return room, nil
}

// release is called when a room's last socket detaches. The room stays
// warm for the grace period, then takes a final snapshot and is removed.
func (g *Registry) release(room *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.rooms[room.ID] != room {
		return
	}
	if t, ok := g.timers[room.ID]; ok {
		t.Stop()
	}
	g.timers[room.ID] = time.AfterFunc(g.opts.GracePeriod, func() {
		g.evict(room)
	})
}

func (g *Registry) evict(room *Room) {
	g.mu.Lock()
	if g.rooms[room.ID] != room || !room.empty() {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	// Snapshot before removal: a failed save keeps the room (and its dirty
	// state) alive, re-armed for another grace period.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := room.Snapshot(ctx); err != nil {
		g.mu.Lock()
		if g.rooms[room.ID] == room {
			g.timers[room.ID] = time.AfterFunc(g.opts.GracePeriod, func() {
				g.evict(room)
			})
		}
		g.mu.Unlock()
		return
	}

	g.mu.Lock()
	if g.rooms[room.ID] != room || !room.empty() {
		// A client reconnected while the snapshot ran.
		g.mu.Unlock()
		return
	}
	delete(g.rooms, room.ID)
	delete(g.timers, room.ID)
	g.mu.Unlock()
	roomsOpen.Dec()
	g.logger.Info("Room evicted", zap.String("workspaceID", room.ID))
}

func (g *Registry) snapshotAll() {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	for _, r := range rooms {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = r.Snapshot(ctx) // errors are logged inside; retried next tick
		cancel()
	}
}

// Shutdown closes every socket and forces one final snapshot per room.
// Safe to call more than once.
func (g *Registry) Shutdown(ctx context.Context) {
	g.stopOnce.Do(func() { close(g.done) })
	g.wg.Wait()

	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	for id, t := range g.timers {
		t.Stop()
		delete(g.timers, id)
	}
	g.rooms = make(map[string]*Room)
	g.mu.Unlock()

	for _, r := range rooms {
		r.closeAll()
		if err := r.Snapshot(ctx); err != nil {
			g.logger.Error("Final snapshot failed",
				zap.String("workspaceID", r.ID),
				zap.Error(err),
			)
		}
		roomsOpen.Dec()
	}
	g.logger.Info("Registry shut down", zap.Int("rooms", len(rooms)))
}
