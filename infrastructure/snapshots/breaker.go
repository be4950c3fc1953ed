package snapshots

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	pkgerrors "canvas-backend/pkg/errors"
)

// BreakerStore shields the relay from a failing snapshot database. When the
// circuit is open, saves and loads fail fast with an unavailable error; the
// relay logs and retries on the next timer tick, so client traffic never
// blocks on a sick disk.
type BreakerStore struct {
	inner  Store
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerStore wraps a store with a circuit breaker.
func NewBreakerStore(inner Store, logger *zap.Logger) *BreakerStore {
	settings := gobreaker.Settings{
		Name:    "snapshot-store",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Snapshot store circuit state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &BreakerStore{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

// Save upserts through the breaker.
func (b *BreakerStore) Save(ctx context.Context, workspaceID string, blob []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Save(ctx, workspaceID, blob)
	})
	return b.translate(err)
}

// Load reads through the breaker. Not-found results pass through without
// counting as failures.
func (b *BreakerStore) Load(ctx context.Context, workspaceID string) ([]byte, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		blob, err := b.inner.Load(ctx, workspaceID)
		if pkgerrors.IsNotFound(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return blob, nil
	})
	if err != nil {
		return nil, b.translate(err)
	}
	if out == nil {
		return nil, pkgerrors.NewNotFoundError("snapshot for workspace " + workspaceID)
	}
	return out.([]byte), nil
}

// Close closes the wrapped store.
func (b *BreakerStore) Close() error {
	return b.inner.Close()
}

func (b *BreakerStore) translate(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return pkgerrors.NewUnavailableError("snapshot store").WithCause(err)
	}
	return err
}
