// Package localstore persists a session's encoded document state in an
// embedded key-value store, giving the canvas offline continuity. Saves are
// asynchronous and debounced; failures are logged and retried, never
// surfaced to the user, and the caller's path is never blocked.
package localstore

import (
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"canvas-backend/domain/crdt"
	pkgerrors "canvas-backend/pkg/errors"
)

var bucketDocuments = []byte("documents")

// DefaultDebounce bounds write amplification from bursts of edits.
const DefaultDebounce = 500 * time.Millisecond

// Provider wraps one bbolt database holding encoded document state per
// workspace.
type Provider struct {
	db     *bolt.DB
	logger *zap.Logger

	mu       sync.Mutex
	doc      *crdt.Document
	ws       string
	debounce time.Duration
	unsub    func()

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

// Open opens (creating if needed) the store at path.
func Open(path string, logger *zap.Logger) (*Provider, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("open local store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, pkgerrors.NewDatabaseError("init local store", err)
	}
	return &Provider{
		db:     db,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Load returns the previously saved state for a workspace, if any. Run
// before seeding so restored local edits take precedence over server
// payloads.
func (p *Provider) Load(workspaceID string) ([]byte, bool, error) {
	var blob []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(workspaceID))
		if v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, pkgerrors.NewDatabaseError("load local state", err)
	}
	return blob, blob != nil, nil
}

// Attach subscribes the provider to a document's change notifications and
// starts the debounced background saver.
func (p *Provider) Attach(doc *crdt.Document, workspaceID string, debounce time.Duration) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	p.mu.Lock()
	p.doc = doc
	p.ws = workspaceID
	p.debounce = debounce
	p.unsub = doc.OnUpdate(func(crdt.UpdateEvent) {
		select {
		case p.notify <- struct{}{}:
		default:
		}
	})
	p.mu.Unlock()

	p.wg.Add(1)
	go p.run()
}

// Close stops the saver, flushing any pending state, and closes the store.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.unsub != nil {
		p.unsub()
		p.unsub = nil
	}
	attached := p.doc != nil
	p.mu.Unlock()

	close(p.done)
	if attached {
		p.wg.Wait()
	}
	return p.db.Close()
}

func (p *Provider) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			p.saveNow()
			return
		case <-p.notify:
			t := time.NewTimer(p.debounce)
		coalesce:
			for {
				select {
				case <-p.notify:
					// more changes within the window
				case <-t.C:
					break coalesce
				case <-p.done:
					t.Stop()
					p.saveNow()
					return
				}
			}
			p.saveNow()
		}
	}
}

// saveNow encodes and persists the current document state. On failure the
// dirty signal is re-armed after the debounce interval.
func (p *Provider) saveNow() {
	p.mu.Lock()
	doc, ws, debounce := p.doc, p.ws, p.debounce
	p.mu.Unlock()
	if doc == nil {
		return
	}

	blob, err := doc.EncodeState()
	if err != nil {
		p.logger.Error("Failed to encode document state", zap.String("workspaceID", ws), zap.Error(err))
		return
	}
	err = p.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Put([]byte(ws), blob)
	})
	if err != nil {
		p.logger.Warn("Local save failed, will retry",
			zap.String("workspaceID", ws),
			zap.Error(err),
		)
		time.AfterFunc(debounce, func() {
			select {
			case p.notify <- struct{}{}:
			default:
			}
		})
		return
	}
	p.logger.Debug("Saved local document state",
		zap.String("workspaceID", ws),
		zap.Int("bytes", len(blob)),
	)
}
