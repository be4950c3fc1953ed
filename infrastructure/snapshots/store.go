// Package snapshots persists per-workspace document checkpoints. The store
// is a checkpoint, not a transaction log: recovery replays the latest blob
// plus whatever clients resubmit on reconnect, which the CRDT merge makes
// safe even when checkpoints are slightly stale.
package snapshots

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	pkgerrors "canvas-backend/pkg/errors"
)

// Store is the durable snapshot boundary used by the relay.
type Store interface {
	// Save upserts a workspace's encoded state. Idempotent.
	Save(ctx context.Context, workspaceID string, blob []byte) error
	// Load returns the latest blob, or a not-found error.
	Load(ctx context.Context, workspaceID string) ([]byte, error)
	Close() error
}

// SQLiteStore implements Store on a local sqlite database.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS canvas_snapshots (
	workspace_id TEXT PRIMARY KEY,
	state_blob   BLOB NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);`

// NewSQLiteStore opens the database at dsn and ensures the schema exists.
func NewSQLiteStore(dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("open snapshot store", err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, pkgerrors.NewDatabaseError("init snapshot schema", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Save upserts the workspace's snapshot row.
func (s *SQLiteStore) Save(ctx context.Context, workspaceID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_snapshots (workspace_id, state_blob, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET
			state_blob = excluded.state_blob,
			updated_at = excluded.updated_at`,
		workspaceID, blob, time.Now().UTC(),
	)
	if err != nil {
		snapshotFailures.Inc()
		return pkgerrors.NewDatabaseError("save snapshot", err)
	}
	snapshotSaves.Inc()
	return nil
}

// Load returns the latest snapshot blob for a workspace.
func (s *SQLiteStore) Load(ctx context.Context, workspaceID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state_blob FROM canvas_snapshots WHERE workspace_id = ?`,
		workspaceID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.NewNotFoundError("snapshot for workspace " + workspaceID)
	}
	if err != nil {
		return nil, pkgerrors.NewDatabaseError("load snapshot", err)
	}
	return blob, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
