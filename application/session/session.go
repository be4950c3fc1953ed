// Package session composes the client-side synchronization stack for one
// open workspace: document, safe writer, reactive bridge, local
// persistence, and (when enabled) the relay connection.
package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"canvas-backend/application/bridge"
	"canvas-backend/application/writer"
	"canvas-backend/domain/crdt"
	"canvas-backend/infrastructure/config"
	"canvas-backend/infrastructure/localstore"
	"canvas-backend/interfaces/ws"
	pkgerrors "canvas-backend/pkg/errors"
)

// Session is one user's open workspace.
type Session struct {
	ID          string
	WorkspaceID string

	doc    *crdt.Document
	bridge *bridge.Bridge
	local  *localstore.Provider
	cfg    *config.Config
	ctx    context.Context
	logger *zap.Logger

	mu     sync.Mutex
	relay  *ws.Client
	cancel context.CancelFunc
	closed bool
}

// Open boots the stack for a workspace: restore local state, run the
// seeding algorithm against the optional server payload, attach the
// debounced local saver, and connect the relay in the background when the
// feature flag allows.
func Open(ctx context.Context, cfg *config.Config, workspaceID, userID string, seed *bridge.SeedPayload, logger *zap.Logger) (*Session, error) {
	if workspaceID == "" {
		return nil, pkgerrors.NewValidationError("workspace id is required")
	}

	s := &Session{
		ID:          uuid.New().String(),
		WorkspaceID: workspaceID,
		doc:         crdt.NewDocument(),
		cfg:         cfg,
		ctx:         ctx,
		logger:      logger.With(zap.String("workspaceID", workspaceID)),
	}

	if cfg.LocalStorePath != "" {
		local, err := localstore.Open(cfg.LocalStorePath, s.logger)
		if err != nil {
			// Local persistence is best-effort; the session still
			// works, it just loses offline continuity.
			s.logger.Warn("Local store unavailable", zap.Error(err))
		} else {
			s.local = local
			if blob, ok, loadErr := local.Load(workspaceID); loadErr != nil {
				s.logger.Warn("Local state load failed", zap.Error(loadErr))
			} else if ok {
				if applyErr := s.doc.ApplyUpdate(blob, s); applyErr != nil {
					s.logger.Warn("Discarding corrupt local state", zap.Error(applyErr))
				}
			}
		}
	}

	mode := bridge.ModeLegacy
	if cfg.Flags.DocumentFirst {
		mode = bridge.ModeDocumentFirst
	}
	w := writer.New(s.doc, userID, s.logger)
	s.bridge = bridge.New(s.doc, w, mode, s.logger)
	if err := s.bridge.Seed(seed); err != nil {
		s.Close()
		return nil, err
	}

	if s.local != nil {
		s.local.Attach(s.doc, workspaceID, cfg.DebounceInterval)
	}

	if cfg.Flags.RelayEnabled && cfg.RelayURL != "" {
		s.mu.Lock()
		s.startRelayLocked()
		s.mu.Unlock()
	}

	return s, nil
}

// WatchFlags subscribes the session to runtime feature-flag changes:
// flipping documentFirst switches the bridge mode in place, and flipping
// relayEnabled connects or disconnects the relay client.
func (s *Session) WatchFlags(w *config.FlagsWatcher) {
	w.OnChange(s.applyFlags)
}

func (s *Session) applyFlags(f config.FeatureFlags) {
	mode := bridge.ModeLegacy
	if f.DocumentFirst {
		mode = bridge.ModeDocumentFirst
	}
	s.bridge.SetMode(mode)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	switch {
	case f.RelayEnabled && s.relay == nil && s.cfg.RelayURL != "":
		s.logger.Info("Relay enabled by feature flag")
		s.startRelayLocked()
	case !f.RelayEnabled && s.relay != nil:
		s.logger.Info("Relay disabled by feature flag")
		s.stopRelayLocked()
	}
}

func (s *Session) startRelayLocked() {
	s.relay = ws.NewClient(s.cfg.RelayURL, s.WorkspaceID, s.doc, s.logger)
	runCtx, cancel := context.WithCancel(s.ctx)
	s.cancel = cancel
	go s.relay.Run(runCtx)
}

func (s *Session) stopRelayLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.relay != nil {
		s.relay.Close()
		s.relay = nil
	}
}

// Bridge returns the reactive bridge for consumer operations and reads.
func (s *Session) Bridge() *bridge.Bridge { return s.bridge }

// Writer returns the safe writer.
func (s *Session) Writer() *writer.Writer { return s.bridge.Writer() }

// Cache returns the local mirror for synchronous reads.
func (s *Session) Cache() *bridge.Cache { return s.bridge.Cache() }

// Document returns the underlying replica.
func (s *Session) Document() *crdt.Document { return s.doc }

// PublishPresence broadcasts this session's cursor/selection to peers.
// A no-op when the relay is disabled.
func (s *Session) PublishPresence(payload []byte) error {
	msg, err := s.doc.UpdatePresence(s.ID, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	relay := s.relay
	s.mu.Unlock()
	if relay == nil {
		return nil
	}
	return relay.SendPresence(msg)
}

// Close tears the session down, flushing pending local state. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopRelayLocked()
	s.mu.Unlock()
	if s.bridge != nil {
		s.bridge.Close()
	}
	if s.local != nil {
		if err := s.local.Close(); err != nil {
			s.logger.Warn("Local store close failed", zap.Error(err))
		}
	}
}
