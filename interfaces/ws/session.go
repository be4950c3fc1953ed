package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// session is one server-side socket in a room.
type session struct {
	id     string
	conn   *websocket.Conn
	room   *Room
	server *Server
	send   chan []byte
	logger *zap.Logger

	closeOnce sync.Once
}

// run performs the handshake, registers with the room, and drives the
// read/write pumps until the socket dies.
func (s *session) run() {
	if !s.handshake() {
		s.conn.Close()
		return
	}

	count := s.room.attach(s)
	clientsConnected.Inc()
	s.logger.Info("Client joined room", zap.Int("roomClients", count))

	go s.writePump()
	s.readPump()
}

// handshake waits for the client's SyncStep1 and answers with SyncStep2.
// Clients that stay silent past the timeout are dropped.
func (s *session) handshake() bool {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.HandshakeTimeout))

	_, msg, err := s.conn.ReadMessage()
	if err != nil {
		s.logger.Warn("Handshake read failed", zap.Error(err))
		return false
	}
	frame, err := DecodeFrame(msg)
	if err != nil || frame.T != FrameSyncStep1 {
		s.logger.Warn("Handshake expected sync step 1", zap.Error(err))
		return false
	}
	if !s.replySyncStep2(frame.B, true) {
		return false
	}

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	return true
}

// replySyncStep2 sends the server's state vector plus whatever the client
// is missing. direct writes bypass the send channel during handshake.
func (s *session) replySyncStep2(clientSV []byte, direct bool) bool {
	diff, err := s.room.Doc.DiffUpdate(clientSV)
	if err != nil {
		s.logger.Warn("Dropping malformed state vector", zap.Error(err))
		return false
	}
	sv, err := s.room.Doc.EncodeStateVector()
	if err != nil {
		s.logger.Error("Failed to encode state vector", zap.Error(err))
		return false
	}
	body, err := EncodeSyncStep2(sv, diff)
	if err != nil {
		s.logger.Error("Failed to encode sync step 2", zap.Error(err))
		return false
	}
	frame, err := EncodeFrame(FrameSyncStep2, body)
	if err != nil {
		s.logger.Error("Failed to encode frame", zap.Error(err))
		return false
	}

	if direct {
		s.conn.SetWriteDeadline(time.Now().Add(connWriteWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			s.logger.Warn("Handshake write failed", zap.Error(err))
			return false
		}
		return true
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// readPump receives frames until the socket closes. Malformed frames are
// dropped; the room survives.
func (s *session) readPump() {
	defer s.close()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Read error", zap.Error(err))
			}
			return
		}
		frame, err := DecodeFrame(msg)
		if err != nil {
			s.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.T {
		case FrameUpdate:
			if err := s.room.ApplyUpdate(s, frame.B, msg); err != nil {
				s.logger.Warn("Dropping bad update", zap.Error(err))
			}
		case FramePresence:
			s.room.BroadcastPresence(s, msg)
		case FrameSyncStep1:
			// Mid-stream resync request.
			s.replySyncStep2(frame.B, false)
		default:
			s.logger.Debug("Dropping unknown frame type", zap.Uint8("type", uint8(frame.T)))
		}
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(connWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				s.logger.Warn("Write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(connWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close detaches from the room exactly once; in-flight updates already
// applied to the room document are not rolled back.
func (s *session) close() {
	s.closeOnce.Do(func() {
		remaining := s.room.detach(s)
		clientsConnected.Dec()
		s.conn.Close()
		s.logger.Info("Client left room", zap.Int("roomClients", remaining))
		if remaining == 0 {
			s.server.registry.release(s.room)
		}
	})
}
