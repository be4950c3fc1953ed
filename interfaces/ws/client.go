package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"canvas-backend/domain/crdt"
	pkgerrors "canvas-backend/pkg/errors"
)

// Client is the dialing side of the relay protocol: it connects a local
// document to the relay server for one workspace, runs the handshake from
// the client end, and streams updates both ways.
//
// Outbound frames go through a buffered queue drained by a per-connection
// write loop, so document transactions never block on a slow link. A full
// queue drops the connection; the reconnect handshake resyncs from the
// state vector, so nothing is lost.
type Client struct {
	baseURL     string
	workspaceID string
	doc         *crdt.Document
	logger      *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	send   chan []byte
	unsub  func()
	closed bool
}

// NewClient creates a relay client for one workspace document. baseURL is
// the relay's websocket base, e.g. "ws://localhost:8085".
func NewClient(baseURL, workspaceID string, doc *crdt.Document, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		workspaceID: workspaceID,
		doc:         doc,
		logger:      logger.With(zap.String("workspaceID", workspaceID)),
	}
}

// Connect dials the relay and completes the handshake: send our state
// vector, merge the server's reply, and push back anything the server is
// missing. On success the client streams until the connection drops or
// Close is called.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.baseURL+"/ws/"+c.workspaceID, nil)
	if err != nil {
		return pkgerrors.NewNetworkError("dial relay", err)
	}

	sv, err := c.doc.EncodeStateVector()
	if err != nil {
		conn.Close()
		return err
	}
	if err := writeFrame(conn, FrameSyncStep1, sv); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return pkgerrors.NewNetworkError("read sync step 2", err)
	}
	reply, err := DecodeFrame(msg)
	if err != nil {
		conn.Close()
		return err
	}
	if reply.T != FrameSyncStep2 {
		conn.Close()
		return pkgerrors.NewValidationError("expected sync step 2 from relay")
	}
	step2, err := DecodeSyncStep2(reply.B)
	if err != nil {
		conn.Close()
		return err
	}
	if len(step2.Update) > 0 {
		if err := c.doc.ApplyUpdate(step2.Update, c); err != nil {
			conn.Close()
			return err
		}
	}

	// Step 3 opener: push whatever the server is missing from us.
	diff, err := c.doc.DiffUpdate(step2.SV)
	if err != nil {
		conn.Close()
		return err
	}
	if diff != nil {
		if err := writeFrame(conn, FrameUpdate, diff); err != nil {
			conn.Close()
			return err
		}
	}

	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return pkgerrors.NewConflictError("client already closed")
	}
	c.conn = conn
	c.send = send
	// Forward local document changes, skipping updates this client
	// itself applied (origin tag suppresses the feedback loop).
	c.unsub = c.doc.OnUpdate(func(evt crdt.UpdateEvent) {
		if evt.Origin == c {
			return
		}
		frame, err := EncodeFrame(FrameUpdate, evt.Update)
		if err != nil {
			c.logger.Error("Failed to encode update frame", zap.Error(err))
			return
		}
		c.enqueue(conn, send, frame)
	})
	c.mu.Unlock()

	go c.writeLoop(conn, send, done)
	go c.readLoop(conn, done)
	c.logger.Info("Connected to relay")
	return nil
}

// Run keeps the client connected until ctx is cancelled, retrying the
// handshake with backoff after a disconnect. Reconnects resume from the
// document's latest state vector; nothing is lost across the gap.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if err := c.Connect(ctx); err != nil {
			c.logger.Warn("Relay connect failed", zap.Error(err), zap.Duration("retryIn", backoff))
		} else {
			backoff = time.Second
			c.waitDisconnected(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
	}
}

// SendPresence broadcasts this session's ephemeral presence payload.
func (c *Client) SendPresence(msg []byte) error {
	c.mu.Lock()
	conn, send := c.conn, c.send
	c.mu.Unlock()
	if conn == nil {
		return pkgerrors.NewNetworkError("not connected", nil)
	}
	frame, err := EncodeFrame(FramePresence, msg)
	if err != nil {
		return err
	}
	c.enqueue(conn, send, frame)
	return nil
}

// Close tears the connection down and stops forwarding.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	conn := c.conn
	c.conn = nil
	c.send = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// enqueue queues a frame without ever blocking the caller; it runs inside
// the document's subscriber chain. A full queue means the link cannot keep
// up, so the connection is dropped and the reconnect resyncs instead.
func (c *Client) enqueue(conn *websocket.Conn, send chan []byte, frame []byte) {
	select {
	case send <- frame:
	default:
		c.logger.Warn("Send queue full, dropping relay connection")
		conn.Close()
	}
}

// writeLoop drains the send queue for one connection.
func (c *Client) writeLoop(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(connWriteWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logger.Warn("Write failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
			c.send = nil
			if c.unsub != nil {
				c.unsub()
				c.unsub = nil
			}
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("Relay connection lost", zap.Error(err))
			}
			return
		}
		frame, err := DecodeFrame(msg)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		switch frame.T {
		case FrameUpdate:
			if err := c.doc.ApplyUpdate(frame.B, c); err != nil {
				c.logger.Warn("Dropping bad update", zap.Error(err))
			}
		case FramePresence:
			if err := c.doc.ApplyPresence(frame.B); err != nil {
				c.logger.Warn("Dropping bad presence", zap.Error(err))
			}
		case FrameSyncStep2:
			step2, err := DecodeSyncStep2(frame.B)
			if err != nil {
				c.logger.Warn("Dropping bad sync step 2", zap.Error(err))
				continue
			}
			if len(step2.Update) > 0 {
				if err := c.doc.ApplyUpdate(step2.Update, c); err != nil {
					c.logger.Warn("Dropping bad update", zap.Error(err))
				}
			}
		default:
			c.logger.Debug("Dropping unknown frame type", zap.Uint8("type", uint8(frame.T)))
		}
	}
}

// writeFrame is the synchronous write used during the handshake, before
// the per-connection write loop exists.
func writeFrame(conn *websocket.Conn, t FrameType, body []byte) error {
	frame, err := EncodeFrame(t, body)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(connWriteWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return pkgerrors.NewNetworkError("write frame", err)
	}
	return nil
}

// waitDisconnected blocks until the current connection is gone or ctx ends.
func (c *Client) waitDisconnected(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			gone := c.conn == nil
			c.mu.Unlock()
			if gone {
				return
			}
		}
	}
}
