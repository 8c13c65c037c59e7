package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/simrunner/internal/framecodec"
)

// Application close codes sent on viewer and control sockets.
const (
	CloseDisplaced    = 4001
	CloseUnauthorized = 4003
	CloseShutdown     = 4004
)

const defaultWriteWait = 5 * time.Second

var errConnClosed = errors.New("connection closed")

// wsConn serialises writes to a websocket. gorilla allows one concurrent
// writer, and pings race with broadcast writes otherwise.
type wsConn struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn, closed: make(chan struct{})}
}

func (c *wsConn) write(ctx context.Context, messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	deadline := time.Now().Add(defaultWriteWait)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) writeJSON(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.TextMessage, payload)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWriteWait))
}

// closeWith sends a close frame carrying code and reason, then closes the
// socket. Only the first call has any effect.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}

func (c *wsConn) Close() error {
	c.closeWith(websocket.CloseNormalClosure, "")
	return nil
}

// Shutdown closes the connection with CloseShutdown.
func (c *wsConn) Shutdown() {
	c.closeWith(CloseShutdown, "server shutting down")
}

// Done is closed once the connection has been closed locally.
func (c *wsConn) Done() <-chan struct{} { return c.closed }

// viewerSink writes status envelopes as text messages and frames in the
// viewer's negotiated encoding.
type viewerSink struct {
	*wsConn
	encoding framecodec.Encoding
}

func (s *viewerSink) WriteStatus(ctx context.Context, payload []byte) error {
	return s.write(ctx, websocket.TextMessage, payload)
}

func (s *viewerSink) WriteFrame(ctx context.Context, f *framecodec.Frame) error {
	if s.encoding == framecodec.EncodingJSON {
		payload, err := framecodec.MarshalJSONEnvelope(f)
		if err != nil {
			return err
		}
		return s.write(ctx, websocket.TextMessage, payload)
	}
	payload, err := framecodec.MarshalBinary(f)
	if err != nil {
		return err
	}
	return s.write(ctx, websocket.BinaryMessage, payload)
}
