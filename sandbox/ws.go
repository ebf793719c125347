package sandbox

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 10 * time.Second

// WSTransport adapts a websocket connection to the session Transport.
// Frames travel as JSON text messages. gorilla/websocket allows only one
// concurrent writer per connection, so writes are serialized here.
type WSTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// NewWSTransport wraps an upgraded websocket connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// ReadFrame blocks for the next frame from the client.
func (t *WSTransport) ReadFrame() (Frame, error) {
	var frame Frame
	if err := t.conn.ReadJSON(&frame); err != nil {
		return Frame{}, err
	}
	return frame, nil
}

// WriteFrame sends one frame to the client.
func (t *WSTransport) WriteFrame(frame Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return t.conn.WriteJSON(frame)
}

// Close sends a close control message and drops the connection.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(wsWriteWait)
	_ = t.conn.SetWriteDeadline(deadline)
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return t.conn.Close()
}
