package client

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/teamchong/termweb-sub002/internal/control"
)

// WSTransport adapts a gorilla websocket connection to the byte-message
// Send/Receive/Close contract shared by the control, file, and panel
// streams. Writes are serialized; gorilla permits one concurrent writer.
type WSTransport struct {
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// NewWSTransport wraps an established connection.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{conn: conn}
}

// Send writes one binary message.
func (t *WSTransport) Send(msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.BinaryMessage, msg)
}

// Receive blocks for the next message. Length-delimited framing is the
// transport's job; a message arrives whole or not at all.
func (t *WSTransport) Receive() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

// Close tears the connection down.
func (t *WSTransport) Close() error {
	return t.conn.Close()
}

func dialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWSTransport(conn), nil
}

// wsDialer satisfies control.Dialer for a fixed stream URL.
type wsDialer struct {
	url string
}

func (d *wsDialer) Dial(ctx context.Context) (control.Transport, error) {
	return dialWS(ctx, d.url)
}
