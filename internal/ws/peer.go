// Package ws carries the websocket transport between the host session and
// its single remote peer.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Conn is the subset of the websocket connection the transport relies on.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Peer wraps a connection with the write lock shared by the session loop and
// the read loop's direct replies.
type Peer struct {
	conn   Conn
	mu     sync.Mutex
	remote string
}

// NewPeer wraps an accepted connection.
func NewPeer(conn Conn, remote string) *Peer {
	return &Peer{conn: conn, remote: remote}
}

// Send writes a text frame under the write deadline.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

// Remote reports the peer's network address.
func (p *Peer) Remote() string {
	return p.remote
}

// Close tears the connection down without a close frame.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// CloseWithPolicy sends a policy violation close frame before tearing the
// connection down.
func (p *Peer) CloseWithPolicy(reason string) {
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	p.mu.Lock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	p.conn.WriteMessage(websocket.CloseMessage, message)
	p.mu.Unlock()
	p.conn.Close()
}
