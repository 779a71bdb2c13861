package ws

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/proto"
)

type ClientConfig struct {
	// HeartbeatInterval overrides the cadence the host announces in its
	// welcome frame. Zero keeps the host's value.
	HeartbeatInterval time.Duration
	Logger            *log.Logger
}

// Sink consumes the frames the host pushes to the client.
type Sink interface {
	ServerFrame(msg proto.ServerMessage)
}

// Client is the remote peer's side of the transport.
type Client struct {
	peer     *Peer
	conn     Conn
	welcome  proto.ServerMessage
	interval time.Duration
	logger   *log.Logger
}

// Dial connects to a host, waits for the welcome frame and returns the
// connected client alongside it.
func Dial(ctx context.Context, url string, cfg ClientConfig) (*Client, proto.ServerMessage, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, proto.ServerMessage{}, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	_, payload, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, proto.ServerMessage{}, fmt.Errorf("ws: read welcome: %w", err)
	}
	welcome, err := proto.DecodeServerMessage(payload)
	if err != nil {
		conn.Close()
		return nil, proto.ServerMessage{}, fmt.Errorf("ws: decode welcome: %w", err)
	}
	if welcome.Type != proto.TypeWelcome {
		conn.Close()
		return nil, proto.ServerMessage{}, fmt.Errorf("ws: expected welcome frame, got %q", welcome.Type)
	}

	interval := cfg.HeartbeatInterval
	if interval <= 0 && welcome.Heartbeat > 0 {
		interval = time.Duration(welcome.Heartbeat) * time.Millisecond
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Client{
		peer:     NewPeer(conn, url),
		conn:     conn,
		welcome:  welcome,
		interval: interval,
		logger:   logger,
	}, welcome, nil
}

// Welcome reports the frame the host sent on attach.
func (c *Client) Welcome() proto.ServerMessage {
	return c.welcome
}

// Player reports the seat the host assigned.
func (c *Client) Player() int {
	return c.welcome.Player
}

// Run reads host frames into the sink until the connection drops. It owns the
// heartbeat cadence for the connection's lifetime.
func (c *Client) Run(sink Sink) error {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.heartbeatLoop(stop)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws: read: %w", err)
		}
		msg, err := proto.DecodeServerMessage(payload)
		if err != nil {
			c.logger.Printf("discarding malformed frame from host: %v", err)
			continue
		}
		sink.ServerFrame(msg)
	}
}

func (c *Client) heartbeatLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			data, err := proto.EncodeClientHeartbeat(now.UnixMilli())
			if err != nil {
				c.logger.Printf("failed to marshal heartbeat: %v", err)
				continue
			}
			if err := c.peer.Send(data); err != nil {
				return
			}
		}
	}
}

// Submit sends an action to the host.
func (c *Client) Submit(act action.Action) error {
	data, err := proto.EncodeActionSubmit(act)
	if err != nil {
		return fmt.Errorf("ws: encode action: %w", err)
	}
	return c.peer.Send(data)
}

// RequestResync asks the host for a fresh snapshot.
func (c *Client) RequestResync(checksum string) error {
	data, err := proto.EncodeResyncRequest(c.welcome.Player, checksum)
	if err != nil {
		return fmt.Errorf("ws: encode resync request: %w", err)
	}
	return c.peer.Send(data)
}

// Forfeit concedes the game.
func (c *Client) Forfeit() error {
	data, err := proto.EncodeForfeit(c.welcome.Player)
	if err != nil {
		return fmt.Errorf("ws: encode forfeit: %w", err)
	}
	return c.peer.Send(data)
}

// Close sends a normal closure frame and tears the connection down.
func (c *Client) Close() error {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	c.conn.WriteMessage(websocket.CloseMessage, message)
	return c.conn.Close()
}
