package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/proto"
)

type fakeGateway struct {
	mu            sync.Mutex
	welcome       []byte
	peers         []*Peer
	heartbeats    []int64
	actions       []action.Action
	resyncs       int
	forfeits      int
	detached      []error
	detachedPeers []*Peer
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	welcome, err := proto.EncodeWelcomeV1(proto.WelcomeV1{
		Player:      1,
		SessionSeed: 42,
		State:       json.RawMessage(`{"entities":{},"turn":{"number":1,"phase":"main","active":0}}`),
		Checksum:    "0000000000000000",
		Heartbeat:   20,
		TurnTimeout: 60000,
	})
	if err != nil {
		t.Fatalf("encode welcome: %v", err)
	}
	return &fakeGateway{welcome: welcome}
}

func (g *fakeGateway) AttachPeer(peer *Peer) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.peers) > 0 {
		return nil, errors.New("seat taken")
	}
	g.peers = append(g.peers, peer)
	return g.welcome, nil
}

func (g *fakeGateway) PeerHeartbeat(receivedAt time.Time, clientSent int64) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats = append(g.heartbeats, clientSent)
	return 12 * time.Millisecond, true
}

func (g *fakeGateway) PeerAction(act action.Action) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actions = append(g.actions, act)
}

func (g *fakeGateway) PeerResync() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resyncs++
}

func (g *fakeGateway) PeerForfeit() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.forfeits++
}

func (g *fakeGateway) DetachPeer(peer *Peer, cause error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.detached = append(g.detached, cause)
	g.detachedPeers = append(g.detachedPeers, peer)
}

func (g *fakeGateway) wait(t *testing.T, describe string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		ok := cond()
		g.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", describe)
}

func dialHost(t *testing.T, gateway Gateway) *websocket.Conn {
	t.Helper()

	handler := NewHandler(gateway, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func websocketURL(t *testing.T, baseURL string) string {
	t.Helper()

	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = "/"
	return parsed.String()
}

func readServerFrame(t *testing.T, conn *websocket.Conn) proto.ServerMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	msg, err := proto.DecodeServerMessage(payload)
	if err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return msg
}

func TestHandleAttachesPeerAndSendsWelcome(t *testing.T) {
	gateway := newFakeGateway(t)
	conn := dialHost(t, gateway)

	welcome := readServerFrame(t, conn)
	if welcome.Type != proto.TypeWelcome {
		t.Fatalf("expected welcome frame, got %q", welcome.Type)
	}
	if welcome.Player != 1 || welcome.SessionSeed != 42 {
		t.Fatalf("unexpected welcome fields: %+v", welcome)
	}

	gateway.wait(t, "peer attach", func() bool { return len(gateway.peers) == 1 })
}

func TestHandleRefusesSecondPeer(t *testing.T) {
	gateway := newFakeGateway(t)

	handler := NewHandler(gateway, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	first, firstResp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL), nil)
	if err != nil {
		if firstResp != nil {
			firstResp.Body.Close()
		}
		t.Fatalf("failed to open first connection: %v", err)
	}
	t.Cleanup(func() {
		first.Close()
		if firstResp != nil {
			firstResp.Body.Close()
		}
	})
	readServerFrame(t, first)

	second, secondResp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL), nil)
	if err != nil {
		if secondResp != nil {
			secondResp.Body.Close()
		}
		t.Fatalf("failed to open second connection: %v", err)
	}
	t.Cleanup(func() {
		second.Close()
		if secondResp != nil {
			secondResp.Body.Close()
		}
	})

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = second.ReadMessage()
	if err == nil {
		t.Fatalf("expected second connection to be refused")
	}
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHandleHeartbeatEcho(t *testing.T) {
	gateway := newFakeGateway(t)
	conn := dialHost(t, gateway)
	readServerFrame(t, conn)

	data, err := proto.EncodeClientHeartbeat(987654)
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	echo := readServerFrame(t, conn)
	if echo.Type != proto.TypeHeartbeat {
		t.Fatalf("expected heartbeat echo, got %q", echo.Type)
	}
	if echo.ClientTime != 987654 {
		t.Fatalf("expected client time to echo back, got %d", echo.ClientTime)
	}
	if echo.RTTMillis != 12 {
		t.Fatalf("expected rtt 12ms, got %d", echo.RTTMillis)
	}

	gateway.wait(t, "heartbeat dispatch", func() bool {
		return len(gateway.heartbeats) == 1 && gateway.heartbeats[0] == 987654
	})
}

func TestHandleDispatchesActionFrames(t *testing.T) {
	gateway := newFakeGateway(t)
	conn := dialHost(t, gateway)
	readServerFrame(t, conn)

	act, err := action.New("move", 1, 3, map[string]any{"unit": "u1"})
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	data, err := proto.EncodeActionSubmit(act)
	if err != nil {
		t.Fatalf("encode action: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write action: %v", err)
	}

	gateway.wait(t, "action dispatch", func() bool {
		return len(gateway.actions) == 1 && gateway.actions[0].ID == act.ID
	})

	got := gateway.actions[0]
	if got.Kind != "move" || got.Player != 1 || got.Turn != 3 {
		t.Fatalf("unexpected action fields: %+v", got)
	}
}

func TestHandleSkipsMalformedFrames(t *testing.T) {
	gateway := newFakeGateway(t)
	conn := dialHost(t, gateway)
	readServerFrame(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`)); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}

	data, err := proto.EncodeClientHeartbeat(111)
	if err != nil {
		t.Fatalf("encode heartbeat: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	echo := readServerFrame(t, conn)
	if echo.Type != proto.TypeHeartbeat || echo.ClientTime != 111 {
		t.Fatalf("read loop did not survive the malformed frame: %+v", echo)
	}
}

func TestHandleResyncAndForfeit(t *testing.T) {
	gateway := newFakeGateway(t)
	conn := dialHost(t, gateway)
	readServerFrame(t, conn)

	resync, err := proto.EncodeResyncRequest(1, "deadbeefdeadbeef")
	if err != nil {
		t.Fatalf("encode resync request: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, resync); err != nil {
		t.Fatalf("write resync request: %v", err)
	}
	gateway.wait(t, "resync dispatch", func() bool { return gateway.resyncs == 1 })

	forfeit, err := proto.EncodeForfeit(1)
	if err != nil {
		t.Fatalf("encode forfeit: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, forfeit); err != nil {
		t.Fatalf("write forfeit: %v", err)
	}
	gateway.wait(t, "forfeit dispatch", func() bool { return gateway.forfeits == 1 })
}

func TestHandleDetachesOnPeerClose(t *testing.T) {
	gateway := newFakeGateway(t)
	conn := dialHost(t, gateway)
	readServerFrame(t, conn)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	gateway.wait(t, "peer detach", func() bool { return len(gateway.detached) == 1 })

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	if len(gateway.detachedPeers) != 1 || gateway.detachedPeers[0] != gateway.peers[0] {
		t.Fatalf("detach did not identify the attached peer")
	}
}
