package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/proto"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []proto.ServerMessage
}

func (s *recordingSink) ServerFrame(msg proto.ServerMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, msg)
}

func (s *recordingSink) wait(t *testing.T, describe string, cond func([]proto.ServerMessage) bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		frames := make([]proto.ServerMessage, len(s.frames))
		copy(frames, s.frames)
		s.mu.Unlock()
		if cond(frames) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", describe)
}

func dialClient(t *testing.T, gateway Gateway) *Client {
	t.Helper()

	handler := NewHandler(gateway, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	client, welcome, err := Dial(context.Background(), websocketURL(t, srv.URL), ClientConfig{})
	if err != nil {
		t.Fatalf("dial host: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if welcome.Type != proto.TypeWelcome {
		t.Fatalf("expected welcome frame, got %q", welcome.Type)
	}
	return client
}

func TestDialReadsWelcome(t *testing.T) {
	gateway := newFakeGateway(t)
	client := dialClient(t, gateway)

	if client.Player() != 1 {
		t.Fatalf("expected assigned seat 1, got %d", client.Player())
	}
	if client.Welcome().SessionSeed != 42 {
		t.Fatalf("expected session seed 42, got %d", client.Welcome().SessionSeed)
	}
}

func TestClientRunDeliversHostFrames(t *testing.T) {
	gateway := newFakeGateway(t)
	client := dialClient(t, gateway)

	sink := &recordingSink{}
	go client.Run(sink)

	gateway.wait(t, "peer attach", func() bool { return len(gateway.peers) == 1 })
	gateway.mu.Lock()
	peer := gateway.peers[0]
	gateway.mu.Unlock()

	frame, err := proto.EncodeStateDiffV1(proto.StateDiffV1{
		Ops:      []gamestate.Diff{gamestate.Set(5, "entities", "u1", "hp")},
		Checksum: "0123456789abcdef",
		Counter:  4,
		Turn:     2,
	})
	if err != nil {
		t.Fatalf("encode state diff: %v", err)
	}
	if err := peer.Send(frame); err != nil {
		t.Fatalf("send state diff: %v", err)
	}

	sink.wait(t, "state frame", func(frames []proto.ServerMessage) bool {
		for _, msg := range frames {
			if msg.Type == proto.TypeState && msg.Checksum == "0123456789abcdef" {
				return true
			}
		}
		return false
	})
}

func TestClientRunSendsHeartbeats(t *testing.T) {
	gateway := newFakeGateway(t)
	client := dialClient(t, gateway)

	sink := &recordingSink{}
	go client.Run(sink)

	// The welcome advertises a 20ms cadence; several beats should land well
	// within the deadline.
	gateway.wait(t, "heartbeats", func() bool { return len(gateway.heartbeats) >= 3 })

	sink.wait(t, "heartbeat echoes", func(frames []proto.ServerMessage) bool {
		echoes := 0
		for _, msg := range frames {
			if msg.Type == proto.TypeHeartbeat {
				echoes++
			}
		}
		return echoes >= 1
	})
}

func TestClientSubmitAndControlFrames(t *testing.T) {
	gateway := newFakeGateway(t)
	client := dialClient(t, gateway)

	act, err := action.New("attack", 1, 2, map[string]any{"attacker": "u1", "target": "u2"})
	if err != nil {
		t.Fatalf("new action: %v", err)
	}
	if err := client.Submit(act); err != nil {
		t.Fatalf("submit action: %v", err)
	}
	gateway.wait(t, "submitted action", func() bool {
		return len(gateway.actions) == 1 && gateway.actions[0].ID == act.ID
	})

	if err := client.RequestResync("ffffffffffffffff"); err != nil {
		t.Fatalf("request resync: %v", err)
	}
	gateway.wait(t, "resync request", func() bool { return gateway.resyncs == 1 })

	if err := client.Forfeit(); err != nil {
		t.Fatalf("forfeit: %v", err)
	}
	gateway.wait(t, "forfeit", func() bool { return gateway.forfeits == 1 })
}
