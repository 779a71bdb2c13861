package ws

import (
	"log"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/proto"
)

// Gateway is the session surface the transport dispatches inbound frames to.
// AttachPeer claims the single remote seat and returns the encoded welcome
// frame; it fails when the seat is already taken or the game is over.
// DetachPeer carries the peer so a slow teardown cannot evict a replacement
// that attached in the meantime.
type Gateway interface {
	AttachPeer(peer *Peer) ([]byte, error)
	PeerHeartbeat(receivedAt time.Time, clientSent int64) (time.Duration, bool)
	PeerAction(act action.Action)
	PeerResync()
	PeerForfeit()
	DetachPeer(peer *Peer, cause error)
}

type HandlerConfig struct {
	Logger *log.Logger
}

// Handler upgrades HTTP requests and runs the read loop for the remote peer.
type Handler struct {
	gateway  Gateway
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewHandler(gateway Gateway, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}

	return &Handler{
		gateway:  gateway,
		logger:   logger,
		upgrader: upgrader,
	}
}

func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	peer := NewPeer(conn, r.RemoteAddr)

	welcome, err := h.gateway.AttachPeer(peer)
	if err != nil {
		peer.CloseWithPolicy(err.Error())
		return
	}

	if err := peer.Send(welcome); err != nil {
		h.gateway.DetachPeer(peer, err)
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			h.gateway.DetachPeer(peer, err)
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", peer.Remote(), err)
			continue
		}

		switch msg.Type {
		case proto.TypeHeartbeat:
			now := time.Now()
			rtt, ok := h.gateway.PeerHeartbeat(now, msg.SentAt)
			if !ok {
				continue
			}

			ack, err := proto.EncodeHeartbeat(proto.Heartbeat{
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			})
			if err != nil {
				h.logger.Printf("failed to marshal heartbeat ack for %s: %v", peer.Remote(), err)
				continue
			}
			if err := peer.Send(ack); err != nil {
				h.gateway.DetachPeer(peer, err)
				return
			}
		case proto.TypeAction:
			act, ok := proto.ClientAction(msg)
			if !ok {
				h.logger.Printf("discarding kindless action from %s", peer.Remote())
				continue
			}
			h.gateway.PeerAction(act)
		case proto.TypeResync, proto.TypeJoin:
			h.gateway.PeerResync()
		case proto.TypeForfeit:
			h.gateway.PeerForfeit()
		default:
			h.logger.Printf("unknown message type %q from %s", msg.Type, peer.Remote())
		}
	}
}
