package network

import (
	"context"

	"skirmish/netplay/logging"
)

const (
	// EventPeerConnected is emitted when the remote peer completes the join handshake.
	EventPeerConnected logging.EventType = "network.peer_connected"
	// EventPeerDisconnected is emitted when the transport to the peer closes.
	EventPeerDisconnected logging.EventType = "network.peer_disconnected"
	// EventHeartbeatTimeout is emitted when the liveness watchdog trips.
	EventHeartbeatTimeout logging.EventType = "network.heartbeat_timeout"
	// EventSendFailed is emitted when a payload cannot be written to the peer.
	EventSendFailed logging.EventType = "network.send_failed"
)

// PeerPayload identifies the remote endpoint. Cause is set on disconnects
// that were not requested by the peer.
type PeerPayload struct {
	Player int    `json:"player"`
	Remote string `json:"remote,omitempty"`
	Cause  string `json:"cause,omitempty"`
}

// TimeoutPayload captures the silence that tripped the watchdog.
type TimeoutPayload struct {
	Player      int    `json:"player"`
	SilenceMS   int64  `json:"silenceMs"`
	ThresholdMS int64  `json:"thresholdMs"`
	Remote      string `json:"remote,omitempty"`
}

// SendFailedPayload captures a failed outbound write.
type SendFailedPayload struct {
	Player      int    `json:"player"`
	MessageType string `json:"messageType"`
	Error       string `json:"error"`
}

// PeerConnected publishes the handshake completion event.
func PeerConnected(ctx context.Context, pub logging.Publisher, sessionID string, payload PeerPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventPeerConnected,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindPeer},
		Severity:  logging.SeverityInfo,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// PeerDisconnected publishes the transport close event.
func PeerDisconnected(ctx context.Context, pub logging.Publisher, sessionID string, payload PeerPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventPeerDisconnected,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindPeer},
		Severity:  logging.SeverityWarn,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// HeartbeatTimeout publishes the watchdog expiry event.
func HeartbeatTimeout(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload TimeoutPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventHeartbeatTimeout,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindPeer},
		Severity:  logging.SeverityWarn,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// SendFailed publishes a failed outbound write at error severity.
func SendFailed(ctx context.Context, pub logging.Publisher, sessionID string, payload SendFailedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventSendFailed,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindPeer},
		Severity:  logging.SeverityError,
		Category:  logging.CategoryNetwork,
		Payload:   payload,
		SessionID: sessionID,
	})
}
