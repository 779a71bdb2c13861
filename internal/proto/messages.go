package proto

import (
	"encoding/json"
	"fmt"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/gamestate"
)

const (
	// Version tracks the wire-protocol revision expected by peers.
	Version = 1

	// Type identifiers for outbound websocket payloads.
	typeWelcome    = "welcome"
	typeResult     = "result"
	typeState      = "state"
	typeSnapshot   = "snapshot"
	typeHeartbeat  = "heartbeat"
	typeGameResult = "gameResult"
)

// Inbound message type identifiers.
const (
	TypeJoin      = "join"
	TypeAction    = "action"
	TypeHeartbeat = "heartbeat"
	TypeResync    = "resyncRequest"
	TypeForfeit   = "forfeit"
)

// Exported aliases for outbound message type identifiers.
const (
	TypeWelcome    = typeWelcome
	TypeResult     = typeResult
	TypeState      = typeState
	TypeSnapshot   = typeSnapshot
	TypeGameResult = typeGameResult
)

// Terminal reasons carried by gameResult frames.
const (
	ReasonVictory    = "victory"
	ReasonTimeout    = "timeout"
	ReasonDisconnect = "disconnect"
	ReasonForfeit    = "forfeit"
)

// Snapshot push reasons.
const (
	SnapshotJoin   = "join"
	SnapshotResync = "resync"
)

// ClientMessage captures an inbound websocket message from the remote peer.
type ClientMessage struct {
	Ver      int             `json:"ver,omitempty"`
	Type     string          `json:"type"`
	ActionID string          `json:"actionId,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Player   int             `json:"player"`
	Turn     uint32          `json:"turn,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   int64           `json:"sentAt,omitempty"`
	Checksum string          `json:"checksum,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured message.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// ClientAction converts an action frame into the pipeline's action shape.
// Origin metadata is stamped by the session when the action is accepted for
// processing.
func ClientAction(msg ClientMessage) (action.Action, bool) {
	if msg.Type != TypeAction || msg.Kind == "" {
		return action.Action{}, false
	}
	return action.Action{
		ID:      msg.ActionID,
		Kind:    action.Kind(msg.Kind),
		Player:  msg.Player,
		Turn:    msg.Turn,
		Payload: msg.Payload,
	}, true
}

// ServerMessage captures an inbound websocket message on the client side. The
// fields form a superset of every outbound frame; Type selects which ones are
// meaningful.
type ServerMessage struct {
	Ver          int              `json:"ver"`
	Type         string           `json:"type"`
	Player       int              `json:"player"`
	SessionSeed  uint64           `json:"sessionSeed,omitempty"`
	State        json.RawMessage  `json:"state,omitempty"`
	Ops          []gamestate.Diff `json:"ops,omitempty"`
	Diffs        []gamestate.Diff `json:"diffs,omitempty"`
	Checksum     string           `json:"checksum,omitempty"`
	Counter      uint64           `json:"counter"`
	Turn         uint32           `json:"turn,omitempty"`
	ActionID     string           `json:"actionId,omitempty"`
	Accepted     bool             `json:"accepted,omitempty"`
	Seed         int64            `json:"seed,omitempty"`
	RejectCode   string           `json:"rejectCode,omitempty"`
	RejectReason string           `json:"rejectReason,omitempty"`
	Reason       string           `json:"reason,omitempty"`
	Winner       int              `json:"winner"`
	ServerTime   int64            `json:"serverTime,omitempty"`
	ClientTime   int64            `json:"clientTime,omitempty"`
	RTTMillis    int64            `json:"rtt,omitempty"`
	Heartbeat    int64            `json:"heartbeatMs,omitempty"`
	TurnTimeout  int64            `json:"turnTimeoutMs,omitempty"`
}

// DecodeServerMessage converts raw websocket payloads from the host into a
// structured message.
func DecodeServerMessage(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported server protocol version %d", msg.Ver)
	}
	return msg, nil
}

// WelcomeV1 captures the version 1 join response layout. It seeds the client
// with everything prediction needs: the shared session seed, the action
// counter and the authoritative state.
type WelcomeV1 struct {
	Ver         int             `json:"ver"`
	Type        string          `json:"type"`
	Player      int             `json:"player"`
	SessionSeed uint64          `json:"sessionSeed"`
	State       json.RawMessage `json:"state"`
	Checksum    string          `json:"checksum"`
	Counter     uint64          `json:"counter"`
	Turn        uint32          `json:"turn"`
	Heartbeat   int64           `json:"heartbeatMs"`
	TurnTimeout int64           `json:"turnTimeoutMs"`
}

// ProtoWelcome tags the struct as a websocket welcome payload.
func (WelcomeV1) ProtoWelcome() {}

// EncodeWelcomeV1 renders a versioned welcome payload.
func EncodeWelcomeV1(msg WelcomeV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeWelcome
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// StateDiffV1 captures the version 1 diff broadcast layout.
type StateDiffV1 struct {
	Ver        int              `json:"ver"`
	Type       string           `json:"type"`
	Ops        []gamestate.Diff `json:"ops"`
	Checksum   string           `json:"checksum"`
	Counter    uint64           `json:"counter"`
	Turn       uint32           `json:"turn"`
	ServerTime int64            `json:"serverTime,omitempty"`
}

// ProtoStateDiff tags the struct as a websocket diff payload.
func (StateDiffV1) ProtoStateDiff() {}

// EncodeStateDiffV1 renders a versioned diff broadcast payload.
func EncodeStateDiffV1(msg StateDiffV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeState
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// SnapshotV1 captures the version 1 full-state push layout used on join and
// resync.
type SnapshotV1 struct {
	Ver      int             `json:"ver"`
	Type     string          `json:"type"`
	State    json.RawMessage `json:"state"`
	Checksum string          `json:"checksum"`
	Counter  uint64          `json:"counter"`
	Turn     uint32          `json:"turn"`
	Reason   string          `json:"reason,omitempty"`
}

// ProtoSnapshot tags the struct as a websocket snapshot payload.
func (SnapshotV1) ProtoSnapshot() {}

// EncodeSnapshotV1 renders a versioned snapshot payload.
func EncodeSnapshotV1(msg SnapshotV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeSnapshot
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// ActionResultV1 captures the version 1 action outcome layout.
type ActionResultV1 struct {
	Ver          int              `json:"ver"`
	Type         string           `json:"type"`
	ActionID     string           `json:"actionId"`
	Accepted     bool             `json:"accepted"`
	Seed         int64            `json:"seed,omitempty"`
	Counter      uint64           `json:"counter"`
	Diffs        []gamestate.Diff `json:"diffs,omitempty"`
	Checksum     string           `json:"checksum,omitempty"`
	RejectCode   string           `json:"rejectCode,omitempty"`
	RejectReason string           `json:"rejectReason,omitempty"`
}

// ProtoActionResult tags the struct as a websocket action result payload.
func (ActionResultV1) ProtoActionResult() {}

// EncodeActionResultV1 renders a versioned action result payload.
func EncodeActionResultV1(msg ActionResultV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeResult
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// ActionResult converts a pipeline result into its wire layout.
func ActionResult(res action.Result) ActionResultV1 {
	frame := ActionResultV1{
		ActionID: res.ActionID,
		Accepted: res.Accepted,
		Counter:  res.Counter,
	}
	if res.Accepted {
		frame.Seed = res.Seed
		frame.Diffs = res.Diffs
		frame.Checksum = res.Checksum
		return frame
	}
	if res.Rejection != nil {
		frame.RejectCode = string(res.Rejection.Code)
		frame.RejectReason = res.Rejection.Reason
	}
	return frame
}

// PipelineResult converts a decoded result frame back into the pipeline's
// result shape for the prediction engine.
func PipelineResult(msg ServerMessage) action.Result {
	res := action.Result{
		ActionID: msg.ActionID,
		Accepted: msg.Accepted,
		Seed:     msg.Seed,
		Counter:  msg.Counter,
		Diffs:    msg.Diffs,
		Checksum: msg.Checksum,
	}
	if !msg.Accepted && msg.RejectCode != "" {
		res.Rejection = &action.Rejection{
			Code:   action.RejectCode(msg.RejectCode),
			Reason: msg.RejectReason,
		}
	}
	return res
}

// Heartbeat echoes timing metadata back to the peer.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement payload.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       typeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}

// EncodeClientHeartbeat renders the heartbeat frame a peer sends to the host.
func EncodeClientHeartbeat(sentAt int64) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		SentAt int64  `json:"sentAt"`
	}{
		Ver:    Version,
		Type:   TypeHeartbeat,
		SentAt: sentAt,
	}
	return json.Marshal(frame)
}

// EncodeActionSubmit renders the frame a peer sends to submit an action.
func EncodeActionSubmit(act action.Action) ([]byte, error) {
	frame := ClientMessage{
		Ver:      Version,
		Type:     TypeAction,
		ActionID: act.ID,
		Kind:     string(act.Kind),
		Player:   act.Player,
		Turn:     act.Turn,
		Payload:  act.Payload,
	}
	return json.Marshal(frame)
}

// EncodeResyncRequest renders the frame a peer sends when its checksum
// diverges from the host's.
func EncodeResyncRequest(player int, checksum string) ([]byte, error) {
	frame := ClientMessage{
		Ver:      Version,
		Type:     TypeResync,
		Player:   player,
		Checksum: checksum,
	}
	return json.Marshal(frame)
}

// EncodeForfeit renders the frame a peer sends to concede the game.
func EncodeForfeit(player int) ([]byte, error) {
	frame := ClientMessage{
		Ver:    Version,
		Type:   TypeForfeit,
		Player: player,
	}
	return json.Marshal(frame)
}

// GameResultV1 captures the version 1 terminal result layout.
type GameResultV1 struct {
	Ver    int    `json:"ver"`
	Type   string `json:"type"`
	Winner int    `json:"winner"`
	Reason string `json:"reason"`
}

// ProtoGameResult tags the struct as a websocket game result payload.
func (GameResultV1) ProtoGameResult() {}

// EncodeGameResultV1 renders a versioned game result payload.
func EncodeGameResultV1(msg GameResultV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = typeGameResult
	}
	msg.Ver = Version
	return json.Marshal(msg)
}
