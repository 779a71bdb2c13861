package session

import (
	"context"

	"skirmish/netplay/logging"
)

const (
	// EventCreated is emitted once when a session starts serving.
	EventCreated logging.EventType = "session.created"
	// EventResumed is emitted when a session is rebuilt from a save record.
	EventResumed logging.EventType = "session.resumed"
	// EventActionExecuted is emitted after the pipeline applies an action.
	EventActionExecuted logging.EventType = "session.action_executed"
	// EventActionRejected is emitted when a validation layer refuses an action.
	EventActionRejected logging.EventType = "session.action_rejected"
	// EventEnded is emitted exactly once when a terminal result is reached.
	EventEnded logging.EventType = "session.ended"
	// EventFault is emitted when the engine itself fails, as opposed to a
	// rule refusing a player.
	EventFault logging.EventType = "session.fault"
)

// CreatedPayload captures the identity of a freshly created session.
type CreatedPayload struct {
	Mode string `json:"mode"`
	Seed uint64 `json:"seed"`
}

// ActionPayload captures the outcome of one pipeline pass.
type ActionPayload struct {
	Kind     string `json:"kind"`
	Player   int    `json:"player"`
	Counter  uint64 `json:"counter,omitempty"`
	Code     string `json:"code,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// EndedPayload captures the terminal game result.
type EndedPayload struct {
	Winner int    `json:"winner"`
	Reason string `json:"reason"`
}

// Created publishes the session start event.
func Created(ctx context.Context, pub logging.Publisher, sessionID string, payload CreatedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventCreated,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityInfo,
		Category:  logging.CategorySession,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// ResumedPayload captures where a resumed session picked up. Downgraded is
// set when the save was captured in a networked mode.
type ResumedPayload struct {
	SaveID     string `json:"saveId"`
	SavedMode  string `json:"savedMode"`
	Counter    uint64 `json:"counter"`
	Downgraded bool   `json:"downgraded,omitempty"`
}

// Resumed publishes the save resume event.
func Resumed(ctx context.Context, pub logging.Publisher, sessionID string, payload ResumedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventResumed,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityInfo,
		Category:  logging.CategorySession,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// ActionExecuted publishes a successful pipeline pass at debug severity.
func ActionExecuted(ctx context.Context, pub logging.Publisher, sessionID, correlationID string, turn uint32, payload ActionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:          EventActionExecuted,
		Turn:          turn,
		Actor:         logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:      logging.SeverityDebug,
		Category:      logging.CategorySession,
		Payload:       payload,
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})
}

// ActionRejected publishes a pipeline rejection at info severity.
func ActionRejected(ctx context.Context, pub logging.Publisher, sessionID, correlationID string, turn uint32, payload ActionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:          EventActionRejected,
		Turn:          turn,
		Actor:         logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:      logging.SeverityInfo,
		Category:      logging.CategorySession,
		Payload:       payload,
		SessionID:     sessionID,
		CorrelationID: correlationID,
	})
}

// Ended publishes the terminal result event.
func Ended(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload EndedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventEnded,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityInfo,
		Category:  logging.CategorySession,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// FaultPayload describes an internal engine failure.
type FaultPayload struct {
	Stage string `json:"stage"`
	Error string `json:"error"`
}

// Fault publishes an engine failure at error severity.
func Fault(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload FaultPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventFault,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityError,
		Category:  logging.CategorySystem,
		Payload:   payload,
		SessionID: sessionID,
	})
}
