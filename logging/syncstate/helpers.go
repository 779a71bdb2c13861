package syncstate

import (
	"context"

	"skirmish/netplay/logging"
)

const (
	// EventDiffBroadcast is emitted when the host ships a diff batch to the peer.
	EventDiffBroadcast logging.EventType = "sync.diff_broadcast"
	// EventChecksumMismatch is emitted when the client detects divergence.
	EventChecksumMismatch logging.EventType = "sync.checksum_mismatch"
	// EventSnapshotPushed is emitted when a full snapshot replaces the tracked state.
	EventSnapshotPushed logging.EventType = "sync.snapshot_pushed"
	// EventRollback is emitted when a prediction is unwound.
	EventRollback logging.EventType = "sync.rollback"
	// EventDesyncEscalated is emitted when consecutive mismatches cross the
	// threshold and resyncs are evidently not taking.
	EventDesyncEscalated logging.EventType = "sync.desync_escalated"
)

// DiffPayload summarises one broadcast batch.
type DiffPayload struct {
	Ops      int    `json:"ops"`
	Checksum string `json:"checksum"`
}

// MismatchPayload pairs the two checksums that disagreed.
type MismatchPayload struct {
	Local  string `json:"local"`
	Remote string `json:"remote"`
	Streak int    `json:"streak"`
}

// SnapshotPayload summarises a full-state replacement.
type SnapshotPayload struct {
	Checksum string `json:"checksum"`
	Reason   string `json:"reason"`
}

// RollbackPayload captures an unwound prediction.
type RollbackPayload struct {
	Kind string `json:"kind"`
	Code string `json:"code,omitempty"`
}

// EscalationPayload summarises the mismatch run that crossed the threshold.
type EscalationPayload struct {
	Streak      int    `json:"streak"`
	Mismatches  uint64 `json:"mismatches"`
	Comparisons uint64 `json:"comparisons"`
	Detail      string `json:"detail,omitempty"`
}

// DiffBroadcast publishes a broadcast batch at debug severity.
func DiffBroadcast(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload DiffPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventDiffBroadcast,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityDebug,
		Category:  logging.CategorySync,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// ChecksumMismatch publishes a divergence observation at warn severity.
func ChecksumMismatch(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload MismatchPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventChecksumMismatch,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityWarn,
		Category:  logging.CategorySync,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// SnapshotPushed publishes a full-state replacement event.
func SnapshotPushed(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload SnapshotPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventSnapshotPushed,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityInfo,
		Category:  logging.CategorySync,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// DesyncEscalated publishes the threshold crossing at error severity.
func DesyncEscalated(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload EscalationPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventDesyncEscalated,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityError,
		Category:  logging.CategorySync,
		Payload:   payload,
		SessionID: sessionID,
	})
}

// Rollback publishes a prediction unwind at debug severity.
func Rollback(ctx context.Context, pub logging.Publisher, sessionID string, turn uint32, payload RollbackPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventRollback,
		Turn:      turn,
		Actor:     logging.EntityRef{ID: sessionID, Kind: logging.EntityKindSession},
		Severity:  logging.SeverityDebug,
		Category:  logging.CategorySync,
		Payload:   payload,
		SessionID: sessionID,
	})
}
