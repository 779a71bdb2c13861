// Package action defines the intents players submit and the collaborator
// interfaces a game domain implements to validate and execute them. The
// engine never interprets payloads itself.
package action

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skirmish/netplay/internal/gamestate"
)

// PlayerCount fixes the two-player session shape. Player indices are 0 and 1.
const PlayerCount = 2

// Kind names a domain action type, e.g. "move" or "end_turn".
type Kind string

// Action is one player intent captured for pipeline processing.
type Action struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Player   int             `json:"player"`
	Turn     uint32          `json:"turn"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	IssuedAt time.Time       `json:"issuedAt"`
}

// New builds an action with a fresh correlation id. The payload is encoded
// immediately so the action is safe to queue and resend.
func New(kind Kind, player int, turn uint32, payload any) (Action, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Action{}, fmt.Errorf("action: encode payload: %w", err)
		}
		raw = data
	}
	return Action{
		ID:       uuid.NewString(),
		Kind:     kind,
		Player:   player,
		Turn:     turn,
		Payload:  raw,
		IssuedAt: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the payload into target.
func (a Action) DecodePayload(target any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action: %s has no payload", a.Kind)
	}
	if err := json.Unmarshal(a.Payload, target); err != nil {
		return fmt.Errorf("action: decode %s payload: %w", a.Kind, err)
	}
	return nil
}

// Reference names an entity an action touches. MustOwn marks references the
// submitting player has to own for the action to be legal.
type Reference struct {
	EntityID string `json:"entityId"`
	MustOwn  bool   `json:"mustOwn"`
}

// Validator is the read-only domain hook consulted by the pipeline. The same
// implementation runs predictively on the client and authoritatively on the
// host.
type Validator interface {
	// ValidateSchema checks that the kind is known and the payload is
	// well-formed, without looking at game state.
	ValidateSchema(act Action) error
	// PhaseAllows reports whether the kind may run during the phase.
	PhaseAllows(phase string, kind Kind) bool
	// ValidateRules checks legality against the current document.
	ValidateRules(doc gamestate.Doc, act Action) error
	// References lists the entities the action touches so the engine can
	// verify existence and ownership.
	References(act Action) []Reference
}

// Executor applies a validated action. Implementations must be deterministic
// given the document and seed, and must express every mutation as diffs.
type Executor interface {
	Execute(doc gamestate.Doc, act Action, seed int64) ([]gamestate.Diff, error)
}

// Domain bundles the hooks a game ruleset provides.
type Domain interface {
	Validator
	Executor
}
