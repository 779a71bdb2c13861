// Package tactics is the reference ruleset: two squads on an 8x8 grid, units
// with hit points and attack stats, seeded damage rolls. It implements the
// domain hooks the pipeline consults, so the same rules run predictively on
// the client and authoritatively on the host.
package tactics

import (
	"errors"
	"fmt"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/rng"
)

const BoardSize = 8

// Action kinds the ruleset accepts.
const (
	KindMove    action.Kind = "move"
	KindAttack  action.Kind = "attack"
	KindEndTurn action.Kind = "end_turn"
)

// damageSpread is the exclusive upper bound of the random damage bonus.
const damageSpread = 3

type movePayload struct {
	Unit string `json:"unit"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

type attackPayload struct {
	Attacker string `json:"attacker"`
	Target   string `json:"target"`
}

type unitSpec struct {
	id    string
	owner int
	class string
	x, y  int
}

type classStats struct {
	hp     int
	attack int
	reach  int
	move   int
}

var classes = map[string]classStats{
	"soldier": {hp: 10, attack: 3, reach: 1, move: 2},
	"archer":  {hp: 6, attack: 2, reach: 3, move: 2},
}

func startingUnits() []unitSpec {
	return []unitSpec{
		{id: "p0-soldier-1", owner: 0, class: "soldier", x: 2, y: 0},
		{id: "p0-soldier-2", owner: 0, class: "soldier", x: 5, y: 0},
		{id: "p0-archer-1", owner: 0, class: "archer", x: 3, y: 1},
		{id: "p1-soldier-1", owner: 1, class: "soldier", x: 2, y: 7},
		{id: "p1-soldier-2", owner: 1, class: "soldier", x: 5, y: 7},
		{id: "p1-archer-1", owner: 1, class: "archer", x: 4, y: 6},
	}
}

// NewGame builds the starting document with both squads deployed.
func NewGame() (gamestate.Doc, error) {
	doc := gamestate.New()
	for _, spec := range startingUnits() {
		stats, ok := classes[spec.class]
		if !ok {
			return nil, fmt.Errorf("tactics: unknown class %q", spec.class)
		}
		unit := map[string]any{
			"owner":  spec.owner,
			"class":  spec.class,
			"x":      spec.x,
			"y":      spec.y,
			"hp":     stats.hp,
			"attack": stats.attack,
			"reach":  stats.reach,
			"move":   stats.move,
		}
		if err := doc.Set(unit, "entities", spec.id); err != nil {
			return nil, fmt.Errorf("tactics: place %s: %w", spec.id, err)
		}
	}
	return doc, nil
}

// Domain implements the pipeline's validator and executor hooks.
type Domain struct{}

func New() Domain {
	return Domain{}
}

// ValidateSchema checks kinds and payload shapes without touching state.
func (Domain) ValidateSchema(act action.Action) error {
	switch act.Kind {
	case KindMove:
		var payload movePayload
		if err := act.DecodePayload(&payload); err != nil {
			return err
		}
		if payload.Unit == "" {
			return errors.New("move requires a unit")
		}
		return nil
	case KindAttack:
		var payload attackPayload
		if err := act.DecodePayload(&payload); err != nil {
			return err
		}
		if payload.Attacker == "" || payload.Target == "" {
			return errors.New("attack requires an attacker and a target")
		}
		if payload.Attacker == payload.Target {
			return errors.New("a unit cannot attack itself")
		}
		return nil
	case KindEndTurn:
		return nil
	default:
		return fmt.Errorf("unknown kind %q", act.Kind)
	}
}

// PhaseAllows accepts every kind during the main phase; the ruleset has no
// other phases.
func (Domain) PhaseAllows(phase string, kind action.Kind) bool {
	return phase == "main"
}

// ValidateRules checks geometry and targeting against the document. Checks
// that need an entity are skipped when it is missing; reference validation
// names dangling entities afterwards.
func (Domain) ValidateRules(doc gamestate.Doc, act action.Action) error {
	switch act.Kind {
	case KindMove:
		var payload movePayload
		if err := act.DecodePayload(&payload); err != nil {
			return err
		}
		if payload.X < 0 || payload.X >= BoardSize || payload.Y < 0 || payload.Y >= BoardSize {
			return fmt.Errorf("destination (%d,%d) is off the board", payload.X, payload.Y)
		}
		unit, ok := doc.Entity(payload.Unit)
		if !ok {
			return nil
		}
		distance := manhattan(unitX(unit), unitY(unit), payload.X, payload.Y)
		if distance == 0 {
			return errors.New("unit is already there")
		}
		if distance > unitStat(unit, "move") {
			return fmt.Errorf("destination is %d tiles away, unit moves %d", distance, unitStat(unit, "move"))
		}
		if occupant, occupied := unitAt(doc, payload.X, payload.Y); occupied && occupant != payload.Unit {
			return fmt.Errorf("(%d,%d) is occupied by %s", payload.X, payload.Y, occupant)
		}
		return nil
	case KindAttack:
		var payload attackPayload
		if err := act.DecodePayload(&payload); err != nil {
			return err
		}
		attacker, attackerOK := doc.Entity(payload.Attacker)
		target, targetOK := doc.Entity(payload.Target)
		if !attackerOK || !targetOK {
			return nil
		}
		attackerOwner, _ := doc.EntityOwner(payload.Attacker)
		targetOwner, _ := doc.EntityOwner(payload.Target)
		if attackerOwner == targetOwner {
			return errors.New("cannot attack a friendly unit")
		}
		distance := chebyshev(unitX(attacker), unitY(attacker), unitX(target), unitY(target))
		if distance > unitStat(attacker, "reach") {
			return fmt.Errorf("target is %d tiles away, reach is %d", distance, unitStat(attacker, "reach"))
		}
		return nil
	case KindEndTurn:
		return nil
	default:
		return fmt.Errorf("unknown kind %q", act.Kind)
	}
}

// References lists the units an action touches. Moves and attacks require the
// acting unit to belong to the submitter; attack targets only have to exist.
func (Domain) References(act action.Action) []action.Reference {
	switch act.Kind {
	case KindMove:
		var payload movePayload
		if err := act.DecodePayload(&payload); err != nil {
			return nil
		}
		return []action.Reference{{EntityID: payload.Unit, MustOwn: true}}
	case KindAttack:
		var payload attackPayload
		if err := act.DecodePayload(&payload); err != nil {
			return nil
		}
		return []action.Reference{
			{EntityID: payload.Attacker, MustOwn: true},
			{EntityID: payload.Target},
		}
	default:
		return nil
	}
}

// Execute applies a validated action. The damage bonus is the only random
// element and comes entirely from the per-action seed.
func (Domain) Execute(doc gamestate.Doc, act action.Action, seed int64) ([]gamestate.Diff, error) {
	switch act.Kind {
	case KindMove:
		var payload movePayload
		if err := act.DecodePayload(&payload); err != nil {
			return nil, err
		}
		return []gamestate.Diff{
			gamestate.Set(payload.X, "entities", payload.Unit, "x"),
			gamestate.Set(payload.Y, "entities", payload.Unit, "y"),
		}, nil
	case KindAttack:
		var payload attackPayload
		if err := act.DecodePayload(&payload); err != nil {
			return nil, err
		}
		attacker, ok := doc.Entity(payload.Attacker)
		if !ok {
			return nil, fmt.Errorf("attacker %s is gone", payload.Attacker)
		}
		target, ok := doc.Entity(payload.Target)
		if !ok {
			return nil, fmt.Errorf("target %s is gone", payload.Target)
		}

		damage := unitStat(attacker, "attack") + rng.NewRandFromSeed(seed).Intn(damageSpread)
		hp := unitStat(target, "hp") - damage
		if hp > 0 {
			return []gamestate.Diff{gamestate.Set(hp, "entities", payload.Target, "hp")}, nil
		}

		diffs := []gamestate.Diff{gamestate.Delete("entities", payload.Target)}
		targetOwner, _ := doc.EntityOwner(payload.Target)
		if survivors(doc, targetOwner, payload.Target) == 0 {
			attackerOwner, _ := doc.EntityOwner(payload.Attacker)
			diffs = append(diffs,
				gamestate.Set(attackerOwner, "result", "winner"),
				gamestate.Set("victory", "result", "reason"),
			)
		}
		return diffs, nil
	case KindEndTurn:
		return []gamestate.Diff{
			gamestate.Set(doc.TurnNumber()+1, "turn", "number"),
			gamestate.Set(1-doc.ActivePlayer(), "turn", "active"),
		}, nil
	default:
		return nil, fmt.Errorf("unknown kind %q", act.Kind)
	}
}

// MoveAction builds a move intent for the given turn.
func MoveAction(player int, turn uint32, unit string, x, y int) (action.Action, error) {
	return action.New(KindMove, player, turn, movePayload{Unit: unit, X: x, Y: y})
}

// AttackAction builds an attack intent for the given turn.
func AttackAction(player int, turn uint32, attacker, target string) (action.Action, error) {
	return action.New(KindAttack, player, turn, attackPayload{Attacker: attacker, Target: target})
}

// EndTurnAction builds a turn handover intent.
func EndTurnAction(player int, turn uint32) (action.Action, error) {
	return action.New(KindEndTurn, player, turn, nil)
}

func unitX(unit map[string]any) int {
	return intField(unit, "x")
}

func unitY(unit map[string]any) int {
	return intField(unit, "y")
}

func unitStat(unit map[string]any, name string) int {
	return intField(unit, name)
}

func intField(unit map[string]any, name string) int {
	value, ok := unit[name].(float64)
	if !ok {
		return 0
	}
	return int(value)
}

func unitAt(doc gamestate.Doc, x, y int) (string, bool) {
	for _, id := range doc.EntityIDs() {
		unit, ok := doc.Entity(id)
		if !ok {
			continue
		}
		if unitX(unit) == x && unitY(unit) == y {
			return id, true
		}
	}
	return "", false
}

func survivors(doc gamestate.Doc, owner int, excluding string) int {
	count := 0
	for _, id := range doc.EntityIDs() {
		if id == excluding {
			continue
		}
		if unitOwner, ok := doc.EntityOwner(id); ok && unitOwner == owner {
			count++
		}
	}
	return count
}

func manhattan(x1, y1, x2, y2 int) int {
	return abs(x1-x2) + abs(y1-y2)
}

func chebyshev(x1, y1, x2, y2 int) int {
	dx := abs(x1 - x2)
	dy := abs(y1 - y2)
	if dx > dy {
		return dx
	}
	return dy
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
