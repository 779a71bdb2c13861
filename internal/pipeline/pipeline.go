// Package pipeline gates every submitted action through six ordered
// validation layers and, on acceptance, executes it deterministically. The
// first failing layer short-circuits; rejections never mutate state and
// never consume an action counter value.
package pipeline

import (
	"fmt"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/rng"
	"skirmish/netplay/internal/telemetry"
)

// maxActionPayloadBytes caps the encoded payload accepted by the schema
// layer.
const maxActionPayloadBytes = 16 << 10

const (
	executedMetricKey     = "pipeline_executed_total"
	rejectMetricKeyPrefix = "pipeline_reject_"
)

// Pipeline validates and executes actions against a replicated document.
// The same type runs authoritatively on the host and predictively on the
// client; only the surrounding session logic differs.
type Pipeline struct {
	domain  action.Domain
	limiter *RateLimiter
	metrics telemetry.Metrics
}

// New constructs a pipeline. The limiter may be nil when rate limiting is
// not wanted, e.g. for replay verification.
func New(domain action.Domain, limiter *RateLimiter, metrics telemetry.Metrics) *Pipeline {
	return &Pipeline{domain: domain, limiter: limiter, metrics: metrics}
}

// Outcome carries the verdict and, for accepted actions, the successor
// document. The input document is never mutated.
type Outcome struct {
	Result action.Result
	Doc    gamestate.Doc
}

// Process runs all six layers for an action submitted by the authenticated
// player `from`, then executes on acceptance. The seed derives from the
// session seed and the provided counter value immediately before execution.
// A non-nil error reports an engine fault, not a rejection.
func (p *Pipeline) Process(doc gamestate.Doc, act action.Action, from int, sessionSeed uint64, counter uint64) (Outcome, error) {
	if rejection := p.Validate(doc, act, from); rejection != nil {
		p.countRejection(rejection)
		return Outcome{Result: action.Refuse(act.ID, rejection)}, nil
	}

	seed := rng.ActionSeed(sessionSeed, counter)
	diffs, err := p.domain.Execute(doc, act, seed)
	if err != nil {
		// The executor found something validation could not see. State is
		// untouched, so surface it as a domain rule rejection.
		rejection := action.Reject(action.RejectDomainRule, "execute %s: %v", act.Kind, err)
		p.countRejection(rejection)
		return Outcome{Result: action.Refuse(act.ID, rejection)}, nil
	}

	next := doc.Clone()
	if err := next.Apply(diffs); err != nil {
		return Outcome{}, fmt.Errorf("pipeline: apply %s diffs: %w", act.Kind, err)
	}
	checksum, err := next.Checksum()
	if err != nil {
		return Outcome{}, fmt.Errorf("pipeline: checksum after %s: %w", act.Kind, err)
	}

	if p.metrics != nil {
		p.metrics.Add(executedMetricKey, 1)
	}
	return Outcome{
		Result: action.Accept(act.ID, seed, counter, diffs, checksum),
		Doc:    next,
	}, nil
}

// Validate runs the six layers without executing. A nil return means the
// action passed every layer.
func (p *Pipeline) Validate(doc gamestate.Doc, act action.Action, from int) *action.Rejection {
	if rejection := p.checkSchema(act); rejection != nil {
		return rejection
	}
	if rejection := p.checkAuthority(act, from); rejection != nil {
		return rejection
	}
	if rejection := p.checkTurnContext(doc, act); rejection != nil {
		return rejection
	}
	if rejection := p.checkRateLimit(act); rejection != nil {
		return rejection
	}
	if rejection := p.checkDomainRule(doc, act); rejection != nil {
		return rejection
	}
	return p.checkReferential(doc, act)
}

func (p *Pipeline) checkSchema(act action.Action) *action.Rejection {
	if act.ID == "" {
		return action.Reject(action.RejectSchema, "missing action id")
	}
	if act.Kind == "" {
		return action.Reject(action.RejectSchema, "missing action kind")
	}
	if act.Player < 0 || act.Player >= action.PlayerCount {
		return action.Reject(action.RejectSchema, "player index %d out of range", act.Player)
	}
	if len(act.Payload) > maxActionPayloadBytes {
		return action.Reject(action.RejectSchema, "payload exceeds %d bytes", maxActionPayloadBytes)
	}
	if err := p.domain.ValidateSchema(act); err != nil {
		return action.Reject(action.RejectSchema, "%v", err)
	}
	return nil
}

func (p *Pipeline) checkAuthority(act action.Action, from int) *action.Rejection {
	if act.Player != from {
		return action.Reject(action.RejectAuthority, "player %d cannot submit for player %d", from, act.Player)
	}
	return nil
}

func (p *Pipeline) checkTurnContext(doc gamestate.Doc, act action.Action) *action.Rejection {
	current := doc.TurnNumber()
	if act.Turn != current {
		return action.Reject(action.RejectTurnContext, "action targets turn %d, current turn is %d", act.Turn, current)
	}
	if active := doc.ActivePlayer(); act.Player != active {
		return action.Reject(action.RejectTurnContext, "player %d is not active", act.Player)
	}
	if phase := doc.TurnPhase(); !p.domain.PhaseAllows(phase, act.Kind) {
		return action.Reject(action.RejectTurnContext, "%s not allowed during %s phase", act.Kind, phase)
	}
	return nil
}

func (p *Pipeline) checkRateLimit(act action.Action) *action.Rejection {
	if p.limiter == nil {
		return nil
	}
	if !p.limiter.Allow(act.Player) {
		return action.Reject(action.RejectRateLimit, "player %d exhausted the submission budget", act.Player)
	}
	return nil
}

func (p *Pipeline) checkDomainRule(doc gamestate.Doc, act action.Action) *action.Rejection {
	if err := p.domain.ValidateRules(doc, act); err != nil {
		if rejection, ok := action.AsRejection(err); ok {
			return rejection
		}
		return action.Reject(action.RejectDomainRule, "%v", err)
	}
	return nil
}

func (p *Pipeline) checkReferential(doc gamestate.Doc, act action.Action) *action.Rejection {
	for _, ref := range p.domain.References(act) {
		if ref.EntityID == "" {
			return action.Reject(action.RejectReferential, "%s names an empty entity reference", act.Kind)
		}
		if !doc.EntityExists(ref.EntityID) {
			return action.Reject(action.RejectReferential, "entity %s does not exist", ref.EntityID)
		}
		if ref.MustOwn {
			owner, ok := doc.EntityOwner(ref.EntityID)
			if !ok {
				return action.Reject(action.RejectReferential, "entity %s has no owner", ref.EntityID)
			}
			if owner != act.Player {
				return action.Reject(action.RejectReferential, "entity %s belongs to player %d", ref.EntityID, owner)
			}
		}
	}
	return nil
}

func (p *Pipeline) countRejection(rejection *action.Rejection) {
	if p.metrics == nil || rejection == nil {
		return
	}
	p.metrics.Add(rejectMetricKeyPrefix+string(rejection.Code), 1)
}
