package journal

import (
	"fmt"
)

// DesyncReason records one observed divergence.
type DesyncReason struct {
	Kind     string
	ActionID string
}

// DesyncSignal summarises the mismatch run that crossed the escalation
// threshold.
type DesyncSignal struct {
	Mismatches  uint64
	Comparisons uint64
	Streak      int
	Reasons     []DesyncReason
}

// Policy tracks checksum comparisons and escalates when mismatches repeat.
// A single mismatch triggers an ordinary resync; a consecutive run at the
// threshold means resyncs are not taking and the session should surface a
// connection error instead.
type Policy struct {
	threshold   int
	comparisons uint64
	mismatches  uint64
	streak      int
	pending     bool
	reasons     []DesyncReason
}

const defaultDesyncThreshold = 3
const desyncReasonLimit = 8

func NewPolicy(threshold int) *Policy {
	if threshold <= 0 {
		threshold = defaultDesyncThreshold
	}
	return &Policy{threshold: threshold, reasons: make([]DesyncReason, 0, desyncReasonLimit)}
}

func (p *Policy) NoteMatch() {
	if p == nil {
		return
	}
	if p.comparisons == ^uint64(0) {
		p.comparisons = p.comparisons / 2
		p.mismatches = p.mismatches / 2
	}
	p.comparisons++
	p.streak = 0
}

func (p *Policy) NoteMismatch(kind, actionID string) {
	if p == nil {
		return
	}
	p.comparisons++
	p.mismatches++
	p.streak++
	if len(p.reasons) < desyncReasonLimit {
		p.reasons = append(p.reasons, DesyncReason{Kind: kind, ActionID: actionID})
	}
	p.evaluate()
}

func (p *Policy) evaluate() {
	if p == nil || p.pending {
		return
	}
	if p.streak >= p.threshold {
		p.pending = true
	}
}

func (p *Policy) Streak() int {
	if p == nil {
		return 0
	}
	return p.streak
}

func (p *Policy) Consume() (DesyncSignal, bool) {
	if p == nil || !p.pending {
		return DesyncSignal{}, false
	}
	signal := DesyncSignal{
		Mismatches:  p.mismatches,
		Comparisons: p.comparisons,
		Streak:      p.streak,
		Reasons:     append([]DesyncReason(nil), p.reasons...),
	}
	p.pending = false
	p.streak = 0
	p.mismatches = 0
	p.comparisons = 0
	if len(p.reasons) > 0 {
		p.reasons = p.reasons[:0]
	}
	return signal, true
}

func (s DesyncSignal) Summary() string {
	if s.Mismatches == 0 && s.Comparisons == 0 {
		return ""
	}
	return fmt.Sprintf("mismatches=%d comparisons=%d streak=%d reasons=%v", s.Mismatches, s.Comparisons, s.Streak, s.Reasons)
}
