// Package predict runs the client side of optimistic execution. A submitted
// action executes immediately against the local document so the player sees
// the outcome without waiting a round trip; the pre-action snapshot is kept
// until the host's authoritative result either confirms the guess or forces
// a rollback.
package predict

import (
	"errors"
	"fmt"
	"time"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/pipeline"
)

var (
	// ErrQueueFull reports that the submission queue cannot absorb more
	// intents.
	ErrQueueFull = errors.New("predict: submission queue full")
	// ErrNoPending reports a resolution with nothing outstanding.
	ErrNoPending = errors.New("predict: no pending prediction")
	// ErrWrongAction reports a resolution addressed to a different action.
	ErrWrongAction = errors.New("predict: result does not match pending action")
)

// SubmissionStatus classifies what happened to a submitted intent.
type SubmissionStatus string

const (
	// StatusPredicted means the action executed optimistically and should
	// be transmitted to the host now.
	StatusPredicted SubmissionStatus = "predicted"
	// StatusQueued means another prediction is outstanding; the intent
	// waits its turn and must not be transmitted yet.
	StatusQueued SubmissionStatus = "queued"
	// StatusRejected means local validation refused the intent. Nothing
	// was transmitted and nothing changed.
	StatusRejected SubmissionStatus = "rejected"
)

// Submission reports the predictor's verdict on one submitted intent.
type Submission struct {
	Status    SubmissionStatus
	Action    action.Action
	Predicted action.Result
	Rejection *action.Rejection
}

// ResolutionKind classifies how a pending prediction ended.
type ResolutionKind string

const (
	// ResolutionConfirmed means the host agreed with the optimistic state.
	ResolutionConfirmed ResolutionKind = "confirmed"
	// ResolutionRejected means the host refused the action; the optimistic
	// state was rolled back.
	ResolutionRejected ResolutionKind = "rejected"
	// ResolutionDesynced means the host accepted but the states diverged;
	// the local document was rebuilt from the host's diffs.
	ResolutionDesynced ResolutionKind = "desynced"
	// ResolutionExpired means no result arrived within the expiry window.
	ResolutionExpired ResolutionKind = "expired"
	// ResolutionSuperseded means an authoritative update arrived while the
	// prediction was outstanding and replaced it.
	ResolutionSuperseded ResolutionKind = "superseded"
)

// Resolution reports how a pending prediction ended.
type Resolution struct {
	Kind        ResolutionKind
	ActionID    string
	Rejection   *action.Rejection
	NeedsResync bool
}

// Pending is the one outstanding prediction.
type Pending struct {
	Action    action.Action
	Snapshot  gamestate.Doc
	Predicted action.Result
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Engine owns the client's view of the replicated document.
type Engine struct {
	doc         gamestate.Doc
	player      int
	sessionSeed uint64
	counter     uint64
	pipe        *pipeline.Pipeline
	pending     *Pending
	queue       []action.Action
	queueCap    int
	expiry      time.Duration
	now         func() time.Time
}

// New constructs a predictor for the local player. The pipeline should wrap
// the same domain the host runs. A nil now falls back to time.Now.
func New(doc gamestate.Doc, player int, sessionSeed uint64, pipe *pipeline.Pipeline, expiry time.Duration, queueCap int, now func() time.Time) *Engine {
	if expiry <= 0 {
		expiry = 30 * time.Second
	}
	if queueCap < 1 {
		queueCap = 16
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{
		doc:         doc,
		player:      player,
		sessionSeed: sessionSeed,
		pipe:        pipe,
		queue:       make([]action.Action, 0, queueCap),
		queueCap:    queueCap,
		expiry:      expiry,
		now:         now,
	}
}

// Doc exposes the current optimistic document.
func (e *Engine) Doc() gamestate.Doc {
	return e.doc
}

// Counter exposes the client's mirror of the host action counter.
func (e *Engine) Counter() uint64 {
	return e.counter
}

// PendingID returns the id of the outstanding prediction, if any.
func (e *Engine) PendingID() (string, bool) {
	if e.pending == nil {
		return "", false
	}
	return e.pending.Action.ID, true
}

// Submit predicts the intent immediately when nothing is outstanding, or
// queues it otherwise. A locally rejected intent never queues and never
// transmits.
func (e *Engine) Submit(act action.Action) (Submission, error) {
	if e.pending != nil {
		if len(e.queue) >= e.queueCap {
			return Submission{}, ErrQueueFull
		}
		e.queue = append(e.queue, act)
		return Submission{Status: StatusQueued, Action: act}, nil
	}
	return e.predictNow(act)
}

// Next pops the oldest queued intent and predicts it. It returns false when
// the queue is empty or a prediction is still outstanding.
func (e *Engine) Next() (Submission, bool, error) {
	if e.pending != nil || len(e.queue) == 0 {
		return Submission{}, false, nil
	}
	act := e.queue[0]
	e.queue = e.queue[1:]
	submission, err := e.predictNow(act)
	if err != nil {
		return Submission{}, false, err
	}
	return submission, true, nil
}

// QueueLen reports the number of waiting intents.
func (e *Engine) QueueLen() int {
	return len(e.queue)
}

func (e *Engine) predictNow(act action.Action) (Submission, error) {
	// The intent may have waited in the queue across a turn change, so the
	// turn stamp is taken at prediction time.
	act.Turn = e.doc.TurnNumber()

	outcome, err := e.pipe.Process(e.doc, act, e.player, e.sessionSeed, e.counter)
	if err != nil {
		return Submission{}, fmt.Errorf("predict: %w", err)
	}
	if !outcome.Result.Accepted {
		return Submission{
			Status:    StatusRejected,
			Action:    act,
			Rejection: outcome.Result.Rejection,
		}, nil
	}

	issued := e.now()
	e.pending = &Pending{
		Action:    act,
		Snapshot:  e.doc.Clone(),
		Predicted: outcome.Result,
		IssuedAt:  issued,
		ExpiresAt: issued.Add(e.expiry),
	}
	e.doc = outcome.Doc
	return Submission{Status: StatusPredicted, Action: act, Predicted: outcome.Result}, nil
}

// Resolve consumes the host's result for the outstanding prediction.
func (e *Engine) Resolve(result action.Result) (Resolution, error) {
	if e.pending == nil {
		return Resolution{}, ErrNoPending
	}
	if result.ActionID != e.pending.Action.ID {
		return Resolution{}, fmt.Errorf("%w: pending %s, got %s", ErrWrongAction, e.pending.Action.ID, result.ActionID)
	}

	pending := e.pending
	e.pending = nil

	if !result.Accepted {
		e.doc = pending.Snapshot
		return Resolution{
			Kind:      ResolutionRejected,
			ActionID:  result.ActionID,
			Rejection: result.Rejection,
		}, nil
	}

	e.counter = result.Counter + 1
	if result.Checksum == pending.Predicted.Checksum {
		return Resolution{Kind: ResolutionConfirmed, ActionID: result.ActionID}, nil
	}

	// The host saw a different outcome. Unwind the guess and rebuild from
	// the authoritative diffs.
	rebuilt := pending.Snapshot
	if err := rebuilt.Apply(result.Diffs); err != nil {
		e.doc = pending.Snapshot
		return Resolution{Kind: ResolutionDesynced, ActionID: result.ActionID, NeedsResync: true}, nil
	}
	e.doc = rebuilt
	checksum, err := rebuilt.Checksum()
	if err != nil || checksum != result.Checksum {
		return Resolution{Kind: ResolutionDesynced, ActionID: result.ActionID, NeedsResync: true}, nil
	}
	return Resolution{Kind: ResolutionDesynced, ActionID: result.ActionID}, nil
}

// ApplyAuthoritative consumes an accepted result that does not answer the
// outstanding prediction: the remote player's actions, or a late result for
// an already-expired prediction. When a prediction is outstanding it is
// superseded and discarded; the host has moved past it.
func (e *Engine) ApplyAuthoritative(result action.Result) (Resolution, error) {
	if !result.Accepted {
		return Resolution{}, nil
	}

	superseded := false
	if e.pending != nil {
		e.doc = e.pending.Snapshot
		e.pending = nil
		superseded = true
	}

	if err := e.doc.Apply(result.Diffs); err != nil {
		return Resolution{Kind: ResolutionSuperseded, ActionID: result.ActionID, NeedsResync: true}, nil
	}
	e.counter = result.Counter + 1

	checksum, err := e.doc.Checksum()
	if err != nil || checksum != result.Checksum {
		return Resolution{Kind: ResolutionSuperseded, ActionID: result.ActionID, NeedsResync: true}, nil
	}
	if superseded {
		return Resolution{Kind: ResolutionSuperseded, ActionID: result.ActionID}, nil
	}
	return Resolution{Kind: ResolutionConfirmed, ActionID: result.ActionID}, nil
}

// ApplyBroadcast consumes a diff broadcast covering actions the local player
// did not submit. Unlike a result, the broadcast carries the host's counter as
// an absolute value, so it is adopted rather than incremented. An outstanding
// prediction is superseded the same way ApplyAuthoritative supersedes one.
func (e *Engine) ApplyBroadcast(diffs []gamestate.Diff, checksum string, counter uint64) (Resolution, error) {
	kind := ResolutionConfirmed
	if e.pending != nil {
		e.doc = e.pending.Snapshot
		e.pending = nil
		kind = ResolutionSuperseded
	}

	if err := e.doc.Apply(diffs); err != nil {
		return Resolution{Kind: kind, NeedsResync: true}, nil
	}
	e.counter = counter

	sum, err := e.doc.Checksum()
	if err != nil || (checksum != "" && sum != checksum) {
		return Resolution{Kind: kind, NeedsResync: true}, nil
	}
	return Resolution{Kind: kind}, nil
}

// ExpirePending rolls back a prediction whose result never arrived. The
// caller polls this from its timer loop.
func (e *Engine) ExpirePending(now time.Time) (Resolution, bool) {
	if e.pending == nil || now.Before(e.pending.ExpiresAt) {
		return Resolution{}, false
	}
	pending := e.pending
	e.pending = nil
	e.doc = pending.Snapshot
	return Resolution{
		Kind:        ResolutionExpired,
		ActionID:    pending.Action.ID,
		NeedsResync: true,
	}, true
}

// Resync replaces the document wholesale from a full snapshot. Any pending
// prediction and queued intents are discarded; they were built on a view the
// host no longer recognises.
func (e *Engine) Resync(snapshot []byte, checksum string, counter uint64) error {
	doc, err := gamestate.FromSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("predict: resync: %w", err)
	}
	sum, err := doc.Checksum()
	if err != nil {
		return fmt.Errorf("predict: resync checksum: %w", err)
	}
	if checksum != "" && sum != checksum {
		return fmt.Errorf("predict: resync snapshot checksum %s does not match advertised %s", sum, checksum)
	}
	e.doc = doc
	e.pending = nil
	e.queue = e.queue[:0]
	e.counter = counter
	return nil
}
