// Package replay captures the inputs a finished session needs to be
// re-executed deterministically: the session seed, the starting state and the
// accepted actions in execution order.
package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/gamestate"
	"skirmish/netplay/internal/pipeline"
)

// ErrDiverged reports that re-execution did not reproduce the recorded
// session, either through a mid-replay rejection or a final checksum
// mismatch.
var ErrDiverged = errors.New("replay: diverged from recording")

// Recording is the persistent replay record. InitialCounter anchors the seed
// chain; it is nonzero for sessions resumed from a mid-game save.
type Recording struct {
	ID             string          `json:"id"`
	SessionSeed    uint64          `json:"sessionSeed"`
	InitialState   json.RawMessage `json:"initialState"`
	InitialCounter uint64          `json:"initialCounter,omitempty"`
	Actions        []action.Action `json:"actions"`
	FinalChecksum  string          `json:"finalChecksum,omitempty"`
	Winner         int             `json:"winner"`
	Reason         string          `json:"reason,omitempty"`
	RecordedAt     time.Time       `json:"recordedAt"`
}

// Finished reports whether the session reached a terminal result.
func (r Recording) Finished() bool {
	return r.Reason != ""
}

// Recorder accumulates executed actions during a live session.
type Recorder struct {
	mu  sync.Mutex
	rec Recording
}

// NewRecorder snapshots the starting state and opens a recording. counter is
// the action counter the session starts at, zero for a fresh game.
func NewRecorder(sessionSeed uint64, counter uint64, initial gamestate.Doc) (*Recorder, error) {
	snapshot, err := initial.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("replay: snapshot initial state: %w", err)
	}
	return &Recorder{rec: Recording{
		ID:             uuid.NewString(),
		SessionSeed:    sessionSeed,
		InitialState:   snapshot,
		InitialCounter: counter,
		RecordedAt:     time.Now().UTC(),
	}}, nil
}

// Record appends an executed action. Callers append in execution order only.
func (r *Recorder) Record(act action.Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Actions = append(r.rec.Actions, act)
}

// SetOutcome stamps the terminal result.
func (r *Recorder) SetOutcome(winner int, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rec.Winner = winner
	r.rec.Reason = reason
}

// Len reports how many actions have been recorded.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rec.Actions)
}

// Recording closes the record with the final checksum and returns a copy.
func (r *Recorder) Recording(finalChecksum string) Recording {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec := r.rec
	rec.FinalChecksum = finalChecksum
	rec.Actions = make([]action.Action, len(r.rec.Actions))
	copy(rec.Actions, r.rec.Actions)
	rec.InitialState = append(json.RawMessage(nil), r.rec.InitialState...)
	return rec
}

// RunResult reports what a replay produced.
type RunResult struct {
	Doc      gamestate.Doc
	Checksum string
	Actions  int
}

// Run re-executes a recording through a fresh pipeline and verifies the final
// checksum. Rate limiting stays off; the recording already passed it live.
func Run(rec Recording, domain action.Domain) (RunResult, error) {
	if len(rec.InitialState) == 0 {
		return RunResult{}, errors.New("replay: recording has no initial state")
	}
	doc, err := gamestate.FromSnapshot(rec.InitialState)
	if err != nil {
		return RunResult{}, fmt.Errorf("replay: restore initial state: %w", err)
	}

	pipe := pipeline.New(domain, nil, nil)
	counter := rec.InitialCounter
	for i, act := range rec.Actions {
		outcome, err := pipe.Process(doc, act, act.Player, rec.SessionSeed, counter)
		if err != nil {
			return RunResult{}, fmt.Errorf("replay: action %d (%s): %w", i, act.ID, err)
		}
		if !outcome.Result.Accepted {
			return RunResult{}, fmt.Errorf("%w: action %d (%s) rejected: %s",
				ErrDiverged, i, act.ID, outcome.Result.Rejection.Reason)
		}
		doc = outcome.Doc
		counter = outcome.Result.Counter + 1
	}

	checksum, err := doc.Checksum()
	if err != nil {
		return RunResult{}, fmt.Errorf("replay: final checksum: %w", err)
	}
	if rec.FinalChecksum != "" && checksum != rec.FinalChecksum {
		return RunResult{}, fmt.Errorf("%w: final checksum %s, recording expects %s",
			ErrDiverged, checksum, rec.FinalChecksum)
	}

	return RunResult{Doc: doc, Checksum: checksum, Actions: len(rec.Actions)}, nil
}
