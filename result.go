package netplay

import (
	"errors"
	"fmt"

	"skirmish/netplay/internal/action"
	"skirmish/netplay/internal/proto"
)

// Mode selects which side of the synchronized session this process runs.
type Mode string

const (
	// ModeOffline runs both seats on one machine with no transport.
	ModeOffline Mode = "offline"
	// ModeHost runs the authoritative side and serves the remote seat.
	ModeHost Mode = "host"
	// ModeClient mirrors a remote host with optimistic prediction.
	ModeClient Mode = "client"
)

// Terminal reasons, shared with the wire protocol.
const (
	ReasonVictory    = proto.ReasonVictory
	ReasonTimeout    = proto.ReasonTimeout
	ReasonDisconnect = proto.ReasonDisconnect
	ReasonForfeit    = proto.ReasonForfeit
)

// ErrSessionOver reports a submission against a finished session.
var ErrSessionOver = errors.New("netplay: session is over")

// GameResult is the terminal verdict. A session produces exactly one.
type GameResult struct {
	Winner int    `json:"winner"`
	Reason string `json:"reason"`
}

func (r GameResult) String() string {
	return fmt.Sprintf("player %d wins by %s", r.Winner, r.Reason)
}

// Submission reports the immediate verdict on a locally submitted intent. In
// offline and host sessions the result is authoritative. In client sessions
// it is the optimistic prediction, or a queue acknowledgement when another
// prediction is still in flight; the authoritative verdict arrives later
// through the ActionResolved hook.
type Submission struct {
	Result action.Result
	Queued bool
}

// Hooks let the embedding application observe session milestones. Hooks are
// invoked from their own goroutine so they may call back into the session.
type Hooks struct {
	// ActionResolved fires when an authoritative verdict arrives for a
	// local submission. Offline and host sessions resolve synchronously and
	// skip it; client sessions fire it once per transmitted action.
	ActionResolved func(res action.Result)
	// GameOver fires exactly once with the terminal result.
	GameOver func(result GameResult)
}
