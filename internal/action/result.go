package action

import "skirmish/netplay/internal/gamestate"

// Result is the pipeline's verdict on one action. Accepted results carry the
// diffs, the seed the executor consumed, the counter value that produced the
// seed, and the post-apply checksum. Rejected results carry the rejection and
// nothing else.
type Result struct {
	ActionID  string           `json:"actionId"`
	Accepted  bool             `json:"accepted"`
	Seed      int64            `json:"seed,omitempty"`
	Counter   uint64           `json:"counter,omitempty"`
	Diffs     []gamestate.Diff `json:"diffs,omitempty"`
	Checksum  string           `json:"checksum,omitempty"`
	Rejection *Rejection       `json:"rejection,omitempty"`
}

// Accept builds the result for an executed action.
func Accept(actionID string, seed int64, counter uint64, diffs []gamestate.Diff, checksum string) Result {
	return Result{
		ActionID: actionID,
		Accepted: true,
		Seed:     seed,
		Counter:  counter,
		Diffs:    diffs,
		Checksum: checksum,
	}
}

// Refuse builds the result for a rejected action.
func Refuse(actionID string, rejection *Rejection) Result {
	return Result{ActionID: actionID, Rejection: rejection}
}
