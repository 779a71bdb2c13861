package action

import (
	"errors"
	"fmt"
)

// RejectCode names the pipeline layer that refused an action.
type RejectCode string

const (
	RejectSchema      RejectCode = "schema"
	RejectAuthority   RejectCode = "authority"
	RejectTurnContext RejectCode = "turn_context"
	RejectRateLimit   RejectCode = "rate_limit"
	RejectDomainRule  RejectCode = "domain_rule"
	RejectReferential RejectCode = "referential_integrity"
)

// Rejection reports why an action was refused. Rejections flow back to the
// submitter only and never mutate state.
type Rejection struct {
	Code   RejectCode `json:"code"`
	Reason string     `json:"reason"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("action rejected (%s): %s", r.Code, r.Reason)
}

// Reject builds a rejection error for the given layer.
func Reject(code RejectCode, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// AsRejection unwraps a rejection from an error chain.
func AsRejection(err error) (*Rejection, bool) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}
