package callevents

import "strings"

// CallOutcome is the normalized connection outcome of a call.
type CallOutcome string

const (
	OutcomeAnswered CallOutcome = "answered"
	OutcomeFailed   CallOutcome = "failed"
	OutcomeMissed   CallOutcome = "missed"
	OutcomeBusy     CallOutcome = "busy"
)

// NormalizeStatus maps the provider's status vocabulary onto the internal
// outcome enum. A completed call is "answered" independent of whether the
// post-call quality criteria passed; connectivity and conversation quality
// are orthogonal. Unrecognized statuses map to failed.
func NormalizeStatus(raw string) CallOutcome {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "done", "success", "successful", "completed", "ok":
		return OutcomeAnswered
	case "cancelled", "canceled", "hangup", "hang-up", "no_answer":
		return OutcomeMissed
	case "busy":
		return OutcomeBusy
	default:
		return OutcomeFailed
	}
}
