package orchestrator

// State is a step of one orchestration attempt.  Failed is reachable from
// every other state.
type State int

const (
	Received State = iota
	Locked
	RateChecked
	TokenReady
	Executing
	Parsed
	Persisted
	Done
	Failed
)

var stateNames = [...]string{
	Received:    "received",
	Locked:      "locked",
	RateChecked: "rate_checked",
	TokenReady:  "token_ready",
	Executing:   "executing",
	Parsed:      "parsed",
	Persisted:   "persisted",
	Done:        "done",
	Failed:      "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}
