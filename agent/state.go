package agent

// Role is ICE agent role.
type Role byte

// Possible roles.
const (
	Controlling Role = iota
	Controlled
)

func (r Role) String() string {
	switch r {
	case Controlling:
		return "controlling"
	case Controlled:
		return "controlled"
	default:
		return "unknown"
	}
}

// Opposite returns the other role.
func (r Role) Opposite() Role {
	if r == Controlling {
		return Controlled
	}
	return Controlling
}

// NominationType is nomination strategy of controlling agent.
type NominationType byte

// Nomination strategies.
const (
	// Regular nomination: checks are done without USE-CANDIDATE and the best
	// succeeded pair is nominated by a separate check.
	Regular NominationType = iota
	// Aggressive nomination: every check carries USE-CANDIDATE and the first
	// succeeded pair of a component is nominated.
	Aggressive
)

func (n NominationType) String() string {
	if n == Aggressive {
		return "aggressive"
	}
	return "regular"
}

// Status of connectivity establishment.
type Status uint32

// Possible statuses.
const (
	NotStarted Status = iota
	InProgress
	Success
	Failed
)

var statusToStr = map[Status]string{
	NotStarted: "not started",
	InProgress: "in progress",
	Success:    "success",
	Failed:     "failed",
}

func (s Status) String() string {
	if v, ok := statusToStr[s]; ok {
		return v
	}
	return "unknown"
}

// PairState is state of candidate pair check.
type PairState byte

// Possible pair states.
const (
	// Frozen pairs are not checked until unfrozen.
	Frozen PairState = iota
	// Waiting pairs are checked as soon as they become highest priority
	// Waiting pair in check list.
	Waiting
	// InProgress pairs have a check in flight.
	PairInProgress
	// Succeeded pairs produced a successful result.
	Succeeded
	// Failed pairs got no response or unrecoverable failure.
	PairFailed
)

var pairStateToStr = map[PairState]string{
	Frozen:         "Frozen",
	Waiting:        "Waiting",
	PairInProgress: "In-Progress",
	Succeeded:      "Succeeded",
	PairFailed:     "Failed",
}

func (s PairState) String() string {
	if v, ok := pairStateToStr[s]; ok {
		return v
	}
	return "Unknown"
}
