package types

// ============================================================================
// Job state machine
// ============================================================================
//
//   pending ──► processing ──► completed
//      │             │
//      │             └───────► failed
//      ├────────────────────► completed
//      └────────────────────► failed
//
// Moves are forward only. completed and failed are terminal. processing is
// never required: a consumer may go straight from pending to a terminal
// state.
// ============================================================================

var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCompleted, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether a job in status s may move to next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf returns the statuses from which next is reachable in one step.
// Stores use it to build conditional updates.
func SourcesOf(next JobStatus) []JobStatus {
	var from []JobStatus
	for _, s := range []JobStatus{StatusPending, StatusProcessing} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}
