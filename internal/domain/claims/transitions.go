package claims

// transitions is the single adjacency table for the claim state machine.
// Every code path that mutates claim status, including automation sweeps,
// must consult ValidateTransition before writing.
var transitions = map[Status]map[Status]bool{
	StatusDraft: {
		StatusSubmitted: true,
	},
	StatusSubmitted: {
		StatusApproved: true,
		StatusRejected: true,
	},
	StatusApproved: {
		StatusPaid:      true,
		StatusRejected:  true,
		StatusShortPaid: true,
	},
	StatusPaid: {
		StatusShortPaid: true,
	},
}

// ValidateTransition reports whether moving a claim from one status to
// another is allowed. Unknown targets, self-transitions and edges missing
// from the table are all rejected; terminal states (rejected, short_paid)
// have no outgoing edges.
func ValidateTransition(from, to Status) bool {
	if from == to {
		return false
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	return allowed[to]
}

// KnownStatus reports whether s is one of the persisted claim statuses.
func KnownStatus(s Status) bool {
	switch s {
	case StatusDraft, StatusSubmitted, StatusApproved, StatusPaid, StatusShortPaid, StatusRejected:
		return true
	}
	return false
}
