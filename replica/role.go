// Package replica implements the per-partition replica state machine:
// role/ballot transitions, the two-phase-commit prepare/commit pipeline,
// reconfiguration with the meta-server, and the learner catch-up
// protocol (spec §4). Grounded on influxdata-influxdb/raft.Log's State
// type and its single authoritative state field guarded by one mutex,
// generalized from raft's three-state Follower/Candidate/Leader machine
// to the five-state INACTIVE/PRIMARY/SECONDARY/POTENTIAL_SECONDARY/ERROR
// machine of spec §4.3, with its explicit same-ballot transition
// allowlist instead of raft's implicit term-driven transitions.
package replica

import "fmt"

// Status enumerates a replica's role, spec §3 "replica_configuration".
type Status int

const (
	StatusInactive Status = iota
	StatusPrimary
	StatusSecondary
	StatusPotentialSecondary
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "INACTIVE"
	case StatusPrimary:
		return "PRIMARY"
	case StatusSecondary:
		return "SECONDARY"
	case StatusPotentialSecondary:
		return "POTENTIAL_SECONDARY"
	case StatusError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sameBallotAllowed lists the same-ballot transitions spec §4.3 permits
// beyond the default "strictly higher ballot always allowed" rule.
// inactiveIsTransient additionally gates INACTIVE->SECONDARY and
// INACTIVE->PRIMARY, the resumption side of a reconfiguration round-trip;
// its entry side, PRIMARY->INACTIVE, is unconditionally allowed since only
// ProposeReconfiguration itself ever drives it.
var sameBallotAllowed = map[[2]Status]bool{
	{StatusInactive, StatusPotentialSecondary}: true,
	{StatusPotentialSecondary, StatusSecondary}: true,
	{StatusPrimary, StatusInactive}:             true,
}

// CanTransition reports whether moving from cur to next is permitted at
// an unchanged ballot. Transitions at a strictly higher ballot are
// always permitted by the caller without consulting this table; this
// table governs only the same-ballot case.
func CanTransition(cur, next Status, inactiveIsTransient bool) bool {
	if cur == next {
		return true // no-op self-loop
	}
	if next == StatusError {
		return true // always permitted, terminal
	}
	if sameBallotAllowed[[2]Status{cur, next}] {
		return true
	}
	if inactiveIsTransient && cur == StatusInactive && (next == StatusSecondary || next == StatusPrimary) {
		return true
	}
	return false
}

// ErrIllegalTransition is returned by Replica.setStatusLocked when a same-ballot
// transition is not in the allowlist.
type ErrIllegalTransition struct {
	From, To Status
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("replica: illegal same-ballot transition %s -> %s", e.From, e.To)
}
