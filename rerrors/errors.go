// Package rerrors defines the domain-level error kinds shared across the
// replication core, grounded on the source's error-code enum and on the
// teacher's sentinel-error style (see raft.ErrLogEntryTooLarge).
package rerrors

import "errors"

var (
	// ErrStaleBallot is returned when a proposal or prepare carries a
	// ballot older than the recipient's current ballot. No state changes;
	// the caller should reply stale and let the sender catch up.
	ErrStaleBallot = errors.New("rerrors: stale ballot")

	// ErrInvalidState is returned when an operation is attempted against
	// a replica whose role cannot service it (e.g. a write against a
	// non-primary).
	ErrInvalidState = errors.New("rerrors: invalid state for operation")

	// ErrInactiveState is returned for writes arriving while the replica
	// is transiently INACTIVE during a reconfiguration round-trip.
	ErrInactiveState = errors.New("rerrors: replica transiently inactive")

	// ErrWrongChecksum is returned when a learner's signature no longer
	// matches the primary's current learner epoch.
	ErrWrongChecksum = errors.New("rerrors: learner signature mismatch")

	// ErrGetLearnStateFailed is returned when the primary could not
	// materialize a checkpoint or log-file list to serve a learner.
	ErrGetLearnStateFailed = errors.New("rerrors: failed to materialize learn state")

	// ErrLocalAppFailure is returned when the app returns an error from
	// write/flush/checkpoint. The replica must transition to ERROR.
	ErrLocalAppFailure = errors.New("rerrors: local app failure")

	// ErrLogIOFailure is returned on a WAL write error. The replica must
	// transition to ERROR.
	ErrLogIOFailure = errors.New("rerrors: log I/O failure")

	// ErrMetaUnavailable is returned when no meta-server leader can be
	// reached; proposals are deferred, beaconing continues.
	ErrMetaUnavailable = errors.New("rerrors: meta-server unavailable")

	// ErrTimeout is returned when an RPC did not return within its
	// configured window.
	ErrTimeout = errors.New("rerrors: timeout")

	// ErrPrepareListFull is returned when a proposer's prepare list has
	// reached capacity; the proposer must wait for commits to drain it.
	ErrPrepareListFull = errors.New("rerrors: prepare list full")

	// ErrCorruptLog is returned by walog replay when a block's header or
	// CRC is invalid outside of an expected tail truncation.
	ErrCorruptLog = errors.New("rerrors: corrupt log block")

	// ErrReplicaClosed is returned by any operation attempted on a replica
	// that has already transitioned to a terminal closed state.
	ErrReplicaClosed = errors.New("rerrors: replica closed")

	// ErrReconfigInProgress is returned when ProposeReconfiguration is
	// called while an earlier proposal from the same primary is still
	// outstanding; spec §4.4 allows at most one at a time.
	ErrReconfigInProgress = errors.New("rerrors: reconfiguration already in progress")
)
