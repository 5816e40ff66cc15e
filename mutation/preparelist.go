package mutation

import "github.com/qinzuoyan/rdsn-go/gpid"

// CommitMode selects how aggressively PrepareList.Commit advances
// last_committed_decree.
type CommitMode int

const (
	// CommitSoft only advances through contiguously-prepared entries.
	CommitSoft CommitMode = iota
	// CommitHard forces last_committed_decree := d regardless of
	// continuity (used by group-check and by a learner applying a learn
	// round).
	CommitHard
)

// Committer is invoked, in decree order, for every mutation that newly
// becomes committed.
type Committer func(*Mutation)

// PrepareList is the bounded in-memory sliding window of mutations
// indexed by decree, as described in spec §4.2. It is not safe for
// concurrent use; callers rely on the single-threaded-per-replica
// discipline of the hashed-affinity worker pool (internal/pool).
type PrepareList struct {
	capacity  int
	entries   map[gpid.Decree]*Mutation
	min       gpid.Decree
	max       gpid.Decree
	committed gpid.Decree
	committer Committer
}

// NewPrepareList creates an empty list with last_committed_decree = init
// and the given capacity (max_mutation_count_in_prepare_list).
func NewPrepareList(init gpid.Decree, capacity int, committer Committer) *PrepareList {
	return &PrepareList{
		capacity:  capacity,
		entries:   make(map[gpid.Decree]*Mutation),
		min:       init + 1,
		max:       init,
		committed: init,
		committer: committer,
	}
}

// LastCommittedDecree returns last_committed_decree.
func (p *PrepareList) LastCommittedDecree() gpid.Decree { return p.committed }

// MinDecree returns the lowest decree retained (exclusive of any gap
// below last_committed_decree+1 once truncated).
func (p *PrepareList) MinDecree() gpid.Decree { return p.min }

// MaxDecree returns the highest decree ever prepared into this window.
func (p *PrepareList) MaxDecree() gpid.Decree { return p.max }

// Count returns the number of entries currently retained.
func (p *PrepareList) Count() int { return len(p.entries) }

// Get returns the mutation prepared at decree d, if any.
func (p *PrepareList) Get(d gpid.Decree) (*Mutation, bool) {
	m, ok := p.entries[d]
	return m, ok
}

// PrepareResult reports what Prepare did, so callers (the 2PC paths) can
// decide whether to proceed, ignore, or fail the proposer.
type PrepareResult int

const (
	// PrepareAccepted: the mutation was installed (or replaced a lower
	// ballot entry at the same decree).
	PrepareAccepted PrepareResult = iota
	// PrepareIgnoredAlreadyCommitted: mu.Decree <= last_committed_decree;
	// idempotent no-op, not an error.
	PrepareIgnoredAlreadyCommitted
	// PrepareIgnoredStaleBallot: an existing entry at the same decree has
	// an equal-or-higher ballot; ties keep the existing entry.
	PrepareIgnoredStaleBallot
	// PrepareWindowFull: mu.Decree > last_committed_decree + capacity;
	// fatal for the proposer, who must wait for commits to drain the list.
	PrepareWindowFull
)

// Prepare inserts mu into the window. See PrepareResult for outcomes.
func (p *PrepareList) Prepare(mu *Mutation) PrepareResult {
	d := mu.Header.Decree
	if d <= p.committed {
		return PrepareIgnoredAlreadyCommitted
	}
	if int64(d-p.committed) > int64(p.capacity) {
		return PrepareWindowFull
	}
	if existing, ok := p.entries[d]; ok {
		if existing.Header.Ballot >= mu.Header.Ballot {
			return PrepareIgnoredStaleBallot
		}
	}
	p.entries[d] = mu
	if d > p.max {
		p.max = d
	}
	if d < p.min || len(p.entries) == 1 {
		if p.min > d {
			p.min = d
		}
	}
	return PrepareAccepted
}

// Commit advances last_committed_decree toward d according to mode,
// invoking the installed Committer for each newly-committed mutation in
// decree order. It returns the new last_committed_decree.
func (p *PrepareList) Commit(d gpid.Decree, mode CommitMode) gpid.Decree {
	if d <= p.committed {
		return p.committed
	}

	if mode == CommitHard {
		for cur := p.committed + 1; cur <= d; cur++ {
			if mu, ok := p.entries[cur]; ok {
				if p.committer != nil {
					p.committer(mu)
				}
			}
		}
		p.committed = d
		if p.committed+1 > p.min {
			p.min = p.committed + 1
		}
		if p.max < p.committed {
			p.max = p.committed
		}
		return p.committed
	}

	// CommitSoft: only advance through contiguously-prepared entries.
	cur := p.committed
	for cur < d {
		mu, ok := p.entries[cur+1]
		if !ok {
			break
		}
		cur++
		if p.committer != nil {
			p.committer(mu)
		}
	}
	p.committed = cur
	if p.committed+1 > p.min {
		p.min = p.committed + 1
	}
	return p.committed
}

// Reset clears all entries and sets last_committed_decree := d.
func (p *PrepareList) Reset(d gpid.Decree) {
	p.entries = make(map[gpid.Decree]*Mutation)
	p.committed = d
	p.min = d + 1
	p.max = d
}

// Truncate drops entries with decree <= d, advancing min accordingly.
// It does not change last_committed_decree.
func (p *PrepareList) Truncate(d gpid.Decree) {
	for decree := range p.entries {
		if decree <= d {
			delete(p.entries, decree)
		}
	}
	if p.min <= d {
		p.min = d + 1
	}
}
