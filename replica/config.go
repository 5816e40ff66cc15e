package replica

import (
	"time"

	"go.uber.org/zap"

	"github.com/qinzuoyan/rdsn-go/metaclient"
	"github.com/qinzuoyan/rdsn-go/rerrors"
	"github.com/qinzuoyan/rdsn-go/rpc"
)

// maxProposeAttempts caps the reconfiguration retry/backoff loop, a
// detail the distilled spec omits but the original keeps to avoid an
// unbounded retry storm against an unreachable meta-server.
const maxProposeAttempts = 3

// HandleConfigProposal applies a one-way proposal from the meta-server
// (spec §4.4 "Reconfiguration protocol"). It updates local role/ballot
// state directly; the meta-server is already authoritative by the time
// this RPC arrives, so there is no further round-trip here.
func (r *Replica) HandleConfigProposal(p *rpc.ConfigProposal) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p.NewConfig.Ballot < r.ballot {
		return // stale proposal, ignore
	}

	var next Status
	switch p.Type {
	case rpc.ProposalAssignPrimary, rpc.ProposalUpgradeToPrimary:
		next = StatusPrimary
	case rpc.ProposalAddSecondary:
		next = StatusPotentialSecondary
	case rpc.ProposalUpgradeToSecondary:
		next = StatusSecondary
	case rpc.ProposalDowngradeToSecondary:
		next = StatusSecondary
	case rpc.ProposalDowngradeToInactive:
		next = StatusInactive
	case rpc.ProposalRemove:
		next = StatusInactive
	default:
		return
	}

	if err := r.setStatusLocked(next, p.NewConfig.Ballot); err != nil {
		r.log.Warn("rejected config proposal", zap.Error(err), zap.String("type", next.String()))
		return
	}
	r.config = p.NewConfig
}

// ProposeReconfiguration is the primary's side of spec §4.4: it submits
// `new.ballot = current.ballot + 1` to the meta-server and adopts the
// confirmed configuration. On a transport failure, or a rejection that
// carries no newer configuration, it retries, up to maxProposeAttempts
// times in all. A rejection carrying a newer authoritative configuration
// is adopted and ends the call with ErrStaleBallot.
// A meta-server reply carrying a lower-or-equal ballot than what we
// already believe is simply dropped; the caller's in-memory config is
// left untouched so a late/duplicate reply can never regress state.
//
// Per spec §4.4, at most one reconfiguration task runs at a time, and the
// primary is transiently INACTIVE (disabling 2PC via ClientWrite) for the
// whole round-trip, resuming under the confirmed status/ballot on success
// or falling back to INACTIVE-transient again on failure so the caller
// (or a subsequent group-check/config-sync) can retry.
func (r *Replica) ProposeReconfiguration(mc *metaclient.Client, proposalType rpc.ConfigProposalType, target string) error {
	r.mu.Lock()
	if r.reconfigInProgress {
		r.mu.Unlock()
		return rerrors.ErrReconfigInProgress
	}
	r.reconfigInProgress = true
	priorBallot := r.ballot
	if err := r.setStatusLocked(StatusInactive, r.ballot); err != nil {
		r.reconfigInProgress = false
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.reconfigInProgress = false
		r.mu.Unlock()
	}()

	for attempt := 0; attempt < maxProposeAttempts; attempt++ {
		r.mu.Lock()
		proposed := r.config
		proposed.Ballot = priorBallot + 1
		r.mu.Unlock()

		resp, err := mc.ProposeConfig(rpc.UpdatePartitionConfigRequest{
			Config: proposed,
			Node:   target,
			Type:   proposalType,
		})
		if err != nil {
			time.Sleep(backoff(attempt))
			continue
		}

		r.mu.Lock()
		if resp.Err == rpc.ErrOK && resp.Config.Ballot >= proposed.Ballot {
			r.config = resp.Config
			// Resume PRIMARY under the meta-server-confirmed ballot: only
			// the primary calls ProposeReconfiguration, so it's always the
			// one resuming 2PC here. A stale ballot is impossible since
			// resp.Config.Ballot just advanced, so setStatusLocked cannot
			// fail.
			_ = r.setStatusLocked(StatusPrimary, resp.Config.Ballot)
			r.mu.Unlock()
			return nil
		}
		if resp.Config.Ballot > r.ballot {
			// Meta-server's authoritative view is newer than what we
			// proposed from; adopt it and let the caller decide whether
			// to retry the reconfiguration intent.
			r.config = resp.Config
			_ = r.setStatusLocked(StatusInactive, resp.Config.Ballot)
			r.mu.Unlock()
			return rerrors.ErrStaleBallot
		}
		r.mu.Unlock()
		time.Sleep(backoff(attempt))
	}
	return rerrors.ErrMetaUnavailable
}

func backoff(attempt int) time.Duration {
	return time.Duration(attempt+1) * 100 * time.Millisecond
}

// SyncConfig implements spec §4.4's "meta-server sync": unlike the
// primary, a secondary or an INACTIVE replica has no reconfiguration
// round-trip of its own driving its role/ballot forward, so it
// periodically pulls the authoritative configuration directly from the
// meta-server and adopts it. It reports needsRemoval when the
// meta-server no longer lists this node anywhere in the partition and
// this replica is INACTIVE and not itself mid a transient
// reconfiguration -- the caller should then perform
// remove_replica_on_meta_server and drop the replica.
func (r *Replica) SyncConfig(mc *metaclient.Client) (needsRemoval bool, err error) {
	r.mu.Lock()
	if r.status == StatusPrimary || r.reconfigInProgress {
		// The primary drives its own view via ProposeReconfiguration;
		// syncing here would race that round-trip.
		r.mu.Unlock()
		return false, nil
	}
	id := r.id
	localNode := r.localNode
	r.mu.Unlock()

	cfg, err := mc.QueryConfigurationByGpid(id)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg.Ballot < r.ballot {
		return false, nil // stale view, ignore
	}

	if !isMember(cfg, localNode) {
		return r.status == StatusInactive, nil
	}

	next := statusFromConfig(cfg, localNode)
	if err := r.setStatusLocked(next, cfg.Ballot); err != nil {
		return false, nil // same-ballot conflict; wait for the next sync or a group check
	}
	r.config = cfg
	return false, nil
}

func isMember(cfg rpc.PartitionConfig, node string) bool {
	if cfg.Primary == node {
		return true
	}
	for _, s := range cfg.Secondaries {
		if s == node {
			return true
		}
	}
	return false
}

func statusFromConfig(cfg rpc.PartitionConfig, node string) Status {
	if cfg.Primary == node {
		return StatusPrimary
	}
	return StatusSecondary
}
