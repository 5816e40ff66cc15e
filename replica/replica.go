package replica

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qinzuoyan/rdsn-go/app"
	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/mutation"
	"github.com/qinzuoyan/rdsn-go/rerrors"
	"github.com/qinzuoyan/rdsn-go/rpc"
	"github.com/qinzuoyan/rdsn-go/walog"
)

// Options configures a Replica's runtime behavior; field names mirror
// the config keys of spec §6.
type Options struct {
	PrepareTimeoutForSecondaries          time.Duration
	PrepareTimeoutForPotentialSecondaries time.Duration
	StalenessForCommit                    int
	MaxMutationCountInPrepareList          int
	Mutation2pcMinReplicaCount             int
	InactiveIsTransient                    bool
	Logger                                 *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PrepareTimeoutForSecondaries == 0 {
		o.PrepareTimeoutForSecondaries = time.Second
	}
	if o.PrepareTimeoutForPotentialSecondaries == 0 {
		o.PrepareTimeoutForPotentialSecondaries = 5 * time.Second
	}
	if o.MaxMutationCountInPrepareList == 0 {
		o.MaxMutationCountInPrepareList = 50
	}
	if o.Mutation2pcMinReplicaCount == 0 {
		o.Mutation2pcMinReplicaCount = 1
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Replica is the per-partition state machine of spec §4: role/ballot,
// the 2PC prepare pipeline over a bounded prepare list, and the shared
// + private write-ahead logs. Callers are expected to invoke its
// exported methods only from the single worker the owning stub's
// hashed-affinity pool assigns to this replica's gpid, so Replica itself
// does not attempt fine-grained internal locking beyond guarding the
// fields a concurrent group-check/config-sync timer might also touch.
type Replica struct {
	mu sync.Mutex

	id     gpid.Gpid
	opts   Options
	log    *zap.Logger
	app    app.App
	tr     rpc.Transport
	localNode  string
	sharedLog *walog.Log
	privateLog *walog.Log
	learners   *learnerTable

	status Status
	ballot gpid.Ballot
	config rpc.PartitionConfig
	learnerSignature int64

	// learnerStatus/learnPrepareStartDecree track this replica's own
	// progress as a learner (spec §4.5); meaningless once status reaches
	// SECONDARY under a live ballot.
	learnerStatus           LearnerStatus
	learnPrepareStartDecree gpid.Decree

	// reconfigInProgress enforces spec §4.4's "at most one reconfiguration
	// task per primary at a time" invariant.
	reconfigInProgress bool

	prepareList *mutation.PrepareList

	// secondary ack bookkeeping for an in-flight primary write, keyed by
	// decree so multiple concurrent writes can be pipelined.
	pendingAcks map[gpid.Decree]*ackState

	// quorumMet records decrees whose write-quorum has already been
	// satisfied but which have not yet been soft-committed because a
	// lower decree is still outstanding; maybeCommitLocked drains it in
	// order so last_committed_decree never advances past a decree that
	// hasn't itself met quorum (spec §8 property 3).
	quorumMet map[gpid.Decree]bool

	lastClientRequestID uint64
}

type ackState struct {
	mu          sync.Mutex
	quorum      int
	acked       map[string]bool
	localLogOK  bool
	done        bool
	resultCh    chan error
}

// New constructs a Replica at the given initial status/ballot/config,
// not yet able to serve traffic until its logs are attached via
// AttachLogs (mirrors walog.Log's own Open-then-StartWriteService split).
func New(id gpid.Gpid, localNode string, a app.App, tr rpc.Transport, opts Options) *Replica {
	opts = opts.withDefaults()
	r := &Replica{
		id:          id,
		opts:        opts,
		log:         opts.Logger.With(zap.String("gpid", id.String())),
		app:         a,
		tr:          tr,
		localNode:   localNode,
		status:      StatusInactive,
		pendingAcks: make(map[gpid.Decree]*ackState),
		quorumMet:   make(map[gpid.Decree]bool),
		learners:    newLearnerTable(),
	}
	r.prepareList = mutation.NewPrepareList(a.LastCommittedDecree(), opts.MaxMutationCountInPrepareList, r.onMutationCommitted)
	return r
}

// AttachLogs wires the shared (process-wide) and private (per-partition)
// logs this replica appends to.
func (r *Replica) AttachLogs(shared, private *walog.Log) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharedLog = shared
	r.privateLog = private
}

func (r *Replica) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Replica) Ballot() gpid.Ballot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ballot
}

func (r *Replica) Config() rpc.PartitionConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// setStatusLocked enforces the ballot-monotonicity and same-ballot-allowlist
// invariants of spec §4.3. Callers hold r.mu.
func (r *Replica) setStatusLocked(next Status, ballot gpid.Ballot) error {
	if ballot < r.ballot {
		return rerrors.ErrStaleBallot
	}
	if ballot == r.ballot && !CanTransition(r.status, next, r.opts.InactiveIsTransient) {
		return &ErrIllegalTransition{From: r.status, To: next}
	}
	r.status = next
	r.ballot = ballot
	return nil
}

// writeQuorumLocked returns the number of acks (including the primary itself)
// required to commit, spec §3 "write_quorum".
func (r *Replica) writeQuorumLocked() int {
	total := 1 + len(r.config.Secondaries)
	majority := total/2 + 1
	if r.opts.Mutation2pcMinReplicaCount > majority {
		return r.opts.Mutation2pcMinReplicaCount
	}
	return majority
}

// ClientWrite is the primary's entry point for a write request (spec §4
// "Primary write path", steps 1-7). It blocks until the mutation commits,
// fails, or ctx-less internal timeout elapses; callers needing
// cancellation should run it in a goroutine and select on their own
// context.
func (r *Replica) ClientWrite(code uint32, data []byte) (gpid.Decree, error) {
	r.mu.Lock()
	if r.status != StatusPrimary {
		r.mu.Unlock()
		return 0, rerrors.ErrInvalidState
	}
	decree := r.prepareList.MaxDecree() + 1
	r.lastClientRequestID++
	clientReqID := r.lastClientRequestID
	mu := mutation.New(r.id, mutation.Header{
		Ballot:                            r.ballot,
		Decree:                            decree,
		LastCommittedDecreeSeenByProposer: r.prepareList.LastCommittedDecree(),
		Timestamp:                         time.Now(),
		ClientRequestID:                   clientReqID,
	}, mutation.TaskCode(code), data).Seal()

	result := r.prepareList.Prepare(mu)
	if result != mutation.PrepareAccepted {
		r.mu.Unlock()
		return 0, rerrors.ErrPrepareListFull
	}

	quorum := r.writeQuorumLocked()
	state := &ackState{
		quorum:   quorum,
		acked:    map[string]bool{"": true}, // primary's own implicit ack
		resultCh: make(chan error, 1),
	}
	r.pendingAcks[decree] = state
	secondaries := append([]string(nil), r.config.Secondaries...)
	ballot := r.ballot
	statusStr := r.status.String()
	lastCommitted := r.prepareList.LastCommittedDecree()
	sharedLog := r.sharedLog
	r.mu.Unlock()

	if sharedLog == nil {
		return 0, rerrors.ErrLogIOFailure
	}

	sharedLog.Append(mu, func(err error, _ int) {
		r.onLocalLogCommit(decree, err)
	})

	for _, node := range secondaries {
		node := node
		go func() {
			req := &rpc.PrepareRequest{
				Config:                            rpc.ReplicaConfig{Gpid: r.id, Ballot: ballot, Status: statusStr},
				Ballot:                            ballot,
				Decree:                            decree,
				LastCommittedDecreeSeenByProposer: lastCommitted,
				RequestCode:                       code,
				ClientRequestID:                   clientReqID,
				Data:                              data,
			}
			var resp rpc.PrepareResponse
			if err := r.tr.Call(node, rpc.CodePrepare, req, &resp); err != nil {
				r.onPrepareFailure(decree, node)
				return
			}
			r.onPrepareResponse(decree, node, &resp)
		}()
	}

	select {
	case err := <-state.resultCh:
		return decree, err
	case <-time.After(r.opts.PrepareTimeoutForSecondaries * 10):
		return decree, rerrors.ErrTimeout
	}
}

func (r *Replica) onLocalLogCommit(decree gpid.Decree, err error) {
	r.mu.Lock()
	state, ok := r.pendingAcks[decree]
	r.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if err != nil {
		r.finishPending(decree, state, err)
		return
	}
	state.localLogOK = true
	r.maybeCommitLocked(decree, state)
}

func (r *Replica) onPrepareResponse(decree gpid.Decree, node string, resp *rpc.PrepareResponse) {
	r.mu.Lock()
	if resp.Ballot > r.ballot {
		// Step down: a newer ballot means we are no longer authoritative
		// primary; subsequent group-check/config sync will adopt it.
		r.setStatusLocked(StatusInactive, resp.Ballot)
	}
	state, ok := r.pendingAcks[decree]
	r.mu.Unlock()
	if !ok {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if resp.Err != rpc.ErrOK {
		return // recorded as a failure; reconfiguration is considered elsewhere
	}
	state.acked[node] = true
	r.maybeCommitLocked(decree, state)
}

func (r *Replica) onPrepareFailure(decree gpid.Decree, node string) {
	// A transport failure toward a secondary does not itself fail the
	// write; it only withholds that node's ack. Reconfiguration (not
	// implemented by this call path) decides whether to remove the node.
}

// maybeCommitLocked checks whether decree now has quorum acks and a
// durable local log write. If so, it marks decree quorum-satisfied and
// soft-commits every contiguous run of quorum-satisfied decrees starting
// at last_committed_decree+1 -- never decree itself in isolation, since a
// later decree can reach quorum before an earlier one and PrepareList's
// CommitSoft would otherwise happily walk through the still-unsatisfied
// earlier entry just because it is *prepared* (spec §8 property 3:
// commit-implies-durable-on-a-quorum, not merely prepared-on-a-quorum).
// Callers hold state.mu.
func (r *Replica) maybeCommitLocked(decree gpid.Decree, state *ackState) {
	if state.done || !state.localLogOK || len(state.acked) < state.quorum {
		return
	}
	state.done = true

	r.mu.Lock()
	delete(r.pendingAcks, decree)
	r.quorumMet[decree] = true
	for next := r.prepareList.LastCommittedDecree() + 1; r.quorumMet[next]; next++ {
		r.prepareList.Commit(next, mutation.CommitSoft)
		delete(r.quorumMet, next)
	}
	r.mu.Unlock()

	state.resultCh <- nil
}

func (r *Replica) finishPending(decree gpid.Decree, state *ackState, err error) {
	if state.done {
		return
	}
	state.done = true
	r.mu.Lock()
	delete(r.pendingAcks, decree)
	r.mu.Unlock()
	state.resultCh <- err
}

// onMutationCommitted is the PrepareList's Committer callback; it drives
// the app and durable-log bookkeeping, spec §4 step 7.
func (r *Replica) onMutationCommitted(mu *mutation.Mutation) {
	if err := r.app.WriteInternal(mu.Header.Decree, uint32(mu.Code), mu.Data); err != nil {
		r.log.Error("app write_internal failed", zap.Error(err), zap.Int64("decree", int64(mu.Header.Decree)))
	}
}

// HandlePrepare implements the secondary-side prepare handler, spec §4
// "Secondary prepare path". Per spec, the reply is only sent OK once the
// private-log append (when private logging is enabled) is durable; a
// secondary that acks before its log write completes would let the
// primary count a quorum that isn't actually durable anywhere (spec §8
// property 3).
func (r *Replica) HandlePrepare(req *rpc.PrepareRequest) *rpc.PrepareResponse {
	r.mu.Lock()
	if req.Ballot < r.ballot {
		r.mu.Unlock()
		return &rpc.PrepareResponse{Gpid: r.id, Err: rpc.ErrStale, Ballot: r.ballot}
	}
	if req.Ballot > r.ballot {
		r.ballot = req.Ballot
		r.config.Ballot = req.Ballot
	}

	mu := mutation.New(r.id, mutation.Header{
		Ballot:                            req.Ballot,
		Decree:                            req.Decree,
		LastCommittedDecreeSeenByProposer: req.LastCommittedDecreeSeenByProposer,
		Timestamp:                         time.Now(),
		ClientRequestID:                   req.ClientRequestID,
	}, mutation.TaskCode(req.RequestCode), req.Data).Seal()

	r.prepareList.Prepare(mu)
	privateLog := r.privateLog
	r.mu.Unlock()

	if privateLog != nil {
		done := make(chan error, 1)
		privateLog.Append(mu, func(err error, _ int) { done <- err })
		if err := <-done; err != nil {
			r.log.Error("private log append failed", zap.Error(err), zap.Int64("decree", int64(req.Decree)))
			return &rpc.PrepareResponse{Gpid: r.id, Err: rpc.ErrLogIOFailure, Ballot: r.ballot, Decree: req.Decree}
		}
	}

	r.mu.Lock()
	r.prepareList.Commit(req.LastCommittedDecreeSeenByProposer, mutation.CommitSoft)
	r.mu.Unlock()

	return &rpc.PrepareResponse{Gpid: r.id, Err: rpc.ErrOK, Ballot: req.Ballot, Decree: req.Decree}
}

// HandleGroupCheck implements spec §4 "Periodic group check": the
// secondary validates the ballot and hard-commits up to the primary's
// committed decree. A POTENTIAL_SECONDARY whose learn round has already
// caught up (LearnerWithPrepare) is promoted to LearnerSucceeded and
// notifies the primary; the handler does not start a learn round.
func (r *Replica) HandleGroupCheck(req *rpc.GroupCheckRequest) *rpc.GroupCheckResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if req.Config.Ballot < r.ballot {
		return &rpc.GroupCheckResponse{Err: rpc.ErrStale, Ballot: r.ballot}
	}
	if req.Config.Ballot > r.ballot {
		r.ballot = req.Config.Ballot
		r.config = req.PartitionConfig
	}
	r.prepareList.Commit(req.LastCommittedDecree, mutation.CommitHard)

	// A live group-check reaching a learner that already caught up through
	// its pinned prepare_start_decree-1 is the "subsequent live round"
	// spec §4.5 step 8 waits for: promote WithPrepare -> Succeeded and
	// notify the primary so it can propose UPGRADE_TO_SECONDARY.
	if r.status == StatusPotentialSecondary && r.learnerStatus == LearnerWithPrepare &&
		r.prepareList.LastCommittedDecree() >= r.learnPrepareStartDecree-1 {
		r.learnerStatus = LearnerSucceeded
		primaryNode := req.PartitionConfig.Primary
		go r.notifyLearnCompletion(primaryNode)
	}

	return &rpc.GroupCheckResponse{
		Err:                 rpc.ErrOK,
		Ballot:              r.ballot,
		LastCommittedDecree: r.prepareList.LastCommittedDecree(),
		LearnerStatus:       r.learnerStatus.String(),
	}
}

// BroadcastGroupCheck implements the primary side of spec §4.3's
// periodic group check: it fans a GroupCheckRequest out to every
// secondary, carrying the current committed decree so it keeps
// advancing on secondaries even while the client write stream is
// paused, and giving a POTENTIAL_SECONDARY learner the live round it
// needs to promote WithPrepare -> Succeeded (see HandleGroupCheck). A
// no-op when this replica isn't currently PRIMARY.
func (r *Replica) BroadcastGroupCheck() {
	r.mu.Lock()
	if r.status != StatusPrimary {
		r.mu.Unlock()
		return
	}
	cfg := r.config
	ballot := r.ballot
	lastCommitted := r.prepareList.LastCommittedDecree()
	id := r.id
	learners := r.learners
	r.mu.Unlock()

	targets := append([]string(nil), cfg.Secondaries...)
	if learners != nil {
	nextLearner:
		for _, n := range learners.nodes() {
			for _, existing := range targets {
				if existing == n {
					continue nextLearner
				}
			}
			targets = append(targets, n)
		}
	}

	for _, node := range targets {
		node := node
		req := &rpc.GroupCheckRequest{
			Config:              rpc.ReplicaConfig{Gpid: id, Ballot: ballot, Status: StatusPrimary.String()},
			LastCommittedDecree: lastCommitted,
			PartitionConfig:     cfg,
		}
		go func() {
			var resp rpc.GroupCheckResponse
			if err := r.tr.Call(node, rpc.CodeGroupCheck, req, &resp); err != nil {
				r.log.Warn("group check failed", zap.String("node", node), zap.Error(err))
				return
			}
			if resp.Err == rpc.ErrOK && resp.Ballot > ballot {
				r.mu.Lock()
				_ = r.setStatusLocked(StatusInactive, resp.Ballot)
				r.mu.Unlock()
			}
		}()
	}
}

func (r *Replica) String() string {
	return fmt.Sprintf("replica(%s, status=%s, ballot=%d)", r.id, r.Status(), r.Ballot())
}
