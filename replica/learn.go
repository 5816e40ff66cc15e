package replica

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/metaclient"
	"github.com/qinzuoyan/rdsn-go/mutation"
	"github.com/qinzuoyan/rdsn-go/rpc"
	"github.com/qinzuoyan/rdsn-go/walog"
)

// LearnerStatus is the learner's own view of its catch-up progress, spec
// §4.5 "Learner status progression": WithoutPrepare -> WithPrepareTransient
// -> WithPrepare -> Succeeded, with Failed as an orthogonal sink reachable
// from any of the first three.
type LearnerStatus int

const (
	// LearnerWithoutPrepare is the initial state: no learn round has
	// completed yet.
	LearnerWithoutPrepare LearnerStatus = iota
	// LearnerWithPrepareTransient means a learn round is in flight or
	// completed but the app has not yet caught up through
	// prepare_start_decree-1; the caller must init_learn again.
	LearnerWithPrepareTransient
	// LearnerWithPrepare means the app has caught up through
	// prepare_start_decree-1 and the learner can now accept live prepares
	// from the primary, but has not yet observed a live round confirming
	// it (spec's "2PC has caught up") -- reached by a single learn round
	// (scenario C).
	LearnerWithPrepare
	// LearnerSucceeded means a subsequent live group-check/prepare
	// confirmed the learner is fully caught up; LearnCompletionNotify has
	// been (or is about to be) sent to the primary.
	LearnerSucceeded
	// LearnerFailed is the orthogonal sink reached when applying a learn
	// reply fails (handle_learning_error); transport errors and non-OK
	// replies leave the status unchanged.
	LearnerFailed
)

func (s LearnerStatus) String() string {
	switch s {
	case LearnerWithoutPrepare:
		return "WithoutPrepare"
	case LearnerWithPrepareTransient:
		return "WithPrepareTransient"
	case LearnerWithPrepare:
		return "WithPrepare"
	case LearnerSucceeded:
		return "Succeeded"
	case LearnerFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// LearnerState is the outcome of one InitLearn round.
type LearnerState struct {
	Status    LearnerStatus
	Signature int64
}

// learnerProgress is the learnee's (primary's) per-learner bookkeeping,
// keyed by learner node address. PrepareStartDecree is pinned on the
// first LearnRequest from a given node and reused on every subsequent
// round, per spec §4.5's stability contract for in-flight prepares.
type learnerProgress struct {
	prepareStartDecree gpid.Decree
	signature          int64
}

// mintLearnerSignature generates the opaque 64-bit nonce a learnee mints
// per learner-epoch (spec §4.5): a fresh random value, not a counter, so
// a restarted learner can never collide with a stale in-flight epoch.
func mintLearnerSignature() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]))
}

// learnerTable guards the per-learner pinned state on the learnee side.
type learnerTable struct {
	mu    sync.Mutex
	byNode map[string]*learnerProgress
}

func newLearnerTable() *learnerTable {
	return &learnerTable{byNode: make(map[string]*learnerProgress)}
}

// nodes lists every learner currently pinned in the table, so the
// primary's periodic group check can reach POTENTIAL_SECONDARY learners
// that haven't yet been promoted into PartitionConfig.Secondaries.
func (t *learnerTable) nodes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	nodes := make([]string, 0, len(t.byNode))
	for n := range t.byNode {
		nodes = append(nodes, n)
	}
	return nodes
}

// HandleLearnRequest implements the learnee's (primary's) side of spec
// §4.5 steps 1-3: classify the learner's gap and reply with whichever of
// CACHE/APP/LOG mode serves it.
func (r *Replica) HandleLearnRequest(req *rpc.LearnRequest) *rpc.LearnResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.learners == nil {
		r.learners = newLearnerTable()
	}

	localCommitted := r.prepareList.LastCommittedDecree()
	lastPrepared := r.prepareList.MaxDecree()

	learnStart := req.LastCommittedDecreeInApp + 1
	if learnStart > lastPrepared {
		// The learner's lineage has diverged entirely from anything we
		// still have prepared; force a from-scratch learn.
		learnStart = 0
	}

	r.learners.mu.Lock()
	prog, ok := r.learners.byNode[req.Learner]
	if !ok || (req.Signature != 0 && req.Signature != prog.signature) {
		// First contact, or the learner restarted its epoch (e.g. after a
		// failover changed our ballot): mint a fresh signature and drop
		// any progress pinned under the old one.
		prog = &learnerProgress{prepareStartDecree: localCommitted + 1, signature: mintLearnerSignature()}
		r.learners.byNode[req.Learner] = prog
	}
	prepareStart := prog.prepareStartDecree
	signature := prog.signature
	r.learners.mu.Unlock()

	minDecree := r.prepareList.MinDecree()
	switch {
	case learnStart > minDecree || (learnStart == minDecree && r.prepareList.Count() > 0):
		return r.buildCacheResponse(learnStart, prepareStart, localCommitted, signature)
	case r.app.IsDeltaStateLearningSupported() || learnStart <= r.app.LastDurableDecree():
		return r.buildAppResponse(prepareStart, localCommitted, signature)
	default:
		return r.buildLogResponse(prepareStart, localCommitted, signature)
	}
}

func (r *Replica) buildCacheResponse(learnStart, prepareStart, localCommitted gpid.Decree, signature int64) *rpc.LearnResponse {
	// The cache covers [learn_start, prepare_start), which by construction
	// is entirely <= localCommitted on this (the learnee/primary) side --
	// that is exactly why it's safe to hand out as a replay blob rather
	// than live prepares. The learner does its own dedup against its own
	// last_committed_decree when it applies this blob (applyCacheLearn).
	var encoded []byte
	for d := learnStart; d < prepareStart; d++ {
		mu, ok := r.prepareList.Get(d)
		if !ok {
			continue
		}
		encoded = append(encoded, mu.Encode()...)
	}
	blobs := [][]byte{encoded}
	return &rpc.LearnResponse{
		Err:  rpc.ErrOK,
		Type: rpc.LearnCache,
		State: rpc.LearnState{
			FromDecreeExcluded: learnStart - 1,
			ToDecreeIncluded:   prepareStart - 1,
			MetaBlobs:          blobs,
		},
		PrepareStartDecree:  prepareStart,
		LastCommittedDecree: localCommitted,
		Config:              r.config,
		Signature:           signature,
	}
}

func (r *Replica) buildAppResponse(prepareStart, localCommitted gpid.Decree, signature int64) *rpc.LearnResponse {
	return &rpc.LearnResponse{
		Err:                 rpc.ErrOK,
		Type:                rpc.LearnApp,
		BaseLocalDir:        r.app.DataDir(),
		PrepareStartDecree:  prepareStart,
		LastCommittedDecree: localCommitted,
		Config:              r.config,
		Signature:           signature,
	}
}

func (r *Replica) buildLogResponse(prepareStart, localCommitted gpid.Decree, signature int64) *rpc.LearnResponse {
	var paths []string
	if r.privateLog != nil {
		paths = r.privateLog.SegmentPaths()
	}
	return &rpc.LearnResponse{
		Err:                 rpc.ErrOK,
		Type:                rpc.LearnLog,
		State:                rpc.LearnState{FilePaths: paths},
		BaseLocalDir:        r.privateLogDir(),
		PrepareStartDecree:  prepareStart,
		LastCommittedDecree: localCommitted,
		Config:              r.config,
		Signature:           signature,
	}
}

func (r *Replica) privateLogDir() string {
	if r.privateLog == nil {
		return ""
	}
	return r.privateLog.Dir()
}

// InitLearn drives one round of the learner side of spec §4.5: send a
// LearnRequest to primaryNode, then apply whichever response mode came
// back. It returns the resulting LearnerState; callers loop calling
// InitLearn again until Succeeded, matching step 7's "falls through to
// another init_learn" retry contract.
func (r *Replica) InitLearn(primaryNode string, signature int64) (LearnerState, error) {
	r.mu.Lock()
	if r.learnerStatus == LearnerWithoutPrepare {
		r.learnerStatus = LearnerWithPrepareTransient
	}
	req := &rpc.LearnRequest{
		Gpid:                             r.id,
		Learner:                          r.localNode,
		Signature:                        signature,
		LastCommittedDecreeInApp:         r.app.LastCommittedDecree(),
		LastCommittedDecreeInPrepareList: r.prepareList.LastCommittedDecree(),
	}
	r.mu.Unlock()

	var resp rpc.LearnResponse
	if err := r.tr.Call(primaryNode, rpc.CodeLearn, req, &resp); err != nil {
		// A transport hiccup is not itself a learning failure -- the
		// caller (spec §4.5 step 7) just calls InitLearn again.
		r.mu.Lock()
		state := LearnerState{Status: r.learnerStatus, Signature: signature}
		r.mu.Unlock()
		return state, err
	}
	if resp.Err != rpc.ErrOK {
		r.mu.Lock()
		state := LearnerState{Status: r.learnerStatus, Signature: signature}
		r.mu.Unlock()
		return state, rerrorsFromCode(resp.Err)
	}

	r.mu.Lock()
	r.config = resp.Config
	r.mu.Unlock()

	var state LearnerState
	var err error
	switch resp.Type {
	case rpc.LearnCache:
		state, err = r.applyCacheLearn(&resp)
	case rpc.LearnApp:
		state, err = r.applyAppLearn(primaryNode, &resp)
	case rpc.LearnLog:
		state, err = r.applyLogLearn(&resp)
	}
	if err != nil {
		r.handleLearningError(err)
		return LearnerState{Status: LearnerFailed, Signature: resp.Signature}, err
	}
	return state, nil
}

func (r *Replica) applyCacheLearn(resp *rpc.LearnResponse) (LearnerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(resp.State.MetaBlobs) > 0 {
		buf := resp.State.MetaBlobs[0]
		for consumed := 0; consumed < len(buf); {
			mu, n, err := mutation.Decode(buf[consumed:])
			if err != nil {
				break
			}
			consumed += n
			if mu.Header.Decree <= r.prepareList.LastCommittedDecree() {
				continue
			}
			r.prepareList.Prepare(mu)
		}
	}
	r.prepareList.Commit(resp.PrepareStartDecree-1, mutation.CommitHard)
	return r.finishLearnLocked(resp), nil
}

// applyAppLearn copies the primary's checkpoint directory into this
// replica's learn directory and installs it. File transfer here assumes
// a shared or already-synced filesystem path (BaseLocalDir); a
// network-attached deployment would instead stream bytes through
// app.GetCheckpoint over the RPC transport, which this package's
// Transport interface does not yet expose a code for.
func (r *Replica) applyAppLearn(primaryNode string, resp *rpc.LearnResponse) (LearnerState, error) {
	if err := copyCheckpointDir(resp.BaseLocalDir, r.app.LearnDir()); err != nil {
		return LearnerState{}, err
	}
	if _, err := r.app.ApplyCheckpoint(r.app.LearnDir()); err != nil {
		return LearnerState{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareList.Commit(resp.PrepareStartDecree-1, mutation.CommitHard)
	return r.finishLearnLocked(resp), nil
}

func (r *Replica) applyLogLearn(resp *rpc.LearnResponse) (LearnerState, error) {
	for _, path := range resp.State.FilePaths {
		if err := walog.ReplayFile(path, r.replayMutation); err != nil {
			return LearnerState{}, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prepareList.Commit(resp.PrepareStartDecree-1, mutation.CommitHard)
	return r.finishLearnLocked(resp), nil
}

// replayMutation applies a single replayed mutation during LOG-mode
// learning, skipping any decree already covered by a higher-ballot entry
// (i.e. already committed locally).
func (r *Replica) replayMutation(mu *mutation.Mutation) error {
	if mu.Header.Decree <= r.app.LastCommittedDecree() {
		return nil
	}
	return r.app.WriteInternal(mu.Header.Decree, uint32(mu.Code), mu.Data)
}

// finishLearnLocked advances the learner-status progression of spec §4.5
// once an apply round completes: WithPrepare once the app has caught up
// through prepare_start_decree-1, WithPrepareTransient (another round
// needed) otherwise. It never promotes the replica's role directly --
// that only happens meta-mediated, once a live group-check confirms the
// catch-up and the primary is notified (notifyLearnCompletion) and issues
// UPGRADE_TO_SECONDARY. Callers hold r.mu.
func (r *Replica) finishLearnLocked(resp *rpc.LearnResponse) LearnerState {
	if r.app.LastCommittedDecree() >= resp.PrepareStartDecree-1 {
		r.learnerStatus = LearnerWithPrepare
	} else {
		r.learnerStatus = LearnerWithPrepareTransient
	}
	r.learnPrepareStartDecree = resp.PrepareStartDecree
	r.learnerSignature = resp.Signature
	return LearnerState{Status: r.learnerStatus, Signature: resp.Signature}
}

// handleLearningError is spec §4.5's handle_learning_error: any
// non-transport failure while applying a learn round (corrupt checkpoint,
// log replay I/O error) is unrecoverable for this learner epoch, so it
// sinks to Failed/ERROR rather than retrying.
func (r *Replica) handleLearningError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.learnerStatus = LearnerFailed
	if e := r.setStatusLocked(StatusError, r.ballot); e != nil {
		r.log.Warn("learning-error status transition rejected", zap.Error(e))
	}
	r.log.Error("learning failed", zap.Error(err))
}

// notifyLearnCompletion sends LEARN_COMPLETION_NOTIFY to the primary,
// spec §4.5 step 8: a live group-check has just confirmed this learner is
// fully caught up, so the primary can propose UPGRADE_TO_SECONDARY to the
// meta-server on its behalf.
func (r *Replica) notifyLearnCompletion(primaryNode string) {
	r.mu.Lock()
	req := &rpc.LearnCompletionNotifyRequest{
		Gpid:             r.id,
		Node:             r.localNode,
		LearnerSignature: r.learnerSignature,
	}
	r.mu.Unlock()

	var ack rpc.Ack
	if err := r.tr.Call(primaryNode, rpc.CodeLearnCompletionNotify, req, &ack); err != nil {
		r.log.Warn("learn completion notify failed", zap.Error(err), zap.String("primary", primaryNode))
	}
}

// HandleLearnCompletionNotify is the primary's side of LEARN_COMPLETION_NOTIFY
// (spec §4.5 step 8): on receiving it, propose UPGRADE_TO_SECONDARY to the
// meta-server so the learner's promotion is recorded there before it starts
// serving live 2PC as a secondary.
func (r *Replica) HandleLearnCompletionNotify(req *rpc.LearnCompletionNotifyRequest, mc *metaclient.Client) {
	r.mu.Lock()
	isPrimary := r.status == StatusPrimary
	r.mu.Unlock()
	if !isPrimary {
		return
	}
	go func() {
		if err := r.ProposeReconfiguration(mc, rpc.ProposalUpgradeToSecondary, req.Node); err != nil {
			r.log.Warn("propose upgrade to secondary failed", zap.Error(err), zap.String("node", req.Node))
		}
	}()
}

func copyCheckpointDir(fromDir, toDir string) error {
	entries, err := os.ReadDir(fromDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(toDir, 0755); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		src, err := os.Open(filepath.Join(fromDir, e.Name()))
		if err != nil {
			return err
		}
		dst, err := os.Create(filepath.Join(toDir, e.Name()))
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(dst, src)
		src.Close()
		dst.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func rerrorsFromCode(code rpc.ErrCode) error {
	return &learnRPCError{code: code}
}

type learnRPCError struct{ code rpc.ErrCode }

func (e *learnRPCError) Error() string { return "replica: learn request failed: " + e.code.String() }
