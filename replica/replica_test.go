package replica

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/kvapp"
	"github.com/qinzuoyan/rdsn-go/rpc"
	"github.com/qinzuoyan/rdsn-go/walog"
)

func newTestReplica(t *testing.T, node string, id gpid.Gpid, tr rpc.Transport) *Replica {
	t.Helper()
	dir, err := os.MkdirTemp("", "replica-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	a := kvapp.New()
	require.NoError(t, a.Open(dir))
	t.Cleanup(func() { a.Close(false) })

	shared := walog.NewSharedLog(dir+"/shared", walog.Options{})
	require.NoError(t, shared.Open())
	require.NoError(t, shared.StartWriteService(nil, 0))
	t.Cleanup(func() { shared.Close() })

	r := New(id, node, a, tr, Options{PrepareTimeoutForSecondaries: 50 * time.Millisecond})
	r.AttachLogs(shared, nil)
	return r
}

// (A) single-partition write path: 1 primary + 2 secondaries, write_quorum=2.
func TestClientWriteCommitsWithQuorumOfSecondaryAcks(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)

	primary := newTestReplica(t, "n1", id, tr)
	s1 := newTestReplica(t, "n2", id, tr)
	s2 := newTestReplica(t, "n3", id, tr)

	srv1 := tr.RegisterNode("n2")
	srv1.RegisterHandler(rpc.CodePrepare, func(code rpc.Code, req interface{}) (interface{}, error) {
		return s1.HandlePrepare(req.(*rpc.PrepareRequest)), nil
	})
	srv2 := tr.RegisterNode("n3")
	srv2.RegisterHandler(rpc.CodePrepare, func(code rpc.Code, req interface{}) (interface{}, error) {
		return s2.HandlePrepare(req.(*rpc.PrepareRequest)), nil
	})

	primary.mu.Lock()
	primary.status = StatusPrimary
	primary.ballot = 1
	primary.config = rpc.PartitionConfig{Gpid: id, Ballot: 1, Primary: "n1", Secondaries: []string{"n2", "n3"}}
	primary.mu.Unlock()

	for _, payload := range [][]byte{[]byte("a"), []byte("b"), []byte("c")} {
		decree, err := primary.ClientWrite(0, kvapp.EncodeOp([]byte("k"), payload))
		require.NoError(t, err)
		require.Greater(t, int(decree), 0)
	}

	require.Equal(t, gpid.Decree(3), primary.prepareList.LastCommittedDecree())
}

func TestRoleTransitionRejectsSameBallotOutOfTable(t *testing.T) {
	r := &Replica{status: StatusInactive, ballot: 1}
	err := r.setStatusLocked(StatusSecondary, 1)
	require.Error(t, err)

	err = r.setStatusLocked(StatusPotentialSecondary, 1)
	require.NoError(t, err)
	require.Equal(t, StatusPotentialSecondary, r.status)
}

func TestRoleTransitionAllowsStrictlyHigherBallot(t *testing.T) {
	r := &Replica{status: StatusSecondary, ballot: 5}
	err := r.setStatusLocked(StatusPrimary, 6)
	require.NoError(t, err)
	require.Equal(t, gpid.Ballot(6), r.ballot)
}

func TestRoleTransitionRejectsLowerBallot(t *testing.T) {
	r := &Replica{status: StatusSecondary, ballot: 5}
	err := r.setStatusLocked(StatusPrimary, 4)
	require.Error(t, err)
}

func TestHandlePrepareRejectsStaleBallot(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)
	r := newTestReplica(t, "n2", id, tr)
	r.mu.Lock()
	r.ballot = 5
	r.mu.Unlock()

	resp := r.HandlePrepare(&rpc.PrepareRequest{Ballot: 3, Decree: 1})
	require.Equal(t, rpc.ErrStale, resp.Err)
}

func TestHandlePrepareAdoptsHigherBallot(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)
	r := newTestReplica(t, "n2", id, tr)
	r.mu.Lock()
	r.ballot = 3
	r.mu.Unlock()

	resp := r.HandlePrepare(&rpc.PrepareRequest{Ballot: 4, Decree: 1, Data: kvapp.EncodeOp([]byte("k"), []byte("v"))})
	require.Equal(t, rpc.ErrOK, resp.Err)
	require.Equal(t, gpid.Ballot(4), r.Ballot())
}

func TestHandleGroupCheckAdvancesCommitDecree(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)
	r := newTestReplica(t, "n2", id, tr)
	r.mu.Lock()
	r.ballot = 1
	mu := r.prepareList
	_ = mu
	r.mu.Unlock()

	resp := r.HandleGroupCheck(&rpc.GroupCheckRequest{
		Config:              rpc.ReplicaConfig{Gpid: id, Ballot: 1},
		LastCommittedDecree: 1,
		PartitionConfig:     rpc.PartitionConfig{Gpid: id, Ballot: 1},
	})
	require.Equal(t, rpc.ErrOK, resp.Err)
	require.Equal(t, gpid.Decree(1), resp.LastCommittedDecree)
}

func TestHandleGroupCheckRejectsStaleBallot(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)
	r := newTestReplica(t, "n2", id, tr)
	r.mu.Lock()
	r.ballot = 5
	r.mu.Unlock()

	resp := r.HandleGroupCheck(&rpc.GroupCheckRequest{Config: rpc.ReplicaConfig{Ballot: 2}})
	require.Equal(t, rpc.ErrStale, resp.Err)
}

func TestCheckpointSchedulerRespectsMinDecreeGap(t *testing.T) {
	s := &CheckpointScheduler{MinDecreeGap: 10}
	require.True(t, s.ShouldCheckpoint(5))
	s.RecordCheckpoint(5)
	require.False(t, s.ShouldCheckpoint(10))
	require.True(t, s.ShouldCheckpoint(15))
}

func TestHandleLearnRequestMintsAndPinsSignatureForNewLearner(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)
	r := newTestReplica(t, "n1", id, tr)

	req := &rpc.LearnRequest{Gpid: id, Learner: "n2"}
	resp1 := r.HandleLearnRequest(req)
	require.Equal(t, rpc.ErrOK, resp1.Err)
	require.NotZero(t, resp1.Signature)

	resp2 := r.HandleLearnRequest(&rpc.LearnRequest{Gpid: id, Learner: "n2", Signature: resp1.Signature})
	require.Equal(t, resp1.Signature, resp2.Signature)
}

func TestHandleLearnRequestReMintsSignatureOnMismatch(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	id := gpid.New(1, 0)
	r := newTestReplica(t, "n1", id, tr)

	resp1 := r.HandleLearnRequest(&rpc.LearnRequest{Gpid: id, Learner: "n2"})
	resp2 := r.HandleLearnRequest(&rpc.LearnRequest{Gpid: id, Learner: "n2", Signature: resp1.Signature + 1})
	require.NotEqual(t, resp1.Signature, resp2.Signature)
}
