package stub

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qinzuoyan/rdsn-go/config"
	"github.com/qinzuoyan/rdsn-go/gpid"
	_ "github.com/qinzuoyan/rdsn-go/kvapp"
	"github.com/qinzuoyan/rdsn-go/metaclient"
	"github.com/qinzuoyan/rdsn-go/replica"
	"github.com/qinzuoyan/rdsn-go/rpc"
)

func newTestStub(t *testing.T) *Stub {
	t.Helper()
	dir, err := os.MkdirTemp("", "stub-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.NewConfig()
	cfg.DataDir = dir
	cfg.GcIntervalMs = 0
	cfg.CheckpointIntervalSeconds = 0
	cfg.GcDiskErrorReplicaIntervalSeconds = 0
	cfg.FdBeaconIntervalSeconds = 1
	cfg.MetaServers = nil

	tr := rpc.NewInProcessTransport()
	mc := metaclient.New(tr, nil)
	s := New("n1", &cfg, tr, mc, nil)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadWithEmptyDataDirSucceeds(t *testing.T) {
	s := newTestStub(t)
	require.NoError(t, s.Load())
	require.Empty(t, s.replicas)
}

func TestLoadDiscoversExistingReplicaDirectory(t *testing.T) {
	s := newTestStub(t)
	require.NoError(t, os.MkdirAll(s.cfg.DataDir+"/1.0.kv", 0755))

	require.NoError(t, s.Load())
	_, ok := s.Lookup(gpid.New(1, 0))
	require.True(t, ok)
}

func TestParseDirNameIgnoresDiskErrorAndMalformedEntries(t *testing.T) {
	_, _, ok := parseDirName("shared")
	require.False(t, ok)
	_, _, ok = parseDirName("1.0.kv.err")
	require.False(t, ok)
	id, appType, ok := parseDirName("3.2.kv")
	require.True(t, ok)
	require.Equal(t, "kv", appType)
	require.Equal(t, uint32(3), id.AppID)
	require.Equal(t, uint32(2), id.PartitionIndex)
}

func TestDispatchReturnsErrorForUnknownReplica(t *testing.T) {
	s := newTestStub(t)
	require.NoError(t, s.Load())
	_, err := s.Dispatch(gpid.New(99, 0), rpc.CodePrepare, func(r *replica.Replica) interface{} { return nil })
	require.Error(t, err)
}

func TestGCDiskErrorReplicasRemovesErrDirectories(t *testing.T) {
	s := newTestStub(t)
	errDir := s.cfg.DataDir + "/1.0.kv.err"
	require.NoError(t, os.MkdirAll(errDir, 0755))

	require.NoError(t, s.GCDiskErrorReplicas())
	_, statErr := os.Stat(errDir)
	require.True(t, os.IsNotExist(statErr))
}
