package kvapp

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) (*App, string) {
	t.Helper()
	dir, err := os.MkdirTemp("", "kvapp-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	a := New()
	require.NoError(t, a.Open(dir))
	t.Cleanup(func() { a.Close(false) })
	return a, dir
}

func TestWriteInternalIsIdempotentUnderReplay(t *testing.T) {
	a, _ := newTestApp(t)

	require.NoError(t, a.WriteInternal(1, 0, EncodeOp([]byte("k"), []byte("v1"))))
	require.NoError(t, a.WriteInternal(1, 0, EncodeOp([]byte("k"), []byte("v2"))))

	val, err := a.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v1"), val)
	require.Equal(t, 1, int(a.LastCommittedDecree()))
}

func TestWriteInternalAdvancesDecreeInOrder(t *testing.T) {
	a, _ := newTestApp(t)

	require.NoError(t, a.WriteInternal(1, 0, EncodeOp([]byte("a"), []byte("1"))))
	require.NoError(t, a.WriteInternal(2, 0, EncodeOp([]byte("b"), []byte("2"))))
	require.Equal(t, 2, int(a.LastCommittedDecree()))

	val, err := a.Get([]byte("a"))
	require.NoError(t, err)
	require.Equal(t, []byte("1"), val)
}

func TestCheckpointAndApplyCheckpointRoundTrip(t *testing.T) {
	a, dir := newTestApp(t)
	require.NoError(t, a.WriteInternal(1, 0, EncodeOp([]byte("k"), []byte("v"))))

	decree, err := a.Checkpoint()
	require.NoError(t, err)
	require.Equal(t, 1, int(decree))

	learnerDir, err := os.MkdirTemp("", "kvapp-learner-")
	require.NoError(t, err)
	defer os.RemoveAll(learnerDir)
	b := New()
	require.NoError(t, b.Open(learnerDir))
	defer b.Close(false)

	matches, err := filepath.Glob(filepath.Join(a.DataDir(), "checkpoint.*.bak"))
	require.NoError(t, err)
	require.Len(t, matches, 1)

	restoredDecree, err := b.ApplyCheckpoint(a.DataDir())
	require.NoError(t, err)
	require.Equal(t, decree, restoredDecree)

	val, err := b.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
	_ = dir
}

func TestGetCheckpointStreamsBackupBytes(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.WriteInternal(1, 0, EncodeOp([]byte("k"), []byte("v"))))
	require.NoError(t, a.Flush())

	var buf bytes.Buffer
	_, err := a.GetCheckpoint(&buf)
	require.NoError(t, err)
	require.NotZero(t, buf.Len())
}

func TestDecodeOpRejectsShortPayloads(t *testing.T) {
	_, err := DecodeOp(nil)
	require.Error(t, err)
	_, err = DecodeOp([]byte{1, 0, 0, 0})
	require.Error(t, err)
}
