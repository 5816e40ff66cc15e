package walog

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/mutation"
)

func newTestMutation(g gpid.Gpid, decree gpid.Decree, data string) *mutation.Mutation {
	return mutation.New(g, mutation.Header{
		Ballot:    1,
		Decree:    decree,
		Timestamp: time.Unix(0, 0),
	}, 1, []byte(data)).Seal()
}

func TestLogAppendReplayRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewSharedLog(dir, Options{BufferSizeBytes: 1 << 20, PendingMaxMs: 1})
	require.NoError(t, l.Open())
	require.NoError(t, l.StartWriteService(nil, 0))

	g := gpid.New(1, 0)
	var committed []int
	for i, payload := range []string{"a", "b", "c"} {
		done := make(chan error, 1)
		_, err := l.Append(newTestMutation(g, gpid.Decree(i+1), payload), func(err error, n int) {
			done <- err
		})
		require.NoError(t, err)
		l.flush()
		require.NoError(t, <-done)
		committed = append(committed, i)
	}
	require.Equal(t, []int{0, 1, 2}, committed)

	var replayed []string
	_, err := l.Replay(func(mu *mutation.Mutation) error {
		replayed = append(replayed, string(mu.Data))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, replayed)
}

func TestLogGarbageCollectionSafety(t *testing.T) {
	dir := t.TempDir()
	l := NewSharedLog(dir, Options{MaxLogFileSizeBytes: 1, BufferSizeBytes: 1 << 20, PendingMaxMs: 1})
	require.NoError(t, l.Open())
	require.NoError(t, l.StartWriteService(map[gpid.Gpid]gpid.Decree{
		gpid.New(1, 0): 50,
		gpid.New(2, 0): 30,
	}, 0))

	firstIdx := l.current.index

	g2 := gpid.New(2, 0)
	_, err := l.Append(newTestMutation(g2, 31, "x"), nil)
	require.NoError(t, err)
	l.flush()

	// Segment 0 recorded init_max_decrees {g1:50, g2:30}; durable decrees
	// don't yet cover g2, so it must not be deleted.
	n, err := l.GarbageCollection(map[gpid.Gpid]gpid.Decree{
		gpid.New(1, 0): 60,
		gpid.New(2, 0): 25,
	})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Contains(t, l.bySegIdx, firstIdx)

	// Once g2 catches up, the segment becomes deletable -- unless it is
	// still the current write-open segment, in which case GC must skip it.
	n, err = l.GarbageCollection(map[gpid.Gpid]gpid.Decree{
		gpid.New(1, 0): 60,
		gpid.New(2, 0): 35,
	})
	require.NoError(t, err)
	if l.current.index == firstIdx {
		require.Equal(t, 0, n)
	} else {
		require.Equal(t, 1, n)
		require.NotContains(t, l.bySegIdx, firstIdx)
	}
}

func TestLogReplayStopsAtCorruptTail(t *testing.T) {
	dir := t.TempDir()
	l := NewSharedLog(dir, Options{BufferSizeBytes: 1 << 20, PendingMaxMs: 1})
	require.NoError(t, l.Open())
	require.NoError(t, l.StartWriteService(nil, 0))

	g := gpid.New(1, 0)
	done := make(chan error, 1)
	_, err := l.Append(newTestMutation(g, 1, "ok"), func(err error, n int) { done <- err })
	require.NoError(t, err)
	l.flush()
	require.NoError(t, <-done)

	path := l.current.path
	require.NoError(t, l.Close())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad}) // torn trailing bytes, not a full block header
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2 := NewSharedLog(dir, Options{})
	require.NoError(t, l2.Open())
	var replayed []string
	_, err = l2.Replay(func(mu *mutation.Mutation) error {
		replayed = append(replayed, string(mu.Data))
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"ok"}, replayed)
}
