package fdetect

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatKeepsPeerAlive(t *testing.T) {
	mock := clock.NewMock()
	d := New(Options{Grace: 12 * time.Second, Clock: mock})
	d.Watch("meta-1")
	require.True(t, d.IsAlive("meta-1"))

	mock.Add(10 * time.Second)
	d.Heartbeat("meta-1")
	d.Check()
	require.True(t, d.IsAlive("meta-1"))
}

func TestSilenceBeyondGraceFiresDisconnect(t *testing.T) {
	mock := clock.NewMock()
	d := New(Options{Grace: 12 * time.Second, Clock: mock})

	var mu sync.Mutex
	var disconnected []string
	d.OnDisconnect = func(node string) {
		mu.Lock()
		disconnected = append(disconnected, node)
		mu.Unlock()
	}

	d.Watch("meta-1")
	mock.Add(13 * time.Second)
	d.Check()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"meta-1"}, disconnected)
	require.False(t, d.IsAlive("meta-1"))
}

func TestReconnectFiresAfterDisconnect(t *testing.T) {
	mock := clock.NewMock()
	d := New(Options{Grace: 12 * time.Second, Clock: mock})

	var reconnects []string
	d.OnReconnect = func(node string) { reconnects = append(reconnects, node) }

	d.Watch("meta-1")
	mock.Add(13 * time.Second)
	d.Check()
	require.False(t, d.IsAlive("meta-1"))

	d.Heartbeat("meta-1")
	require.True(t, d.IsAlive("meta-1"))
	require.Equal(t, []string{"meta-1"}, reconnects)
}

func TestUnwatchedNodeIsConsideredAlive(t *testing.T) {
	d := New(Options{})
	require.True(t, d.IsAlive("unknown-node"))
}
