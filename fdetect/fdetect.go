// Package fdetect implements the bidirectional lease-based failure
// detector of spec §4.6: a replica beacons its meta-server leader every
// fd_beacon_interval_seconds, and either side considers the other dead
// once fd_grace_seconds elapse without a beacon/ack. Grounded on
// influxdata-influxdb/raft's mockable-clock timer pattern (raft.Clock /
// clock.Clock field swapped for tests), built on
// github.com/benbjohnson/clock so tests can advance time deterministically
// instead of sleeping.
package fdetect

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Options configures lease timing, matching the fd_* config options of
// spec §6.
type Options struct {
	CheckInterval  time.Duration
	BeaconInterval time.Duration
	Lease          time.Duration
	Grace          time.Duration
	Clock          clock.Clock
}

func (o Options) withDefaults() Options {
	if o.CheckInterval == 0 {
		o.CheckInterval = time.Second
	}
	if o.BeaconInterval == 0 {
		o.BeaconInterval = 3 * time.Second
	}
	if o.Lease == 0 {
		o.Lease = 9 * time.Second
	}
	if o.Grace == 0 {
		o.Grace = 12 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// peer tracks lease state for one remote node, from either vantage
// point: the last time we heard from it, and (for our own side) whether
// we currently believe it is alive.
type peer struct {
	lastHeardFrom time.Time
	alive         bool
}

// Detector tracks lease state for a set of peers and fires OnDisconnect/
// OnReconnect when a peer's silence exceeds Grace. A single Detector
// instance serves both the beaconing side (a replica watching its meta
// leader) and the receiving side (a meta-server watching its replicas);
// which role a process plays only affects who calls Heartbeat and who
// calls Check on a timer.
type Detector struct {
	opts Options

	mu    sync.Mutex
	peers map[string]*peer

	OnDisconnect func(node string)
	OnReconnect  func(node string)

	stop chan struct{}
	wg   sync.WaitGroup
}

func New(opts Options) *Detector {
	return &Detector{
		opts:  opts.withDefaults(),
		peers: make(map[string]*peer),
		stop:  make(chan struct{}),
	}
}

// Heartbeat records that node was heard from just now (a beacon request
// received, or a beacon response received). A previously-dead peer that
// heartbeats again fires OnReconnect.
func (d *Detector) Heartbeat(node string) {
	now := d.opts.Clock.Now()
	d.mu.Lock()
	p, ok := d.peers[node]
	if !ok {
		p = &peer{alive: true}
		d.peers[node] = p
	}
	wasAlive := p.alive
	p.lastHeardFrom = now
	p.alive = true
	d.mu.Unlock()

	if !wasAlive && d.OnReconnect != nil {
		d.OnReconnect(node)
	}
}

// IsAlive reports whether node is currently within its lease. An
// unregistered node is considered alive until proven otherwise, matching
// the grace period semantics of a just-added peer.
func (d *Detector) IsAlive(node string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[node]
	if !ok {
		return true
	}
	return p.alive
}

// Watch registers node for monitoring without waiting for a first
// heartbeat, starting its lease clock now.
func (d *Detector) Watch(node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.peers[node]; !ok {
		d.peers[node] = &peer{lastHeardFrom: d.opts.Clock.Now(), alive: true}
	}
}

// Unwatch stops tracking node, e.g. after a graceful removal from the
// cluster.
func (d *Detector) Unwatch(node string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, node)
}

// Check scans every watched peer and fires OnDisconnect for any whose
// silence exceeds Grace. Exported so tests can drive it directly instead
// of through the ticker loop.
func (d *Detector) Check() {
	now := d.opts.Clock.Now()
	var toFire []string

	d.mu.Lock()
	for node, p := range d.peers {
		if p.alive && now.Sub(p.lastHeardFrom) > d.opts.Grace {
			p.alive = false
			toFire = append(toFire, node)
		}
	}
	d.mu.Unlock()

	if d.OnDisconnect != nil {
		for _, node := range toFire {
			d.OnDisconnect(node)
		}
	}
}

// Start runs Check on a CheckInterval ticker until Stop is called.
func (d *Detector) Start() {
	ticker := d.opts.Clock.Ticker(d.opts.CheckInterval)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.Check()
			case <-d.stop:
				return
			}
		}
	}()
}

func (d *Detector) Stop() {
	close(d.stop)
	d.wg.Wait()
}
