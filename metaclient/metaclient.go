// Package metaclient is the replica-side view of the meta-server
// contract: proposing reconfiguration, querying authoritative
// configuration, and the lease beacon of spec §4.6. Grounded on
// influxdata-influxdb/raft's leader-RPC client pattern (a thin struct
// wrapping a Transport plus a list of candidate addresses, retried on
// failure) generalized to the meta-server's query/propose/beacon calls.
package metaclient

import (
	"fmt"
	"sync"
	"time"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/rpc"
)

// Client talks to whichever meta-server currently holds leadership. A
// call that fails returns its error without retrying, and moves the
// client on to the next candidate of its statically configured list for
// the following call, the way the source's meta_client cycles through it.
type Client struct {
	mu       sync.Mutex
	servers  []string
	leaderIx int
	tr       rpc.Transport
}

func New(tr rpc.Transport, servers []string) *Client {
	return &Client{tr: tr, servers: append([]string(nil), servers...)}
}

func (c *Client) currentLeader() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.servers) == 0 {
		return "", fmt.Errorf("metaclient: no meta servers configured")
	}
	return c.servers[c.leaderIx%len(c.servers)], nil
}

func (c *Client) advanceLeader() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.servers) > 0 {
		c.leaderIx = (c.leaderIx + 1) % len(c.servers)
	}
}

// CurrentLeader exposes currentLeader to callers outside the package
// (the stub's failure detector needs to know which node it just
// beaconed in order to feed that node's heartbeat, not just "some
// server").
func (c *Client) CurrentLeader() (string, error) {
	return c.currentLeader()
}

// adoptLeaderHint applies spec §4.6's ack-driven leader discovery: a
// beacon response carries the responder's belief of who the meta
// leader is. An empty PrimaryNode means the responder doesn't know
// either, so we rotate to the next candidate exactly as a failed call
// already does; a non-empty one moves leaderIx to point at it directly
// when it's among our configured servers, skipping the usual
// one-at-a-time rotation.
func (c *Client) adoptLeaderHint(resp rpc.BeaconResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resp.PrimaryNode == "" {
		if len(c.servers) > 0 {
			c.leaderIx = (c.leaderIx + 1) % len(c.servers)
		}
		return
	}
	for i, s := range c.servers {
		if s == resp.PrimaryNode {
			c.leaderIx = i
			return
		}
	}
}

// QueryConfigurationByGpid fetches the authoritative partition_configuration
// for a single partition.
func (c *Client) QueryConfigurationByGpid(id gpid.Gpid) (rpc.PartitionConfig, error) {
	node, err := c.currentLeader()
	if err != nil {
		return rpc.PartitionConfig{}, err
	}
	req := &rpc.QueryConfigurationRequest{Gpid: id}
	var resp rpc.QueryConfigurationResponse
	if err := c.tr.Call(node, rpc.CodeQueryConfigurationByGpid, req, &resp); err != nil {
		c.advanceLeader()
		return rpc.PartitionConfig{}, err
	}
	if resp.Err != rpc.ErrOK || len(resp.Configs) == 0 {
		return rpc.PartitionConfig{}, fmt.Errorf("metaclient: query_configuration_by_gpid failed: %s", resp.Err)
	}
	return resp.Configs[0], nil
}

// QueryConfigurationByNode fetches every partition assigned to node,
// used by the stub on startup to reconcile disk state with the
// meta-server's view.
func (c *Client) QueryConfigurationByNode(node string) ([]rpc.PartitionConfig, error) {
	leader, err := c.currentLeader()
	if err != nil {
		return nil, err
	}
	req := &rpc.QueryConfigurationRequest{Node: node}
	var resp rpc.QueryConfigurationResponse
	if err := c.tr.Call(leader, rpc.CodeQueryConfigurationByNode, req, &resp); err != nil {
		c.advanceLeader()
		return nil, err
	}
	if resp.Err != rpc.ErrOK {
		return nil, fmt.Errorf("metaclient: query_configuration_by_node failed: %s", resp.Err)
	}
	return resp.Configs, nil
}

// ProposeConfig submits a reconfiguration request (spec §4
// "Reconfiguration protocol"). A response carrying a newer configuration
// than req.Config is not itself an error -- callers must check
// resp.Config.Ballot against what they proposed.
func (c *Client) ProposeConfig(req rpc.UpdatePartitionConfigRequest) (rpc.UpdatePartitionConfigResponse, error) {
	node, err := c.currentLeader()
	if err != nil {
		return rpc.UpdatePartitionConfigResponse{}, err
	}
	var resp rpc.UpdatePartitionConfigResponse
	if err := c.tr.Call(node, rpc.CodeUpdatePartitionConfig, &req, &resp); err != nil {
		c.advanceLeader()
		return rpc.UpdatePartitionConfigResponse{}, err
	}
	return resp, nil
}

// Beacon sends one lease heartbeat to the current meta leader, per spec
// §4.6's bidirectional lease protocol.
func (c *Client) Beacon(fromNode string, now time.Time) (rpc.BeaconResponse, error) {
	node, err := c.currentLeader()
	if err != nil {
		return rpc.BeaconResponse{}, err
	}
	req := &rpc.BeaconRequest{FromNode: fromNode, Time: now.UnixNano()}
	var resp rpc.BeaconResponse
	if err := c.tr.Call(node, rpc.CodeBeacon, req, &resp); err != nil {
		c.advanceLeader()
		return rpc.BeaconResponse{}, err
	}
	if !resp.IsMaster {
		c.adoptLeaderHint(resp)
	}
	return resp, nil
}
