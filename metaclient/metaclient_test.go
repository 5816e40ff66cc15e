package metaclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/rpc"
)

func TestProposeConfigReturnsMetaResponse(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	srv := tr.RegisterNode("meta-1")
	srv.RegisterHandler(rpc.CodeUpdatePartitionConfig, func(code rpc.Code, req interface{}) (interface{}, error) {
		r := req.(*rpc.UpdatePartitionConfigRequest)
		return &rpc.UpdatePartitionConfigResponse{Err: rpc.ErrOK, Config: r.Config}, nil
	})

	c := New(tr, []string{"meta-1"})
	id := gpid.New(1, 0)
	resp, err := c.ProposeConfig(rpc.UpdatePartitionConfigRequest{
		Config: rpc.PartitionConfig{Gpid: id, Ballot: 6},
		Node:   "replica-1",
		Type:   rpc.ProposalUpgradeToPrimary,
	})
	require.NoError(t, err)
	require.Equal(t, rpc.ErrOK, resp.Err)
	require.Equal(t, gpid.Ballot(6), resp.Config.Ballot)
}

func TestClientAdvancesLeaderOnTransportFailure(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	srv2 := tr.RegisterNode("meta-2")
	srv2.RegisterHandler(rpc.CodeBeacon, func(code rpc.Code, req interface{}) (interface{}, error) {
		return &rpc.BeaconResponse{ToNode: "replica-1"}, nil
	})

	c := New(tr, []string{"meta-1", "meta-2"})
	_, err := c.Beacon("replica-1", time.Unix(0, 0))
	require.Error(t, err) // meta-1 has no handler registered

	resp, err := c.Beacon("replica-1", time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, "replica-1", resp.ToNode)
}

func TestQueryConfigurationByGpidErrorsWhenEmpty(t *testing.T) {
	tr := rpc.NewInProcessTransport()
	srv := tr.RegisterNode("meta-1")
	srv.RegisterHandler(rpc.CodeQueryConfigurationByGpid, func(code rpc.Code, req interface{}) (interface{}, error) {
		return &rpc.QueryConfigurationResponse{Err: rpc.ErrOK}, nil
	})
	c := New(tr, []string{"meta-1"})
	_, err := c.QueryConfigurationByGpid(gpid.New(1, 0))
	require.Error(t, err)
}
