package rpc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/qinzuoyan/rdsn-go/gpid"
)

func TestInProcessTransportRoutesToRegisteredHandler(t *testing.T) {
	tr := NewInProcessTransport()
	srv := tr.RegisterNode("replica-1")

	var gotReq *PrepareRequest
	srv.RegisterHandler(CodePrepare, func(code Code, req interface{}) (interface{}, error) {
		gotReq = req.(*PrepareRequest)
		return &PrepareResponse{Gpid: gotReq.Config.Gpid, Err: ErrOK, Ballot: gotReq.Ballot, Decree: gotReq.Decree}, nil
	})

	req := &PrepareRequest{
		Config: ReplicaConfig{Gpid: gpid.New(1, 0)},
		Ballot: 5,
		Decree: 10,
	}
	var resp PrepareResponse
	require.NoError(t, tr.Call("replica-1", CodePrepare, req, &resp))
	require.Equal(t, ErrOK, resp.Err)
	require.Equal(t, gpid.Ballot(5), resp.Ballot)
	require.Equal(t, gpid.Decree(10), resp.Decree)
	require.NotNil(t, gotReq)
}

func TestInProcessTransportErrorsOnUnknownNode(t *testing.T) {
	tr := NewInProcessTransport()
	var resp PrepareResponse
	err := tr.Call("ghost", CodePrepare, &PrepareRequest{}, &resp)
	require.Error(t, err)
}

func TestInProcessTransportErrorsOnUnknownCode(t *testing.T) {
	tr := NewInProcessTransport()
	tr.RegisterNode("replica-1")
	var resp PrepareResponse
	err := tr.Call("replica-1", CodePrepare, &PrepareRequest{}, &resp)
	require.Error(t, err)
}

func TestHandlerErrorPropagates(t *testing.T) {
	tr := NewInProcessTransport()
	srv := tr.RegisterNode("replica-1")
	srv.RegisterHandler(CodeBeacon, func(code Code, req interface{}) (interface{}, error) {
		return nil, errors.New("timeout")
	})
	var resp BeaconResponse
	err := tr.Call("replica-1", CodeBeacon, &BeaconRequest{}, &resp)
	require.Error(t, err)
}
