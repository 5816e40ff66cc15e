// Package rpc defines the wire messages exchanged between replicas and
// between a replica and the meta-server (spec §6 "RPC codes"), and the
// Transport abstraction that carries them. Grounded on
// uccmorph-morphling/mpserverv2/rpc_server.go's request/reply pairing
// (ReplicaMsg/ClientMsg over a single net/rpc endpoint) generalized to
// the spec's full code list, with the scheme-muxed Transport interface
// taken from influxdata-influxdb/raft/transport.go.
package rpc

import (
	"github.com/qinzuoyan/rdsn-go/gpid"
)

// Code identifies an RPC's semantics, matching spec §6's RPC code list.
type Code string

const (
	CodePrepare                     Code = "RPC_PREPARE"
	CodeLearn                       Code = "RPC_LEARN"
	CodeLearnAddLearner             Code = "RPC_LEARN_ADD_LEARNER"
	CodeLearnCompletionNotify       Code = "RPC_LEARN_COMPLETION_NOTIFY"
	CodeGroupCheck                  Code = "RPC_GROUP_CHECK"
	CodeConfigProposal              Code = "RPC_CONFIG_PROPOSAL"
	CodeUpdatePartitionConfig       Code = "RPC_UPDATE_PARTITION_CONFIGURATION"
	CodeQueryConfigurationByNode    Code = "RPC_QUERY_CONFIGURATION_BY_NODE"
	CodeQueryConfigurationByIndex   Code = "RPC_QUERY_CONFIGURATION_BY_INDEX"
	CodeQueryConfigurationByGpid    Code = "RPC_QUERY_CONFIGURATION_BY_GPID"
	CodeRemoveReplica               Code = "RPC_REMOVE_REPLICA"
	CodeQueryReplicaDecree          Code = "RPC_QUERY_REPLICA_DECREE"
	CodeBeacon                      Code = "RPC_BEACON"
)

// ErrCode mirrors the small set of error outcomes the spec calls out by
// name (StaleBallot, InvalidState/ERROR reply, OK).
type ErrCode int

const (
	ErrOK ErrCode = iota
	ErrStale
	ErrInvalidState
	ErrBusy
	ErrTimeout
	ErrLogIOFailure
)

func (e ErrCode) String() string {
	switch e {
	case ErrOK:
		return "OK"
	case ErrStale:
		return "ERR_STALE_BALLOT"
	case ErrInvalidState:
		return "ERR_INVALID_STATE"
	case ErrBusy:
		return "ERR_BUSY"
	case ErrTimeout:
		return "ERR_TIMEOUT"
	case ErrLogIOFailure:
		return "ERR_LOG_IO_FAILURE"
	default:
		return "ERR_UNKNOWN"
	}
}

// ReplicaConfig is the per-replica view, spec §3 "replica_configuration".
type ReplicaConfig struct {
	Gpid      gpid.Gpid
	Ballot    gpid.Ballot
	Status    string
	LearnerSignature int64
}

// PartitionConfig is the authoritative, meta-server-owned configuration,
// spec §3 "partition_configuration".
type PartitionConfig struct {
	Gpid                gpid.Gpid
	Ballot              gpid.Ballot
	Primary             string
	Secondaries         []string
	MaxReplicaCount      int
	LastCommittedDecree gpid.Decree
	AppType             string
}

// PrepareRequest carries a mutation from primary to secondary.
type PrepareRequest struct {
	Config  ReplicaConfig
	Ballot  gpid.Ballot
	Decree  gpid.Decree
	LastCommittedDecreeSeenByProposer gpid.Decree
	RequestCode uint32
	ClientRequestID uint64
	Data    []byte
}

// PrepareResponse is a secondary's ack of a PrepareRequest.
type PrepareResponse struct {
	Gpid   gpid.Gpid
	Err    ErrCode
	Ballot gpid.Ballot
	Decree gpid.Decree
	Node   string
}

// GroupCheckRequest is the periodic primary->secondary liveness/sync
// message, spec §4 "Periodic group check".
type GroupCheckRequest struct {
	Config              ReplicaConfig
	LastCommittedDecree gpid.Decree
	LearnerSignature    int64
	PartitionConfig     PartitionConfig
}

// GroupCheckResponse acks a GroupCheckRequest.
type GroupCheckResponse struct {
	Err                 ErrCode
	Ballot              gpid.Ballot
	LastCommittedDecree gpid.Decree
	LearnerStatus       string
}

// ConfigProposalType enumerates the meta-server's reconfiguration verbs
// (spec §4 "Reconfiguration protocol").
type ConfigProposalType int

const (
	ProposalAssignPrimary ConfigProposalType = iota
	ProposalUpgradeToPrimary
	ProposalAddSecondary
	ProposalUpgradeToSecondary
	ProposalDowngradeToSecondary
	ProposalDowngradeToInactive
	ProposalRemove
)

// ConfigProposal is sent meta -> primary, one-way.
type ConfigProposal struct {
	Type         ConfigProposalType
	TargetNode   string
	NewConfig    PartitionConfig
}

// UpdatePartitionConfigRequest is the primary's proposal to the
// meta-server following a ConfigProposal.
type UpdatePartitionConfigRequest struct {
	Config PartitionConfig
	Node   string
	Type   ConfigProposalType
}

// UpdatePartitionConfigResponse either confirms the proposal or carries
// the meta-server's current authoritative configuration.
type UpdatePartitionConfigResponse struct {
	Err    ErrCode
	Config PartitionConfig
}

// QueryConfigurationRequest covers the BY_NODE/BY_INDEX/BY_GPID variants;
// exactly one selector field is populated depending on Code.
type QueryConfigurationRequest struct {
	Node         string
	AppID        uint32
	Gpid         gpid.Gpid
}

type QueryConfigurationResponse struct {
	Err     ErrCode
	Configs []PartitionConfig
}

// RemoveReplicaRequest is primary -> secondary, one-way.
type RemoveReplicaRequest struct {
	Gpid   gpid.Gpid
	Ballot gpid.Ballot
}

// QueryReplicaDecreeRequest is meta -> replica.
type QueryReplicaDecreeRequest struct {
	Gpid gpid.Gpid
}

type QueryReplicaDecreeResponse struct {
	Err                 ErrCode
	LastCommittedDecree gpid.Decree
}

// BeaconRequest/Response implement the lease heartbeat of spec §4.6.
type BeaconRequest struct {
	FromNode string
	Time     int64
}

type BeaconResponse struct {
	ToNode string
	Time   int64
	// IsMaster, PrimaryNode, and Allowed carry the responder's
	// leader-election view (spec §4.6): IsMaster is true when ToNode is
	// itself the meta leader; otherwise PrimaryNode names who it
	// believes is (empty if unknown), and the beaconing node should
	// rotate to try another candidate. Allowed reports whether this
	// node is currently recognized as a live cluster member.
	IsMaster    bool
	PrimaryNode string
	Allowed     bool
}

// LearnAddLearnerRequest is primary -> POTENTIAL_SECONDARY, one-way.
type LearnAddLearnerRequest struct {
	Config           ReplicaConfig
	LearnerSignature int64
}

// LearnCompletionNotifyRequest is learner -> primary, one-way.
type LearnCompletionNotifyRequest struct {
	Gpid             gpid.Gpid
	Node             string
	LearnerSignature int64
}

// Ack is the trivial reply to a one-way message (RemoveReplica,
// LearnAddLearner, LearnCompletionNotify, ConfigProposal): the sender
// doesn't act on its contents, but Transport.Call still needs a concrete
// response type to decode into.
type Ack struct{}

// LearnType enumerates the three catch-up modes of spec §4.5.
type LearnType int

const (
	LearnCache LearnType = iota
	LearnApp
	LearnLog
)

func (t LearnType) String() string {
	switch t {
	case LearnCache:
		return "LT_CACHE"
	case LearnApp:
		return "LT_APP"
	case LearnLog:
		return "LT_LOG"
	default:
		return "LT_UNKNOWN"
	}
}

// LearnRequest is learner -> primary.
type LearnRequest struct {
	Gpid                              gpid.Gpid
	Learner                           string
	Signature                         int64
	LastCommittedDecreeInApp          gpid.Decree
	LastCommittedDecreeInPrepareList  gpid.Decree
}

// LearnState carries the payload for whichever LearnType was chosen.
type LearnState struct {
	FromDecreeExcluded gpid.Decree
	ToDecreeIncluded   gpid.Decree
	MetaBlobs          [][]byte
	FilePaths          []string
}

// LearnResponse is the learnee's (primary's) reply to a LearnRequest.
type LearnResponse struct {
	Err                 ErrCode
	Type                LearnType
	State               LearnState
	BaseLocalDir        string
	PrepareStartDecree  gpid.Decree
	LastCommittedDecree gpid.Decree
	Config              PartitionConfig
	Signature           int64
}
