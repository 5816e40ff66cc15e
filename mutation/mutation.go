// Package mutation defines the unit of replicated state change and the
// bounded sliding window (prepare list) that holds proposed-but-not-yet-
// committed mutations. Grounded on the source's mutation.cpp/mutation.h
// header layout (ballot, decree, log_offset, last_committed_decree_seen_by
// _proposer, timestamp, client_request_id) and on the teacher's LogEntry
// binary encoding style (influxdata-influxdb/raft.LogEntry, logEntryHeaderSize).
package mutation

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/qinzuoyan/rdsn-go/gpid"
)

// TaskCode identifies the RPC handler a mutation's payload was proposed
// under (e.g. an app-specific write task). It is opaque to the replication
// core; the app interprets it when a mutation is applied.
type TaskCode uint32

// Header is the fixed-size metadata carried by every mutation.
type Header struct {
	Ballot                            gpid.Ballot
	Decree                            gpid.Decree
	LogOffset                         int64
	LastCommittedDecreeSeenByProposer gpid.Decree
	Timestamp                         time.Time
	ClientRequestID                   uint64
}

// Mutation is the immutable payload + header for one proposed state
// machine update. A mutation is identified by (Ballot, Decree); two
// mutations can transiently share a Decree with different Ballots during
// failover, and the higher ballot always wins (see PrepareList.Prepare).
type Mutation struct {
	Header Header
	Gpid   gpid.Gpid
	Code   TaskCode
	Data   []byte

	sealed bool
}

// New builds an unsealed mutation. Callers must call Seal before handing
// it to a PrepareList or the log writer.
func New(g gpid.Gpid, h Header, code TaskCode, data []byte) *Mutation {
	return &Mutation{Gpid: g, Header: h, Code: code, Data: data}
}

// Seal marks the mutation immutable. Once sealed it may be safely shared
// between the prepare list, an outstanding prepare-RPC, and the log writer.
func (m *Mutation) Seal() *Mutation {
	m.sealed = true
	return m
}

// Sealed reports whether the mutation has been sealed.
func (m *Mutation) Sealed() bool { return m.sealed }

const headerEncodedSize = 4 + 4 + /* gpid */
	8 + 8 + 8 + 8 + /* ballot, decree, log_offset, last_committed */
	8 + /* timestamp unix nano */
	8 + /* client request id */
	4 + /* task code */
	4 /* data length */

// Encode produces the exact on-wire byte layout used both inside walog
// blocks and in learner mutation-cache blobs. The layout is little-endian
// fixed-width fields followed by the raw payload bytes.
func (m *Mutation) Encode() []byte {
	buf := make([]byte, headerEncodedSize+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], m.Gpid.AppID)
	binary.LittleEndian.PutUint32(buf[4:8], m.Gpid.PartitionIndex)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(m.Header.Ballot))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(m.Header.Decree))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(m.Header.LogOffset))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(m.Header.LastCommittedDecreeSeenByProposer))
	binary.LittleEndian.PutUint64(buf[40:48], uint64(m.Header.Timestamp.UnixNano()))
	binary.LittleEndian.PutUint64(buf[48:56], m.Header.ClientRequestID)
	binary.LittleEndian.PutUint32(buf[56:60], uint32(m.Code))
	binary.LittleEndian.PutUint32(buf[60:64], uint32(len(m.Data)))
	copy(buf[64:], m.Data)
	return buf
}

// Decode parses a single mutation from buf, returning the mutation and the
// number of bytes consumed. It is the exact inverse of Encode: for any
// mutation m, Decode(Encode(m)) == m.
func Decode(buf []byte) (*Mutation, int, error) {
	if len(buf) < headerEncodedSize {
		return nil, 0, fmt.Errorf("mutation: short buffer: %d < %d", len(buf), headerEncodedSize)
	}
	m := &Mutation{sealed: true}
	m.Gpid.AppID = binary.LittleEndian.Uint32(buf[0:4])
	m.Gpid.PartitionIndex = binary.LittleEndian.Uint32(buf[4:8])
	m.Header.Ballot = gpid.Ballot(binary.LittleEndian.Uint64(buf[8:16]))
	m.Header.Decree = gpid.Decree(binary.LittleEndian.Uint64(buf[16:24]))
	m.Header.LogOffset = int64(binary.LittleEndian.Uint64(buf[24:32]))
	m.Header.LastCommittedDecreeSeenByProposer = gpid.Decree(binary.LittleEndian.Uint64(buf[32:40]))
	m.Header.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(buf[40:48]))).UTC()
	m.Header.ClientRequestID = binary.LittleEndian.Uint64(buf[48:56])
	m.Code = TaskCode(binary.LittleEndian.Uint32(buf[56:60]))
	dataLen := int(binary.LittleEndian.Uint32(buf[60:64]))
	total := headerEncodedSize + dataLen
	if len(buf) < total {
		return nil, 0, fmt.Errorf("mutation: short buffer for payload: %d < %d", len(buf), total)
	}
	m.Data = bytes.Clone(buf[headerEncodedSize:total])
	return m, total, nil
}

func (m *Mutation) String() string {
	return fmt.Sprintf("mutation(%s, b=%d, d=%d, len=%d)", m.Gpid, m.Header.Ballot, m.Header.Decree, len(m.Data))
}
