package walog

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/qinzuoyan/rdsn-go/gpid"
)

// fileHeaderMagic distinguishes a segment's leading header block from an
// ordinary mutation block, both of which otherwise share writeBlock's
// {magic, length, crc32, padding, body} outer framing.
const fileHeaderMagic uint32 = 0xa5e1c3a5

// fileHeaderVersion is bumped whenever the encoded shape of fileHeader
// changes incompatibly.
const fileHeaderVersion = 1

// fileHeaderFixedSize is magic(4) + version(4) + header_size(4) +
// max_staleness_for_commit(4) + buffer_size_bytes(4) +
// start_global_offset(8) + decree_count(4), all little-endian, preceding
// the variable-length decree-entry table.
const fileHeaderFixedSize = 32

// decreeEntrySize is app_id(4) + partition_index(4) + decree(8).
const decreeEntrySize = 16

// decreeEntry is one (gpid, decree) pair of the header's sorted map, kept
// as a slice so the encoded bytes are deterministic (Go map iteration
// order is not, and spec §3 calls out "sorted map<gpid, decree>").
type decreeEntry struct {
	AppID          uint32
	PartitionIndex uint32
	Decree         gpid.Decree
}

// fileHeader is the first block of every segment (spec §6 "Log file
// header"). It anchors the segment's global byte offset and records, per
// gpid, the highest decree known to the writer at the moment the segment
// was opened for writing (init_max_decrees) -- the quantity GC compares
// against durable_decree.
type fileHeader struct {
	Version               uint32
	MaxStalenessForCommit uint32
	BufferSizeBytes       uint32
	StartGlobalOffset     int64
	InitMaxDecrees        map[gpid.Gpid]gpid.Decree
}

// encodeFileHeader lays out the header as {magic, version, header_size}
// followed by the fixed scalar fields and a sorted decree-entry table, all
// little-endian -- the same binary framing writeBlock's data blocks use,
// rather than a JSON blob, so a hex dump of a segment's first block reads
// the same way as every other block (spec §6, round-trip fidelity).
func encodeFileHeader(h *fileHeader) ([]byte, error) {
	entries := make([]decreeEntry, 0, len(h.InitMaxDecrees))
	for g, d := range h.InitMaxDecrees {
		entries = append(entries, decreeEntry{AppID: g.AppID, PartitionIndex: g.PartitionIndex, Decree: d})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].AppID != entries[j].AppID {
			return entries[i].AppID < entries[j].AppID
		}
		return entries[i].PartitionIndex < entries[j].PartitionIndex
	})

	headerSize := fileHeaderFixedSize + len(entries)*decreeEntrySize
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], fileHeaderMagic)
	binary.LittleEndian.PutUint32(buf[4:8], fileHeaderVersion)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(headerSize))
	binary.LittleEndian.PutUint32(buf[12:16], h.MaxStalenessForCommit)
	binary.LittleEndian.PutUint32(buf[16:20], h.BufferSizeBytes)
	binary.LittleEndian.PutUint64(buf[20:28], uint64(h.StartGlobalOffset))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(len(entries)))
	for i, e := range entries {
		off := fileHeaderFixedSize + i*decreeEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], e.AppID)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], e.PartitionIndex)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(e.Decree))
	}
	return buf, nil
}

func decodeFileHeader(body []byte) (*fileHeader, error) {
	if len(body) < fileHeaderFixedSize {
		return nil, fmt.Errorf("walog: file header too short: %d bytes", len(body))
	}
	magic := binary.LittleEndian.Uint32(body[0:4])
	if magic != fileHeaderMagic {
		return nil, fmt.Errorf("walog: bad file header magic %#x", magic)
	}
	version := binary.LittleEndian.Uint32(body[4:8])
	headerSize := binary.LittleEndian.Uint32(body[8:12])
	if int(headerSize) > len(body) {
		return nil, fmt.Errorf("walog: file header claims %d bytes, got %d", headerSize, len(body))
	}
	h := &fileHeader{
		Version:               version,
		MaxStalenessForCommit: binary.LittleEndian.Uint32(body[12:16]),
		BufferSizeBytes:       binary.LittleEndian.Uint32(body[16:20]),
		StartGlobalOffset:     int64(binary.LittleEndian.Uint64(body[20:28])),
		InitMaxDecrees:        make(map[gpid.Gpid]gpid.Decree),
	}
	count := binary.LittleEndian.Uint32(body[28:32])
	entries := bytes.NewReader(body[fileHeaderFixedSize:headerSize])
	for i := uint32(0); i < count; i++ {
		var raw [decreeEntrySize]byte
		if _, err := entries.Read(raw[:]); err != nil {
			return nil, fmt.Errorf("walog: truncated decree entry %d: %w", i, err)
		}
		appID := binary.LittleEndian.Uint32(raw[0:4])
		partIdx := binary.LittleEndian.Uint32(raw[4:8])
		decree := gpid.Decree(binary.LittleEndian.Uint64(raw[8:16]))
		h.InitMaxDecrees[gpid.New(appID, partIdx)] = decree
	}
	return h, nil
}
