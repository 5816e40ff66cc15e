package walog

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/petar/GoLLRB/llrb"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/qinzuoyan/rdsn-go/gpid"
	"github.com/qinzuoyan/rdsn-go/mutation"
)

// segmentItem adapts *segment to llrb.Item, ordering segments by their
// starting global offset. The tree gives GarbageCollection an ordered
// ascending scan without re-sorting the segment slice on every call.
type segmentItem struct{ s *segment }

func (a segmentItem) Less(than llrb.Item) bool {
	return a.s.less(than.(segmentItem).s)
}

// Handle is returned by Append; it currently carries no public API beyond
// existing as a reference point for future cancellation, matching the
// source's own fire-and-forget append handle.
type Handle struct {
	decree gpid.Decree
	gp     gpid.Gpid
}

// OnCommit is invoked once a batch containing a given mutation has been
// durably flushed (err == nil) or has failed (err != nil). Callbacks fire
// in the same order append() calls returned (spec §4.1 flush ordering).
type OnCommit func(err error, bytesWritten int)

type pendingAppend struct {
	mu       *mutation.Mutation
	onCommit OnCommit
}

// Log is the write-ahead log described in spec §4.1. A single Log value
// serves either as the process-wide shared log (multiplexing every
// partition) or, via NewPrivateLog, as one partition's private log. Both
// share this implementation; only the scope of Append's gpid differs.
type Log struct {
	mu sync.Mutex

	dir                 string
	private             bool
	privateGpid         gpid.Gpid
	maxLogFileSizeBytes int64
	bufferSizeBytes     int
	pendingMaxMs        time.Duration
	maxStalenessForCommit uint32

	segments *llrb.LLRB // ordered by startGlobalOffset
	bySegIdx map[int64]*segment
	current  *segment
	nextIdx  int64
	endOff   int64

	// per-gpid highest decree ever seen in any appended mutation; used
	// both for the next segment's header and by GC.
	maxSeenDecree map[gpid.Gpid]gpid.Decree

	pending     []pendingAppend
	pendingSize int
	timer       *clock.Timer
	clock       clock.Clock

	log *zap.Logger
}

// Options configures a Log. Field names mirror the config keys in spec §6.
type Options struct {
	MaxLogFileSizeBytes int64
	BufferSizeBytes     int
	PendingMaxMs        int
	Clock               clock.Clock
	Logger              *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxLogFileSizeBytes <= 0 {
		o.MaxLogFileSizeBytes = 64 << 20
	}
	if o.BufferSizeBytes <= 0 {
		o.BufferSizeBytes = 4 << 20
	}
	if o.PendingMaxMs <= 0 {
		o.PendingMaxMs = 10
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// NewSharedLog creates a shared (process-wide) log rooted at dir.
func NewSharedLog(dir string, opts Options) *Log {
	opts = opts.withDefaults()
	return &Log{
		dir:                   dir,
		maxLogFileSizeBytes:   opts.MaxLogFileSizeBytes,
		bufferSizeBytes:       opts.BufferSizeBytes,
		pendingMaxMs:          time.Duration(opts.PendingMaxMs) * time.Millisecond,
		segments:              llrb.New(),
		bySegIdx:              make(map[int64]*segment),
		maxSeenDecree:         make(map[gpid.Gpid]gpid.Decree),
		clock:                 opts.Clock,
		log:                   opts.Logger,
		maxStalenessForCommit: 0,
	}
}

// NewPrivateLog creates a single-partition log, used for learner replay.
func NewPrivateLog(dir string, g gpid.Gpid, opts Options) *Log {
	l := NewSharedLog(dir, opts)
	l.private = true
	l.privateGpid = g
	return l
}

// Open scans dir for existing numbered segments, reads each header, and
// populates the per-gpid decree bookkeeping. It fails if any segment's
// header block is corrupt.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrap(err, "walog: mkdir")
	}
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return errors.Wrap(err, "walog: readdir")
	}

	var indices []int64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		idxStr := strings.TrimSuffix(e.Name(), ".log")
		idx, err := strconv.ParseInt(idxStr, 10, 64)
		if err != nil {
			continue
		}
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	for _, idx := range indices {
		s, f, err := openSegmentHeader(l.dir, idx)
		if err != nil {
			return err
		}
		f.Close()
		l.segments.ReplaceOrInsert(segmentItem{s})
		l.bySegIdx[idx] = s
		for g, d := range s.header.InitMaxDecrees {
			if cur, ok := l.maxSeenDecree[g]; !ok || d > cur {
				l.maxSeenDecree[g] = d
			}
		}
		if idx >= l.nextIdx {
			l.nextIdx = idx + 1
		}
		if s.endGlobalOffset > l.endOff {
			l.endOff = s.endGlobalOffset
		}
	}
	return nil
}

// Replay walks every block of every segment in ascending offset order,
// decoding and invoking cb for each mutation. It stops at the first
// corrupt or short block (torn tail write) rather than failing, and
// returns the global offset just past the last fully valid block.
func (l *Log) Replay(cb func(*mutation.Mutation) error) (int64, error) {
	l.mu.Lock()
	var segs []*segment
	if min := l.segments.Min(); min != nil {
		l.segments.AscendGreaterOrEqual(min, func(it llrb.Item) bool {
			segs = append(segs, it.(segmentItem).s)
			return true
		})
	}
	l.mu.Unlock()

	var lastValidOffset int64
	for _, s := range segs {
		f, err := os.Open(s.path)
		if err != nil {
			return lastValidOffset, errors.Wrap(err, "walog: open segment for replay")
		}
		offset := s.startGlobalOffset
		// Skip the header block; it was already validated by Open.
		headerBody, err := readBlock(f)
		if err != nil {
			f.Close()
			return lastValidOffset, err
		}
		offset += int64(blockHeaderSize + len(headerBody))

		for {
			body, err := readBlock(f)
			if err != nil {
				f.Close()
				if errors.Is(err, io.EOF) {
					lastValidOffset = offset
					break
				}
				// Torn tail or corruption: stop here, across all segments.
				return lastValidOffset, nil
			}
			consumed := 0
			for consumed < len(body) {
				mu, n, derr := mutation.Decode(body[consumed:])
				if derr != nil {
					f.Close()
					return lastValidOffset, nil
				}
				if cb != nil {
					if err := cb(mu); err != nil {
						f.Close()
						return lastValidOffset, err
					}
				}
				consumed += n
			}
			offset += int64(blockHeaderSize + len(body))
			lastValidOffset = offset
		}
	}
	return lastValidOffset, nil
}

// StartWriteService seals the given per-gpid high-water marks as the
// starting point for new segments: the next segment created (on open, or
// on rollover) will carry initMaxDecrees in its header.
func (l *Log) StartWriteService(initMaxDecrees map[gpid.Gpid]gpid.Decree, maxStalenessForCommit uint32) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxStalenessForCommit = maxStalenessForCommit
	for g, d := range initMaxDecrees {
		if cur, ok := l.maxSeenDecree[g]; !ok || d > cur {
			l.maxSeenDecree[g] = d
		}
	}
	return l.rolloverLocked()
}

func (l *Log) rolloverLocked() error {
	if l.current != nil {
		if err := l.current.closeWriter(); err != nil {
			return err
		}
	}
	init := make(map[gpid.Gpid]gpid.Decree, len(l.maxSeenDecree))
	for g, d := range l.maxSeenDecree {
		init[g] = d
	}
	h := &fileHeader{
		MaxStalenessForCommit: l.maxStalenessForCommit,
		BufferSizeBytes:       uint32(l.bufferSizeBytes),
		StartGlobalOffset:     l.endOff,
		InitMaxDecrees:        init,
	}
	s, err := createSegment(l.dir, l.nextIdx, h)
	if err != nil {
		return err
	}
	l.nextIdx++
	l.endOff = s.endGlobalOffset
	l.segments.ReplaceOrInsert(segmentItem{s})
	l.bySegIdx[s.index] = s
	l.current = s
	return nil
}

// Append enqueues mu into the pending buffer. Once the buffer exceeds
// BufferSizeBytes or the pending timer elapses, a batch write is issued
// and onCommit fires for every mutation in that batch, in FIFO order.
func (l *Log) Append(mu *mutation.Mutation, onCommit OnCommit) (Handle, error) {
	if l.private && mu.Gpid != l.privateGpid {
		return Handle{}, errors.New("walog: mutation gpid does not match private log gpid")
	}

	l.mu.Lock()
	if l.current == nil {
		l.mu.Unlock()
		return Handle{}, errors.New("walog: write service not started")
	}
	encoded := mu.Encode()
	l.pending = append(l.pending, pendingAppend{mu: mu, onCommit: onCommit})
	l.pendingSize += len(encoded)
	if d, ok := l.maxSeenDecree[mu.Gpid]; !ok || mu.Header.Decree > d {
		l.maxSeenDecree[mu.Gpid] = mu.Header.Decree
	}

	shouldFlush := l.pendingSize >= l.bufferSizeBytes
	if !shouldFlush && l.timer == nil {
		l.timer = l.clock.AfterFunc(l.pendingMaxMs, l.flushOnTimer)
	}
	l.mu.Unlock()

	if shouldFlush {
		l.flush()
	}
	return Handle{decree: mu.Header.Decree, gp: mu.Gpid}, nil
}

func (l *Log) flushOnTimer() {
	l.flush()
}

// flush writes every pending mutation as one data block and fires their
// callbacks in order.
func (l *Log) flush() {
	l.mu.Lock()
	if len(l.pending) == 0 {
		if l.timer != nil {
			l.timer.Stop()
			l.timer = nil
		}
		l.mu.Unlock()
		return
	}
	batch := l.pending
	l.pending = nil
	l.pendingSize = 0
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}

	var body []byte
	for _, p := range batch {
		body = append(body, p.mu.Encode()...)
	}

	if l.current.size()+int64(blockHeaderSize+len(body)) > l.maxLogFileSizeBytes {
		if err := l.rolloverLocked(); err != nil {
			l.mu.Unlock()
			for _, p := range batch {
				if p.onCommit != nil {
					p.onCommit(err, 0)
				}
			}
			return
		}
	}

	err := l.current.appendBlock(body)
	l.mu.Unlock()

	for _, p := range batch {
		if p.onCommit != nil {
			p.onCommit(err, len(body))
		}
	}
}

// GarbageCollection deletes every segment (other than the current
// write-open one) for which every gpid recorded in its header has
// durableDecrees[gpid] >= header.InitMaxDecrees[gpid] AND the immediately
// following segment's header already records at least that same
// InitMaxDecrees baseline (spec §4.1: durability alone isn't enough --
// the next segment must supersede it, so a learner asked to replay from
// this gpid's earliest still-needed decree always finds a segment that
// covers it). It never deletes the current segment.
func (l *Log) GarbageCollection(durableDecrees map[gpid.Gpid]gpid.Decree) (int, error) {
	l.mu.Lock()
	var ordered []*segment
	if min := l.segments.Min(); min != nil {
		l.segments.AscendGreaterOrEqual(min, func(it llrb.Item) bool {
			ordered = append(ordered, it.(segmentItem).s)
			return true
		})
	}
	var currentIdx int64 = -1
	if l.current != nil {
		currentIdx = l.current.index
	}
	l.mu.Unlock()

	var merr *multierror.Error
	deleted := 0
	for i, s := range ordered {
		if s.index == currentIdx {
			continue
		}
		if i+1 >= len(ordered) {
			// No later segment recorded yet to supersede s; the
			// current write-open segment always sorts last, so this
			// only happens on an empty/malformed segment list.
			continue
		}
		next := ordered[i+1]
		if !segmentIsGCEligible(s, next, durableDecrees) {
			continue
		}
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, errors.Wrapf(err, "walog: remove segment %d", s.index))
			continue
		}
		l.mu.Lock()
		l.segments.Delete(segmentItem{s})
		delete(l.bySegIdx, s.index)
		l.mu.Unlock()
		deleted++
	}
	return deleted, merr.ErrorOrNil()
}

// segmentIsGCEligible reports whether s can be deleted: every gpid its
// header records must be durable, and next's header must already record
// an init_max_decrees baseline at or beyond s's for that gpid.
func segmentIsGCEligible(s, next *segment, durableDecrees map[gpid.Gpid]gpid.Decree) bool {
	for g, needDecree := range s.header.InitMaxDecrees {
		have, ok := durableDecrees[g]
		if !ok || have < needDecree {
			return false
		}
		nextDecree, ok := next.header.InitMaxDecrees[g]
		if !ok || nextDecree < needDecree {
			return false
		}
	}
	return true
}

// Close stops the pending-flush timer and closes the current segment's
// file handle. It does not flush pending appends; callers should call
// flush (by forcing an Append to exceed the buffer, or simply accept
// data loss of the still-buffered tail, matching the source's own
// best-effort shutdown).
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	if l.current != nil {
		return l.current.closeWriter()
	}
	return nil
}

// Dir returns the directory backing this log.
func (l *Log) Dir() string { return l.dir }

// SegmentPaths returns the on-disk paths of every segment, in ascending
// offset order, for a learner LOG-mode transfer (spec §4.5 step 6).
func (l *Log) SegmentPaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var paths []string
	if min := l.segments.Min(); min != nil {
		l.segments.AscendGreaterOrEqual(min, func(it llrb.Item) bool {
			paths = append(paths, it.(segmentItem).s.path)
			return true
		})
	}
	return paths
}
