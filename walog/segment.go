package walog

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// segment is one numbered log file: a fileHeader block followed by zero
// or more data blocks, each a sequence of encoded mutations.
type segment struct {
	index             int64
	path              string
	header            *fileHeader
	startGlobalOffset int64
	endGlobalOffset   int64 // offset just past the last byte written

	file *os.File // non-nil while open for appending; nil for read-only/closed segments
}

// createSegment creates a brand-new segment file, writes its header block,
// and leaves it open for appending.
func createSegment(dir string, index int64, header *fileHeader) (*segment, error) {
	path := filepath.Join(dir, fmtSegmentName(index))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "walog: create segment")
	}
	body, err := encodeFileHeader(header)
	if err != nil {
		f.Close()
		return nil, err
	}
	n, err := writeBlock(f, body)
	if err != nil {
		f.Close()
		return nil, err
	}
	s := &segment{
		index:             index,
		path:              path,
		header:            header,
		startGlobalOffset: header.StartGlobalOffset,
		endGlobalOffset:   header.StartGlobalOffset + int64(n),
		file:              f,
	}
	return s, nil
}

// openSegmentHeader opens an existing segment read-only and parses just
// its header block, leaving the file positioned after the header for a
// subsequent full replay if the caller wants one.
func openSegmentHeader(dir string, index int64) (*segment, *os.File, error) {
	path := filepath.Join(dir, fmtSegmentName(index))
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "walog: open segment")
	}
	body, err := readBlock(f)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "walog: read header of segment %d", index)
	}
	h, err := decodeFileHeader(body)
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "walog: decode header of segment %d", index)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	s := &segment{
		index:             index,
		path:              path,
		header:            h,
		startGlobalOffset: h.StartGlobalOffset,
		endGlobalOffset:   h.StartGlobalOffset + info.Size(),
	}
	return s, f, nil
}

// appendBlock appends one data block containing the concatenation of the
// given already-encoded mutation bytes, fsync'ing before returning so the
// caller's durable-on-log guarantee holds.
func (s *segment) appendBlock(body []byte) error {
	if s.file == nil {
		return errors.New("walog: segment not open for writing")
	}
	n, err := writeBlock(s.file, body)
	if err != nil {
		return err
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "walog: fsync segment")
	}
	s.endGlobalOffset += int64(n)
	return nil
}

func (s *segment) size() int64 {
	return s.endGlobalOffset - s.startGlobalOffset
}

func (s *segment) closeWriter() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func (s *segment) less(other *segment) bool {
	return s.startGlobalOffset < other.startGlobalOffset
}
