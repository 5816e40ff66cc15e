package walog

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/qinzuoyan/rdsn-go/mutation"
)

// ReplayFile walks a single segment file (as transferred to a learner
// during a LOG-mode catch-up, spec §4.5 step 6) and invokes cb for every
// mutation it contains, skipping the leading file header block. It stops
// at the first corrupt or short block, the same tolerant-of-a-torn-tail
// behavior as Log.Replay, since a file handed to a learner may have been
// open for append on the sender at the moment it was copied.
func ReplayFile(path string, cb func(*mutation.Mutation) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "walog: open segment file for replay")
	}
	defer f.Close()

	if _, err := readBlock(f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	for {
		body, err := readBlock(f)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return nil // torn tail; stop silently like Log.Replay
		}
		consumed := 0
		for consumed < len(body) {
			mu, n, derr := mutation.Decode(body[consumed:])
			if derr != nil {
				return nil
			}
			if cb != nil {
				if err := cb(mu); err != nil {
					return err
				}
			}
			consumed += n
		}
	}
}
