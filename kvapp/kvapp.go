// Package kvapp is the reference app plug-in exercised by the end-to-end
// scenarios of spec §8 and by cmd/replicad: a small embedded key-value
// store. Grounded on uccmorph-morphling/mpserverv2/storage.go's CF-keyed
// Storage interface (reduced here to a single default column family,
// since the replication core itself is CF-agnostic) but backed by
// github.com/Connor1996/badger instead of the teacher's in-memory LLRB
// tree, so a reference app actually persists and checkpoints to disk the
// way spec §4.5's learner protocol requires.
package kvapp

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	badger "github.com/Connor1996/badger"
	"github.com/pkg/errors"

	"github.com/qinzuoyan/rdsn-go/app"
	"github.com/qinzuoyan/rdsn-go/gpid"
)

// metaKey stores the last-committed decree alongside the user data so a
// reopen can recover LastCommittedDecree without a separate file.
var metaKey = []byte("__kvapp_meta_last_committed_decree")

// AppType is the app_type string this plug-in registers under.
const AppType = "kv"

func init() {
	app.Register(AppType, func() app.App { return New() })
}

// App is a badger-backed key-value store implementing app.App.
type App struct {
	mu sync.Mutex

	db       *badger.DB
	dataDir  string
	learnDir string

	lastCommitted gpid.Decree
	lastDurable   gpid.Decree
}

// New returns an unopened App; call Open before use.
func New() *App { return &App{} }

func (a *App) Open(dataDir string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.dataDir = filepath.Join(dataDir, "data")
	a.learnDir = filepath.Join(dataDir, "learn")
	if err := os.MkdirAll(a.dataDir, 0755); err != nil {
		return errors.Wrap(err, "kvapp: mkdir data")
	}
	if err := os.MkdirAll(a.learnDir, 0755); err != nil {
		return errors.Wrap(err, "kvapp: mkdir learn")
	}

	opts := badger.DefaultOptions
	opts.Dir = a.dataDir
	opts.ValueDir = a.dataDir
	db, err := badger.Open(opts)
	if err != nil {
		return errors.Wrap(err, "kvapp: open badger")
	}
	a.db = db

	if err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		if len(val) == 8 {
			a.lastCommitted = gpid.Decree(binary.LittleEndian.Uint64(val))
			a.lastDurable = a.lastCommitted
		}
		return nil
	}); err != nil {
		db.Close()
		return errors.Wrap(err, "kvapp: read meta")
	}
	return nil
}

func (a *App) Close(destroy bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return err
		}
		a.db = nil
	}
	if destroy {
		if err := os.RemoveAll(a.dataDir); err != nil {
			return err
		}
		if err := os.RemoveAll(a.learnDir); err != nil {
			return err
		}
	}
	return nil
}

// Put/Get are the app-specific operations this plug-in exposes to
// clients; they are not part of app.App. The replication core only ever
// calls WriteInternal with opaque bytes -- codec here is a trivial
// length-prefixed key/value pair.
type Op struct {
	Key   []byte
	Value []byte
}

// EncodeOp/DecodeOp let a client build the opaque payload WriteInternal
// expects and let tests/cmd/replicactl decode it back for display.
func EncodeOp(key, value []byte) []byte {
	buf := make([]byte, 4+len(key)+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(key)))
	copy(buf[4:], key)
	copy(buf[4+len(key):], value)
	return buf
}

func DecodeOp(data []byte) (Op, error) {
	if len(data) < 4 {
		return Op{}, fmt.Errorf("kvapp: short op")
	}
	klen := int(binary.LittleEndian.Uint32(data[0:4]))
	if len(data) < 4+klen {
		return Op{}, fmt.Errorf("kvapp: short op key")
	}
	return Op{Key: data[4 : 4+klen], Value: data[4+klen:]}, nil
}

func (a *App) WriteInternal(decree gpid.Decree, _ uint32, data []byte) error {
	op, err := DecodeOp(data)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if decree <= a.lastCommitted {
		return nil // already applied; idempotent replay during learning
	}
	err = a.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(op.Key, op.Value); err != nil {
			return err
		}
		var meta [8]byte
		binary.LittleEndian.PutUint64(meta[:], uint64(decree))
		return txn.Set(metaKey, meta[:])
	})
	if err != nil {
		return errors.Wrap(err, "kvapp: write")
	}
	a.lastCommitted = decree
	return nil
}

// Get is the read path client code and cmd/replicactl call directly; it
// is not part of app.App.
func (a *App) Get(key []byte) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var val []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err = item.Value()
		return err
	})
	return val, err
}

func (a *App) Flush() error {
	// badger's LSM tree fsyncs its value log and WAL on every Update
	// transaction commit; there is no separate user-triggered flush.
	return nil
}

func (a *App) Checkpoint() (gpid.Decree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	path := filepath.Join(a.dataDir, fmt.Sprintf("checkpoint.%d.bak", a.lastCommitted))
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "kvapp: create checkpoint file")
	}
	defer f.Close()
	if _, err := a.db.Backup(f, 0); err != nil {
		return 0, errors.Wrap(err, "kvapp: backup")
	}
	a.lastDurable = a.lastCommitted
	return a.lastDurable, nil
}

func (a *App) ApplyCheckpoint(fromDir string) (gpid.Decree, error) {
	matches, err := filepath.Glob(filepath.Join(fromDir, "checkpoint.*.bak"))
	if err != nil {
		return 0, errors.Wrap(err, "kvapp: glob checkpoint files")
	}
	if len(matches) == 0 {
		return 0, errors.New("kvapp: no checkpoint file to apply")
	}
	path := matches[len(matches)-1]
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "kvapp: open checkpoint file")
	}
	defer f.Close()

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.db.Load(f); err != nil {
		return 0, errors.Wrap(err, "kvapp: load checkpoint")
	}
	if err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, err := item.Value()
		if err != nil {
			return err
		}
		if len(val) == 8 {
			a.lastCommitted = gpid.Decree(binary.LittleEndian.Uint64(val))
		}
		return nil
	}); err != nil {
		return 0, err
	}
	a.lastDurable = a.lastCommitted
	return a.lastCommitted, nil
}

func (a *App) GetCheckpoint(w io.Writer) (gpid.Decree, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	since, err := a.db.Backup(w, 0)
	if err != nil {
		return 0, errors.Wrap(err, "kvapp: stream checkpoint")
	}
	_ = since
	return a.lastDurable, nil
}

func (a *App) IsDeltaStateLearningSupported() bool { return false }

func (a *App) LastCommittedDecree() gpid.Decree {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastCommitted
}

func (a *App) LastDurableDecree() gpid.Decree {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastDurable
}

func (a *App) DataDir() string  { return a.dataDir }
func (a *App) LearnDir() string { return a.learnDir }
