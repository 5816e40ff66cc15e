// Package app defines the pluggable state-machine interface replicas
// drive, and a process-wide factory registry keyed by app_type (spec §9
// "Polymorphic app plug-in" / "Global mutable state").
package app

import (
	"fmt"
	"io"
	"sync"

	"github.com/qinzuoyan/rdsn-go/gpid"
)

// App is the capability set the replication core requires of a pluggable
// state machine, matching spec §9 verbatim.
type App interface {
	// Open opens (or creates) the app's on-disk state rooted at dataDir.
	Open(dataDir string) error
	// Close releases resources. If destroy is true, the app should also
	// remove its on-disk state.
	Close(destroy bool) error

	// WriteInternal applies a committed mutation's payload to the state
	// machine. Invoked by the prepare list's commit callback in decree
	// order; must never be called out of order or with the same decree
	// twice with a lower ballot winning.
	WriteInternal(decree gpid.Decree, requestCode uint32, data []byte) error

	// Flush durably persists any buffered writes.
	Flush() error

	// Checkpoint creates a new durable checkpoint and returns the decree
	// it covers (<= LastCommittedDecree()).
	Checkpoint() (gpid.Decree, error)
	// ApplyCheckpoint installs a checkpoint transferred from a learnee
	// into this app's data directory, replacing current state.
	ApplyCheckpoint(fromDir string) (gpid.Decree, error)
	// GetCheckpoint streams the current durable checkpoint to w for a
	// learner transfer, returning the decree it covers.
	GetCheckpoint(w io.Writer) (gpid.Decree, error)

	// IsDeltaStateLearningSupported reports whether GetCheckpoint can
	// serve a checkpoint newer than LastDurableDecree on demand (spec
	// §4.5 step 2c).
	IsDeltaStateLearningSupported() bool

	LastCommittedDecree() gpid.Decree
	LastDurableDecree() gpid.Decree

	DataDir() string
	LearnDir() string
}

// Factory constructs a fresh App instance rooted at the replica's data
// directory. Registered factories are looked up by the app_type string
// carried in partition_configuration.
type Factory func() App

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
	frozen     bool
)

// Register installs f under appType. Must be called before Freeze; it
// panics on a duplicate registration, matching the source's process-init
// "register once" discipline for this kind of global table.
func Register(appType string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if frozen {
		panic("app: Register called after Freeze")
	}
	if _, exists := registry[appType]; exists {
		panic(fmt.Sprintf("app: app_type %q already registered", appType))
	}
	registry[appType] = f
}

// Freeze stops further registration. Call once at the end of process
// init, before the stub starts serving.
func Freeze() {
	registryMu.Lock()
	defer registryMu.Unlock()
	frozen = true
}

// New looks up appType and constructs a new instance.
func New(appType string) (App, error) {
	registryMu.RLock()
	f, ok := registry[appType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("app: unknown app_type %q", appType)
	}
	return f(), nil
}
