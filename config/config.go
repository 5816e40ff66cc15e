// Package config loads the recognized options of spec §6 from a TOML
// file, grounded on the pervasive toml-tagged Config-struct-plus-
// NewConfig-defaults pattern used throughout influxdata-influxdb (see
// e.g. tsdb/config.go, logger/config.go).
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/qinzuoyan/rdsn-go/logger"
)

// Config holds every recognized option from spec §6, plus the ambient
// [log] section.
type Config struct {
	Log logger.Config `toml:"log"`

	DataDir string `toml:"data-dir"`

	PrepareTimeoutMsForSecondaries          int `toml:"prepare_timeout_ms_for_secondaries"`
	PrepareTimeoutMsForPotentialSecondaries int `toml:"prepare_timeout_ms_for_potential_secondaries"`
	StalenessForCommit                      int `toml:"staleness_for_commit"`
	MaxMutationCountInPrepareList           int `toml:"max_mutation_count_in_prepare_list"`
	Mutation2pcMinReplicaCount              int `toml:"mutation_2pc_min_replica_count"`
	GroupCheckIntervalMs                    int `toml:"group_check_interval_ms"`
	CheckpointIntervalSeconds               int `toml:"checkpoint_interval_seconds"`
	CheckpointMinDecreeGap                  int `toml:"checkpoint_min_decree_gap"`
	GcIntervalMs                            int `toml:"gc_interval_ms"`
	GcMemoryReplicaIntervalMs               int `toml:"gc_memory_replica_interval_ms"`
	GcDiskErrorReplicaIntervalSeconds       int `toml:"gc_disk_error_replica_interval_seconds"`
	FdCheckIntervalSeconds                  int `toml:"fd_check_interval_seconds"`
	FdBeaconIntervalSeconds                 int `toml:"fd_beacon_interval_seconds"`
	FdLeaseSeconds                          int `toml:"fd_lease_seconds"`
	FdGraceSeconds                          int `toml:"fd_grace_seconds"`
	LogPrivateFileSizeMb                    int `toml:"log_private_file_size_mb"`
	LogSharedFileSizeMb                     int `toml:"log_shared_file_size_mb"`
	LogSharedBatchBufferKb                  int `toml:"log_shared_batch_buffer_kb"`
	LogSharedForceFlush                     bool `toml:"log_shared_force_flush"`
	ConfigSyncIntervalMs                    int `toml:"config_sync_interval_ms"`
	LbIntervalMs                            int `toml:"lb_interval_ms"`

	MetaServers []string `toml:"meta_servers"`
}

// NewConfig returns defaults matching the source's shipped values, scaled
// to sane out-of-the-box behavior for a single test cluster.
func NewConfig() Config {
	return Config{
		Log:                                      logger.NewConfig(),
		DataDir:                                   "./data",
		PrepareTimeoutMsForSecondaries:            1000,
		PrepareTimeoutMsForPotentialSecondaries:   5000,
		StalenessForCommit:                        10,
		MaxMutationCountInPrepareList:              50,
		Mutation2pcMinReplicaCount:                 1,
		GroupCheckIntervalMs:                       10000,
		CheckpointIntervalSeconds:                  600,
		CheckpointMinDecreeGap:                     10000,
		GcIntervalMs:                               30000,
		GcMemoryReplicaIntervalMs:                  300000,
		GcDiskErrorReplicaIntervalSeconds:           600,
		FdCheckIntervalSeconds:                      1,
		FdBeaconIntervalSeconds:                     3,
		FdLeaseSeconds:                              9,
		FdGraceSeconds:                               12,
		LogPrivateFileSizeMb:                         32,
		LogSharedFileSizeMb:                          64,
		LogSharedBatchBufferKb:                       4096,
		LogSharedForceFlush:                          false,
		ConfigSyncIntervalMs:                         30000,
		LbIntervalMs:                                 10000,
	}
}

// Validate checks cross-field invariants the source enforces at startup
// (fd_lease_seconds < fd_grace_seconds, beacon < lease), matching the
// fail-fast Validate() pattern used throughout the teacher's config types.
func (c *Config) Validate() error {
	if c.FdLeaseSeconds >= c.FdGraceSeconds {
		return fmt.Errorf("config: fd_lease_seconds (%d) must be < fd_grace_seconds (%d)", c.FdLeaseSeconds, c.FdGraceSeconds)
	}
	if c.FdBeaconIntervalSeconds >= c.FdLeaseSeconds {
		return fmt.Errorf("config: fd_beacon_interval_seconds (%d) must be < fd_lease_seconds (%d)", c.FdBeaconIntervalSeconds, c.FdLeaseSeconds)
	}
	if c.Mutation2pcMinReplicaCount < 1 {
		return fmt.Errorf("config: mutation_2pc_min_replica_count must be >= 1")
	}
	if c.MaxMutationCountInPrepareList < 1 {
		return fmt.Errorf("config: max_mutation_count_in_prepare_list must be >= 1")
	}
	return nil
}

// Load reads and parses a TOML file into a Config seeded with defaults.
func Load(path string) (*Config, error) {
	c := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if _, err := toml.Decode(string(data), &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
