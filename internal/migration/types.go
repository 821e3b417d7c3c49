package migration

import (
	"errors"
	"path"
	"time"

	"github.com/N0RMANCHEN/Soul-seed-sub001/internal/state"
)

// Genome modes.
const (
	ModeLegacy = "legacy"
	ModeFull   = "full"
)

// Genome document keys written by migration.
const (
	KeyMode       = "mode"
	KeyProvenance = "provenance"
)

// SnapshotVersion is the on-disk format version of migration_snapshot.json.
const SnapshotVersion = 1

// ErrAlreadyMigrated is reported when a snapshot already exists.
var ErrAlreadyMigrated = errors.New("already migrated")

// #region snapshot
// Snapshot captures everything needed to undo one migration. It lives at the
// storage root until a rollback consumes it.
type Snapshot struct {
	ID                string         `json:"id"`
	Version           int            `json:"version"`
	MigratedAt        time.Time      `json:"migratedAt"`
	FromMode          string         `json:"fromMode"`
	ToMode            string         `json:"toMode"`
	BackupPaths       []string       `json:"backupPaths"` // relative to the storage root
	GenomeBefore      state.Document `json:"genomeBefore"`
	EpigeneticsBefore state.Document `json:"epigeneticsBefore"`

	// Existed flags are set for files present before migration, readable or not.
	GenomeExisted      bool `json:"genomeExisted"`
	EpigeneticsExisted bool `json:"epigeneticsExisted"`
}

// existedBefore reports whether name was on disk when the snapshot was taken.
func (s Snapshot) existedBefore(name string, flag bool) bool {
	if flag {
		return true
	}
	for _, rel := range s.BackupPaths {
		if path.Base(rel) == name {
			return true
		}
	}
	return false
}

// #endregion snapshot

// #region result
// Result reports a migration attempt. Errors collects per-file failures;
// Success is true only when there were none.
type Result struct {
	Success  bool      `json:"success"`
	Snapshot *Snapshot `json:"snapshot,omitempty"`
	Errors   []string  `json:"errors"`
}

// #endregion result
