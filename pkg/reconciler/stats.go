package reconciler

import (
	"strings"

	"github.com/kalbasit/par2guard/pkg/manifest"
)

// RunStats accumulates the counters of one run. Counters only ever increase
// within a run; per-file failures land in Errors and the run continues.
type RunStats struct {
	FilesScanned        int64 `json:"files_scanned"`
	FilesCreated        int64 `json:"files_created"`
	FilesVerified       int64 `json:"files_verified"`
	FilesDamaged        int64 `json:"files_damaged"`
	FilesRepaired       int64 `json:"files_repaired"`
	FilesMoved          int64 `json:"files_moved"`
	FilesDeleted        int64 `json:"files_deleted"`
	FilesTruncated      int64 `json:"files_truncated"`
	ParityRecreated     int64 `json:"parity_recreated"`
	OrphanParityCleaned int64 `json:"orphan_parity_cleaned"`

	Errors []string `json:"errors"`
}

// Counters converts the stats into the form persisted with a run record.
func (s *RunStats) Counters() manifest.RunCounters {
	return manifest.RunCounters{
		FilesScanned:        s.FilesScanned,
		FilesCreated:        s.FilesCreated,
		FilesVerified:       s.FilesVerified,
		FilesDamaged:        s.FilesDamaged,
		FilesRepaired:       s.FilesRepaired,
		FilesMoved:          s.FilesMoved,
		FilesDeleted:        s.FilesDeleted,
		FilesTruncated:      s.FilesTruncated,
		ParityRecreated:     s.ParityRecreated,
		OrphanParityCleaned: s.OrphanParityCleaned,
		Errors:              strings.Join(s.Errors, "\n"),
	}
}
