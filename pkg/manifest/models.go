package manifest

import "time"

// File statuses. A record is created as StatusOK and only ever moves between
// these values through the reconciler and the repair loop.
const (
	StatusOK        = "ok"
	StatusDamaged   = "damaged"
	StatusTruncated = "truncated"
	StatusRepaired  = "repaired"
)

type (
	// FileRecord represents one tracked file in the manifest.
	FileRecord struct {
		ID          int64
		RelPath     string
		DataRoot    string
		FileSize    int64
		MtimeNs     int64
		ContentHash string
		Par2Name    string
		Status      string

		CreatedAt  time.Time
		UpdatedAt  time.Time
		VerifiedAt *time.Time
	}

	// RunRecord represents one scan, verify, or repair run.
	RunRecord struct {
		ID         int64
		StartedAt  time.Time
		FinishedAt *time.Time

		RunCounters
	}

	// RunCounters is the set of counters persisted with a finished run.
	RunCounters struct {
		FilesScanned        int64
		FilesCreated        int64
		FilesVerified       int64
		FilesDamaged        int64
		FilesRepaired       int64
		FilesMoved          int64
		FilesDeleted        int64
		FilesTruncated      int64
		ParityRecreated     int64
		OrphanParityCleaned int64
		Errors              string
	}

	// UpsertFileParams holds the parameters for UpsertFile.
	UpsertFileParams struct {
		DataRoot    string
		RelPath     string
		FileSize    int64
		MtimeNs     int64
		ContentHash string
		Par2Name    string
		Status      string
	}
)
