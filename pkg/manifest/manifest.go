// Package manifest is the durable relational store of tracked files and
// runs, backed by a single-connection WAL-mode SQLite database.
package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	// filesTable holds one row per tracked file.
	// NOTE: Updating the structure here **will not** migrate the existing table!
	filesTable = `
	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rel_path TEXT NOT NULL,
		data_root TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		mtime_ns INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		par2_name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ok',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
		verified_at TIMESTAMP,
		UNIQUE(data_root, rel_path)
	);
	CREATE INDEX IF NOT EXISTS idx_files_content_hash ON files(content_hash);
	CREATE INDEX IF NOT EXISTS idx_files_par2_name ON files(par2_name);
	`

	// runsTable holds one row per scan, verify, or repair run.
	runsTable = `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		files_scanned INTEGER NOT NULL DEFAULT 0,
		files_created INTEGER NOT NULL DEFAULT 0,
		files_verified INTEGER NOT NULL DEFAULT 0,
		files_damaged INTEGER NOT NULL DEFAULT 0,
		files_repaired INTEGER NOT NULL DEFAULT 0,
		files_moved INTEGER NOT NULL DEFAULT 0,
		files_deleted INTEGER NOT NULL DEFAULT 0,
		files_truncated INTEGER NOT NULL DEFAULT 0,
		parity_recreated INTEGER NOT NULL DEFAULT 0,
		orphan_parity_cleaned INTEGER NOT NULL DEFAULT 0,
		errors TEXT
	);
	`

	fileColumns = `
	id, rel_path, data_root, file_size, mtime_ns, content_hash, par2_name,
	status, created_at, updated_at, verified_at`

	getFileQuery = `
	SELECT` + fileColumns + `
	FROM files
	WHERE data_root = ? AND rel_path = ?
	`

	getFileByIDQuery = `
	SELECT` + fileColumns + `
	FROM files
	WHERE id = ?
	`

	getAllFilesQuery = `
	SELECT` + fileColumns + `
	FROM files
	ORDER BY data_root, rel_path
	`

	getAllFilesByRootQuery = `
	SELECT` + fileColumns + `
	FROM files
	WHERE data_root = ?
	ORDER BY rel_path
	`

	getFilesByHashQuery = `
	SELECT` + fileColumns + `
	FROM files
	WHERE content_hash = ?
	ORDER BY id
	`

	getAllFileIDsQuery = `SELECT id FROM files ORDER BY id`

	hasPar2NameQuery = `SELECT COUNT(*) FROM files WHERE par2_name = ?`

	upsertFileQuery = `
	INSERT INTO files (data_root, rel_path, file_size, mtime_ns, content_hash, par2_name, status)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(data_root, rel_path) DO UPDATE SET
		file_size = excluded.file_size,
		mtime_ns = excluded.mtime_ns,
		content_hash = excluded.content_hash,
		par2_name = excluded.par2_name,
		status = excluded.status,
		updated_at = CURRENT_TIMESTAMP
	`

	updatePathQuery = `
	UPDATE files
	SET rel_path = ?, data_root = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`

	updateMtimeQuery = `
	UPDATE files
	SET mtime_ns = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`

	updateStatusQuery = `
	UPDATE files
	SET status = ?, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`

	markVerifiedQuery = `
	UPDATE files
	SET verified_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
	WHERE id = ?
	`

	deleteFileQuery = `DELETE FROM files WHERE id = ?`

	startRunQuery = `INSERT INTO runs DEFAULT VALUES`

	finishRunQuery = `
	UPDATE runs SET
		finished_at = CURRENT_TIMESTAMP,
		files_scanned = ?,
		files_created = ?,
		files_verified = ?,
		files_damaged = ?,
		files_repaired = ?,
		files_moved = ?,
		files_deleted = ?,
		files_truncated = ?,
		parity_recreated = ?,
		orphan_parity_cleaned = ?,
		errors = ?
	WHERE id = ?
	`

	lastRunQuery = `
	SELECT
		id, started_at, finished_at, files_scanned, files_created,
		files_verified, files_damaged, files_repaired, files_moved,
		files_deleted, files_truncated, parity_recreated,
		orphan_parity_cleaned, errors
	FROM runs
	ORDER BY id DESC
	LIMIT 1
	`
)

// ErrNotFound is returned if a record is not found in the database.
var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Manifest wraps the SQLite database holding file and run records. It is not
// safe for concurrent use; the run-level lock guarantees a single writer.
type Manifest struct {
	db *sql.DB

	// Open transaction scope, if any. Reentering Transaction while a scope
	// is open joins it and defers the commit to the outermost exit.
	tx      *sql.Tx
	txDepth int
}

// Open opens (creating if necessary) the manifest database at dbpath.
func Open(dbpath string) (*Manifest, error) {
	if err := os.MkdirAll(filepath.Dir(dbpath), 0o755); err != nil {
		return nil, fmt.Errorf("error creating the database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, fmt.Errorf("error opening the SQLite3 database at %q: %w", dbpath, err)
	}

	// A single connection keeps the transactional scope simple and avoids
	// `database is locked` errors from concurrent statements.
	db.SetMaxOpenConns(1)

	m := &Manifest{db: db}

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()

			return nil, fmt.Errorf("error executing %q: %w", pragma, err)
		}
	}

	if err := m.createTables(); err != nil {
		db.Close()

		return nil, err
	}

	return m, nil
}

// Close closes the underlying database.
func (m *Manifest) Close() error { return m.db.Close() }

func (m *Manifest) createTables() error {
	for _, schema := range []string{filesTable, runsTable} {
		if _, err := m.db.Exec(schema); err != nil {
			return fmt.Errorf("error creating the tables: %w", err)
		}
	}

	return nil
}

// q returns the open transaction when inside a Transaction scope, the plain
// connection otherwise. Rows written outside a scope commit immediately.
func (m *Manifest) q() querier {
	if m.tx != nil {
		return m.tx
	}

	return m.db
}

// Transaction runs fn inside a transaction scope. Entering an open scope is
// a no-op that joins it; the outermost exit commits, or rolls the whole scope
// back if the outermost fn returns an error. An inner scope's error only
// causes that rollback when the enclosing fn returns it.
func (m *Manifest) Transaction(fn func() error) error {
	if m.tx == nil {
		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("error beginning a transaction: %w", err)
		}

		m.tx = tx
	}

	m.txDepth++

	err := fn()

	m.txDepth--
	if m.txDepth > 0 {
		return err
	}

	tx := m.tx
	m.tx = nil

	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("error rolling back after %w: %w", err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing the transaction: %w", err)
	}

	return nil
}

// GetFile returns the record for (dataRoot, relPath). ErrNotFound is
// returned if no record exists for the path.
func (m *Manifest) GetFile(dataRoot, relPath string) (FileRecord, error) {
	return m.scanFile(m.q().QueryRow(getFileQuery, dataRoot, relPath))
}

// GetFileByID returns the record with the given id.
func (m *Manifest) GetFileByID(id int64) (FileRecord, error) {
	return m.scanFile(m.q().QueryRow(getFileByIDQuery, id))
}

// GetAllFiles returns every record, optionally restricted to one data root.
func (m *Manifest) GetAllFiles(dataRoot string) ([]FileRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)

	if dataRoot == "" {
		rows, err = m.q().Query(getAllFilesQuery)
	} else {
		rows, err = m.q().Query(getAllFilesByRootQuery, dataRoot)
	}

	if err != nil {
		return nil, fmt.Errorf("error querying files: %w", err)
	}

	return m.collectFiles(rows)
}

// IterFiles calls fn for every file record. The row IDs are materialized
// up-front so fn may freely write to the files table through the same
// manifest while the iteration is in progress.
func (m *Manifest) IterFiles(fn func(FileRecord) error) error {
	rows, err := m.q().Query(getAllFileIDsQuery)
	if err != nil {
		return fmt.Errorf("error querying file ids: %w", err)
	}

	var ids []int64

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()

			return fmt.Errorf("error scanning a file id: %w", err)
		}

		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		rows.Close()

		return fmt.Errorf("error returned from rows: %w", err)
	}

	rows.Close()

	for _, id := range ids {
		rec, err := m.GetFileByID(id)
		if errors.Is(err, ErrNotFound) {
			continue
		} else if err != nil {
			return err
		}

		if err := fn(rec); err != nil {
			return err
		}
	}

	return nil
}

// GetFilesByHash returns every record whose content hash equals contentHash.
func (m *Manifest) GetFilesByHash(contentHash string) ([]FileRecord, error) {
	rows, err := m.q().Query(getFilesByHashQuery, contentHash)
	if err != nil {
		return nil, fmt.Errorf("error querying files by hash: %w", err)
	}

	return m.collectFiles(rows)
}

// GetFilesByStatus returns every record whose status is one of statuses.
func (m *Manifest) GetFilesByStatus(statuses ...string) ([]FileRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	query := `SELECT` + fileColumns + ` FROM files WHERE status IN (?` // first placeholder

	args := make([]any, 0, len(statuses))
	args = append(args, statuses[0])

	for _, s := range statuses[1:] {
		query += `, ?`

		args = append(args, s)
	}

	query += `) ORDER BY id`

	rows, err := m.q().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying files by status: %w", err)
	}

	return m.collectFiles(rows)
}

// HasPar2Name reports whether any record references the given parity name.
func (m *Manifest) HasPar2Name(par2Name string) (bool, error) {
	var count int64
	if err := m.q().QueryRow(hasPar2NameQuery, par2Name).Scan(&count); err != nil {
		return false, fmt.Errorf("error querying par2 name: %w", err)
	}

	return count > 0, nil
}

// UpsertFile inserts a record for (DataRoot, RelPath) or, if one exists,
// updates every mutable column and bumps updated_at.
func (m *Manifest) UpsertFile(p UpsertFileParams) error {
	if p.Status == "" {
		p.Status = StatusOK
	}

	_, err := m.q().Exec(upsertFileQuery,
		p.DataRoot, p.RelPath, p.FileSize, p.MtimeNs, p.ContentHash, p.Par2Name, p.Status)
	if err != nil {
		return fmt.Errorf("error upserting the file record: %w", err)
	}

	return nil
}

// UpdatePath moves the record with the given id to a new path.
func (m *Manifest) UpdatePath(id int64, relPath, dataRoot string) error {
	return m.exec(updatePathQuery, relPath, dataRoot, id)
}

// UpdateMtime stores a new modification time on the record.
func (m *Manifest) UpdateMtime(id, mtimeNs int64) error {
	return m.exec(updateMtimeQuery, mtimeNs, id)
}

// UpdateStatus stores a new status on the record.
func (m *Manifest) UpdateStatus(id int64, status string) error {
	return m.exec(updateStatusQuery, status, id)
}

// MarkVerified stamps verified_at on the record.
func (m *Manifest) MarkVerified(id int64) error {
	return m.exec(markVerifiedQuery, id)
}

// DeleteFile removes the record with the given id.
func (m *Manifest) DeleteFile(id int64) error {
	return m.exec(deleteFileQuery, id)
}

// StartRun opens a new run record and returns its id.
func (m *Manifest) StartRun() (int64, error) {
	res, err := m.q().Exec(startRunQuery)
	if err != nil {
		return 0, fmt.Errorf("error starting a run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("error getting the run id: %w", err)
	}

	return id, nil
}

// FinishRun closes the run record with the final counters.
func (m *Manifest) FinishRun(runID int64, c RunCounters) error {
	errs := sql.NullString{String: c.Errors, Valid: c.Errors != ""}

	return m.exec(finishRunQuery,
		c.FilesScanned, c.FilesCreated, c.FilesVerified, c.FilesDamaged,
		c.FilesRepaired, c.FilesMoved, c.FilesDeleted, c.FilesTruncated,
		c.ParityRecreated, c.OrphanParityCleaned, errs, runID)
}

// LastRun returns the most recent run record. ErrNotFound is returned if no
// run has ever been recorded.
func (m *Manifest) LastRun() (RunRecord, error) {
	var (
		rr         RunRecord
		finishedAt sql.NullTime
		errs       sql.NullString
	)

	err := m.q().QueryRow(lastRunQuery).Scan(
		&rr.ID, &rr.StartedAt, &finishedAt,
		&rr.FilesScanned, &rr.FilesCreated, &rr.FilesVerified,
		&rr.FilesDamaged, &rr.FilesRepaired, &rr.FilesMoved,
		&rr.FilesDeleted, &rr.FilesTruncated, &rr.ParityRecreated,
		&rr.OrphanParityCleaned, &errs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return rr, ErrNotFound
	} else if err != nil {
		return rr, fmt.Errorf("error querying the last run: %w", err)
	}

	if finishedAt.Valid {
		rr.FinishedAt = &finishedAt.Time
	}

	rr.Errors = errs.String

	return rr, nil
}

func (m *Manifest) exec(query string, args ...any) error {
	if _, err := m.q().Exec(query, args...); err != nil {
		return fmt.Errorf("error executing the statement: %w", err)
	}

	return nil
}

func (m *Manifest) scanFile(row *sql.Row) (FileRecord, error) {
	var (
		fr         FileRecord
		verifiedAt sql.NullTime
	)

	err := row.Scan(
		&fr.ID, &fr.RelPath, &fr.DataRoot, &fr.FileSize, &fr.MtimeNs,
		&fr.ContentHash, &fr.Par2Name, &fr.Status,
		&fr.CreatedAt, &fr.UpdatedAt, &verifiedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return fr, ErrNotFound
	} else if err != nil {
		return fr, fmt.Errorf("error scanning the row into a FileRecord: %w", err)
	}

	if verifiedAt.Valid {
		fr.VerifiedAt = &verifiedAt.Time
	}

	return fr, nil
}

func (m *Manifest) collectFiles(rows *sql.Rows) ([]FileRecord, error) {
	defer rows.Close()

	frs := make([]FileRecord, 0)

	for rows.Next() {
		var (
			fr         FileRecord
			verifiedAt sql.NullTime
		)

		err := rows.Scan(
			&fr.ID, &fr.RelPath, &fr.DataRoot, &fr.FileSize, &fr.MtimeNs,
			&fr.ContentHash, &fr.Par2Name, &fr.Status,
			&fr.CreatedAt, &fr.UpdatedAt, &verifiedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("error scanning the row into a FileRecord: %w", err)
		}

		if verifiedAt.Valid {
			fr.VerifiedAt = &verifiedAt.Time
		}

		frs = append(frs, fr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error returned from rows: %w", err)
	}

	return frs, nil
}
