package manifest_test

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/par2guard/pkg/manifest"
)

const (
	testHashA = "aaaa111122223333aaaa111122223333aaaa111122223333aaaa111122223333"
	testHashB = "bbbb111122223333bbbb111122223333bbbb111122223333bbbb111122223333"
)

func openManifest(t *testing.T) *manifest.Manifest {
	t.Helper()

	m, err := manifest.Open(filepath.Join(t.TempDir(), "_db", "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	return m
}

func upsert(t *testing.T, m *manifest.Manifest, dataRoot, relPath, hash string) manifest.FileRecord {
	t.Helper()

	require.NoError(t, m.UpsertFile(manifest.UpsertFileParams{
		DataRoot:    dataRoot,
		RelPath:     relPath,
		FileSize:    1024,
		MtimeNs:     1000,
		ContentHash: hash,
		Par2Name:    hash[:16] + ".par2",
	}))

	rec, err := m.GetFile(dataRoot, relPath)
	require.NoError(t, err)

	return rec
}

func TestGetFile(t *testing.T) {
	t.Parallel()

	m := openManifest(t)

	t.Run("missing record", func(t *testing.T) {
		_, err := m.GetFile("photos", "nope.jpg")
		assert.ErrorIs(t, err, manifest.ErrNotFound)
	})

	t.Run("round trip", func(t *testing.T) {
		rec := upsert(t, m, "photos", "a.jpg", testHashA)

		assert.Equal(t, "photos", rec.DataRoot)
		assert.Equal(t, "a.jpg", rec.RelPath)
		assert.Equal(t, int64(1024), rec.FileSize)
		assert.Equal(t, int64(1000), rec.MtimeNs)
		assert.Equal(t, testHashA, rec.ContentHash)
		assert.Equal(t, testHashA[:16]+".par2", rec.Par2Name)
		assert.Equal(t, manifest.StatusOK, rec.Status)
		assert.False(t, rec.CreatedAt.IsZero())
		assert.Nil(t, rec.VerifiedAt)
	})
}

func TestUpsertFile(t *testing.T) {
	t.Parallel()

	m := openManifest(t)

	first := upsert(t, m, "photos", "a.jpg", testHashA)

	require.NoError(t, m.UpsertFile(manifest.UpsertFileParams{
		DataRoot:    "photos",
		RelPath:     "a.jpg",
		FileSize:    2048,
		MtimeNs:     2000,
		ContentHash: testHashB,
		Par2Name:    testHashB[:16] + ".par2",
	}))

	second, err := m.GetFile("photos", "a.jpg")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "conflict must update, not insert")
	assert.Equal(t, int64(2048), second.FileSize)
	assert.Equal(t, int64(2000), second.MtimeNs)
	assert.Equal(t, testHashB, second.ContentHash)

	all, err := m.GetAllFiles("")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFieldUpdates(t *testing.T) {
	t.Parallel()

	m := openManifest(t)
	rec := upsert(t, m, "photos", "a.jpg", testHashA)

	t.Run("update path", func(t *testing.T) {
		require.NoError(t, m.UpdatePath(rec.ID, "sub/b.jpg", "docs"))

		got, err := m.GetFileByID(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "docs", got.DataRoot)
		assert.Equal(t, "sub/b.jpg", got.RelPath)
	})

	t.Run("update mtime", func(t *testing.T) {
		require.NoError(t, m.UpdateMtime(rec.ID, 42))

		got, err := m.GetFileByID(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(42), got.MtimeNs)
	})

	t.Run("update status", func(t *testing.T) {
		require.NoError(t, m.UpdateStatus(rec.ID, manifest.StatusDamaged))

		got, err := m.GetFileByID(rec.ID)
		require.NoError(t, err)
		assert.Equal(t, manifest.StatusDamaged, got.Status)
	})

	t.Run("mark verified", func(t *testing.T) {
		require.NoError(t, m.MarkVerified(rec.ID))

		got, err := m.GetFileByID(rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.VerifiedAt)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, m.DeleteFile(rec.ID))

		_, err := m.GetFileByID(rec.ID)
		assert.ErrorIs(t, err, manifest.ErrNotFound)
	})
}

func TestLookups(t *testing.T) {
	t.Parallel()

	m := openManifest(t)

	a := upsert(t, m, "photos", "a.jpg", testHashA)
	upsert(t, m, "docs", "b.jpg", testHashA)
	upsert(t, m, "docs", "c.jpg", testHashB)

	t.Run("by hash", func(t *testing.T) {
		recs, err := m.GetFilesByHash(testHashA)
		require.NoError(t, err)
		assert.Len(t, recs, 2)

		recs, err = m.GetFilesByHash("0000000000000000000000000000000000000000000000000000000000000000")
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("by status", func(t *testing.T) {
		require.NoError(t, m.UpdateStatus(a.ID, manifest.StatusDamaged))

		recs, err := m.GetFilesByStatus(manifest.StatusDamaged, manifest.StatusRepaired)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, a.ID, recs[0].ID)

		recs, err = m.GetFilesByStatus()
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("by data root", func(t *testing.T) {
		recs, err := m.GetAllFiles("docs")
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("par2 name", func(t *testing.T) {
		ok, err := m.HasPar2Name(testHashA[:16] + ".par2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = m.HasPar2Name("ffffffffffffffff.par2")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestIterFiles(t *testing.T) {
	t.Parallel()

	m := openManifest(t)

	upsert(t, m, "photos", "a.jpg", testHashA)
	upsert(t, m, "photos", "b.jpg", testHashB)
	upsert(t, m, "photos", "c.jpg", testHashB)

	t.Run("visits every row", func(t *testing.T) {
		var seen []string

		require.NoError(t, m.IterFiles(func(rec manifest.FileRecord) error {
			seen = append(seen, rec.RelPath)

			return nil
		}))

		assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, seen)
	})

	t.Run("writes during iteration are safe", func(t *testing.T) {
		count := 0

		require.NoError(t, m.IterFiles(func(rec manifest.FileRecord) error {
			count++

			if rec.RelPath == "b.jpg" {
				return m.DeleteFile(rec.ID)
			}

			return m.UpdateStatus(rec.ID, manifest.StatusTruncated)
		}))

		assert.Equal(t, 3, count)

		all, err := m.GetAllFiles("")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestTransaction(t *testing.T) {
	t.Parallel()

	t.Run("commit on success", func(t *testing.T) {
		t.Parallel()

		m := openManifest(t)

		require.NoError(t, m.Transaction(func() error {
			upsert(t, m, "photos", "a.jpg", testHashA)

			return nil
		}))

		_, err := m.GetFile("photos", "a.jpg")
		assert.NoError(t, err)
	})

	t.Run("rollback on failure", func(t *testing.T) {
		t.Parallel()

		m := openManifest(t)
		errBoom := errors.New("boom")

		err := m.Transaction(func() error {
			upsert(t, m, "photos", "a.jpg", testHashA)

			return errBoom
		})
		assert.ErrorIs(t, err, errBoom)

		_, err = m.GetFile("photos", "a.jpg")
		assert.ErrorIs(t, err, manifest.ErrNotFound)
	})

	t.Run("reentry joins the outer scope", func(t *testing.T) {
		t.Parallel()

		m := openManifest(t)

		require.NoError(t, m.Transaction(func() error {
			upsert(t, m, "photos", "a.jpg", testHashA)

			return m.Transaction(func() error {
				upsert(t, m, "photos", "b.jpg", testHashB)

				return nil
			})
		}))

		all, err := m.GetAllFiles("")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("inner failure rolls back the whole scope", func(t *testing.T) {
		t.Parallel()

		m := openManifest(t)
		errBoom := errors.New("boom")

		err := m.Transaction(func() error {
			upsert(t, m, "photos", "a.jpg", testHashA)

			err := m.Transaction(func() error {
				return errBoom
			})

			// The inner scope only reports; the rollback happens at the
			// outermost exit.
			return err
		})
		assert.ErrorIs(t, err, errBoom)

		all, err := m.GetAllFiles("")
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestRuns(t *testing.T) {
	t.Parallel()

	m := openManifest(t)

	t.Run("no runs yet", func(t *testing.T) {
		_, err := m.LastRun()
		assert.ErrorIs(t, err, manifest.ErrNotFound)
	})

	t.Run("start and finish", func(t *testing.T) {
		runID, err := m.StartRun()
		require.NoError(t, err)

		open, err := m.LastRun()
		require.NoError(t, err)
		assert.Equal(t, runID, open.ID)
		assert.Nil(t, open.FinishedAt)

		require.NoError(t, m.FinishRun(runID, manifest.RunCounters{
			FilesScanned:  10,
			FilesCreated:  2,
			FilesVerified: 8,
			Errors:        "hash error: /data/photos/a.jpg",
		}))

		done, err := m.LastRun()
		require.NoError(t, err)
		assert.Equal(t, runID, done.ID)
		require.NotNil(t, done.FinishedAt)
		assert.Equal(t, int64(10), done.FilesScanned)
		assert.Equal(t, int64(2), done.FilesCreated)
		assert.Equal(t, int64(8), done.FilesVerified)
		assert.Equal(t, "hash error: /data/photos/a.jpg", done.Errors)
	})

	t.Run("last run is the newest", func(t *testing.T) {
		runID, err := m.StartRun()
		require.NoError(t, err)

		last, err := m.LastRun()
		require.NoError(t, err)
		assert.Equal(t, runID, last.ID)
	})
}
