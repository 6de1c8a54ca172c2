package scanner_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/par2guard/pkg/config"
	"github.com/kalbasit/par2guard/pkg/scanner"
)

func TestShouldExclude(t *testing.T) {
	t.Parallel()

	patterns := []string{"*.tmp", ".DS_Store", "#recycle", "IMG_[0-9]*"}

	assert.True(t, scanner.ShouldExclude("foo.tmp", patterns))
	assert.True(t, scanner.ShouldExclude(".DS_Store", patterns))
	assert.True(t, scanner.ShouldExclude("#recycle", patterns))
	assert.True(t, scanner.ShouldExclude("IMG_1234.JPG", patterns))
	assert.False(t, scanner.ShouldExclude("foo.jpg", patterns))
	assert.False(t, scanner.ShouldExclude("tmp", patterns))
}

func TestScan(t *testing.T) {
	t.Parallel()

	writeFile := func(t *testing.T, path string, size int) {
		t.Helper()

		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	}

	t.Run("files directly in the data root are ignored", func(t *testing.T) {
		t.Parallel()

		dataRoot := t.TempDir()
		writeFile(t, filepath.Join(dataRoot, "toplevel.bin"), 100)
		writeFile(t, filepath.Join(dataRoot, "photos", "a.jpg"), 100)

		files, err := scanner.Scan(newContext(), &config.Config{DataRoot: dataRoot})
		require.NoError(t, err)

		require.Len(t, files, 1)
		assert.Equal(t, "photos", files[0].DataRoot)
		assert.Equal(t, "a.jpg", files[0].RelPath)
	})

	t.Run("size bounds", func(t *testing.T) {
		t.Parallel()

		dataRoot := t.TempDir()
		writeFile(t, filepath.Join(dataRoot, "docs", "small.txt"), 10)
		writeFile(t, filepath.Join(dataRoot, "docs", "medium.txt"), 100)
		writeFile(t, filepath.Join(dataRoot, "docs", "large.txt"), 1000)

		cfg := &config.Config{DataRoot: dataRoot, MinFileSize: 50, MaxFileSize: 500}

		files, err := scanner.Scan(newContext(), cfg)
		require.NoError(t, err)

		require.Len(t, files, 1)
		assert.Equal(t, "medium.txt", files[0].RelPath)
	})

	t.Run("zero max size means unbounded", func(t *testing.T) {
		t.Parallel()

		dataRoot := t.TempDir()
		writeFile(t, filepath.Join(dataRoot, "docs", "large.txt"), 1000)

		files, err := scanner.Scan(newContext(), &config.Config{DataRoot: dataRoot})
		require.NoError(t, err)
		assert.Len(t, files, 1)
	})

	t.Run("excluded filenames and directories", func(t *testing.T) {
		t.Parallel()

		dataRoot := t.TempDir()
		writeFile(t, filepath.Join(dataRoot, "photos", "keep.jpg"), 10)
		writeFile(t, filepath.Join(dataRoot, "photos", "skip.tmp"), 10)
		writeFile(t, filepath.Join(dataRoot, "photos", "#recycle", "gone.jpg"), 10)
		writeFile(t, filepath.Join(dataRoot, "photos", "nested", "#recycle", "gone.jpg"), 10)

		cfg := &config.Config{
			DataRoot:        dataRoot,
			ExcludePatterns: []string{"*.tmp", "#recycle"},
		}

		files, err := scanner.Scan(newContext(), cfg)
		require.NoError(t, err)

		require.Len(t, files, 1)
		assert.Equal(t, "keep.jpg", files[0].RelPath)
	})

	t.Run("deterministic lexicographic order across labels", func(t *testing.T) {
		t.Parallel()

		dataRoot := t.TempDir()
		writeFile(t, filepath.Join(dataRoot, "b-root", "z.bin"), 10)
		writeFile(t, filepath.Join(dataRoot, "b-root", "a.bin"), 10)
		writeFile(t, filepath.Join(dataRoot, "a-root", "m.bin"), 10)

		files, err := scanner.Scan(newContext(), &config.Config{DataRoot: dataRoot})
		require.NoError(t, err)

		require.Len(t, files, 3)
		assert.Equal(t, "a-root", files[0].DataRoot)
		assert.Equal(t, "a.bin", files[1].RelPath)
		assert.Equal(t, "z.bin", files[2].RelPath)
	})

	t.Run("missing data root is not an error", func(t *testing.T) {
		t.Parallel()

		files, err := scanner.Scan(newContext(), &config.Config{DataRoot: "/does/not/exist"})
		require.NoError(t, err)
		assert.Empty(t, files)
	})

	t.Run("stat fields are recorded", func(t *testing.T) {
		t.Parallel()

		dataRoot := t.TempDir()
		path := filepath.Join(dataRoot, "docs", "f.bin")
		writeFile(t, path, 123)

		files, err := scanner.Scan(newContext(), &config.Config{DataRoot: dataRoot})
		require.NoError(t, err)

		require.Len(t, files, 1)
		assert.Equal(t, path, files[0].AbsPath)
		assert.Equal(t, int64(123), files[0].Size)

		st, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, st.ModTime().UnixNano(), files[0].MtimeNs)
	})
}

func newContext() context.Context {
	return zerolog.
		New(io.Discard).
		WithContext(context.Background())
}
