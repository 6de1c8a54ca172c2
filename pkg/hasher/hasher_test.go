package hasher_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/par2guard/pkg/hasher"
)

func TestSumFile(t *testing.T) {
	t.Parallel()

	t.Run("known vector", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

		sum, err := hasher.SumFile(path)
		require.NoError(t, err)
		assert.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", sum)
	})

	t.Run("empty file", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "f")
		require.NoError(t, os.WriteFile(path, nil, 0o644))

		sum, err := hasher.SumFile(path)
		require.NoError(t, err)
		assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", sum)
	})

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()

		_, err := hasher.SumFile(filepath.Join(t.TempDir(), "nope"))
		assert.Error(t, err)
	})
}
