package lock_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalbasit/par2guard/pkg/lock"
)

func TestAcquire(t *testing.T) {
	t.Parallel()

	t.Run("acquire and release", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "_db", "run.lock")

		l, err := lock.Acquire(path)
		require.NoError(t, err)
		require.NoError(t, l.Release())
	})

	t.Run("second acquire fails while held", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "run.lock")

		l, err := lock.Acquire(path)
		require.NoError(t, err)
		t.Cleanup(func() { _ = l.Release() })

		_, err = lock.Acquire(path)
		assert.ErrorIs(t, err, lock.ErrAlreadyLocked)
	})

	t.Run("acquire succeeds after release", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "run.lock")

		l, err := lock.Acquire(path)
		require.NoError(t, err)
		require.NoError(t, l.Release())

		l2, err := lock.Acquire(path)
		require.NoError(t, err)
		require.NoError(t, l2.Release())
	})
}
