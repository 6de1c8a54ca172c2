// Package parity owns the content-addressed directory of PAR2 sidecars and
// drives the external par2 binary for create, verify, and repair.
package parity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/kalbasit/par2guard/pkg/config"
)

// Result is the outcome of a parity verification.
type Result string

// Verification outcomes.
const (
	ResultOK            Result = "ok"
	ResultDamaged       Result = "damaged"
	ResultMissingParity Result = "missing_parity"
	ResultError         Result = "error"
)

var (
	// ErrCreateFailed is returned if the par2 encoder did not produce an artifact.
	ErrCreateFailed = errors.New("parity creation failed")

	// ErrRepairFailed is returned if the par2 repairer could not restore the file.
	ErrRepairFailed = errors.New("parity repair failed")

	// ErrMissingParity is returned if an operation requires an artifact that
	// does not exist in the store.
	ErrMissingParity = errors.New("missing parity artifact")
)

// Store is the content-addressed parity store rooted at cfg.HashDir().
type Store struct {
	cfg *config.Config
}

// NewStore returns a Store for the configured parity root.
func NewStore(cfg *config.Config) *Store {
	return &Store{cfg: cfg}
}

// Create generates the parity artifact for sourcePath under contentHash. If
// the base artifact already exists it returns nil without work. The encoder
// writes into a unique staging directory which is moved into place only on
// exit code 0, so no failure path leaves partial artifacts behind.
func (s *Store) Create(ctx context.Context, sourcePath, contentHash string) error {
	log := zerolog.Ctx(ctx)

	par2Path := s.cfg.Par2Path(contentHash)
	if _, err := os.Stat(par2Path); err == nil {
		log.Debug().Str("par2_path", par2Path).Msg("parity already exists")

		return nil
	}

	par2Dir := s.cfg.Par2Dir(contentHash)
	if err := os.MkdirAll(par2Dir, 0o755); err != nil {
		return fmt.Errorf("error creating the parity directory: %w", err)
	}

	tmpDir := filepath.Join(s.cfg.ParityRoot, "create-"+uuid.NewString())
	if err := os.Mkdir(tmpDir, 0o755); err != nil {
		return fmt.Errorf("error creating the staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tmpPar2 := filepath.Join(tmpDir, config.Par2Name(contentHash))

	// -B sets the basepath so par2 records only the leaf filename inside
	// the artifact, not the full path.
	err := s.runPar2(ctx,
		"create",
		"-q",
		fmt.Sprintf("-r%d", s.cfg.Par2Redundancy),
		"-B", filepath.Dir(sourcePath),
		tmpPar2,
		sourcePath,
	)
	if err != nil {
		log.Error().Err(err).Str("source", sourcePath).Msg("failed to create parity")

		return fmt.Errorf("%w for %q: %w", ErrCreateFailed, sourcePath, err)
	}

	entries, err := os.ReadDir(tmpDir)
	if err != nil {
		return fmt.Errorf("error reading the staging directory: %w", err)
	}

	for _, entry := range entries {
		src := filepath.Join(tmpDir, entry.Name())
		dst := filepath.Join(par2Dir, entry.Name())

		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("error moving %q into the store: %w", entry.Name(), err)
		}
	}

	log.Debug().Str("par2_path", par2Path).Msg("created parity")

	return nil
}

// Verify checks sourcePath against its stored parity.
func (s *Store) Verify(ctx context.Context, sourcePath, contentHash string) Result {
	log := zerolog.Ctx(ctx)

	par2Path := s.cfg.Par2Path(contentHash)
	if _, err := os.Stat(par2Path); err != nil {
		log.Warn().Str("par2_path", par2Path).Msg("missing parity file")

		return ResultMissingParity
	}

	err := s.runPar2(ctx,
		"verify",
		"-q",
		"-B", filepath.Dir(sourcePath),
		par2Path,
		sourcePath,
	)
	if err == nil {
		return ResultOK
	}

	// par2cmdline exits 1 for repairable damage, higher codes for worse.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return ResultDamaged
	}

	log.Error().Err(err).Str("source", sourcePath).Msg("par2 verify error")

	return ResultError
}

// Repair attempts to restore sourcePath from its stored parity.
func (s *Store) Repair(ctx context.Context, sourcePath, contentHash string) error {
	log := zerolog.Ctx(ctx)

	par2Path := s.cfg.Par2Path(contentHash)
	if _, err := os.Stat(par2Path); err != nil {
		log.Error().Str("par2_path", par2Path).Msg("cannot repair without parity")

		return fmt.Errorf("%w: %q", ErrMissingParity, par2Path)
	}

	err := s.runPar2(ctx,
		"repair",
		"-q",
		"-B", filepath.Dir(sourcePath),
		par2Path,
		sourcePath,
	)
	if err != nil {
		log.Error().Err(err).Str("source", sourcePath).Msg("repair failed")

		return fmt.Errorf("%w for %q: %w", ErrRepairFailed, sourcePath, err)
	}

	log.Info().Str("source", sourcePath).Msg("successfully repaired")

	return nil
}

// Delete removes the base artifact for contentHash and every volume sibling,
// then removes the shard directory if it ended up empty.
func (s *Store) Delete(ctx context.Context, contentHash string) error {
	log := zerolog.Ctx(ctx)

	par2Dir := s.cfg.Par2Dir(contentHash)
	par2Name := config.Par2Name(contentHash)
	stem := strings.TrimSuffix(par2Name, ".par2")

	entries, err := os.ReadDir(par2Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("error reading the parity directory: %w", err)
	}

	removed := 0

	for _, entry := range entries {
		name := entry.Name()
		if name != par2Name && !strings.HasPrefix(name, stem+".") {
			continue
		}

		if err := os.Remove(filepath.Join(par2Dir, name)); err != nil {
			return fmt.Errorf("error removing %q: %w", name, err)
		}

		removed++
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Str("hash", contentHash[:16]).Msg("removed parity files")

		// Not-empty is fine, other shards' artifacts may remain.
		_ = os.Remove(par2Dir)
	}

	return nil
}

// runPar2 invokes the par2 binary with the given arguments, enforcing the
// configured timeout. The child runs in its own process group and the whole
// group is killed on timeout, since par2 does not reliably honor SIGTERM.
func (s *Store) runPar2(ctx context.Context, args ...string) error {
	log := zerolog.Ctx(ctx)

	if s.cfg.Par2Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.Par2Timeout)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "par2", args...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}

	log.Debug().Strs("args", args).Msg("running par2")

	out, err := cmd.CombinedOutput()
	if err != nil {
		tail := string(out)
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}

		log.Debug().Str("output", tail).Msg("par2 output")

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("par2 timed out: %w", ctxErr)
		}

		return err
	}

	return nil
}
