package reconciler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kalbasit/par2guard/pkg/config"
	"github.com/kalbasit/par2guard/pkg/hasher"
	"github.com/kalbasit/par2guard/pkg/manifest"
	"github.com/kalbasit/par2guard/pkg/parity"
)

// Repair walks every record marked damaged, or left as repaired by a run
// that crashed before re-verifying, and tries to restore it from parity.
func Repair(ctx context.Context, cfg *config.Config, m *manifest.Manifest, store ParityStore) *RunStats {
	log := zerolog.Ctx(ctx)
	stats := &RunStats{}

	recs, err := m.GetFilesByStatus(manifest.StatusDamaged, manifest.StatusRepaired)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("manifest query: %v", err))

		return stats
	}

	for _, rec := range recs {
		absPath := filepath.Join(cfg.DataRoot, rec.DataRoot, rec.RelPath)

		log.Info().Str("path", absPath).Msg("attempting repair")

		if _, err := os.Stat(absPath); err != nil {
			log.Error().Str("path", absPath).Msg("file not found")

			stats.Errors = append(stats.Errors, fmt.Sprintf("not found: %s", absPath))

			continue
		}

		contentHash, err := hasher.SumFile(absPath)
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("hash error: %s: %v", absPath, err))

			continue
		}

		if contentHash == rec.ContentHash {
			if err := recreateParity(ctx, m, store, rec, absPath, stats); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("parity re-create: %s: %v", absPath, err))
			}

			continue
		}

		if err := store.Repair(ctx, absPath, rec.ContentHash); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("repair failed: %s", absPath))

			continue
		}

		stats.FilesRepaired++

		if err := m.UpdateStatus(rec.ID, manifest.StatusRepaired); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("manifest update: %s: %v", absPath, err))

			continue
		}

		// The repairer claims success; trust only a clean re-verify.
		if store.Verify(ctx, absPath, rec.ContentHash) == parity.ResultOK {
			if err := m.UpdateStatus(rec.ID, manifest.StatusOK); err == nil {
				err = m.MarkVerified(rec.ID)
			}

			if err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("manifest update: %s: %v", absPath, err))
			}
		} else {
			log.Warn().Str("path", absPath).Msg("post-repair verify failed")

			stats.Errors = append(stats.Errors, fmt.Sprintf("post-repair verify failed: %s", absPath))

			if err := m.UpdateStatus(rec.ID, manifest.StatusDamaged); err != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("manifest update: %s: %v", absPath, err))
			}
		}
	}

	return stats
}

// recreateParity handles the inverted damage case: the data hashes clean, so
// the stored artifact itself is the corrupt side. The artifact is replaced
// unless other records still depend on it.
func recreateParity(
	ctx context.Context,
	m *manifest.Manifest,
	store ParityStore,
	rec manifest.FileRecord,
	absPath string,
	stats *RunStats,
) error {
	log := zerolog.Ctx(ctx)

	refs, err := m.GetFilesByHash(rec.ContentHash)
	if err != nil {
		return err
	}

	if len(refs) <= 1 {
		if err := store.Delete(ctx, rec.ContentHash); err != nil {
			return err
		}
	}

	if err := store.Create(ctx, absPath, rec.ContentHash); err != nil {
		return err
	}

	log.Info().Str("path", absPath).Msg("data intact, parity rebuilt")

	stats.ParityRecreated++

	if err := m.UpdateStatus(rec.ID, manifest.StatusOK); err != nil {
		return err
	}

	return m.MarkVerified(rec.ID)
}
