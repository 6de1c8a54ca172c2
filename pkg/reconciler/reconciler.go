// Package reconciler converges the manifest and the parity store onto the
// state of the data tree observed by the scanner.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kalbasit/par2guard/pkg/config"
	"github.com/kalbasit/par2guard/pkg/hasher"
	"github.com/kalbasit/par2guard/pkg/manifest"
	"github.com/kalbasit/par2guard/pkg/parity"
	"github.com/kalbasit/par2guard/pkg/scanner"
)

// ParityStore is the part of the parity store the reconciler drives.
type ParityStore interface {
	Create(ctx context.Context, sourcePath, contentHash string) error
	Verify(ctx context.Context, sourcePath, contentHash string) parity.Result
	Repair(ctx context.Context, sourcePath, contentHash string) error
	Delete(ctx context.Context, contentHash string) error
}

// pathKey identifies a file by its manifest unique key.
type pathKey struct {
	dataRoot string
	relPath  string
}

// Reconcile classifies the scanner output against the manifest and drives
// both the manifest and the parity store to a consistent post-state. With
// verifyOnly set, the parity store and the manifest rows of new or modified
// files are left untouched and no deletions happen.
func Reconcile(
	ctx context.Context,
	cfg *config.Config,
	m *manifest.Manifest,
	store ParityStore,
	scanned []scanner.FileInfo,
	verifyOnly bool,
) *RunStats {
	log := zerolog.Ctx(ctx)
	stats := &RunStats{}

	seenOnDisk := make(map[pathKey]struct{}, len(scanned))

	// Phase 1: classify each scanned file by metadata alone.
	type unchangedEntry struct {
		fi  scanner.FileInfo
		rec manifest.FileRecord
	}

	var (
		unchanged []unchangedEntry
		needsHash []scanner.FileInfo
	)

	for _, fi := range scanned {
		stats.FilesScanned++

		seenOnDisk[pathKey{fi.DataRoot, fi.RelPath}] = struct{}{}

		rec, err := m.GetFile(fi.DataRoot, fi.RelPath)

		switch {
		case err == nil && rec.MtimeNs == fi.MtimeNs && rec.FileSize == fi.Size:
			unchanged = append(unchanged, unchangedEntry{fi, rec})
		case err == nil || errors.Is(err, manifest.ErrNotFound):
			// Metadata differs or the path is new; only the hash can tell
			// touched from modified, and new from moved.
			needsHash = append(needsHash, fi)
		default:
			stats.Errors = append(stats.Errors, fmt.Sprintf("manifest lookup %s/%s: %v", fi.DataRoot, fi.RelPath, err))
		}
	}

	// Phase 2: hash and resolve every candidate inside one transaction.
	err := m.Transaction(func() error {
		for _, fi := range needsHash {
			contentHash, err := hasher.SumFile(fi.AbsPath)
			if err != nil {
				log.Error().Err(err).Str("path", fi.AbsPath).Msg("cannot hash")

				stats.Errors = append(stats.Errors, fmt.Sprintf("hash error: %s: %v", fi.AbsPath, err))

				continue
			}

			rec, err := m.GetFile(fi.DataRoot, fi.RelPath)

			switch {
			case err == nil && rec.ContentHash == contentHash:
				// Touched: metadata changed, content did not.
				log.Debug().Str("data_root", fi.DataRoot).Str("rel_path", fi.RelPath).Msg("touched")

				if err := m.UpdateMtime(rec.ID, fi.MtimeNs); err != nil {
					return err
				}
			case err == nil:
				log.Info().Str("data_root", fi.DataRoot).Str("rel_path", fi.RelPath).Msg("modified")

				if verifyOnly {
					continue
				}

				if err := store.Create(ctx, fi.AbsPath, contentHash); err != nil {
					// Keep the old parity and the old record so the next
					// scan retries.
					stats.Errors = append(stats.Errors, fmt.Sprintf("parity create failed: %s", fi.AbsPath))

					continue
				}

				if err := safeDeleteParity(ctx, m, store, rec.ContentHash); err != nil {
					return err
				}

				if err := m.UpsertFile(upsertParams(fi, contentHash)); err != nil {
					return err
				}

				stats.FilesCreated++
			case errors.Is(err, manifest.ErrNotFound):
				oldPath, err := tryMatchMove(m, fi, contentHash, seenOnDisk)
				if err != nil {
					return err
				}

				if oldPath != "" {
					stats.FilesMoved++

					log.Info().Str("from", oldPath).Str("to", fi.DataRoot+"/"+fi.RelPath).Msg("moved")

					continue
				}

				if verifyOnly {
					continue
				}

				if err := store.Create(ctx, fi.AbsPath, contentHash); err != nil {
					stats.Errors = append(stats.Errors, fmt.Sprintf("parity create failed: %s", fi.AbsPath))

					continue
				}

				if err := m.UpsertFile(upsertParams(fi, contentHash)); err != nil {
					return err
				}

				stats.FilesCreated++

				log.Info().Str("data_root", fi.DataRoot).Str("rel_path", fi.RelPath).Msg("new")
			default:
				return err
			}
		}

		return nil
	})
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("resolve phase: %v", err))
	}

	// Phase 3: verify the unchanged files, sampling when configured.
	if len(unchanged) > 0 {
		toVerify := unchanged
		if cfg.VerifyPercent < 100 {
			n := max(1, len(unchanged)*cfg.VerifyPercent/100)

			rand.Shuffle(len(toVerify), func(i, j int) {
				toVerify[i], toVerify[j] = toVerify[j], toVerify[i]
			})
			toVerify = toVerify[:n]
		}

		err := m.Transaction(func() error {
			for _, e := range toVerify {
				result := store.Verify(ctx, e.fi.AbsPath, e.rec.ContentHash)
				stats.FilesVerified++

				switch result {
				case parity.ResultOK:
					if err := m.MarkVerified(e.rec.ID); err != nil {
						return err
					}
				case parity.ResultDamaged:
					if err := handleDamaged(ctx, m, e.fi, e.rec, stats); err != nil {
						return err
					}
				case parity.ResultMissingParity:
					if verifyOnly {
						log.Warn().Str("path", e.fi.AbsPath).Msg("missing parity, cannot re-create in verify-only mode")

						stats.Errors = append(stats.Errors, fmt.Sprintf("missing parity: %s", e.fi.AbsPath))

						continue
					}

					if err := handleMissingParity(ctx, m, store, e.fi, e.rec, stats); err != nil {
						return err
					}
				case parity.ResultError:
					stats.Errors = append(stats.Errors, fmt.Sprintf("verify error: %s", e.fi.AbsPath))
				}
			}

			return nil
		})
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("verify phase: %v", err))
		}
	}

	// Phase 4: detect deletions, exclusions, and truncations.
	if !verifyOnly {
		err := m.IterFiles(func(rec manifest.FileRecord) error {
			if _, ok := seenOnDisk[pathKey{rec.DataRoot, rec.RelPath}]; ok {
				return nil
			}

			return resolveMissing(ctx, cfg, m, store, rec, stats)
		})
		if err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("deletion phase: %v", err))
		}
	}

	// Phase 5: sweep parity artifacts no record references anymore.
	if !verifyOnly {
		if err := cleanupOrphanParity(ctx, cfg, m, store, stats); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("orphan sweep: %v", err))
		}
	}

	return stats
}

func upsertParams(fi scanner.FileInfo, contentHash string) manifest.UpsertFileParams {
	return manifest.UpsertFileParams{
		DataRoot:    fi.DataRoot,
		RelPath:     fi.RelPath,
		FileSize:    fi.Size,
		MtimeNs:     fi.MtimeNs,
		ContentHash: contentHash,
		Par2Name:    config.Par2Name(contentHash),
	}
}

// handleDamaged double-checks a damaged verdict against the content hash.
// The par2 artifact embeds the filename it was created under, so verifying
// identical content stored under another name reports damage; a matching
// hash proves the data is intact.
func handleDamaged(
	ctx context.Context,
	m *manifest.Manifest,
	fi scanner.FileInfo,
	rec manifest.FileRecord,
	stats *RunStats,
) error {
	log := zerolog.Ctx(ctx)

	contentHash, err := hasher.SumFile(fi.AbsPath)
	if err == nil && contentHash == rec.ContentHash {
		log.Debug().Str("path", fi.AbsPath).Msg("verifier reported damage but content hash matches")

		return m.MarkVerified(rec.ID)
	}

	log.Warn().Str("data_root", fi.DataRoot).Str("rel_path", fi.RelPath).Msg("damaged")

	stats.FilesDamaged++

	return m.UpdateStatus(rec.ID, manifest.StatusDamaged)
}

// handleMissingParity re-creates a lost artifact, or absorbs a sneaky
// modification when the content no longer matches the manifest.
func handleMissingParity(
	ctx context.Context,
	m *manifest.Manifest,
	store ParityStore,
	fi scanner.FileInfo,
	rec manifest.FileRecord,
	stats *RunStats,
) error {
	log := zerolog.Ctx(ctx)

	contentHash, err := hasher.SumFile(fi.AbsPath)
	if err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("hash error during parity re-create: %s: %v", fi.AbsPath, err))

		return nil
	}

	if contentHash == rec.ContentHash {
		if err := store.Create(ctx, fi.AbsPath, contentHash); err != nil {
			stats.Errors = append(stats.Errors, fmt.Sprintf("parity re-create failed: %s", fi.AbsPath))

			return nil
		}

		log.Info().Str("data_root", fi.DataRoot).Str("rel_path", fi.RelPath).Msg("re-created missing parity")

		stats.ParityRecreated++

		return m.MarkVerified(rec.ID)
	}

	// Content changed while the mtime stayed put.
	log.Warn().Str("data_root", fi.DataRoot).Str("rel_path", fi.RelPath).Msg("sneaky modification")

	if err := store.Create(ctx, fi.AbsPath, contentHash); err != nil {
		stats.Errors = append(stats.Errors, fmt.Sprintf("parity create failed (sneaky mod): %s", fi.AbsPath))

		return nil
	}

	if err := safeDeleteParity(ctx, m, store, rec.ContentHash); err != nil {
		return err
	}

	if err := m.UpsertFile(upsertParams(fi, contentHash)); err != nil {
		return err
	}

	stats.ParityRecreated++

	return nil
}

// tryMatchMove looks for a disappeared record with the same content hash and
// rebinds it to fi's path. Candidates in fi's own data root win ties. It
// returns the old path, or "" if no move was matched.
func tryMatchMove(
	m *manifest.Manifest,
	fi scanner.FileInfo,
	contentHash string,
	seenOnDisk map[pathKey]struct{},
) (string, error) {
	candidates, err := m.GetFilesByHash(contentHash)
	if err != nil {
		return "", err
	}

	disappeared := candidates[:0:0]

	for _, c := range candidates {
		if _, ok := seenOnDisk[pathKey{c.DataRoot, c.RelPath}]; !ok {
			disappeared = append(disappeared, c)
		}
	}

	if len(disappeared) == 0 {
		return "", nil
	}

	sort.SliceStable(disappeared, func(i, j int) bool {
		return disappeared[i].DataRoot == fi.DataRoot && disappeared[j].DataRoot != fi.DataRoot
	})

	best := disappeared[0]

	if err := m.UpdatePath(best.ID, fi.RelPath, fi.DataRoot); err != nil {
		return "", err
	}

	if err := m.UpdateMtime(best.ID, fi.MtimeNs); err != nil {
		return "", err
	}

	return best.DataRoot + "/" + best.RelPath, nil
}

// resolveMissing decides what to do with a record whose path the scanner did
// not report: delete it (gone from disk, now excluded, or over the maximum
// size), or mark it truncated.
func resolveMissing(
	ctx context.Context,
	cfg *config.Config,
	m *manifest.Manifest,
	store ParityStore,
	rec manifest.FileRecord,
	stats *RunStats,
) error {
	log := zerolog.Ctx(ctx)

	absPath := filepath.Join(cfg.DataRoot, rec.DataRoot, rec.RelPath)

	if _, err := os.Stat(absPath); err != nil {
		log.Info().Str("data_root", rec.DataRoot).Str("rel_path", rec.RelPath).Msg("deleted")

		return deleteFileAndParity(ctx, m, store, rec, stats)
	}

	if pathExcluded(rec, cfg.ExcludePatterns) {
		log.Info().Str("data_root", rec.DataRoot).Str("rel_path", rec.RelPath).Msg("excluded")

		return deleteFileAndParity(ctx, m, store, rec, stats)
	}

	if exceedsMaxFileSize(cfg, absPath) {
		log.Info().Str("data_root", rec.DataRoot).Str("rel_path", rec.RelPath).Msg("exceeds max file size")

		return deleteFileAndParity(ctx, m, store, rec, stats)
	}

	// Still on disk, not excluded: the scanner dropped it for size, which
	// means it shrank below the minimum. Keep the record and its parity so
	// the file stays repairable.
	log.Warn().Str("data_root", rec.DataRoot).Str("rel_path", rec.RelPath).Msg("truncated")

	stats.FilesTruncated++

	return m.UpdateStatus(rec.ID, manifest.StatusTruncated)
}

func pathExcluded(rec manifest.FileRecord, patterns []string) bool {
	if scanner.ShouldExclude(rec.DataRoot, patterns) {
		return true
	}

	for _, part := range strings.Split(rec.RelPath, string(filepath.Separator)) {
		if scanner.ShouldExclude(part, patterns) {
			return true
		}
	}

	return false
}

func exceedsMaxFileSize(cfg *config.Config, absPath string) bool {
	if cfg.MaxFileSize == 0 {
		return false
	}

	st, err := os.Stat(absPath)
	if err != nil {
		return false
	}

	return st.Size() > cfg.MaxFileSize
}

// safeDeleteParity deletes the artifact for contentHash unless another
// record still references it.
func safeDeleteParity(ctx context.Context, m *manifest.Manifest, store ParityStore, contentHash string) error {
	refs, err := m.GetFilesByHash(contentHash)
	if err != nil {
		return err
	}

	if len(refs) <= 1 {
		return store.Delete(ctx, contentHash)
	}

	return nil
}

func deleteFileAndParity(
	ctx context.Context,
	m *manifest.Manifest,
	store ParityStore,
	rec manifest.FileRecord,
	stats *RunStats,
) error {
	if err := safeDeleteParity(ctx, m, store, rec.ContentHash); err != nil {
		return err
	}

	if err := m.DeleteFile(rec.ID); err != nil {
		return err
	}

	stats.FilesDeleted++

	return nil
}

// cleanupOrphanParity removes base artifacts (and their volume siblings)
// that no manifest record references.
func cleanupOrphanParity(
	ctx context.Context,
	cfg *config.Config,
	m *manifest.Manifest,
	store ParityStore,
	stats *RunStats,
) error {
	log := zerolog.Ctx(ctx)

	prefixes, err := os.ReadDir(cfg.HashDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}

		return err
	}

	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(cfg.HashDir(), prefix.Name()))
		if err != nil {
			return err
		}

		for _, entry := range entries {
			name := entry.Name()

			// Base artifacts only; volume files ride along with their base.
			if !strings.HasSuffix(name, ".par2") || strings.Contains(name, ".vol") {
				continue
			}

			referenced, err := m.HasPar2Name(name)
			if err != nil {
				return err
			}

			if referenced {
				continue
			}

			// Rebuild a pseudo-hash whose derived paths land on this
			// artifact: the stem is the first 16 hash characters.
			stem := strings.TrimSuffix(name, ".par2")
			pseudoHash := stem + strings.Repeat("0", 64-len(stem))

			if err := store.Delete(ctx, pseudoHash); err != nil {
				return err
			}

			log.Info().Str("prefix", prefix.Name()).Str("par2_name", name).Msg("cleaned orphan parity")

			stats.OrphanParityCleaned++
		}
	}

	return nil
}
