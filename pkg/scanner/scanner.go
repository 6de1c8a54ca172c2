// Package scanner walks the data tree and emits the eligible files of a run.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/kalbasit/par2guard/pkg/config"
)

// FileInfo describes one eligible file found on disk.
type FileInfo struct {
	// AbsPath is the absolute path of the file.
	AbsPath string

	// DataRoot is the data-root label: the name of the immediate
	// subdirectory of the configured data root the file lives under.
	DataRoot string

	// RelPath is the path of the file relative to its data-root label.
	RelPath string

	// Size is the file size in bytes.
	Size int64

	// MtimeNs is the modification time in nanoseconds since the epoch.
	MtimeNs int64
}

// ShouldExclude reports whether name matches any of the shell-style
// exclude patterns.
func ShouldExclude(name string, patterns []string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}

	return false
}

// Scan walks every data-root label under cfg.DataRoot in lexicographic order
// and returns a FileInfo for each eligible file. Files directly in the data
// root are ignored; the first path component is the label. Unreadable
// entries are logged and skipped.
func Scan(ctx context.Context, cfg *config.Config) ([]FileInfo, error) {
	log := zerolog.Ctx(ctx)

	entries, err := os.ReadDir(cfg.DataRoot)
	if err != nil {
		log.Warn().Err(err).Str("data_root", cfg.DataRoot).Msg("data root is not readable")

		return nil, nil
	}

	var results []FileInfo

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		label := entry.Name()
		log.Info().Str("label", label).Msg("scanning data root")

		count := 0
		labelDir := filepath.Join(cfg.DataRoot, label)

		err := filepath.WalkDir(labelDir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot read entry")

				if d != nil && d.IsDir() {
					return fs.SkipDir
				}

				return nil
			}

			if d.IsDir() {
				if path != labelDir && ShouldExclude(d.Name(), cfg.ExcludePatterns) {
					return fs.SkipDir
				}

				return nil
			}

			if ShouldExclude(d.Name(), cfg.ExcludePatterns) {
				return nil
			}

			st, err := d.Info()
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("cannot stat file")

				return nil
			}

			if st.Size() < cfg.MinFileSize {
				return nil
			}

			if cfg.MaxFileSize > 0 && st.Size() > cfg.MaxFileSize {
				log.Debug().Str("path", path).Int64("size", st.Size()).Msg("skipping file over size limit")

				return nil
			}

			rel, err := filepath.Rel(labelDir, path)
			if err != nil {
				return err
			}

			results = append(results, FileInfo{
				AbsPath:  path,
				DataRoot: label,
				RelPath:  rel,
				Size:     st.Size(),
				MtimeNs:  st.ModTime().UnixNano(),
			})

			count++
			if count%100 == 0 {
				log.Info().Str("label", label).Int("count", count).Msg("scan progress")
			}

			return nil
		})
		if err != nil {
			return nil, err
		}

		log.Info().Str("label", label).Int("count", count).Msg("eligible files found")
	}

	return results, nil
}
