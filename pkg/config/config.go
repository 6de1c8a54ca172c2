// Package config carries the resolved runtime settings and the derived
// filesystem layout under the parity root.
package config

import (
	"path/filepath"
	"strings"
)

// DefaultExcludePatterns is the built-in exclude list applied when
// EXCLUDE_PATTERNS is not set.
const DefaultExcludePatterns = ".DS_Store,Thumbs.db,*.tmp,*.partial,.parity," +
	"#recycle,#archive,#trash,*.zip,*.tar,*.tar.gz,*.tgz,*.tar.bz2,*.tbz2," +
	"*.tar.xz,*.txz,*.rar,*.7z"

// Config holds every setting a run needs. All fields are resolved by the CLI
// layer before any component is constructed; components never consult the
// environment themselves.
type Config struct {
	DataRoot   string
	ParityRoot string

	Par2Redundancy int
	Par2Timeout    int

	MinFileSize int64
	MaxFileSize int64

	VerifyPercent int

	ExcludePatterns []string

	NotifyWebhook string

	CronSchedule string
}

// ParseExcludePatterns splits a comma-separated pattern list, trimming
// whitespace and dropping empty entries.
func ParseExcludePatterns(raw string) []string {
	var patterns []string

	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			patterns = append(patterns, p)
		}
	}

	return patterns
}

// DBPath returns the path of the SQLite manifest database.
func (c *Config) DBPath() string { return filepath.Join(c.ParityRoot, "_db", "manifest.db") }

// LockPath returns the path of the advisory run-lock file.
func (c *Config) LockPath() string { return filepath.Join(c.ParityRoot, "_db", "run.lock") }

// LogDir returns the directory holding per-run JSON logs.
func (c *Config) LogDir() string { return filepath.Join(c.ParityRoot, "_logs") }

// HashDir returns the root of the content-addressed parity store.
func (c *Config) HashDir() string { return filepath.Join(c.ParityRoot, "by_hash") }

// Par2Name returns the base parity filename for a content hash.
func Par2Name(contentHash string) string { return contentHash[:16] + ".par2" }

// Par2Dir returns the directory holding the parity artifact for a content
// hash, sharded by the first two hex characters.
func (c *Config) Par2Dir(contentHash string) string {
	return filepath.Join(c.HashDir(), contentHash[:2])
}

// Par2Path returns the full path of the base parity file for a content hash.
func (c *Config) Par2Path(contentHash string) string {
	return filepath.Join(c.Par2Dir(contentHash), Par2Name(contentHash))
}
