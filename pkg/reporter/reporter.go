// Package reporter serializes run results: the per-run JSON log file, the
// human summary, and the optional webhook notification.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/kalbasit/par2guard/pkg/config"
	"github.com/kalbasit/par2guard/pkg/reconciler"
)

// webhookTimeout bounds the notification POST.
const webhookTimeout = 30 * time.Second

type runLogEntry struct {
	RunID     int64  `json:"run_id"`
	Timestamp string `json:"timestamp"`

	*reconciler.RunStats
}

// WriteRunLog writes the JSON log file for a finished run under the parity
// root's _logs directory.
func WriteRunLog(ctx context.Context, cfg *config.Config, runID int64, stats *reconciler.RunStats) error {
	log := zerolog.Ctx(ctx)

	if err := os.MkdirAll(cfg.LogDir(), 0o755); err != nil {
		return fmt.Errorf("error creating the log directory: %w", err)
	}

	stamp := time.Now().UTC().Format("20060102T150405Z")
	logPath := filepath.Join(cfg.LogDir(), fmt.Sprintf("run_%d_%s.json", runID, stamp))

	data, err := json.MarshalIndent(runLogEntry{
		RunID:     runID,
		Timestamp: stamp,
		RunStats:  stats,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling the run log: %w", err)
	}

	if err := os.WriteFile(logPath, data, 0o644); err != nil {
		return fmt.Errorf("error writing the run log: %w", err)
	}

	log.Info().Str("path", logPath).Msg("run log written")

	return nil
}

// PrintSummary prints a human-readable run summary to stdout.
func PrintSummary(stats *reconciler.RunStats) {
	fmt.Println("\n=== Integrity Run Summary ===")
	fmt.Printf("  Files scanned:  %d\n", stats.FilesScanned)
	fmt.Printf("  Parity created: %d\n", stats.FilesCreated)
	fmt.Printf("  Verified:       %d\n", stats.FilesVerified)
	fmt.Printf("  Damaged:        %d\n", stats.FilesDamaged)
	fmt.Printf("  Repaired:       %d\n", stats.FilesRepaired)
	fmt.Printf("  Moved:          %d\n", stats.FilesMoved)
	fmt.Printf("  Deleted:        %d\n", stats.FilesDeleted)
	fmt.Printf("  Truncated:      %d\n", stats.FilesTruncated)

	if len(stats.Errors) > 0 {
		fmt.Println("  Errors:")

		for _, e := range stats.Errors {
			fmt.Printf("    %s\n", e)
		}
	}

	fmt.Println("=============================")
}

// Notify POSTs the run stats to the configured webhook. Failures are logged
// and swallowed; notification never fails a run.
func Notify(ctx context.Context, cfg *config.Config, stats *reconciler.RunStats) {
	log := zerolog.Ctx(ctx)

	if cfg.NotifyWebhook == "" {
		return
	}

	payload, err := json.Marshal(stats)
	if err != nil {
		log.Error().Err(err).Msg("webhook payload marshal failed")

		return
	}

	ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.NotifyWebhook, bytes.NewReader(payload))
	if err != nil {
		log.Error().Err(err).Msg("webhook request failed")

		return
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("webhook failed")

		return
	}
	defer resp.Body.Close()

	log.Info().Int("status", resp.StatusCode).Msg("webhook notified")
}
