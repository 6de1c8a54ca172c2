package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/par2guard/pkg/manifest"
)

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print a report of the current manifest state",
		Action: func(_ context.Context, cmd *cli.Command) error {
			cfg := buildConfig(cmd)

			// Read-only: the run lock is not needed here.
			m, err := manifest.Open(cfg.DBPath())
			if err != nil {
				return err
			}
			defer m.Close()

			files, err := m.GetAllFiles("")
			if err != nil {
				return err
			}

			var totalSize int64

			byStatus := make(map[string][]manifest.FileRecord)
			for _, f := range files {
				byStatus[f.Status] = append(byStatus[f.Status], f)
				totalSize += f.FileSize
			}

			fmt.Println("\n=== Integrity Report ===")
			fmt.Printf("  Total tracked files: %d (%s)\n", len(files), humanize.IBytes(uint64(totalSize)))

			statuses := make([]string, 0, len(byStatus))
			for status := range byStatus {
				statuses = append(statuses, status)
			}

			sort.Strings(statuses)

			for _, status := range statuses {
				fmt.Printf("  %s: %d\n", status, len(byStatus[status]))
			}

			lastRun, err := m.LastRun()

			switch {
			case err == nil:
				finished := "in progress"
				if lastRun.FinishedAt != nil {
					finished = humanize.Time(*lastRun.FinishedAt)
				}

				fmt.Printf("\n  Last run: started %s, finished %s\n", humanize.Time(lastRun.StartedAt), finished)
				fmt.Printf("    Scanned: %d, Created: %d, Verified: %d, Damaged: %d\n",
					lastRun.FilesScanned, lastRun.FilesCreated, lastRun.FilesVerified, lastRun.FilesDamaged)
			case !errors.Is(err, manifest.ErrNotFound):
				return err
			}

			if damaged := byStatus[manifest.StatusDamaged]; len(damaged) > 0 {
				fmt.Println("\n  Damaged files:")

				for _, f := range damaged {
					fmt.Printf("    - %s/%s\n", f.DataRoot, f.RelPath)
				}
			}

			fmt.Println("========================")

			return nil
		},
	}
}
