package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/par2guard/pkg/config"
	"github.com/kalbasit/par2guard/pkg/manifest"
	"github.com/kalbasit/par2guard/pkg/parity"
	"github.com/kalbasit/par2guard/pkg/reconciler"
	"github.com/kalbasit/par2guard/pkg/reporter"
	"github.com/kalbasit/par2guard/pkg/scanner"
)

func scanCommand() *cli.Command {
	return &cli.Command{
		Name:  "scan",
		Usage: "Full scan: detect changes, create parity, verify, report",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "scan").Logger()
			ctx = logger.WithContext(ctx)

			return runScan(ctx, buildConfig(cmd))
		},
	}
}

// runScan executes one full scan run. It is shared by the scan subcommand
// and the cron loop.
func runScan(ctx context.Context, cfg *config.Config) error {
	return withRun(ctx, cfg, func(m *manifest.Manifest) error {
		log := zerolog.Ctx(ctx)

		runID, err := m.StartRun()
		if err != nil {
			return err
		}

		log.Info().Int64("run_id", runID).Msg("starting scan")

		scanned, err := scanner.Scan(ctx, cfg)
		if err != nil {
			return err
		}

		stats := reconciler.Reconcile(ctx, cfg, m, parity.NewStore(cfg), scanned, false)

		if err := m.FinishRun(runID, stats.Counters()); err != nil {
			return err
		}

		if err := reporter.WriteRunLog(ctx, cfg, runID, stats); err != nil {
			log.Error().Err(err).Msg("error writing the run log")
		}

		reporter.PrintSummary(stats)
		reporter.Notify(ctx, cfg, stats)

		// The exit status is the health signal for cron wrappers: any file
		// left damaged or truncated fails the run even without an explicit
		// error.
		unhealthy, err := m.GetFilesByStatus(manifest.StatusDamaged, manifest.StatusTruncated)
		if err != nil {
			return err
		}

		if len(unhealthy) > 0 {
			log.Warn().Int("count", len(unhealthy)).Msg("damaged or truncated files present")

			return cli.Exit("", 1)
		}

		return nil
	})
}
