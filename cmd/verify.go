package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/par2guard/pkg/manifest"
	"github.com/kalbasit/par2guard/pkg/parity"
	"github.com/kalbasit/par2guard/pkg/reconciler"
	"github.com/kalbasit/par2guard/pkg/reporter"
	"github.com/kalbasit/par2guard/pkg/scanner"
)

func verifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify",
		Usage: "Verify-only: check parity, no changes to the parity store",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "verify").Logger()
			ctx = logger.WithContext(ctx)

			cfg := buildConfig(cmd)

			return withRun(ctx, cfg, func(m *manifest.Manifest) error {
				runID, err := m.StartRun()
				if err != nil {
					return err
				}

				logger.Info().Int64("run_id", runID).Msg("starting verify-only run")

				scanned, err := scanner.Scan(ctx, cfg)
				if err != nil {
					return err
				}

				stats := reconciler.Reconcile(ctx, cfg, m, parity.NewStore(cfg), scanned, true)

				if err := m.FinishRun(runID, stats.Counters()); err != nil {
					return err
				}

				if err := reporter.WriteRunLog(ctx, cfg, runID, stats); err != nil {
					logger.Error().Err(err).Msg("error writing the run log")
				}

				reporter.PrintSummary(stats)
				reporter.Notify(ctx, cfg, stats)

				if stats.FilesDamaged > 0 {
					logger.Warn().Int64("count", stats.FilesDamaged).Msg("damaged files detected")

					return cli.Exit("", 1)
				}

				return nil
			})
		},
	}
}
