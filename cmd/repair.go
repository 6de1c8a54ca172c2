package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/kalbasit/par2guard/pkg/manifest"
	"github.com/kalbasit/par2guard/pkg/parity"
	"github.com/kalbasit/par2guard/pkg/reconciler"
	"github.com/kalbasit/par2guard/pkg/reporter"
)

func repairCommand() *cli.Command {
	return &cli.Command{
		Name:  "repair",
		Usage: "Repair all damaged files from parity",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "repair").Logger()
			ctx = logger.WithContext(ctx)

			cfg := buildConfig(cmd)

			return withRun(ctx, cfg, func(m *manifest.Manifest) error {
				candidates, err := m.GetFilesByStatus(manifest.StatusDamaged, manifest.StatusRepaired)
				if err != nil {
					return err
				}

				if len(candidates) == 0 {
					fmt.Println("No damaged files found in manifest.")

					return nil
				}

				runID, err := m.StartRun()
				if err != nil {
					return err
				}

				logger.Info().Int64("run_id", runID).Int("candidates", len(candidates)).Msg("starting repair run")

				stats := reconciler.Repair(ctx, cfg, m, parity.NewStore(cfg))

				if err := m.FinishRun(runID, stats.Counters()); err != nil {
					return err
				}

				reporter.PrintSummary(stats)

				if len(stats.Errors) > 0 {
					return cli.Exit("", 1)
				}

				return nil
			})
		},
	}
}
