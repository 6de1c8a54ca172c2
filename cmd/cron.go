package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func cronCommand() *cli.Command {
	return &cli.Command{
		Name:  "cron",
		Usage: "Run scans on the configured cron schedule until interrupted",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			logger := zerolog.Ctx(ctx).With().Str("cmd", "cron").Logger()
			ctx = logger.WithContext(ctx)

			cfg := buildConfig(cmd)

			schedule, err := cron.ParseStandard(cfg.CronSchedule)
			if err != nil {
				return fmt.Errorf("error parsing the cron spec %q: %w", cfg.CronSchedule, err)
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
			defer stop()

			c := cron.New()
			c.Schedule(schedule, cron.FuncJob(func() {
				if err := runScan(ctx, cfg); err != nil {
					logger.Error().Err(err).Msg("scheduled scan failed")
				}

				logger.Info().Time("next_run", schedule.Next(time.Now())).Msg("scan finished")
			}))

			logger.Info().
				Str("schedule", cfg.CronSchedule).
				Time("next_run", schedule.Next(time.Now())).
				Msg("cron started")

			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				c.Start()

				<-ctx.Done()

				// Let a scan that is mid-flight finish before exiting.
				<-c.Stop().Done()

				return nil
			})

			return g.Wait()
		},
	}
}
