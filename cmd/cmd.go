// Package cmd wires the command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/kalbasit/par2guard/pkg/config"
	"github.com/kalbasit/par2guard/pkg/lock"
	"github.com/kalbasit/par2guard/pkg/manifest"
)

// Version defines the version of the binary, and is meant to be set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

// New returns the root command.
func New() *cli.Command {
	return &cli.Command{
		Name:    "par2guard",
		Usage:   "PAR2-based file integrity protection",
		Version: Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLvl := cmd.String("log-level")

			lvl, err := zerolog.ParseLevel(logLvl)
			if err != nil {
				return ctx, fmt.Errorf("error parsing the log-level %q: %w", logLvl, err)
			}

			var output io.Writer = os.Stdout
			if term.IsTerminal(int(os.Stdout.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			}

			logger := zerolog.New(output).Level(lvl).With().Timestamp().Logger()

			return logger.WithContext(ctx), nil
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			// No subcommand given: print help, exit 1.
			_ = cli.ShowAppHelp(cmd)

			return cli.Exit("", 1)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-root",
				Usage:   "Root directory under which the data-root labels live",
				Sources: cli.EnvVars("DATA_ROOT"),
				Value:   "/data",
			},
			&cli.StringFlag{
				Name:    "parity-root",
				Usage:   "Root directory for the manifest database, parity store, and logs",
				Sources: cli.EnvVars("PARITY_ROOT"),
				Value:   "/parity",
			},
			&cli.IntFlag{
				Name:      "par2-redundancy",
				Usage:     "Percent redundancy passed to the par2 encoder",
				Sources:   cli.EnvVars("PAR2_REDUNDANCY"),
				Value:     10,
				Validator: intRange(1, 100),
			},
			&cli.IntFlag{
				Name:      "par2-timeout",
				Usage:     "Per-invocation par2 timeout in seconds, 0 for none",
				Sources:   cli.EnvVars("PAR2_TIMEOUT"),
				Value:     3600,
				Validator: intMin(0),
			},
			&cli.Int64Flag{
				Name:      "min-file-size",
				Usage:     "Exclude files smaller than this many bytes",
				Sources:   cli.EnvVars("MIN_FILE_SIZE"),
				Value:     4096,
				Validator: int64Min(0),
			},
			&cli.Int64Flag{
				Name:      "max-file-size",
				Usage:     "Exclude files larger than this many bytes, 0 for unlimited",
				Sources:   cli.EnvVars("MAX_FILE_SIZE"),
				Value:     53687091200, // 50 GiB
				Validator: int64Min(0),
			},
			&cli.IntFlag{
				Name:      "verify-percent",
				Usage:     "Fraction of unchanged files to verify per run",
				Sources:   cli.EnvVars("VERIFY_PERCENT"),
				Value:     100,
				Validator: intRange(0, 100),
			},
			&cli.StringFlag{
				Name:    "exclude-patterns",
				Usage:   "Comma-separated glob patterns applied to filenames and every path component",
				Sources: cli.EnvVars("EXCLUDE_PATTERNS"),
				Value:   config.DefaultExcludePatterns,
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (trace, debug, info, warn, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
				Value:   "info",
			},
			&cli.StringFlag{
				Name:    "notify-webhook",
				Usage:   "If set, POST the run stats as JSON to this URL after each run",
				Sources: cli.EnvVars("NOTIFY_WEBHOOK"),
			},
			&cli.StringFlag{
				Name:    "cron-schedule",
				Usage:   "The cron spec used by the cron subcommand. Refer to https://pkg.go.dev/github.com/robfig/cron/v3#hdr-Usage for documentation",
				Sources: cli.EnvVars("CRON_SCHEDULE"),
				Value:   "0 2 1 * *",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)

					return err
				},
			},
		},
		Commands: []*cli.Command{
			scanCommand(),
			verifyCommand(),
			repairCommand(),
			reportCommand(),
			cronCommand(),
		},
	}
}

func intRange(lo, hi int) func(int) error {
	return func(v int) error {
		if v < lo || v > hi {
			return fmt.Errorf("must be between %d and %d", lo, hi)
		}

		return nil
	}
}

func intMin(lo int) func(int) error {
	return func(v int) error {
		if v < lo {
			return fmt.Errorf("must be >= %d", lo)
		}

		return nil
	}
}

func int64Min(lo int64) func(int64) error {
	return func(v int64) error {
		if v < lo {
			return fmt.Errorf("must be >= %d", lo)
		}

		return nil
	}
}

// buildConfig resolves the configuration from the parsed flags.
func buildConfig(cmd *cli.Command) *config.Config {
	return &config.Config{
		DataRoot:        cmd.String("data-root"),
		ParityRoot:      cmd.String("parity-root"),
		Par2Redundancy:  cmd.Int("par2-redundancy"),
		Par2Timeout:     cmd.Int("par2-timeout"),
		MinFileSize:     cmd.Int64("min-file-size"),
		MaxFileSize:     cmd.Int64("max-file-size"),
		VerifyPercent:   cmd.Int("verify-percent"),
		ExcludePatterns: config.ParseExcludePatterns(cmd.String("exclude-patterns")),
		NotifyWebhook:   cmd.String("notify-webhook"),
		CronSchedule:    cmd.String("cron-schedule"),
	}
}

// withRun acquires the run lock and opens the manifest, then runs fn. A lock
// held by another process is a benign skip: warn and exit 0.
func withRun(ctx context.Context, cfg *config.Config, fn func(*manifest.Manifest) error) error {
	log := zerolog.Ctx(ctx)

	l, err := lock.Acquire(cfg.LockPath())
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) {
			log.Warn().Msg("another run is already in progress, skipping")

			return nil
		}

		return err
	}

	defer func() {
		if err := l.Release(); err != nil {
			log.Error().Err(err).Msg("error releasing the run lock")
		}
	}()

	m, err := manifest.Open(cfg.DBPath())
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(m)
}
