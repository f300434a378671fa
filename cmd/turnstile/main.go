// turnstile is the moderation gate daemon: it accepts candidate posts from
// content source integrations over HTTP, runs the moderation pipeline, and
// answers publish/reject.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "turnstile",
		Usage:   "pre-publish content moderation daemon (one item through the gate at a time)",
		Version: versioninfo.Short(),
	}

	app.Commands = []*cli.Command{
		runCmd,
	}

	return app.Run(args)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for the evaluate API",
			Value:   ":8300",
			EnvVars: []string{"TURNSTILE_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics",
			Value:   ":8301",
			EnvVars: []string{"TURNSTILE_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "sqlite:// or postgres:// URL for the decision audit store",
			Value:   "sqlite://data/turnstile/decisions.sqlite",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis URL for verdict cache and counters; in-memory stores when empty",
			EnvVars: []string{"TURNSTILE_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "text-classifier-host",
			Usage:   "base URL of the remote text classification service (layer skipped when empty)",
			EnvVars: []string{"TURNSTILE_TEXT_CLASSIFIER_HOST"},
		},
		&cli.StringFlag{
			Name:    "text-classifier-token",
			EnvVars: []string{"TURNSTILE_TEXT_CLASSIFIER_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "image-classifier-host",
			Usage:   "base URL of the remote image classification service (layer skipped when empty)",
			EnvVars: []string{"TURNSTILE_IMAGE_CLASSIFIER_HOST"},
		},
		&cli.StringFlag{
			Name:    "image-classifier-token",
			EnvVars: []string{"TURNSTILE_IMAGE_CLASSIFIER_TOKEN"},
		},
		&cli.IntFlag{
			Name:    "remote-timeout-ms",
			Usage:   "per-call timeout for remote classifier requests",
			Value:   5000,
			EnvVars: []string{"TURNSTILE_REMOTE_TIMEOUT_MS"},
		},
		&cli.IntFlag{
			Name:    "remote-rate-limit",
			Usage:   "max requests per second to each remote classifier (0 disables)",
			Value:   0,
			EnvVars: []string{"TURNSTILE_REMOTE_RATE_LIMIT"},
		},
		&cli.IntFlag{
			Name:    "max-concurrent-image-calls",
			Usage:   "bound on concurrent image classifier calls per item",
			Value:   4,
			EnvVars: []string{"TURNSTILE_MAX_CONCURRENT_IMAGE_CALLS"},
		},
		&cli.StringFlag{
			Name:    "rules-file-json",
			Usage:   "path to JSON pattern rule table (built-in table when empty)",
			EnvVars: []string{"TURNSTILE_RULES_FILE_JSON"},
		},
		&cli.StringFlag{
			Name:    "sets-file-json",
			Usage:   "path to JSON config sets (strict-sources, log-allow-categories)",
			EnvVars: []string{"TURNSTILE_SETS_FILE_JSON"},
		},
		&cli.StringFlag{
			Name:    "thresholds-file-json",
			Usage:   "path to JSON per-category normal-mode thresholds (child_safety is always 1)",
			EnvVars: []string{"TURNSTILE_THRESHOLDS_FILE_JSON"},
		},
	},
	Action: func(cctx *cli.Context) error {
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
		slog.SetDefault(logger)

		srv, err := NewServer(Config{
			Logger:                  logger,
			DatabaseURL:             cctx.String("database-url"),
			RedisURL:                cctx.String("redis-url"),
			TextClassifierHost:      cctx.String("text-classifier-host"),
			TextClassifierToken:     cctx.String("text-classifier-token"),
			ImageClassifierHost:     cctx.String("image-classifier-host"),
			ImageClassifierToken:    cctx.String("image-classifier-token"),
			RemoteTimeout:           time.Duration(cctx.Int("remote-timeout-ms")) * time.Millisecond,
			RemoteRateLimit:         cctx.Int("remote-rate-limit"),
			MaxConcurrentImageCalls: cctx.Int("max-concurrent-image-calls"),
			RulesFileJSON:           cctx.String("rules-file-json"),
			SetsFileJSON:            cctx.String("sets-file-json"),
			ThresholdsFileJSON:      cctx.String("thresholds-file-json"),
		})
		if err != nil {
			return err
		}

		go func() {
			if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
				slog.Error("failed to start metrics endpoint", "error", err)
				panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
			}
		}()

		return srv.RunAPI(cctx.String("bind"))
	},
}
