package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/relaycast/relaycast/server/internal/commands"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

func main() {
	flags := &commands.Flags{}

	app := &cli.Command{
		Name:      "relayctl",
		Usage:     "Publish to and administer a relaycast relay",
		UsageText: "relayctl [global options] command [command options]",
		Version:   fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error)",
				Sources:     cli.EnvVars("RELAYCTL_LOG_LEVEL"),
				Value:       "warn",
				Destination: &flags.LogLevel,
			},
			&cli.StringFlag{
				Name:        "http",
				Usage:       "relay HTTP base URL",
				Sources:     cli.EnvVars("RELAY_HTTP_URL"),
				Value:       "http://localhost:8080",
				Destination: &flags.HTTPURL,
			},
			&cli.StringFlag{
				Name:        "grpc",
				Usage:       "relay gRPC publisher address",
				Sources:     cli.EnvVars("RELAY_GRPC_ADDR"),
				Value:       "localhost:50051",
				Destination: &flags.GRPCAddr,
			},
			&cli.StringFlag{
				Name:        "api-key",
				Usage:       "producer API key",
				Sources:     cli.EnvVars("RELAY_API_KEY"),
				Destination: &flags.APIKey,
			},
			&cli.StringFlag{
				Name:        "api-key-header",
				Usage:       "header carrying the API key",
				Value:       "x-api-key",
				Destination: &flags.APIKeyHeader,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(flags.LogLevel)); err != nil {
				return ctx, fmt.Errorf("invalid --log-level %q", flags.LogLevel)
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			return ctx, nil
		},
	}

	app = commands.NewTokenCmd(flags).Register(app)
	app = commands.NewPublishCmd(flags).Register(app)
	app = commands.NewPipeCmd(flags).Register(app)
	app = commands.NewStatsCmd(flags).Register(app)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "relayctl:", err)
		cancel()
		os.Exit(1)
	}
}
