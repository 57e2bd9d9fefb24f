package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/samcharles93/loraserve/internal/logger"
	"github.com/urfave/cli/v3"
)

// fileConfig holds the config file and environment layers, resolved once
// before any subcommand runs.
var fileConfig Config

func main() {
	app := &cli.Command{
		Name:  "loraserve",
		Usage: "Serve a causal language model with a LoRA adapter over HTTP",
		Flags: globalFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			cfg, err := resolveConfig(configFile)
			if err != nil {
				return ctx, err
			}
			fileConfig = cfg
			applyLoggingConfig(cmd, cfg)
			log, err := logger.Setup(os.Stderr, logFormat, logLevel)
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			serveCmd(),
			generateCmd(),
			tokenizeCmd(),
			toyCmd(),
			versionCmd(),
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
