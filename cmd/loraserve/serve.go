package main

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/samcharles93/loraserve/internal/api"
	"github.com/samcharles93/loraserve/internal/logger"
	"github.com/urfave/cli/v3"
)

func serveCmd() *cli.Command {
	var (
		sampling samplingFlags
		settings serveSettings
	)

	flags := slices.Concat(commonModelFlags(), commonTokenizerFlags(), sampling.flags(), []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &settings.addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &settings.readTimeout,
		},
		&cli.Float64Flag{
			Name:        "rate-limit",
			Usage:       "inference requests per second (0 disables limiting)",
			Destination: &settings.rateLimit,
		},
		&cli.Int64Flag{
			Name:        "rate-burst",
			Usage:       "rate limiter burst size",
			Value:       1,
			Destination: &settings.rateBurst,
		},
	})

	return &cli.Command{
		Name:  "serve",
		Usage: "Load the model and adapter and serve /process and /tokenize",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applySamplingConfig(cmd, fileConfig, &sampling)
			applyServeConfig(cmd, fileConfig, &settings)

			loader, err := newLoader(cmd)
			if err != nil {
				return err
			}
			engine, err := loader.Load(ctx)
			if err != nil {
				return fmt.Errorf("load model: %w", err)
			}
			defer engine.Close()

			server := api.NewServer(engine, api.Options{
				Defaults:  genDefaults(sampling),
				RateLimit: settings.rateLimit,
				RateBurst: int(settings.rateBurst),
				Logger:    log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server", "address", settings.addr, "rate_limit", settings.rateLimit)
			sc := echo.StartConfig{
				Address: settings.addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = settings.readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
