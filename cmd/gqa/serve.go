package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gqa/internal/api"
	"github.com/samcharles93/gqa/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		batchLimit  int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the attention block over HTTP",
		Flags: append(modelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Int64Flag{
				Name:        "batch-concurrency",
				Usage:       "sequences of a batch request run at once (0 = GOMAXPROCS)",
				Destination: &batchLimit,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyServeConfig(cmd, LoadConfig(), &addr)
			log := logger.FromContext(ctx)

			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			blk, err := buildBlock(ctx, cfg)
			if err != nil {
				return err
			}
			defer blk.Close()

			server := api.NewServer(*cfg, blk, log)
			if batchLimit > 0 {
				server.SetBatchLimit(int(batchLimit))
			}
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "heads", cfg.NumAttentionHeads, "kv_heads", cfg.NumKVHeads)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
