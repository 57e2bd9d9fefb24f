package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/samcharles93/loraserve/internal/logger"
	"github.com/samcharles93/loraserve/internal/toy"
	"github.com/urfave/cli/v3"
)

func toyCmd() *cli.Command {
	var (
		out    string
		layers int64
		hidden int64
		rank   int64
		seed   int64
		tie    bool
	)

	return &cli.Command{
		Name:  "toy",
		Usage: "Write a tiny random LLaMA checkpoint and LoRA adapter for smoke tests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (base/ and adapter/ are created inside)",
				Value:       "toy",
				Destination: &out,
			},
			&cli.Int64Flag{
				Name:        "layers",
				Usage:       "number of decoder layers",
				Value:       2,
				Destination: &layers,
			},
			&cli.Int64Flag{
				Name:        "hidden",
				Usage:       "hidden size (must split into 4 heads of even size)",
				Value:       16,
				Destination: &hidden,
			},
			&cli.Int64Flag{
				Name:        "rank",
				Usage:       "LoRA rank",
				Value:       2,
				Destination: &rank,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "weight initialisation seed",
				Value:       1,
				Destination: &seed,
			},
			&cli.BoolFlag{
				Name:        "tie-embeddings",
				Usage:       "share the embedding matrix with the LM head",
				Destination: &tie,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			opts := toy.Options{
				Hidden:       int(hidden),
				Intermediate: int(hidden) * 2,
				Layers:       int(layers),
				Seed:         seed,
				TieEmbedding: tie,
			}
			base := filepath.Join(out, "base")
			adapter := filepath.Join(out, "adapter")
			if err := toy.WriteModel(base, opts); err != nil {
				return fmt.Errorf("write toy model: %w", err)
			}
			if err := toy.WriteAdapter(adapter, opts, toy.AdapterOptions{Rank: int(rank)}); err != nil {
				return fmt.Errorf("write toy adapter: %w", err)
			}
			logger.FromContext(ctx).Info("toy checkpoint written", "model", base, "adapter", adapter)
			fmt.Printf("loraserve serve --model %s --adapter %s\n", base, adapter)
			return nil
		},
	}
}
