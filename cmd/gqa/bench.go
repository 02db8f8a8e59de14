package main

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/gqa/internal/logger"
	"github.com/samcharles93/gqa/internal/tensor"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns  int64
		benchRuns   int64
		concurrency int64
		batch       int64
		seqLen      int64
	)

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		dtypeFlag("input precision (f32, f16, bf16)"),
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of timed runs per caller",
			Value:       10,
			Destination: &benchRuns,
		},
		&cli.Int64Flag{
			Name:        "concurrency",
			Usage:       "parallel callers sharing the block",
			Value:       1,
			Destination: &concurrency,
		},
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       1,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "seq",
			Aliases:     []string{"s"},
			Usage:       "sequence length",
			Value:       128,
			Destination: &seqLen,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Time attention forward passes",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			log := logger.FromContext(ctx)

			if benchRuns < 1 || concurrency < 1 {
				return fmt.Errorf("runs and concurrency must be at least 1")
			}
			dtype, err := tensor.ParseDType(dtypeName)
			if err != nil {
				return err
			}
			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			blk, err := buildBlock(ctx, cfg)
			if err != nil {
				return err
			}
			defer blk.Close()

			x, err := randomInput(42, int(batch), int(seqLen), cfg.HiddenSize, dtype)
			if err != nil {
				return err
			}
			mask := tensor.Causal(int(seqLen))

			for i := int64(0); i < warmupRuns; i++ {
				if _, err := blk.Forward(ctx, x, mask); err != nil {
					return err
				}
			}
			log.Debug("warmup complete", "runs", warmupRuns)

			callers := int(concurrency)
			durations := make([][]time.Duration, callers)
			g, gctx := errgroup.WithContext(ctx)
			start := time.Now()
			for c := range callers {
				g.Go(func() error {
					for range benchRuns {
						t0 := time.Now()
						if _, err := blk.Forward(gctx, x, mask); err != nil {
							return err
						}
						durations[c] = append(durations[c], time.Since(t0))
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			wall := time.Since(start)

			all := slices.Concat(durations...)
			slices.Sort(all)
			var total time.Duration
			for _, d := range all {
				total += d
			}
			tokens := float64(len(all)) * float64(batch*seqLen)

			fmt.Printf("layout:      heads=%d kv_heads=%d head_dim=%d workers=%d\n",
				cfg.NumAttentionHeads, cfg.NumKVHeads, blk.HeadDim(), blk.Workers())
			fmt.Printf("input:       batch=%d seq=%d dtype=%s\n", batch, seqLen, dtype)
			fmt.Printf("runs:        %d x %d callers\n", benchRuns, callers)
			fmt.Printf("mean:        %s\n", (total / time.Duration(len(all))).Round(time.Microsecond))
			fmt.Printf("p50:         %s\n", percentile(all, 0.50).Round(time.Microsecond))
			fmt.Printf("p95:         %s\n", percentile(all, 0.95).Round(time.Microsecond))
			fmt.Printf("wall:        %s\n", wall.Round(time.Microsecond))
			fmt.Printf("throughput:  %.1f positions/s\n", tokens/wall.Seconds())
			return nil
		},
	}
}

// percentile reads q from sorted durations using the nearest-rank method.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
