package main

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/samcharles93/gqa/internal/logger"
	"github.com/samcharles93/gqa/internal/safetensors"
	"github.com/samcharles93/gqa/internal/tensor"
)

func forwardCmd() *cli.Command {
	var (
		batch      int64
		seqLen     int64
		maskKind   string
		inputSeed  int64
		outputPath string
	)

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		dtypeFlag("input precision (f32, f16, bf16)"),
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "batch size",
			Value:       2,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "seq",
			Aliases:     []string{"s"},
			Usage:       "sequence length",
			Value:       16,
			Destination: &seqLen,
		},
		&cli.StringFlag{
			Name:        "mask",
			Usage:       "attention mask (causal, none, padding)",
			Value:       "causal",
			Destination: &maskKind,
		},
		&cli.Int64Flag{
			Name:        "input-seed",
			Usage:       "seed for the random input",
			Value:       42,
			Destination: &inputSeed,
		},
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "write the output and attention weights to a .safetensors file",
			Destination: &outputPath,
		},
	)

	return &cli.Command{
		Name:  "forward",
		Usage: "Run one attention forward pass over a random input",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			log := logger.FromContext(ctx)

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

			x, err := randomInput(inputSeed, int(batch), int(seqLen), cfg.HiddenSize, dtype)
			if err != nil {
				return err
			}
			mask, err := buildMask(maskKind, int(batch), int(seqLen))
			if err != nil {
				return err
			}

			start := time.Now()
			out, weights, err := blk.ForwardWithWeights(ctx, x, mask)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			log.Debug("forward complete", "took", elapsed)

			printTensorSummary(out)
			fmt.Printf("took:    %s\n", elapsed.Round(time.Microsecond))

			if outputPath != "" {
				err := safetensors.Write(outputPath, map[string]*tensor.Tensor{
					"input":   x,
					"output":  out,
					"weights": weights,
				}, tensor.F32, map[string]string{"mask": maskKind})
				if err != nil {
					return err
				}
				log.Info("wrote forward tensors", "path", outputPath)
			}
			return nil
		},
	}
}

func printTensorSummary(t *tensor.Tensor) {
	fmt.Printf("shape:   %v\n", t.Shape)
	fmt.Printf("dtype:   %s\n", t.DType)
	fmt.Printf("finite:  %t\n", t.AllFinite())
	if !t.AllFinite() {
		return
	}
	vals := make([]float64, len(t.Data))
	for i, v := range t.Data {
		vals[i] = float64(v)
	}
	mean, std := stat.MeanStdDev(vals, nil)
	fmt.Printf("mean:    %.6g\n", mean)
	fmt.Printf("std:     %.6g\n", std)
	fmt.Printf("min:     %.6g\n", floats.Min(vals))
	fmt.Printf("max:     %.6g\n", floats.Max(vals))
}
