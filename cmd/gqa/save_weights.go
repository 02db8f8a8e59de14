package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gqa/internal/logger"
	"github.com/samcharles93/gqa/internal/tensor"
)

func saveWeightsCmd() *cli.Command {
	var outPath string

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		dtypeFlag("storage precision (f32, f16, bf16)"),
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "output .safetensors path",
			Required:    true,
			Destination: &outPath,
		},
	)

	return &cli.Command{
		Name:  "save-weights",
		Usage: "Write the block's projection weights to a safetensors file",
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

			if err := blk.Save(outPath, dtype); err != nil {
				return err
			}
			log.Info("saved weights", "path", outPath, "dtype", dtype.String(), "seed", seed)
			fmt.Println(outPath)
			return nil
		},
	}
}
