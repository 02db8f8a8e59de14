package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gqa/internal/backend"
	"github.com/samcharles93/gqa/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var format string

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "format",
			Usage:       "config output format (yaml, json)",
			Value:       "yaml",
			Destination: &format,
		},
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show the normalised model config, derived layout and host features",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			data, err := cfg.Marshal(format)
			if err != nil {
				return err
			}
			_, _ = os.Stdout.Write(data)
			if len(data) > 0 && data[len(data)-1] != '\n' {
				fmt.Println()
			}

			att := cfg.Attention()
			fmt.Println()
			fmt.Printf("head_dim:    %d\n", att.HeadDim())
			fmt.Printf("group size:  %d (query heads per kv head)\n", att.GroupSize())
			fmt.Printf("kv width:    %d\n", att.KVWidth())
			fmt.Printf("backends:    %s\n", backend.Available())
			fmt.Printf("host:        %s\n", backend.Describe())

			if weightsPath == "" {
				return nil
			}
			f, err := safetensors.Open(weightsPath)
			if err != nil {
				return err
			}
			fmt.Println()
			fmt.Printf("weights:     %s\n", f.Path)
			for _, k := range slices.Sorted(maps.Keys(f.Metadata)) {
				fmt.Printf("  meta %s = %s\n", k, f.Metadata[k])
			}
			for _, name := range f.Names() {
				info := f.Tensors[name]
				fmt.Printf("  %-20s %-5s %v\n", name, info.DType, info.Shape)
			}
			return nil
		},
	}
}
