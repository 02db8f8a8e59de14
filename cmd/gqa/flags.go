package main

import "github.com/urfave/cli/v3"

var (
	modelConfigPath string
	hiddenSize      int64
	numHeads        int64
	numKVHeads      int64
	contextLength   int64
	noRotary        bool
	workers         int64
	seed            int64
	weightsPath     string
	device          string
	dtypeName       string
	logLevel        string
	logFormat       string
	debug           bool
)

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "model config (.yaml, .yml or .json)",
			Destination: &modelConfigPath,
		},
		&cli.Int64Flag{
			Name:        "hidden",
			Usage:       "override hidden_size",
			Destination: &hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Usage:       "override num_attention_heads",
			Destination: &numHeads,
		},
		&cli.Int64Flag{
			Name:        "kv-heads",
			Usage:       "override num_kv_heads",
			Destination: &numKVHeads,
		},
		&cli.Int64Flag{
			Name:        "context",
			Aliases:     []string{"ctx"},
			Usage:       "override context_length (rotary table size)",
			Destination: &contextLength,
		},
		&cli.BoolFlag{
			Name:        "no-rotary",
			Usage:       "skip rotary position encoding of queries and keys",
			Destination: &noRotary,
		},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "head workers (0 = GOMAXPROCS capped at the head count)",
			Destination: &workers,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for weight initialisation",
			Value:       1,
			Destination: &seed,
		},
		&cli.StringFlag{
			Name:        "weights",
			Aliases:     []string{"w"},
			Usage:       "load projection weights from a .safetensors file",
			Destination: &weightsPath,
		},
		&cli.StringFlag{
			Name:        "device",
			Usage:       "placement for weights and rotary table (cpu, cpu:N)",
			Value:       "cpu",
			Destination: &device,
		},
	}
}

func dtypeFlag(usage string) cli.Flag {
	return &cli.StringFlag{
		Name:        "dtype",
		Usage:       usage,
		Value:       "f32",
		Destination: &dtypeName,
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
