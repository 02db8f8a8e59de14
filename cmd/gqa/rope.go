package main

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/gqa/internal/rope"
	"github.com/samcharles93/gqa/internal/tensor"
)

func ropeCmd() *cli.Command {
	var (
		start  int64
		count  int64
		pairs  int64
		offset int64
	)

	flags := append([]cli.Flag{}, modelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "start",
			Usage:       "first position to print",
			Destination: &start,
		},
		&cli.Int64Flag{
			Name:        "positions",
			Aliases:     []string{"n"},
			Usage:       "number of positions to print",
			Value:       4,
			Destination: &count,
		},
		&cli.Int64Flag{
			Name:        "pairs",
			Usage:       "number of dimension pairs to print per position",
			Value:       4,
			Destination: &pairs,
		},
		&cli.Int64Flag{
			Name:        "offset",
			Usage:       "position offset used for the magnitude check",
			Destination: &offset,
		},
	)

	return &cli.Command{
		Name:  "rope",
		Usage: "Print rotary factors and check that rotation preserves magnitude",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			cfg, err := loadModelConfig()
			if err != nil {
				return err
			}
			rc, err := cfg.Rotary()
			if err != nil {
				return err
			}
			enc, err := rope.New(rc)
			if err != nil {
				return err
			}

			fmt.Printf("head_dim:      %d\n", enc.HeadDim())
			fmt.Printf("max positions: %d\n", enc.MaxPositions())
			fmt.Printf("theta:         %g\n", enc.Theta())
			if sc := enc.Scaling(); sc != nil {
				fmt.Printf("scaling:       %s (factor %g)\n", sc.Type, sc.Factor)
			}
			if s := enc.AttentionScale(); s != 1 {
				fmt.Printf("attn scale:    %g\n", s)
			}

			invFreq := enc.InvFreq()
			n := min(int(pairs), len(invFreq))
			end := min(int(start+count), enc.MaxPositions())
			fmt.Println()
			fmt.Printf("%8s %6s %14s %12s %12s\n", "position", "pair", "inv_freq", "cos", "sin")
			for p := int(start); p < end; p++ {
				for i := 0; i < n; i++ {
					f := enc.Factor(p, i)
					fmt.Printf("%8d %6d %14.6e %12.6f %12.6f\n", p, i, invFreq[i], real(f), imag(f))
				}
			}

			return printMagnitudeCheck(enc, int(offset))
		},
	}
}

// printMagnitudeCheck rotates a random block of positions and reports the
// largest relative change in per-position norm.
func printMagnitudeCheck(enc *rope.Encoder, offset int) error {
	seq := min(16, enc.MaxPositions()-offset)
	if seq <= 0 {
		return tensor.Preconditionf("rope", "offset %d leaves no positions below %d", offset, enc.MaxPositions())
	}
	x, err := tensor.Randn(7, seq, enc.HeadDim())
	if err != nil {
		return err
	}
	out, err := enc.ApplyAt(x, offset)
	if err != nil {
		return err
	}
	want := float64(enc.AttentionScale())
	var worst float64
	d := enc.HeadDim()
	for s := 0; s < seq; s++ {
		before, after := 0.0, 0.0
		for i := 0; i < d; i += 2 {
			before += cmplx.Abs(complex(float64(x.Data[s*d+i]), float64(x.Data[s*d+i+1])))
			after += cmplx.Abs(complex(float64(out.Data[s*d+i]), float64(out.Data[s*d+i+1])))
		}
		worst = max(worst, math.Abs(after/before-want))
	}
	fmt.Println()
	fmt.Printf("magnitude check: %d positions from %d, max relative drift %.3e\n", seq, offset, worst)
	return nil
}
