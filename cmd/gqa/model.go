package main

import (
	"context"
	"fmt"

	"github.com/samcharles93/gqa/internal/attention"
	"github.com/samcharles93/gqa/internal/backend"
	"github.com/samcharles93/gqa/internal/config"
	"github.com/samcharles93/gqa/internal/logger"
	"github.com/samcharles93/gqa/internal/rope"
	"github.com/samcharles93/gqa/internal/tensor"
)

// loadModelConfig reads --config (or the defaults) and applies the layout
// overrides. Changing hidden or heads re-derives head_dim.
func loadModelConfig() (*config.ModelConfig, error) {
	cfg := config.Default()
	if modelConfigPath != "" {
		loaded, err := config.Load(modelConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	if hiddenSize > 0 {
		cfg.HiddenSize = int(hiddenSize)
		cfg.HeadDim = 0
	}
	if numHeads > 0 {
		cfg.NumAttentionHeads = int(numHeads)
		cfg.HeadDim = 0
	}
	if numKVHeads > 0 {
		cfg.NumKVHeads = int(numKVHeads)
	}
	if contextLength > 0 {
		cfg.ContextLength = int(contextLength)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// buildBlock constructs the attention block described by cfg and the model
// flags. The caller closes it.
func buildBlock(ctx context.Context, cfg *config.ModelConfig) (*attention.Block, error) {
	log := logger.FromContext(ctx)
	dev, err := backend.ParseDevice(device)
	if err != nil {
		return nil, err
	}

	opts := []attention.Option{
		attention.WithSeed(seed),
		attention.WithWorkers(int(workers)),
		attention.WithLogger(log),
	}
	if !noRotary {
		rc, err := cfg.Rotary()
		if err != nil {
			return nil, err
		}
		enc, err := rope.New(rc)
		if err != nil {
			return nil, err
		}
		opts = append(opts, attention.WithRotary(enc))
	}
	blk, err := attention.New(cfg.Attention(), opts...)
	if err != nil {
		return nil, err
	}
	if weightsPath != "" {
		if err := blk.Load(weightsPath); err != nil {
			blk.Close()
			return nil, err
		}
		log.Info("loaded weights", "path", weightsPath)
	}
	blk.To(dev)
	log.Debug("built attention block",
		"heads", cfg.NumAttentionHeads,
		"kv_heads", cfg.NumKVHeads,
		"head_dim", blk.HeadDim(),
		"workers", blk.Workers(),
		"rotary", blk.Rotary() != nil,
		"device", blk.Device().String(),
	)
	return blk, nil
}

// randomInput draws a (batch, seq, hidden) standard normal input rounded to
// dtype.
func randomInput(inputSeed int64, batch, seq, hidden int, dtype tensor.DType) (*tensor.Tensor, error) {
	if batch <= 0 || seq <= 0 {
		return nil, fmt.Errorf("batch and seq must be positive, got %d and %d", batch, seq)
	}
	x, err := tensor.Randn(inputSeed, batch, seq, hidden)
	if err != nil {
		return nil, err
	}
	return x.AsType(dtype), nil
}

// buildMask returns the mask named by kind for a (batch, seq) input. The
// padding mask gives row b a length of seq - b (at least one).
func buildMask(kind string, batch, seq int) (*tensor.Mask, error) {
	switch kind {
	case "", "causal":
		return tensor.Causal(seq), nil
	case "none":
		return nil, nil
	case "padding":
		lengths := make([]int, batch)
		for b := range lengths {
			lengths[b] = max(seq-b, 1)
		}
		return tensor.Padding(lengths, seq), nil
	default:
		return nil, fmt.Errorf("unknown mask %q (expected causal, none or padding)", kind)
	}
}
