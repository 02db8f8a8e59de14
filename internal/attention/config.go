package attention

import (
	"github.com/samcharles93/gqa/internal/tensor"
)

// Config fixes the head layout of a block.
type Config struct {
	NumHeads   int
	NumKVHeads int
	HiddenSize int
}

// Validate checks that the head ratios are exact. Group sizes are never
// rounded: 8 query heads over 3 key/value heads is an error, not 2 or 3.
func (c Config) Validate() error {
	if c.NumHeads <= 0 {
		return tensor.Configf("attention", "num_heads must be positive, got %d", c.NumHeads)
	}
	if c.NumKVHeads <= 0 {
		return tensor.Configf("attention", "num_kv_heads must be positive, got %d", c.NumKVHeads)
	}
	if c.HiddenSize <= 0 {
		return tensor.Configf("attention", "hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return tensor.Configf("attention", "hidden_size %d is not divisible by num_heads %d", c.HiddenSize, c.NumHeads)
	}
	if c.NumHeads%c.NumKVHeads != 0 {
		return tensor.Configf("attention", "num_heads %d is not a multiple of num_kv_heads %d", c.NumHeads, c.NumKVHeads)
	}
	return nil
}

// HeadDim is the per-head width. Only meaningful after Validate.
func (c Config) HeadDim() int { return c.HiddenSize / c.NumHeads }

// GroupSize is the number of query heads sharing one key/value head.
func (c Config) GroupSize() int { return c.NumHeads / c.NumKVHeads }

// KVWidth is the output width of the key and value projections.
func (c Config) KVWidth() int { return c.NumKVHeads * c.HeadDim() }

// KVHead maps query head h onto the key/value head it reads.
func (c Config) KVHead(h int) int { return h / c.GroupSize() }
