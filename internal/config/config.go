// Package config holds the model configuration an attention block is built
// from.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/gqa/internal/attention"
	"github.com/samcharles93/gqa/internal/rope"
	"github.com/samcharles93/gqa/internal/tensor"
)

// ModelConfig describes a LLaMA-style decoder. Only the attention fields are
// consumed here; the rest are carried so configs round-trip unchanged.
//
// HeadDim and NumKVHeads use zero for "unset": Normalize fills them with
// HiddenSize/NumAttentionHeads and NumAttentionHeads respectively.
type ModelConfig struct {
	VocabSize         int            `yaml:"vocab_size" json:"vocab_size"`
	HiddenSize        int            `yaml:"hidden_size" json:"hidden_size"`
	IntermediateSize  int            `yaml:"intermediate_size" json:"intermediate_size"`
	NumHiddenLayers   int            `yaml:"num_hidden_layers" json:"num_hidden_layers"`
	NumAttentionHeads int            `yaml:"num_attention_heads" json:"num_attention_heads"`
	HeadDim           int            `yaml:"head_dim,omitempty" json:"head_dim,omitempty"`
	NumKVHeads        int            `yaml:"num_kv_heads,omitempty" json:"num_kv_heads,omitempty"`
	RMSNormEps        float64        `yaml:"rms_norm_eps" json:"rms_norm_eps"`
	ContextLength     int            `yaml:"context_length" json:"context_length"`
	RopeTheta         float64        `yaml:"rope_theta" json:"rope_theta"`
	RopeScaling       map[string]any `yaml:"rope_scaling,omitempty" json:"rope_scaling,omitempty"`
	HiddenActivation  string         `yaml:"hidden_activation" json:"hidden_activation"`
	InitializerRange  float64        `yaml:"initializer_range" json:"initializer_range"`
	AttentionDropout  float64        `yaml:"attention_dropout" json:"attention_dropout"`
	HiddenDropout     float64        `yaml:"hidden_dropout" json:"hidden_dropout"`
	ResidualDropout   float64        `yaml:"residual_dropout" json:"residual_dropout"`
	TieWordEmbeddings bool           `yaml:"tie_word_embeddings" json:"tie_word_embeddings"`
	ModelType         string         `yaml:"model_type" json:"model_type"`
}

// Default returns the reference small-model configuration.
func Default() ModelConfig {
	return ModelConfig{
		VocabSize:         32768,
		HiddenSize:        512,
		IntermediateSize:  2048,
		NumHiddenLayers:   12,
		NumAttentionHeads: 8,
		RMSNormEps:        1e-6,
		ContextLength:     2048,
		RopeTheta:         rope.DefaultTheta,
		HiddenActivation:  "silu",
		InitializerRange:  0.02,
		TieWordEmbeddings: true,
		ModelType:         "llama",
	}
}

// Normalize fills derived defaults and validates the attention layout.
func (c *ModelConfig) Normalize() error {
	if c.HiddenSize <= 0 {
		return tensor.Configf("config", "hidden_size must be positive, got %d", c.HiddenSize)
	}
	if c.NumAttentionHeads <= 0 {
		return tensor.Configf("config", "num_attention_heads must be positive, got %d", c.NumAttentionHeads)
	}
	if c.ContextLength <= 0 {
		return tensor.Configf("config", "context_length must be positive, got %d", c.ContextLength)
	}
	if c.HiddenSize%c.NumAttentionHeads != 0 {
		return tensor.Configf("config", "hidden_size %d is not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	}
	derived := c.HiddenSize / c.NumAttentionHeads
	switch {
	case c.HeadDim == 0:
		c.HeadDim = derived
	case c.HeadDim != derived:
		return tensor.Configf("config", "head_dim %d must equal hidden_size/num_attention_heads = %d", c.HeadDim, derived)
	}
	if c.NumKVHeads < 0 {
		return tensor.Configf("config", "num_kv_heads must be positive, got %d", c.NumKVHeads)
	}
	if c.NumKVHeads == 0 {
		c.NumKVHeads = c.NumAttentionHeads
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = rope.DefaultTheta
	}
	if c.RopeTheta < 0 {
		return tensor.Configf("config", "rope_theta must be positive, got %v", c.RopeTheta)
	}
	if err := c.Attention().Validate(); err != nil {
		return err
	}
	if _, err := rope.ScalingFromMap(c.ContextLength, c.RopeScaling); err != nil {
		return err
	}
	return nil
}

// Attention returns the block layout. Call Normalize first.
func (c *ModelConfig) Attention() attention.Config {
	return attention.Config{
		NumHeads:   c.NumAttentionHeads,
		NumKVHeads: c.NumKVHeads,
		HiddenSize: c.HiddenSize,
	}
}

// Rotary returns the rotary table covering the full context.
func (c *ModelConfig) Rotary() (rope.Config, error) {
	scaling, err := rope.ScalingFromMap(c.ContextLength, c.RopeScaling)
	if err != nil {
		return rope.Config{}, err
	}
	return rope.Config{
		HeadDim:      c.HeadDim,
		MaxPositions: c.ContextLength,
		Theta:        c.RopeTheta,
		Scaling:      scaling,
	}, nil
}

// aliases picks up Hugging Face spellings of fields that have a different
// name here.
type aliases struct {
	NumKVHeads            *int `yaml:"num_kv_heads" json:"num_kv_heads"`
	NumKeyValueHeads      *int `yaml:"num_key_value_heads" json:"num_key_value_heads"`
	ContextLength         *int `yaml:"context_length" json:"context_length"`
	MaxPositionEmbeddings *int `yaml:"max_position_embeddings" json:"max_position_embeddings"`
}

func (a aliases) apply(c *ModelConfig) {
	if a.NumKVHeads == nil && a.NumKeyValueHeads != nil {
		c.NumKVHeads = *a.NumKeyValueHeads
	}
	if a.ContextLength == nil && a.MaxPositionEmbeddings != nil {
		c.ContextLength = *a.MaxPositionEmbeddings
	}
}

// Load reads a YAML (.yaml, .yml) or JSON (.json) config over Default and
// normalizes it.
func Load(path string) (*ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var format string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		format = "yaml"
	case ".json":
		format = "json"
	default:
		return nil, fmt.Errorf("config %s: unsupported extension (expected .yaml, .yml or .json)", path)
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a config document in the given format ("yaml" or "json").
func Parse(data []byte, format string) (*ModelConfig, error) {
	var unmarshal func([]byte, any) error
	switch format {
	case "yaml":
		unmarshal = yaml.Unmarshal
	case "json":
		unmarshal = json.Unmarshal
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		if err := unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode %s: %w", format, err)
		}
		var a aliases
		if err := unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("decode %s: %w", format, err)
		}
		a.apply(&cfg)
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal encodes the config as "yaml" or "json".
func (c *ModelConfig) Marshal(format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(c)
	case "json":
		return json.MarshalIndent(c, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
}
