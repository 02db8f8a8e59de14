package attention

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/samcharles93/gqa/internal/safetensors"
	"github.com/samcharles93/gqa/internal/tensor"
)

// Tensor names used by StateDict, Save and Load.
const (
	QueryWeight  = "q_proj.weight"
	KeyWeight    = "k_proj.weight"
	ValueWeight  = "v_proj.weight"
	OutputWeight = "out_proj.weight"
)

type namedLinear struct {
	name string
	l    *tensor.Linear
}

func (b *Block) named() []namedLinear {
	return []namedLinear{
		{QueryWeight, &b.Query},
		{KeyWeight, &b.Key},
		{ValueWeight, &b.Value},
		{OutputWeight, &b.Output},
	}
}

// StateDict returns the projection weights keyed by name. The tensors share
// storage with the block.
func (b *Block) StateDict() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, 4)
	for _, p := range b.named() {
		out[p.name] = p.l.Weight.Tensor()
	}
	return out
}

// LoadStateDict copies weights into the block. Every projection must be
// present with shape (out, in); nothing is changed unless all of them are.
func (b *Block) LoadStateDict(sd map[string]*tensor.Tensor) error {
	mats := make([]tensor.Mat, 0, 4)
	for _, p := range b.named() {
		t, ok := sd[p.name]
		if !ok || t == nil {
			return tensor.Preconditionf("attention.load", "missing tensor %s", p.name)
		}
		m, err := weightMat(p.name, p.l, t)
		if err != nil {
			return err
		}
		mats = append(mats, m)
	}
	for i, p := range b.named() {
		p.l.Weight = mats[i]
	}
	return nil
}

func weightMat(name string, l *tensor.Linear, t *tensor.Tensor) (tensor.Mat, error) {
	if t.Rank() != 2 || t.Dim(0) != l.Out() || t.Dim(1) != l.In() {
		return tensor.Mat{}, tensor.Preconditionf("attention.load", "tensor %s has shape %v, want [%d %d]", name, t.Shape, l.Out(), l.In())
	}
	m := tensor.NewMatFromData(l.Out(), l.In(), append([]float32(nil), t.Data...))
	m.DType = t.DType
	return m, nil
}

// Save writes the projection weights to a safetensors file, encoding them
// as dtype. The head layout is recorded in the file metadata.
func (b *Block) Save(path string, dtype tensor.DType) error {
	meta := map[string]string{
		"format":       "gqa",
		"num_heads":    strconv.Itoa(b.cfg.NumHeads),
		"num_kv_heads": strconv.Itoa(b.cfg.NumKVHeads),
		"hidden_size":  strconv.Itoa(b.cfg.HiddenSize),
	}
	if err := safetensors.Write(path, b.StateDict(), dtype, meta); err != nil {
		return fmt.Errorf("save attention weights: %w", err)
	}
	return nil
}

// Load reads projection weights written by Save (or any safetensors file
// using the same names and shapes).
func (b *Block) Load(path string) error {
	f, err := safetensors.Open(path)
	if err != nil {
		return fmt.Errorf("load attention weights: %w", err)
	}
	sd := make(map[string]*tensor.Tensor, 4)
	for _, p := range b.named() {
		t, err := f.Load(p.name)
		if errors.Is(err, safetensors.ErrTensorNotFound) {
			return tensor.Preconditionf("attention.load", "missing tensor %s in %s", p.name, path)
		}
		if err != nil {
			return fmt.Errorf("load attention weights: %w", err)
		}
		sd[p.name] = t
	}
	return b.LoadStateDict(sd)
}
