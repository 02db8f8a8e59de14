// Package rope implements rotary position encoding.
//
// Each adjacent pair (x[2k], x[2k+1]) of a head vector is read as the complex
// number x[2k] + i·x[2k+1] and multiplied by a unit rotation whose phase is
// p·θ^(-2k/d) for sequence position p. The rotations are precomputed once
// per Encoder for every position up to MaxPositions.
package rope

import (
	"math"
	"math/cmplx"
	"slices"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/samcharles93/gqa/internal/backend"
	"github.com/samcharles93/gqa/internal/tensor"
)

// DefaultTheta is the frequency base used when Config.Theta is zero.
const DefaultTheta = 10_000.0

// Config describes a rotary table.
type Config struct {
	HeadDim      int
	MaxPositions int
	Theta        float64
	Scaling      *Scaling
}

// Encoder holds the precomputed rotation table. It is immutable after New
// except for placement, which may move between devices without changing any
// value.
type Encoder struct {
	headDim   int
	maxPos    int
	theta     float64
	invFreq   []float64
	attnScale float32
	scaling   *Scaling

	mu          sync.RWMutex
	table       []complex64 // maxPos × headDim/2
	device      backend.Device
	relocations int
	moves       singleflight.Group
}

// New validates cfg and builds the rotation table.
func New(cfg Config) (*Encoder, error) {
	if cfg.HeadDim <= 0 {
		return nil, tensor.Configf("rope", "head_dim must be positive, got %d", cfg.HeadDim)
	}
	if cfg.HeadDim%2 != 0 {
		return nil, tensor.Configf("rope", "head_dim must be even, got %d", cfg.HeadDim)
	}
	if cfg.MaxPositions <= 0 {
		return nil, tensor.Configf("rope", "max_positions must be positive, got %d", cfg.MaxPositions)
	}
	theta := cfg.Theta
	if theta == 0 {
		theta = DefaultTheta
	}
	if theta < 0 || math.IsNaN(theta) || math.IsInf(theta, 0) {
		return nil, tensor.Configf("rope", "theta must be positive and finite, got %v", cfg.Theta)
	}
	if cfg.Scaling != nil {
		switch cfg.Scaling.Type {
		case "linear", "llama3", "yarn":
		default:
			return nil, tensor.Configf("rope", "unsupported rope scaling type %q", cfg.Scaling.Type)
		}
	}

	half := cfg.HeadDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = math.Pow(theta, -float64(2*i)/float64(cfg.HeadDim))
	}
	attnScale := 1.0
	if cfg.Scaling != nil {
		attnScale = cfg.Scaling.apply(invFreq, theta, cfg.MaxPositions)
	}

	table := make([]complex64, cfg.MaxPositions*half)
	for p := 0; p < cfg.MaxPositions; p++ {
		row := table[p*half : (p+1)*half]
		for i, f := range invFreq {
			row[i] = complex64(cmplx.Rect(1, float64(p)*f))
		}
	}

	return &Encoder{
		headDim:   cfg.HeadDim,
		maxPos:    cfg.MaxPositions,
		theta:     theta,
		invFreq:   invFreq,
		attnScale: float32(attnScale),
		scaling:   cfg.Scaling,
		table:     table,
		device:    backend.Host,
	}, nil
}

func (e *Encoder) HeadDim() int      { return e.headDim }
func (e *Encoder) MaxPositions() int { return e.maxPos }
func (e *Encoder) Theta() float64    { return e.theta }

// AttentionScale is the magnitude factor applied with every rotation. It is
// 1 unless a scaling scheme (e.g. yarn) sets one.
func (e *Encoder) AttentionScale() float32 { return e.attnScale }

// Scaling returns the scaling the table was built with, or nil.
func (e *Encoder) Scaling() *Scaling { return e.scaling }

// InvFreq returns a copy of the (possibly scaled) inverse frequencies.
func (e *Encoder) InvFreq() []float64 { return slices.Clone(e.invFreq) }

// Factor returns the rotation for position p and pair i.
func (e *Encoder) Factor(p, i int) complex64 {
	half := e.headDim / 2
	if p < 0 || p >= e.maxPos || i < 0 || i >= half {
		panic("rope: factor index out of range")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table[p*half+i]
}

// Device reports where the table currently lives.
func (e *Encoder) Device() backend.Device {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.device
}

// Relocations counts table moves since construction.
func (e *Encoder) Relocations() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.relocations
}

// To moves the table to dev. Moving to the current device is a no-op, and
// concurrent callers asking for the same device share one copy.
func (e *Encoder) To(dev backend.Device) {
	dev = dev.Canonical()
	if backend.Same(e.Device(), dev) {
		return
	}
	_, _, _ = e.moves.Do(dev.String(), func() (any, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if backend.Same(e.device, dev) {
			return nil, nil
		}
		e.table = slices.Clone(e.table)
		e.device = dev
		e.relocations++
		return nil, nil
	})
}

// Apply rotates x with positions starting at zero. See ApplyAt.
func (e *Encoder) Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	return e.ApplyAt(x, 0)
}

// ApplyAt rotates x, whose last two axes are (seq, head_dim), using
// positions offset .. offset+seq-1. Any leading axes (batch, heads) share the
// same positions. The result has x's shape, dtype and device; x is not
// modified.
func (e *Encoder) ApplyAt(x *tensor.Tensor, offset int) (*tensor.Tensor, error) {
	if x == nil || x.Rank() < 2 {
		return nil, tensor.Preconditionf("rope", "input must have at least (seq, head_dim) axes")
	}
	headDim := x.Dim(-1)
	seqLen := x.Dim(-2)
	if headDim%2 != 0 {
		return nil, tensor.Preconditionf("rope", "head_dim must be even, got %d", headDim)
	}
	if headDim != e.headDim {
		return nil, tensor.Preconditionf("rope", "head_dim %d does not match table head_dim %d", headDim, e.headDim)
	}
	if offset < 0 {
		return nil, tensor.Preconditionf("rope", "negative position offset %d", offset)
	}
	if offset+seqLen > e.maxPos {
		return nil, tensor.Preconditionf("rope", "positions %d..%d exceed max_positions %d", offset, offset+seqLen-1, e.maxPos)
	}

	e.To(x.Device)
	e.mu.RLock()
	table := e.table
	e.mu.RUnlock()

	out := x.Clone()
	e.rotate(out.Data, x.Data, table, seqLen, offset)
	out.DType.RoundSlice(out.Data)
	return out, nil
}

func (e *Encoder) rotate(dst, src []float32, table []complex64, seqLen, offset int) {
	half := e.headDim / 2
	rows := len(src) / e.headDim
	scale := complex(e.attnScale, 0)
	for r := 0; r < rows; r++ {
		pos := offset + r%seqLen
		rot := table[pos*half : (pos+1)*half]
		base := r * e.headDim
		for k, f := range rot {
			if scale != 1 {
				f *= scale
			}
			i0 := base + 2*k
			z := complex(src[i0], src[i0+1]) * f
			dst[i0] = real(z)
			dst[i0+1] = imag(z)
		}
	}
}
