package tensor

import (
	"slices"
)

// Mask marks which key positions each query position may attend to. Keep is
// row-major over Shape; true means the entry takes part in attention.
//
// Shape is right-aligned against the score tensor (batch, heads, query, key)
// and may have rank 1 to 4; every axis must be 1 or match the score axis.
type Mask struct {
	Shape []int
	Keep  []bool
}

// NewMask validates shape against keep and wraps them.
func NewMask(shape []int, keep []bool) (*Mask, error) {
	n, err := numElements("mask", shape)
	if err != nil {
		return nil, err
	}
	if len(shape) > 4 {
		return nil, Preconditionf("mask", "rank %d exceeds 4", len(shape))
	}
	if n != len(keep) {
		return nil, Preconditionf("mask", "shape %v needs %d entries, got %d", shape, n, len(keep))
	}
	return &Mask{Shape: slices.Clone(shape), Keep: keep}, nil
}

// MaskFromValues builds a mask from zero/one style values: zero is masked,
// anything else is kept.
func MaskFromValues(shape []int, values []float32) (*Mask, error) {
	keep := make([]bool, len(values))
	for i, v := range values {
		keep[i] = v != 0
	}
	return NewMask(shape, keep)
}

// Causal returns a (seq, seq) mask where query i sees keys 0..i.
func Causal(seqLen int) *Mask {
	keep := make([]bool, seqLen*seqLen)
	for i := 0; i < seqLen; i++ {
		for j := 0; j <= i; j++ {
			keep[i*seqLen+j] = true
		}
	}
	return &Mask{Shape: []int{seqLen, seqLen}, Keep: keep}
}

// Padding returns a (batch, 1, 1, seq) mask hiding keys at or beyond each
// sequence's length.
func Padding(lengths []int, seqLen int) *Mask {
	keep := make([]bool, len(lengths)*seqLen)
	for b, n := range lengths {
		for j := 0; j < min(n, seqLen); j++ {
			keep[b*seqLen+j] = true
		}
	}
	return &Mask{Shape: []int{len(lengths), 1, 1, seqLen}, Keep: keep}
}

// And combines two masks of identical shape.
func (m *Mask) And(o *Mask) (*Mask, error) {
	if !slices.Equal(m.Shape, o.Shape) {
		return nil, Preconditionf("mask.And", "shape %v does not match %v", m.Shape, o.Shape)
	}
	keep := make([]bool, len(m.Keep))
	for i := range keep {
		keep[i] = m.Keep[i] && o.Keep[i]
	}
	return &Mask{Shape: slices.Clone(m.Shape), Keep: keep}, nil
}

// BoundMask is a mask resolved against a concrete score shape.
type BoundMask struct {
	keep    []bool
	strides [4]int
}

// Broadcast checks that m broadcasts to (batch, heads, query, key) and
// returns a view that can be indexed with score coordinates.
func (m *Mask) Broadcast(batch, heads, query, key int) (BoundMask, error) {
	dims := [4]int{batch, heads, query, key}
	if len(m.Shape) == 0 || len(m.Shape) > 4 {
		return BoundMask{}, Preconditionf("mask", "rank %d mask cannot broadcast to %v", len(m.Shape), dims)
	}
	var padded [4]int
	lead := 4 - len(m.Shape)
	for i := range padded {
		if i < lead {
			padded[i] = 1
		} else {
			padded[i] = m.Shape[i-lead]
		}
	}
	var bm BoundMask
	stride := 1
	for i := 3; i >= 0; i-- {
		switch padded[i] {
		case dims[i]:
			bm.strides[i] = stride
		case 1:
			bm.strides[i] = 0
		default:
			return BoundMask{}, Preconditionf("mask", "mask shape %v does not broadcast to scores %v", m.Shape, dims)
		}
		stride *= padded[i]
	}
	if len(m.Keep) != stride {
		return BoundMask{}, Preconditionf("mask", "mask shape %v has %d entries", m.Shape, len(m.Keep))
	}
	bm.keep = m.Keep
	return bm, nil
}

// Allowed reports whether query i of head h in batch b may attend to key j.
func (bm BoundMask) Allowed(b, h, i, j int) bool {
	return bm.keep[b*bm.strides[0]+h*bm.strides[1]+i*bm.strides[2]+j*bm.strides[3]]
}

// Row returns the keep flags for one query row when the key axis is
// contiguous, which holds for every mask built by this package.
func (bm BoundMask) Row(b, h, i, keys int) []bool {
	off := b*bm.strides[0] + h*bm.strides[1] + i*bm.strides[2]
	if bm.strides[3] == 1 {
		return bm.keep[off : off+keys]
	}
	row := make([]bool, keys)
	for j := range row {
		row[j] = bm.keep[off]
	}
	return row
}
