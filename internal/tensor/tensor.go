package tensor

import (
	"math"
	"math/rand"
	"slices"

	"github.com/samcharles93/gqa/internal/backend"
)

// Tensor is a dense row-major N-d array of float32 values.
//
// Shape lists the dimensions outermost first; Data holds product(Shape)
// values. DType records the precision the values were rounded to and Device
// the placement that owns Data.
type Tensor struct {
	Shape  []int
	Data   []float32
	DType  DType
	Device backend.Device
}

// New allocates a zero tensor of the given dtype and shape.
func New(dtype DType, shape ...int) (*Tensor, error) {
	n, err := numElements("tensor.New", shape)
	if err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		Data:   make([]float32, n),
		DType:  dtype,
		Device: backend.Host,
	}, nil
}

// FromData wraps data as an F32 tensor. The slice is not copied.
func FromData(shape []int, data []float32) (*Tensor, error) {
	n, err := numElements("tensor.FromData", shape)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, Preconditionf("tensor.FromData", "shape %v needs %d values, got %d", shape, n, len(data))
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		Data:   data,
		DType:  F32,
		Device: backend.Host,
	}, nil
}

// Randn returns an F32 tensor of standard normal samples from a seeded source.
func Randn(seed int64, shape ...int) (*Tensor, error) {
	t, err := New(F32, shape...)
	if err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t, nil
}

func numElements(op string, shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, Preconditionf(op, "empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, Preconditionf(op, "non-positive dimension in shape %v", shape)
		}
		if n > math.MaxInt/d {
			return 0, Preconditionf(op, "shape %v overflows", shape)
		}
		n *= d
	}
	return n, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int { return len(t.Data) }

// Rank returns the number of dimensions.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i. Negative i counts from the last axis.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone deep-copies the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  slices.Clone(t.Shape),
		Data:   slices.Clone(t.Data),
		DType:  t.DType,
		Device: t.Device,
	}
}

// Offset returns the flat index of the element at idx.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.Shape) {
		panic("tensor: index rank mismatch")
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= t.Shape[i] {
			panic("tensor: index out of range")
		}
		off = off*t.Shape[i] + v
	}
	return off
}

// At returns the element at idx.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.Offset(idx...)]
}

// Set writes v, rounded to the tensor's dtype, at idx.
func (t *Tensor) Set(v float32, idx ...int) {
	t.Data[t.Offset(idx...)] = t.DType.Round(v)
}

// Reshape returns a view with a new shape over the same data.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	n, err := numElements("tensor.Reshape", shape)
	if err != nil {
		return nil, err
	}
	if n != len(t.Data) {
		return nil, Preconditionf("tensor.Reshape", "cannot reshape %v to %v", t.Shape, shape)
	}
	return &Tensor{
		Shape:  slices.Clone(shape),
		Data:   t.Data,
		DType:  t.DType,
		Device: t.Device,
	}, nil
}

// AsType returns a copy whose values are rounded to dtype.
func (t *Tensor) AsType(dtype DType) *Tensor {
	out := t.Clone()
	out.DType = dtype
	dtype.RoundSlice(out.Data)
	return out
}

// AllFinite reports whether no element is NaN or ±Inf.
func (t *Tensor) AllFinite() bool {
	return AllFinite(t.Data)
}

// AllFinite reports whether no element of x is NaN or ±Inf.
func AllFinite(x []float32) bool {
	for _, v := range x {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape(a, b []int) bool {
	return slices.Equal(a, b)
}
