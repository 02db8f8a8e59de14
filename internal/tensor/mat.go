package tensor

import (
	"math/rand"
	"slices"
)

// Mat represents a dense row‑major matrix of float32 values.
//
// R and C represent the number of rows and columns respectively.  Stride is the
// number of elements between the starts of two consecutive rows (for row‑major
// matrices this is equal to C).  Data holds the flattened matrix values.
//
// Weights are kept as out×in, so a projection computes x·Wᵀ.
type Mat struct {
	R, C   int
	Stride int

	// DType is the precision the weights were loaded or stored at. Data always
	// holds decoded float32 values.
	DType DType
	Data  []float32
}

// NewMat allocates a new matrix with the given number of rows and columns.
// The underlying slice is zero initialised.  The stride is set to the
// number of columns.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   make([]float32, r*c),
	}
}

// NewMatFromData creates a matrix from existing data.
// It checks that the data length matches r*c.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{
		R:      r,
		C:      c,
		Stride: c,
		DType:  F32,
		Data:   data,
	}
}

// Row returns a view of the i‑th row of the matrix as a slice.  The slice
// has length equal to the number of columns.  Modifications to the returned
// slice update the underlying matrix values.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Clone deep-copies the matrix.
func (m *Mat) Clone() Mat {
	out := *m
	out.Data = slices.Clone(m.Data)
	return out
}

// Tensor exposes the matrix as a 2-D tensor sharing its data.
func (m *Mat) Tensor() *Tensor {
	if m.Stride != m.C {
		panic("strided matrix cannot be viewed as a tensor")
	}
	t, err := FromData([]int{m.R, m.C}, m.Data)
	if err != nil {
		panic(err)
	}
	t.DType = m.DType
	return t
}

// FillUniform fills m from U(-limit, limit), the usual fan-in scaled
// initialisation for projection weights.
func FillUniform(m *Mat, seed int64, limit float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (2*rng.Float32() - 1) * limit
	}
}
