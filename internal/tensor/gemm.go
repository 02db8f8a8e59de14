package tensor

import (
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func general(m *Mat) blas32.General {
	return blas32.General{Rows: m.R, Cols: m.C, Stride: m.Stride, Data: m.Data}
}

// Gemm computes C = alpha*A*op(B) + beta*C, where op(B) is Bᵀ when transB is
// set. Dimensions are checked; a mismatch is a programming error and panics.
func Gemm(C, A, B *Mat, transB bool, alpha, beta float32) {
	tB := blas.NoTrans
	bRows, bCols := B.R, B.C
	if transB {
		tB = blas.Trans
		bRows, bCols = B.C, B.R
	}
	if A.C != bRows || C.R != A.R || C.C != bCols {
		panic("gemm: dimension mismatch")
	}
	if C.R == 0 || C.C == 0 {
		return
	}
	if A.C == 0 {
		scaleRows(C, beta)
		return
	}
	blas32.Gemm(blas.NoTrans, tB, alpha, general(A), general(B), beta, general(C))
}

func scaleRows(C *Mat, beta float32) {
	for i := 0; i < C.R; i++ {
		row := C.Row(i)
		if beta == 0 {
			clear(row)
			continue
		}
		for j := range row {
			row[j] *= beta
		}
	}
}

// MatMulT computes dst = a·wᵀ for a row block a (rows×w.C). dst must hold
// rows×w.R values.
func MatMulT(dst, a []float32, rows int, w *Mat) {
	A := NewMatFromData(rows, w.C, a)
	C := NewMatFromData(rows, w.R, dst)
	Gemm(&C, &A, w, true, 1, 0)
}

// Linear is a bias-free projection y = x·Wᵀ with W stored out×in.
type Linear struct {
	Weight Mat
}

// NewLinear allocates a zero in→out projection.
func NewLinear(in, out int) Linear {
	return Linear{Weight: NewMat(out, in)}
}

// In returns the input width.
func (l *Linear) In() int { return l.Weight.C }

// Out returns the output width.
func (l *Linear) Out() int { return l.Weight.R }

// Forward projects the last axis of x from In() to Out(). Leading axes are
// treated as a batch of rows.
func (l *Linear) Forward(x *Tensor) (*Tensor, error) {
	if x.Rank() == 0 || x.Dim(-1) != l.In() {
		return nil, Preconditionf("linear", "input last dim %v does not match in_features %d", x.Shape, l.In())
	}
	rows := x.Len() / l.In()
	shape := append(x.Shape[:len(x.Shape)-1:len(x.Shape)-1], l.Out())
	out, err := New(F32, shape...)
	if err != nil {
		return nil, err
	}
	out.Device = x.Device
	MatMulT(out.Data, x.Data, rows, &l.Weight)
	return out, nil
}
