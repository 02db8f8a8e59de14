package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

// fillRand fills m with small reproducible values in (-0.01, 0.01).
func fillRand(m *Mat, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range m.Data {
		m.Data[i] = (rng.Float32() - 0.5) * 0.02
	}
}

func gemmNaive(C, A, B *Mat) {
	for i := 0; i < A.R; i++ {
		for j := 0; j < B.C; j++ {
			var sum float32
			for kk := 0; kk < A.C; kk++ {
				sum += A.Row(i)[kk] * B.Row(kk)[j]
			}
			C.Row(i)[j] = sum
		}
	}
}

func maxAbsDiff(a, b []float32) float64 {
	var maxAbs float64
	for i := range a {
		d := math.Abs(float64(a[i] - b[i]))
		if d > maxAbs {
			maxAbs = d
		}
	}
	return maxAbs
}

func transpose(m *Mat) Mat {
	out := NewMat(m.C, m.R)
	for i := 0; i < m.R; i++ {
		for j := 0; j < m.C; j++ {
			out.Row(j)[i] = m.Row(i)[j]
		}
	}
	return out
}

func TestGemmMatchesNaive(t *testing.T) {
	t.Parallel()
	A := NewMat(50, 70)
	B := NewMat(70, 45)
	C0 := NewMat(50, 45)
	C1 := NewMat(50, 45)

	fillRand(&A, 1)
	fillRand(&B, 2)

	gemmNaive(&C0, &A, &B)
	Gemm(&C1, &A, &B, false, 1, 0)

	if maxAbs := maxAbsDiff(C0.Data, C1.Data); maxAbs > 1e-6 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmTransposedMatchesNaive(t *testing.T) {
	t.Parallel()
	A := NewMat(9, 16)
	W := NewMat(12, 16)
	fillRand(&A, 3)
	fillRand(&W, 4)
	WT := transpose(&W)

	want := NewMat(9, 12)
	gemmNaive(&want, &A, &WT)

	got := make([]float32, 9*12)
	MatMulT(got, A.Data, 9, &W)
	if maxAbs := maxAbsDiff(want.Data, got); maxAbs > 1e-6 {
		t.Fatalf("max abs diff %g", maxAbs)
	}
}

func TestGemmDimensionMismatchPanics(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	A := NewMat(2, 3)
	B := NewMat(4, 2)
	C := NewMat(2, 2)
	Gemm(&C, &A, &B, false, 1, 0)
}

func TestLinearForwardKeepsLeadingAxes(t *testing.T) {
	t.Parallel()
	l := NewLinear(4, 3)
	for i := range l.Weight.Data {
		l.Weight.Data[i] = float32(i%5) - 2
	}
	x, err := Randn(7, 2, 5, 4)
	if err != nil {
		t.Fatal(err)
	}
	y, err := l.Forward(x)
	if err != nil {
		t.Fatal(err)
	}
	if !SameShape(y.Shape, []int{2, 5, 3}) {
		t.Fatalf("shape %v", y.Shape)
	}
	for b := 0; b < 2; b++ {
		for s := 0; s < 5; s++ {
			for o := 0; o < 3; o++ {
				var want float32
				for i := 0; i < 4; i++ {
					want += x.At(b, s, i) * l.Weight.Row(o)[i]
				}
				if d := math.Abs(float64(y.At(b, s, o) - want)); d > 1e-5 {
					t.Fatalf("y[%d,%d,%d]=%v want %v", b, s, o, y.At(b, s, o), want)
				}
			}
		}
	}
	if !SameShape(x.Shape, []int{2, 5, 4}) {
		t.Fatalf("input shape mutated: %v", x.Shape)
	}
}

func TestLinearRejectsWrongWidth(t *testing.T) {
	t.Parallel()
	l := NewLinear(4, 3)
	x, _ := New(F32, 2, 5)
	if _, err := l.Forward(x); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func BenchmarkMatMulT(b *testing.B) {
	W := NewMat(256, 256)
	fillRand(&W, 1)
	a := make([]float32, 64*256)
	dst := make([]float32, 64*256)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		MatMulT(dst, a, 64, &W)
	}
}
