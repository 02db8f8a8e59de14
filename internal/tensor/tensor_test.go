package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestNewRejectsBadShapes(t *testing.T) {
	t.Parallel()
	for _, shape := range [][]int{nil, {0}, {2, -1}} {
		if _, err := New(F32, shape...); !errors.Is(err, ErrPrecondition) {
			t.Fatalf("New(%v): expected precondition error, got %v", shape, err)
		}
	}
	if _, err := FromData([]int{2, 2}, make([]float32, 3)); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("FromData length mismatch: got %v", err)
	}
}

func TestOffsetIsRowMajor(t *testing.T) {
	t.Parallel()
	x, err := New(F32, 2, 3, 4)
	if err != nil {
		t.Fatal(err)
	}
	if got := x.Offset(1, 2, 3); got != 23 {
		t.Fatalf("Offset = %d, want 23", got)
	}
	x.Set(5, 1, 0, 2)
	if x.Data[14] != 5 {
		t.Fatalf("Set wrote to wrong slot")
	}
	if x.Dim(-1) != 4 || x.Dim(0) != 2 {
		t.Fatalf("Dim mismatch")
	}
}

func TestReshapeSharesData(t *testing.T) {
	t.Parallel()
	x, _ := New(F32, 2, 6)
	y, err := x.Reshape(3, 4)
	if err != nil {
		t.Fatal(err)
	}
	y.Data[0] = 1
	if x.Data[0] != 1 {
		t.Fatal("reshape should be a view")
	}
	if _, err := x.Reshape(5, 2); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestAllFinite(t *testing.T) {
	t.Parallel()
	if !AllFinite([]float32{0, 1, -3}) {
		t.Fatal("finite slice reported as non-finite")
	}
	if AllFinite([]float32{0, float32(math.NaN())}) {
		t.Fatal("NaN not detected")
	}
	if AllFinite([]float32{float32(math.Inf(1))}) {
		t.Fatal("Inf not detected")
	}
}

func TestSoftmaxMasksNegInf(t *testing.T) {
	t.Parallel()
	x := []float32{1, NegInf, 2, NegInf}
	Softmax(x)
	if x[1] != 0 || x[3] != 0 {
		t.Fatalf("masked entries not zero: %v", x)
	}
	if d := math.Abs(float64(x[0]+x[2]) - 1); d > 1e-6 {
		t.Fatalf("row does not sum to 1: %v", x)
	}
}

func TestSoftmaxFullyMaskedIsNaN(t *testing.T) {
	t.Parallel()
	x := []float32{NegInf, NegInf}
	Softmax(x)
	if !math.IsNaN(float64(x[0])) || !math.IsNaN(float64(x[1])) {
		t.Fatalf("expected NaN row, got %v", x)
	}
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()
	err := Configf("attention", "bad ratio %d", 3)
	if !errors.Is(err, ErrConfiguration) || errors.Is(err, ErrPrecondition) {
		t.Fatalf("config error classification wrong: %v", err)
	}
	if err.Error() != "attention: bad ratio 3" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	var ce *ConfigError
	if !errors.As(err, &ce) || ce.Op != "attention" {
		t.Fatalf("errors.As failed: %v", err)
	}
	if !errors.Is(Preconditionf("rope", "x"), ErrPrecondition) {
		t.Fatal("precondition error classification wrong")
	}
}
