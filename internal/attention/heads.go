package attention

import (
	"github.com/samcharles93/gqa/internal/tensor"
)

// splitHeads reshapes (batch, seq, heads*d) into (batch, heads, seq, d).
func splitHeads(t *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if t.Rank() != 3 || t.Dim(2)%heads != 0 {
		return nil, tensor.Preconditionf("attention.splitHeads", "cannot split %v into %d heads", t.Shape, heads)
	}
	batch, seq, width := t.Dim(0), t.Dim(1), t.Dim(2)
	d := width / heads
	out, err := tensor.New(t.DType, batch, heads, seq, d)
	if err != nil {
		return nil, err
	}
	out.Device = t.Device
	for b := 0; b < batch; b++ {
		for s := 0; s < seq; s++ {
			src := t.Data[(b*seq+s)*width:]
			for h := 0; h < heads; h++ {
				dst := out.Data[((b*heads+h)*seq+s)*d:]
				copy(dst[:d], src[h*d:(h+1)*d])
			}
		}
	}
	return out, nil
}

// mergeHeads is the inverse of splitHeads: (batch, heads, seq, d) into a
// contiguous (batch, seq, heads*d).
func mergeHeads(t *tensor.Tensor) (*tensor.Tensor, error) {
	if t.Rank() != 4 {
		return nil, tensor.Preconditionf("attention.mergeHeads", "expected (batch, heads, seq, d), got %v", t.Shape)
	}
	batch, heads, seq, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	width := heads * d
	out, err := tensor.New(t.DType, batch, seq, width)
	if err != nil {
		return nil, err
	}
	out.Device = t.Device
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			for s := 0; s < seq; s++ {
				src := t.Data[((b*heads+h)*seq+s)*d:]
				dst := out.Data[(b*seq+s)*width+h*d:]
				copy(dst[:d], src[:d])
			}
		}
	}
	return out, nil
}

// repeatKV expands (batch, kv, seq, d) to (batch, kv*group, seq, d) so that
// head h holds a copy of key/value head h/group.
func repeatKV(t *tensor.Tensor, group int) (*tensor.Tensor, error) {
	if t.Rank() != 4 || group <= 0 {
		return nil, tensor.Preconditionf("attention.repeatKV", "cannot repeat %v by %d", t.Shape, group)
	}
	if group == 1 {
		return t, nil
	}
	batch, kv, seq, d := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	heads := kv * group
	out, err := tensor.New(t.DType, batch, heads, seq, d)
	if err != nil {
		return nil, err
	}
	out.Device = t.Device
	block := seq * d
	for b := 0; b < batch; b++ {
		for h := 0; h < heads; h++ {
			src := t.Data[(b*kv+h/group)*block:]
			copy(out.Data[(b*heads+h)*block:(b*heads+h+1)*block], src[:block])
		}
	}
	return out, nil
}
