package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType describes the precision a tensor's values are held at. Arithmetic is
// always carried out in float32; F16 and BF16 tensors store float32 values
// that have already been rounded through the narrower format.
type DType uint8

const (
	F32 DType = iota
	F16
	BF16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "F32"
	case F16:
		return "F16"
	case BF16:
		return "BF16"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// ParseDType accepts the usual spellings (f32, float16, bf16, half, ...).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "f32", "float32", "fp32":
		return F32, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q (expected f32, f16 or bf16)", s)
	}
}

// ElemSize returns the encoded size in bytes of one element.
func (d DType) ElemSize() int {
	switch d {
	case F16, BF16:
		return 2
	default:
		return 4
	}
}

// Round returns v as it would read back after a round trip through d.
func (d DType) Round(v float32) float32 {
	switch d {
	case F16:
		return float16.Fromfloat32(v).Float32()
	case BF16:
		return bfloat16.ToFloat32(bfloat16.FromFloat32(v))
	default:
		return v
	}
}

// RoundSlice rounds every element of x in place.
func (d DType) RoundSlice(x []float32) {
	if d == F32 {
		return
	}
	for i, v := range x {
		x[i] = d.Round(v)
	}
}

// Encode writes x as little-endian elements of dtype d.
func (d DType) Encode(x []float32) []byte {
	out := make([]byte, len(x)*d.ElemSize())
	switch d {
	case F16:
		for i, v := range x {
			binary.LittleEndian.PutUint16(out[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		for i, v := range x {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(bfloat16.FromFloat32(v)))
		}
	default:
		for i, v := range x {
			binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
		}
	}
	return out
}

// Decode reads little-endian elements of dtype d into float32.
func (d DType) Decode(raw []byte) ([]float32, error) {
	size := d.ElemSize()
	if len(raw)%size != 0 {
		return nil, errRawSizeMismatch
	}
	out := make([]float32, len(raw)/size)
	switch d {
	case F16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case BF16:
		for i := range out {
			out[i] = bfloat16.ToFloat32(bfloat16.BF16(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	default:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	}
	return out, nil
}

// SafetensorsName is the dtype tag used in safetensors headers.
func (d DType) SafetensorsName() string {
	return d.String()
}

// DTypeFromSafetensors maps a safetensors dtype tag onto a DType.
func DTypeFromSafetensors(name string) (DType, bool) {
	switch name {
	case "F32":
		return F32, true
	case "F16":
		return F16, true
	case "BF16":
		return BF16, true
	default:
		return F32, false
	}
}
