package tensor

import (
	"math"
)

// Softmax applies the softmax function to x.
//
// Entries equal to -Inf get probability zero. If every entry is -Inf the
// distribution is undefined and every entry becomes NaN.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	if math.IsInf(float64(maxv), -1) {
		nan := float32(math.NaN())
		for i := range x {
			x[i] = nan
		}
		return
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// NegInf is the score assigned to masked-out attention entries.
var NegInf = float32(math.Inf(-1))
