package rope

import (
	"math"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/samcharles93/gqa/internal/tensor"
)

// Scaling describes rotary frequency scaling for contexts longer than the
// one a model was trained on. This is config-only and does not include
// runtime state.
type Scaling struct {
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
	Truncate        bool
	HasTruncate     bool
}

// scalingDict is the Hugging Face style rope_scaling dictionary.
type scalingDict struct {
	RopeType                      string  `mapstructure:"rope_type"`
	Type                          string  `mapstructure:"type"`
	Factor                        float64 `mapstructure:"factor"`
	OriginalMaxPositionEmbeddings int     `mapstructure:"original_max_position_embeddings"`
	LowFreqFactor                 float64 `mapstructure:"low_freq_factor"`
	HighFreqFactor                float64 `mapstructure:"high_freq_factor"`
	AttentionFactor               float64 `mapstructure:"attention_factor"`
	BetaFast                      float64 `mapstructure:"beta_fast"`
	BetaSlow                      float64 `mapstructure:"beta_slow"`
	MScale                        float64 `mapstructure:"mscale"`
	MScaleAllDim                  float64 `mapstructure:"mscale_all_dim"`
	Truncate                      *bool   `mapstructure:"truncate"`
}

// ScalingFromMap decodes a rope_scaling dictionary. A nil or empty map, or a
// "default" type without a factor, yields nil (no scaling).
func ScalingFromMap(maxPositions int, m map[string]any) (*Scaling, error) {
	if len(m) == 0 {
		return nil, nil
	}
	var d scalingDict
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &d,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(m); err != nil {
		return nil, tensor.Configf("rope_scaling", "%v", err)
	}
	return scalingFromValues(maxPositions, d)
}

func scalingFromValues(maxPosition int, d scalingDict) (*Scaling, error) {
	ropeType := strings.TrimSpace(d.RopeType)
	if ropeType == "" {
		ropeType = strings.TrimSpace(d.Type)
	}
	ropeType = strings.ToLower(ropeType)

	if ropeType == "" || ropeType == "default" {
		if d.Factor > 0 {
			ropeType = "linear"
		} else {
			return nil, nil
		}
	}

	switch ropeType {
	case "linear", "llama3", "yarn":
	default:
		return nil, tensor.Configf("rope_scaling", "unsupported rope scaling type %q", ropeType)
	}

	out := &Scaling{
		Type:            ropeType,
		Factor:          d.Factor,
		OrigMaxCtx:      d.OriginalMaxPositionEmbeddings,
		LowFactor:       d.LowFreqFactor,
		HighFactor:      d.HighFreqFactor,
		AttentionFactor: d.AttentionFactor,
		BetaFast:        d.BetaFast,
		BetaSlow:        d.BetaSlow,
		MScale:          d.MScale,
		MScaleAllDim:    d.MScaleAllDim,
	}
	if d.Truncate != nil {
		out.Truncate = *d.Truncate
		out.HasTruncate = true
	}
	out.fillDefaults(maxPosition)
	return out, nil
}

func (s *Scaling) fillDefaults(maxPosition int) {
	if s.OrigMaxCtx <= 0 {
		s.OrigMaxCtx = maxPosition
	}
	if s.LowFactor <= 0 {
		s.LowFactor = 1
	}
	if s.HighFactor <= 0 {
		s.HighFactor = s.LowFactor
	}
	if s.BetaFast <= 0 {
		s.BetaFast = 32
	}
	if s.BetaSlow <= 0 {
		s.BetaSlow = 1
	}
	if s.Factor <= 0 && s.OrigMaxCtx > 0 && maxPosition > 0 && maxPosition != s.OrigMaxCtx {
		s.Factor = float64(maxPosition) / float64(s.OrigMaxCtx)
	}
	if s.Factor <= 0 {
		s.Factor = 1
	}
	if s.Type == "yarn" && s.AttentionFactor <= 0 {
		s.AttentionFactor = yarnAttentionFactor(s.Factor, s.MScale, s.MScaleAllDim)
	} else if s.AttentionFactor <= 0 {
		s.AttentionFactor = 1
	}
}

// apply rewrites invFreq in place and returns the attention factor that
// multiplies every rotation.
func (s *Scaling) apply(invFreq []float64, base float64, ctxLen int) float64 {
	if len(invFreq) == 0 || s == nil {
		return 1
	}
	origCtx := s.OrigMaxCtx
	if origCtx <= 0 {
		origCtx = max(ctxLen, 1)
	}

	factor := s.Factor
	if factor <= 0 && ctxLen > 0 {
		factor = float64(ctxLen) / float64(origCtx)
	}
	if factor <= 0 {
		factor = 1
	}

	attnFactor := s.AttentionFactor
	if attnFactor <= 0 {
		attnFactor = 1
	}

	switch s.Type {
	case "llama3":
		applyLlama3Scaling(invFreq, factor, float64(origCtx), s.LowFactor, s.HighFactor)
	case "yarn":
		if s.AttentionFactor <= 0 {
			attnFactor = yarnAttentionFactor(factor, s.MScale, s.MScaleAllDim)
		}
		truncate := true
		if s.HasTruncate {
			truncate = s.Truncate
		}
		applyYarnScaling(invFreq, base, factor, float64(origCtx), s.BetaFast, s.BetaSlow, truncate)
	default:
		if factor != 1 {
			for i, f := range invFreq {
				invFreq[i] = f / factor
			}
		}
	}

	return attnFactor
}

func applyLlama3Scaling(invFreq []float64, factor float64, origCtx float64, lowFactor float64, highFactor float64) {
	if factor == 0 || factor == 1 || len(invFreq) == 0 || origCtx <= 0 {
		return
	}
	if lowFactor <= 0 {
		lowFactor = 1
	}
	if highFactor <= 0 {
		highFactor = lowFactor
	}
	if highFactor <= lowFactor {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	lowFreqWavelen := origCtx / lowFactor
	highFreqWavelen := origCtx / highFactor

	for i, f := range invFreq {
		if f == 0 {
			continue
		}
		waveLen := (2 * math.Pi) / f

		switch {
		case waveLen > lowFreqWavelen:
			invFreq[i] = f / factor
		case waveLen < highFreqWavelen:
			// high frequencies are left alone
		default:
			smooth := (origCtx/waveLen - lowFactor) / (highFactor - lowFactor)
			invFreq[i] = (1-smooth)*(f/factor) + smooth*f
		}
	}
}

func yarnAttentionFactor(factor float64, mscale float64, mscaleAllDim float64) float64 {
	getMScale := func(scale float64, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}

	if mscale > 0 && mscaleAllDim > 0 {
		num := getMScale(factor, mscale)
		den := getMScale(factor, mscaleAllDim)
		if den == 0 {
			return 1
		}
		return num / den
	}

	mul := mscale
	if mul <= 0 {
		mul = 1
	}
	return getMScale(factor, mul)
}

func applyYarnScaling(invFreq []float64, base float64, factor float64, origCtx float64, betaFast float64, betaSlow float64, truncate bool) {
	if len(invFreq) == 0 || factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		for i, f := range invFreq {
			invFreq[i] = f / factor
		}
		return
	}

	dim := float64(len(invFreq) * 2)

	correctionDim := func(numRotations float64) float64 {
		numer := origCtx / (numRotations * 2 * math.Pi)
		if numer <= 0 {
			return 0
		}
		return (dim * math.Log(numer)) / (2 * math.Log(base))
	}
	low := correctionDim(betaFast)
	high := correctionDim(betaSlow)
	if truncate {
		low = math.Floor(low)
		high = math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}

	for i, f := range invFreq {
		ramp := (float64(i) - low) / (high - low)
		ramp = min(max(ramp, 0), 1)
		invFreq[i] = (f/factor)*ramp + f*(1-ramp)
	}
}
