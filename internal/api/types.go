package api

import (
	"math"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/samcharles93/gqa/internal/config"
)

// Float is a float32 that encodes NaN and infinities as null.
type Float float32

func (f Float) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 32), nil
}

// ForwardRequest runs the attention block over Input, shaped
// (batch, seq, hidden).
//
// Mask is "causal" (the default), "none", or a (seq, seq) matrix of 0/1
// values. Lengths, when set, additionally hides keys at or past each batch
// row's length.
type ForwardRequest struct {
	Input   [][][]float32   `json:"input"`
	Mask    json.RawMessage `json:"mask,omitempty"`
	Lengths []int           `json:"lengths,omitempty"`
	Weights bool            `json:"return_weights,omitempty"`
}

type ForwardResponse struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Shape   []int         `json:"shape"`
	DType   string        `json:"dtype"`
	Output  [][][]Float   `json:"output"`
	Weights [][][][]Float `json:"weights,omitempty"`
	Finite  bool          `json:"finite"`
}

// BatchRequest runs independent sequences of differing lengths. Each
// sequence is (seq, hidden) and gets its own mask.
type BatchRequest struct {
	Sequences [][][]float32   `json:"sequences"`
	Mask      json.RawMessage `json:"mask,omitempty"`
}

type BatchResponse struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Outputs [][][]Float `json:"outputs"`
	Finite  []bool      `json:"finite"`
}

// RotaryRequest rotates Input, shaped (seq, head_dim), starting at Offset.
type RotaryRequest struct {
	Input  [][]float32 `json:"input"`
	Offset int         `json:"offset"`
}

type RotaryResponse struct {
	ID     string    `json:"id"`
	Object string    `json:"object"`
	Offset int       `json:"offset"`
	Output [][]Float `json:"output"`
}

type ConfigResponse struct {
	Object    string             `json:"object"`
	Model     config.ModelConfig `json:"model"`
	HeadDim   int                `json:"head_dim"`
	GroupSize int                `json:"group_size"`
	Workers   int                `json:"workers"`
	Device    string             `json:"device"`
	Rotary    bool               `json:"rotary"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
