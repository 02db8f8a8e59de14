package api

import (
	"bytes"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/gqa/internal/tensor"
)

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, "", "")
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg, "", "")
}

func writeError(c *echo.Context, status int, errType, msg, param, code string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{
			Message: msg,
			Type:    errType,
			Code:    code,
			Param:   param,
		},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, newInvalidRequest("invalid JSON body: " + err.Error())
	}
	return out, nil
}

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// parseMask resolves the request mask against a sequence length. An absent
// mask is causal; "none" disables masking.
func parseMask(raw json.RawMessage, seq int) (*tensor.Mask, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return tensor.Causal(seq), nil
	}
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, newInvalidRequest("mask: " + err.Error())
		}
		switch name {
		case "causal":
			return tensor.Causal(seq), nil
		case "none":
			return nil, nil
		}
		return nil, newInvalidRequest(fmt.Sprintf("unknown mask %q (expected causal, none or a matrix)", name))
	}
	var rows [][]float32
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, newInvalidRequest("mask must be a string or a matrix of numbers")
	}
	if len(rows) != seq {
		return nil, newInvalidRequest(fmt.Sprintf("mask has %d rows, want %d", len(rows), seq))
	}
	values := make([]float32, 0, seq*seq)
	for i, r := range rows {
		if len(r) != seq {
			return nil, newInvalidRequest(fmt.Sprintf("mask row %d has %d values, want %d", i, len(r), seq))
		}
		values = append(values, r...)
	}
	return tensor.MaskFromValues([]int{seq, seq}, values)
}

// withLengths folds per-row key lengths into a (seq, seq) mask, producing a
// (batch, 1, seq, seq) mask.
func withLengths(m *tensor.Mask, lengths []int, seq int) (*tensor.Mask, error) {
	keep := make([]bool, 0, len(lengths)*seq*seq)
	for b, n := range lengths {
		if n < 0 || n > seq {
			return nil, newInvalidRequest(fmt.Sprintf("lengths[%d] = %d is outside [0, %d]", b, n, seq))
		}
		for i := 0; i < seq; i++ {
			for j := 0; j < seq; j++ {
				ok := j < n
				if m != nil {
					ok = ok && m.Keep[i*seq+j]
				}
				keep = append(keep, ok)
			}
		}
	}
	return tensor.NewMask([]int{len(lengths), 1, seq, seq}, keep)
}

func tensor3(in [][][]float32, hidden int) (*tensor.Tensor, error) {
	if len(in) == 0 || len(in[0]) == 0 {
		return nil, newInvalidRequest("input must be a non-empty (batch, seq, hidden) array")
	}
	batch, seq := len(in), len(in[0])
	data := make([]float32, 0, batch*seq*hidden)
	for b, rows := range in {
		if len(rows) != seq {
			return nil, newInvalidRequest(fmt.Sprintf("input[%d] has %d positions, want %d", b, len(rows), seq))
		}
		for s, row := range rows {
			if len(row) != hidden {
				return nil, newInvalidRequest(fmt.Sprintf("input[%d][%d] has %d values, want hidden size %d", b, s, len(row), hidden))
			}
			data = append(data, row...)
		}
	}
	return tensor.FromData([]int{batch, seq, hidden}, data)
}

func tensor2(in [][]float32, cols int) (*tensor.Tensor, error) {
	if len(in) == 0 {
		return nil, newInvalidRequest("input must be a non-empty (seq, head_dim) array")
	}
	data := make([]float32, 0, len(in)*cols)
	for i, row := range in {
		if len(row) != cols {
			return nil, newInvalidRequest(fmt.Sprintf("input[%d] has %d values, want head_dim %d", i, len(row), cols))
		}
		data = append(data, row...)
	}
	return tensor.FromData([]int{len(in), cols}, data)
}

func nest2(data []float32, rows, cols int) [][]Float {
	out := make([][]Float, rows)
	for i := range out {
		row := make([]Float, cols)
		for j, v := range data[i*cols : (i+1)*cols] {
			row[j] = Float(v)
		}
		out[i] = row
	}
	return out
}

// nest3 splits the leading axes of t into nested slices, ending in rows of
// the last axis.
func nest3(t *tensor.Tensor) [][][]Float {
	outer, rows, cols := t.Dim(0), t.Dim(1), t.Dim(2)
	out := make([][][]Float, outer)
	for b := range out {
		out[b] = nest2(t.Data[b*rows*cols:(b+1)*rows*cols], rows, cols)
	}
	return out
}

func nest4(t *tensor.Tensor) [][][][]Float {
	outer, mid := t.Dim(0), t.Dim(1)
	rows, cols := t.Dim(2), t.Dim(3)
	block := rows * cols
	out := make([][][][]Float, outer)
	for b := range out {
		out[b] = make([][][]Float, mid)
		for h := range out[b] {
			off := (b*mid + h) * block
			out[b][h] = nest2(t.Data[off:off+block], rows, cols)
		}
	}
	return out
}
