package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samcharles93/gqa/internal/attention"
	"github.com/samcharles93/gqa/internal/config"
	"github.com/samcharles93/gqa/internal/rope"
	"github.com/samcharles93/gqa/internal/tensor"
)

const testHidden = 16

func testConfig(t *testing.T) config.ModelConfig {
	t.Helper()
	cfg := config.Default()
	cfg.HiddenSize = testHidden
	cfg.NumAttentionHeads = 4
	cfg.NumKVHeads = 2
	cfg.ContextLength = 8
	require.NoError(t, cfg.Normalize())
	return cfg
}

func newTestBlock(t *testing.T, cfg config.ModelConfig, rotary bool) *attention.Block {
	t.Helper()
	opts := []attention.Option{attention.WithSeed(7), attention.WithWorkers(2)}
	if rotary {
		rc, err := cfg.Rotary()
		require.NoError(t, err)
		enc, err := rope.New(rc)
		require.NoError(t, err)
		opts = append(opts, attention.WithRotary(enc))
	}
	blk, err := attention.New(cfg.Attention(), opts...)
	require.NoError(t, err)
	t.Cleanup(blk.Close)
	return blk
}

func newTestEcho(t *testing.T) (*echo.Echo, *attention.Block) {
	t.Helper()
	cfg := testConfig(t)
	blk := newTestBlock(t, cfg, true)
	e := echo.New()
	NewServer(cfg, blk, nil).Register(e)
	return e, blk
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

// sequence returns a deterministic (seq, hidden) input.
func sequence(seed int64, seq int) [][]float32 {
	x, _ := tensor.Randn(seed, seq, testHidden)
	rows := make([][]float32, seq)
	for i := range rows {
		rows[i] = x.Data[i*testHidden : (i+1)*testHidden]
	}
	return rows
}

func body(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func flatten(rows [][]float32) []float32 {
	var out []float32
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

type errorBody struct {
	Error ResponseError `json:"error"`
}

type forwardBody struct {
	ID      string          `json:"id"`
	Shape   []int           `json:"shape"`
	DType   string          `json:"dtype"`
	Output  [][][]*float32  `json:"output"`
	Weights [][][][]float32 `json:"weights"`
	Finite  bool            `json:"finite"`
}

type batchBody struct {
	ID      string        `json:"id"`
	Outputs [][][]float32 `json:"outputs"`
	Finite  []bool        `json:"finite"`
}

type rotaryBody struct {
	ID     string      `json:"id"`
	Offset int         `json:"offset"`
	Output [][]float32 `json:"output"`
}

func TestForwardMatchesBlock(t *testing.T) {
	t.Parallel()
	e, blk := newTestEcho(t)
	input := [][][]float32{sequence(1, 5), sequence(2, 5)}

	rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward", body(t, map[string]any{"input": input}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[forwardBody](t, rec)

	assert.True(t, strings.HasPrefix(got.ID, "attn_"))
	assert.Equal(t, []int{2, 5, testHidden}, got.Shape)
	assert.Equal(t, "F32", got.DType)
	assert.True(t, got.Finite)
	assert.Nil(t, got.Weights)

	x, err := tensor.FromData([]int{2, 5, testHidden}, append(flatten(input[0]), flatten(input[1])...))
	require.NoError(t, err)
	want, err := blk.Forward(context.Background(), x, tensor.Causal(5))
	require.NoError(t, err)
	for b := range 2 {
		for s := range 5 {
			for d := range testHidden {
				require.NotNil(t, got.Output[b][s][d])
				assert.Equal(t, want.At(b, s, d), *got.Output[b][s][d], "output[%d][%d][%d]", b, s, d)
			}
		}
	}
}

func TestForwardReturnsWeights(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	req := map[string]any{"input": [][][]float32{sequence(3, 4)}, "mask": "none", "return_weights": true}

	rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward", body(t, req))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[forwardBody](t, rec)

	require.Len(t, got.Weights, 1)
	require.Len(t, got.Weights[0], 4)
	for h, head := range got.Weights[0] {
		require.Len(t, head, 4)
		for i, row := range head {
			var sum float32
			for _, w := range row {
				sum += w
			}
			assert.InDelta(t, 1, sum, 1e-5, "head %d row %d", h, i)
		}
	}
}

func TestForwardFullyMaskedRowsAreNull(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	mask := [][]float32{{0, 0, 0}, {1, 1, 0}, {1, 1, 1}}
	req := map[string]any{"input": [][][]float32{sequence(4, 3)}, "mask": mask}

	rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward", body(t, req))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[forwardBody](t, rec)

	assert.False(t, got.Finite)
	for d := range testHidden {
		assert.Nil(t, got.Output[0][0][d])
		assert.NotNil(t, got.Output[0][1][d])
	}
}

func TestForwardLengths(t *testing.T) {
	t.Parallel()
	e, blk := newTestEcho(t)
	input := [][][]float32{sequence(5, 4), sequence(6, 4)}
	req := map[string]any{"input": input, "mask": "none", "lengths": []int{2, 4}}

	rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward", body(t, req))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[forwardBody](t, rec)
	require.True(t, got.Finite)

	x, err := tensor.FromData([]int{2, 4, testHidden}, append(flatten(input[0]), flatten(input[1])...))
	require.NoError(t, err)
	want, err := blk.Forward(context.Background(), x, tensor.Padding([]int{2, 4}, 4))
	require.NoError(t, err)
	for s := range 4 {
		for d := range testHidden {
			assert.Equal(t, want.At(0, s, d), *got.Output[0][s][d])
		}
	}

	req["lengths"] = []int{2}
	rec = doJSON(t, e, http.MethodPost, "/v1/attention/forward", body(t, req))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req["lengths"] = []int{2, 9}
	rec = doJSON(t, e, http.MethodPost, "/v1/attention/forward", body(t, req))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForwardRejectsBadRequests(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)
	good := sequence(7, 3)
	cases := map[string]string{
		"invalid json": `{"input": [`,
		"empty input":  `{"input": []}`,
		"ragged batch": body(t, map[string]any{"input": [][][]float32{good, good[:2]}}),
		"wrong hidden": body(t, map[string]any{"input": [][][]float32{{{1, 2, 3}}}}),
		"unknown mask": body(t, map[string]any{"input": [][][]float32{good}, "mask": "sliding"}),
		"mask rows":    body(t, map[string]any{"input": [][][]float32{good}, "mask": [][]float32{{1, 1, 1}}}),
		"mask cols":    body(t, map[string]any{"input": [][][]float32{good}, "mask": [][]float32{{1}, {1}, {1}}}),
		"mask type":    body(t, map[string]any{"input": [][][]float32{good}, "mask": 3}),
		"past rotary":  body(t, map[string]any{"input": [][][]float32{sequence(8, 9)}}),
	}
	for name, payload := range cases {
		rec := doJSON(t, e, http.MethodPost, "/v1/attention/forward", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
		got := decodeBody[errorBody](t, rec)
		assert.Equal(t, "invalid_request_error", got.Error.Type, name)
		assert.NotEmpty(t, got.Error.Message, name)
	}
}

func TestBatchMatchesSingleForwards(t *testing.T) {
	t.Parallel()
	e, blk := newTestEcho(t)
	seqs := [][][]float32{sequence(9, 2), sequence(10, 5), sequence(11, 1)}

	rec := doJSON(t, e, http.MethodPost, "/v1/attention/batch", body(t, map[string]any{"sequences": seqs}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[batchBody](t, rec)

	assert.True(t, strings.HasPrefix(got.ID, "attnbatch_"))
	require.Len(t, got.Outputs, len(seqs))
	assert.Equal(t, []bool{true, true, true}, got.Finite)
	for i, seq := range seqs {
		x, err := tensor.FromData([]int{1, len(seq), testHidden}, flatten(seq))
		require.NoError(t, err)
		want, err := blk.Forward(context.Background(), x, tensor.Causal(len(seq)))
		require.NoError(t, err)
		require.Len(t, got.Outputs[i], len(seq))
		assert.Equal(t, want.Data, flatten(got.Outputs[i]), "sequence %d", i)
	}

	rec = doJSON(t, e, http.MethodPost, "/v1/attention/batch", `{"sequences": []}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tooLong := body(t, map[string]any{"sequences": [][][]float32{sequence(12, 2), sequence(13, 9)}})
	rec = doJSON(t, e, http.MethodPost, "/v1/attention/batch", tooLong)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRotaryApply(t *testing.T) {
	t.Parallel()
	e, blk := newTestEcho(t)
	input := [][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}}

	rec := doJSON(t, e, http.MethodPost, "/v1/rope/apply", body(t, map[string]any{"input": input}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[rotaryBody](t, rec)
	assert.True(t, strings.HasPrefix(got.ID, "rope_"))
	assert.Equal(t, input[0], got.Output[0], "position 0 is unrotated")

	x, err := tensor.FromData([]int{2, 4}, flatten(input))
	require.NoError(t, err)
	want, err := blk.Rotary().ApplyAt(x, 3)
	require.NoError(t, err)
	rec = doJSON(t, e, http.MethodPost, "/v1/rope/apply", body(t, map[string]any{"input": input, "offset": 3}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got = decodeBody[rotaryBody](t, rec)
	assert.Equal(t, 3, got.Offset)
	assert.Equal(t, want.Data, flatten(got.Output))

	for name, payload := range map[string]string{
		"past table":  body(t, map[string]any{"input": input, "offset": 7}),
		"wrong width": body(t, map[string]any{"input": [][]float32{{1, 2}}}),
		"empty":       `{"input": []}`,
		"negative":    body(t, map[string]any{"input": input, "offset": -1}),
	} {
		rec := doJSON(t, e, http.MethodPost, "/v1/rope/apply", payload)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestRotaryDisabled(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	e := echo.New()
	NewServer(cfg, newTestBlock(t, cfg, false), nil).Register(e)

	rec := doJSON(t, e, http.MethodPost, "/v1/rope/apply", `{"input": [[1, 2, 3, 4]]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found_error", decodeBody[errorBody](t, rec).Error.Type)
}

func TestConfigAndHealth(t *testing.T) {
	t.Parallel()
	e, _ := newTestEcho(t)

	rec := doJSON(t, e, http.MethodGet, "/v1/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Model     config.ModelConfig `json:"model"`
		HeadDim   int                `json:"head_dim"`
		GroupSize int                `json:"group_size"`
		Workers   int                `json:"workers"`
		Device    string             `json:"device"`
		Rotary    bool               `json:"rotary"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, testHidden, got.Model.HiddenSize)
	assert.Equal(t, 2, got.Model.NumKVHeads)
	assert.Equal(t, 4, got.HeadDim)
	assert.Equal(t, 2, got.GroupSize)
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, "cpu:0", got.Device)
	assert.True(t, got.Rotary)

	rec = doJSON(t, e, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err    error
		status int
	}{
		{newInvalidRequest("bad"), http.StatusBadRequest},
		{tensor.Preconditionf("op", "bad"), http.StatusBadRequest},
		{tensor.Configf("op", "bad"), http.StatusBadRequest},
		{context.Canceled, http.StatusServiceUnavailable},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := classify(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}
