// Package api serves the attention block over HTTP.
package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/labstack/echo/v5"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/gqa/internal/attention"
	"github.com/samcharles93/gqa/internal/config"
	"github.com/samcharles93/gqa/internal/logger"
	"github.com/samcharles93/gqa/internal/tensor"
	"github.com/samcharles93/gqa/internal/version"
)

type Server struct {
	cfg        config.ModelConfig
	block      *attention.Block
	log        logger.Logger
	batchLimit int
}

// NewServer wraps a built block. cfg is reported by GET /v1/config and must
// be the config the block was built from.
func NewServer(cfg config.ModelConfig, block *attention.Block, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		cfg:        cfg,
		block:      block,
		log:        log.With("component", "api"),
		batchLimit: runtime.GOMAXPROCS(0),
	}
}

// SetBatchLimit caps how many sequences of a batch request run at once.
func (s *Server) SetBatchLimit(n int) {
	if n < 1 {
		n = 1
	}
	s.batchLimit = n
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/config", s.handleConfig)
	e.POST("/v1/attention/forward", s.handleForward)
	e.POST("/v1/attention/batch", s.handleBatch)
	e.POST("/v1/rope/apply", s.handleRotary)
}

func (s *Server) writeErr(c *echo.Context, err error) error {
	status, errType := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.Request().URL.Path, logger.Err(err))
	}
	return writeError(c, status, errType, err.Error(), "", "")
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.String(),
	})
}

func (s *Server) handleConfig(c *echo.Context) error {
	return c.JSON(http.StatusOK, ConfigResponse{
		Object:    "config",
		Model:     s.cfg,
		HeadDim:   s.block.HeadDim(),
		GroupSize: s.block.GroupSize(),
		Workers:   s.block.Workers(),
		Device:    s.block.Device().String(),
		Rotary:    s.block.Rotary() != nil,
	})
}

func (s *Server) handleForward(c *echo.Context) error {
	req, err := decodeJSON[ForwardRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := tensor3(req.Input, s.block.Config().HiddenSize)
	if err != nil {
		return s.writeErr(c, err)
	}
	batch, seq := x.Dim(0), x.Dim(1)
	mask, err := parseMask(req.Mask, seq)
	if err != nil {
		return s.writeErr(c, err)
	}
	if len(req.Lengths) > 0 {
		if len(req.Lengths) != batch {
			return writeBadRequest(c, "lengths must have one entry per batch row")
		}
		if mask, err = withLengths(mask, req.Lengths, seq); err != nil {
			return s.writeErr(c, err)
		}
	}

	start := time.Now()
	var out, weights *tensor.Tensor
	if req.Weights {
		out, weights, err = s.block.ForwardWithWeights(c.Request().Context(), x, mask)
	} else {
		out, err = s.block.Forward(c.Request().Context(), x, mask)
	}
	if err != nil {
		return s.writeErr(c, err)
	}

	resp := ForwardResponse{
		ID:     newID("attn"),
		Object: "attention.forward",
		Shape:  out.Shape,
		DType:  out.DType.String(),
		Output: nest3(out),
		Finite: out.AllFinite(),
	}
	if weights != nil {
		resp.Weights = nest4(weights)
	}
	s.log.Info("attention forward", "id", resp.ID, "shape", out.Shape, "finite", resp.Finite, "took", time.Since(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleBatch(c *echo.Context) error {
	req, err := decodeJSON[BatchRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Sequences) == 0 {
		return writeBadRequest(c, "sequences must not be empty")
	}
	hidden := s.block.Config().HiddenSize
	inputs := make([]*tensor.Tensor, len(req.Sequences))
	masks := make([]*tensor.Mask, len(req.Sequences))
	for i, seq := range req.Sequences {
		x, err := tensor3([][][]float32{seq}, hidden)
		if err != nil {
			return s.writeErr(c, err)
		}
		if masks[i], err = parseMask(req.Mask, x.Dim(1)); err != nil {
			return s.writeErr(c, err)
		}
		inputs[i] = x
	}

	start := time.Now()
	resp := BatchResponse{
		ID:      newID("attnbatch"),
		Object:  "attention.batch",
		Outputs: make([][][]Float, len(inputs)),
		Finite:  make([]bool, len(inputs)),
	}
	g, ctx := errgroup.WithContext(c.Request().Context())
	g.SetLimit(s.batchLimit)
	for i, x := range inputs {
		g.Go(func() error {
			out, err := s.block.Forward(ctx, x, masks[i])
			if err != nil {
				return err
			}
			resp.Outputs[i] = nest3(out)[0]
			resp.Finite[i] = out.AllFinite()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return s.writeErr(c, err)
	}
	s.log.Info("attention batch", "id", resp.ID, "sequences", len(inputs), "took", time.Since(start))
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRotary(c *echo.Context) error {
	enc := s.block.Rotary()
	if enc == nil {
		return writeNotFound(c, "rotary encoding is disabled for this block")
	}
	req, err := decodeJSON[RotaryRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	x, err := tensor2(req.Input, enc.HeadDim())
	if err != nil {
		return s.writeErr(c, err)
	}
	out, err := enc.ApplyAt(x, req.Offset)
	if err != nil {
		return s.writeErr(c, err)
	}
	return c.JSON(http.StatusOK, RotaryResponse{
		ID:     newID("rope"),
		Object: "rope.apply",
		Offset: req.Offset,
		Output: nest2(out.Data, out.Dim(0), out.Dim(1)),
	})
}
