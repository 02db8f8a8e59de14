// Package attention implements a grouped-query attention block.
//
// NumHeads query heads attend over NumKVHeads shared key/value heads; query
// head h reads key/value head h / (NumHeads/NumKVHeads). With NumKVHeads equal
// to NumHeads this is ordinary multi-head attention, and with one key/value
// head it is multi-query attention.
package attention

import (
	"context"
	"math"

	"github.com/samcharles93/gqa/internal/backend"
	"github.com/samcharles93/gqa/internal/logger"
	"github.com/samcharles93/gqa/internal/rope"
	"github.com/samcharles93/gqa/internal/tensor"
)

// Block holds the four bias-free projections of an attention layer. Weights
// are stored out×in.
//
// Forward only reads the block, so concurrent calls are safe. Loading new
// weights must not overlap a forward pass.
type Block struct {
	cfg     Config
	headDim int
	group   int

	Query  tensor.Linear
	Key    tensor.Linear
	Value  tensor.Linear
	Output tensor.Linear

	rotary  *rope.Encoder
	pool    *headPool
	workers int
	log     logger.Logger
}

type options struct {
	rotary  *rope.Encoder
	seed    *int64
	workers int
	log     logger.Logger
}

// Option configures New.
type Option func(*options)

// WithRotary rotates queries and keys with enc before scoring.
func WithRotary(enc *rope.Encoder) Option {
	return func(o *options) { o.rotary = enc }
}

// WithSeed initialises the projections from a seeded uniform distribution
// instead of zeros.
func WithSeed(seed int64) Option {
	return func(o *options) { o.seed = &seed }
}

// WithWorkers sets the number of head workers. One runs every head on the
// calling goroutine; zero or less picks GOMAXPROCS capped at the head count.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// New validates cfg and allocates a block. Call Close when done with it to
// stop the head workers.
func New(cfg Config, opts ...Option) (*Block, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.rotary != nil && o.rotary.HeadDim() != cfg.HeadDim() {
		return nil, tensor.Configf("attention", "rotary head_dim %d does not match head_dim %d", o.rotary.HeadDim(), cfg.HeadDim())
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	workers := o.workers
	if workers <= 0 {
		workers = workersFor(cfg.NumHeads)
	}

	hidden := cfg.HiddenSize
	b := &Block{
		cfg:     cfg,
		headDim: cfg.HeadDim(),
		group:   cfg.GroupSize(),
		Query:   tensor.NewLinear(hidden, hidden),
		Key:     tensor.NewLinear(hidden, cfg.KVWidth()),
		Value:   tensor.NewLinear(hidden, cfg.KVWidth()),
		Output:  tensor.NewLinear(hidden, hidden),
		rotary:  o.rotary,
		workers: workers,
		log:     o.log.With("component", "attention"),
	}
	if o.seed != nil {
		b.Init(*o.seed)
	}
	if workers > 1 {
		b.pool = newHeadPool(workers)
	}
	return b, nil
}

// Init fills every projection from U(-1/√in, 1/√in), deterministically for a
// given seed.
func (b *Block) Init(seed int64) {
	for i, l := range b.linears() {
		limit := float32(1 / math.Sqrt(float64(l.In())))
		tensor.FillUniform(&l.Weight, seed+int64(i), limit)
		l.Weight.DType = tensor.F32
	}
}

func (b *Block) linears() []*tensor.Linear {
	return []*tensor.Linear{&b.Query, &b.Key, &b.Value, &b.Output}
}

func (b *Block) Config() Config        { return b.cfg }
func (b *Block) HeadDim() int          { return b.headDim }
func (b *Block) GroupSize() int        { return b.group }
func (b *Block) Workers() int          { return b.workers }
func (b *Block) Rotary() *rope.Encoder { return b.rotary }

// Device reports where the rotary table lives.
func (b *Block) Device() backend.Device {
	if b.rotary == nil {
		return backend.Host
	}
	return b.rotary.Device()
}

// To places the rotary table on dev. Projection weights stay in host memory.
func (b *Block) To(dev backend.Device) {
	if b.rotary != nil {
		b.rotary.To(dev)
	}
}

// Close stops the head workers. Forward keeps working afterwards but runs
// every head on the calling goroutine.
func (b *Block) Close() {
	if b.pool != nil {
		b.pool.Close()
	}
}

// Forward runs attention over x of shape (batch, seq, hidden) and returns a
// tensor of the same shape and dtype.
//
// mask may be nil. Otherwise it must broadcast to (batch, heads, seq, seq);
// false entries are excluded from the softmax. A query row whose keys are all
// masked has no defined distribution and comes back as NaN.
func (b *Block) Forward(ctx context.Context, x *tensor.Tensor, mask *tensor.Mask) (*tensor.Tensor, error) {
	out, _, err := b.forward(ctx, x, mask, false)
	return out, err
}

// ForwardWithWeights is Forward that also returns the post-softmax attention
// weights, shape (batch, heads, seq, seq).
func (b *Block) ForwardWithWeights(ctx context.Context, x *tensor.Tensor, mask *tensor.Mask) (*tensor.Tensor, *tensor.Tensor, error) {
	return b.forward(ctx, x, mask, true)
}

func (b *Block) forward(ctx context.Context, x *tensor.Tensor, mask *tensor.Mask, keepWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if x == nil || x.Rank() != 3 {
		var shape []int
		if x != nil {
			shape = x.Shape
		}
		return nil, nil, tensor.Preconditionf("attention", "input must be (batch, seq, hidden), got %v", shape)
	}
	if x.Dim(2) != b.cfg.HiddenSize {
		return nil, nil, tensor.Preconditionf("attention", "input hidden size %d does not match %d", x.Dim(2), b.cfg.HiddenSize)
	}
	batch, seq := x.Dim(0), x.Dim(1)
	heads := b.cfg.NumHeads

	var bound *tensor.BoundMask
	if mask != nil {
		bm, err := mask.Broadcast(batch, heads, seq, seq)
		if err != nil {
			return nil, nil, err
		}
		bound = &bm
	}

	q, err := project(&b.Query, x)
	if err != nil {
		return nil, nil, err
	}
	k, err := project(&b.Key, x)
	if err != nil {
		return nil, nil, err
	}
	v, err := project(&b.Value, x)
	if err != nil {
		return nil, nil, err
	}

	qh, err := splitHeads(q, heads)
	if err != nil {
		return nil, nil, err
	}
	kh, err := splitHeads(k, b.cfg.NumKVHeads)
	if err != nil {
		return nil, nil, err
	}
	vh, err := splitHeads(v, b.cfg.NumKVHeads)
	if err != nil {
		return nil, nil, err
	}

	if b.rotary != nil {
		if qh, err = b.rotary.Apply(qh); err != nil {
			return nil, nil, err
		}
		if kh, err = b.rotary.Apply(kh); err != nil {
			return nil, nil, err
		}
	}

	if kh, err = repeatKV(kh, b.group); err != nil {
		return nil, nil, err
	}
	if vh, err = repeatKV(vh, b.group); err != nil {
		return nil, nil, err
	}

	attn, err := tensor.New(x.DType, batch, heads, seq, b.headDim)
	if err != nil {
		return nil, nil, err
	}
	attn.Device = x.Device

	job := &headJob{
		ctx:     ctx,
		q:       qh.Data,
		k:       kh.Data,
		v:       vh.Data,
		out:     attn.Data,
		mask:    bound,
		heads:   heads,
		seq:     seq,
		headDim: b.headDim,
		scale:   float32(1 / math.Sqrt(float64(b.headDim))),
	}
	var weights *tensor.Tensor
	if keepWeights {
		if weights, err = tensor.New(tensor.F32, batch, heads, seq, seq); err != nil {
			return nil, nil, err
		}
		weights.Device = x.Device
		job.weights = weights.Data
	}

	if b.pool != nil {
		b.pool.run(job, batch*heads)
	} else {
		var scratch []float32
		runHeads(job, &scratch, 0, batch*heads)
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	attn.DType.RoundSlice(attn.Data)
	if n := job.fullyMasked.Load(); n > 0 {
		b.log.Warn("attention rows have no visible keys; output contains NaN",
			"rows", n, logger.Err(tensor.ErrNumericAnomaly))
	}

	merged, err := mergeHeads(attn)
	if err != nil {
		return nil, nil, err
	}
	out, err := project(&b.Output, merged)
	if err != nil {
		return nil, nil, err
	}
	out.Device = x.Device

	b.log.Debug("attention forward",
		"batch", batch, "seq", seq, "heads", heads, "kv_heads", b.cfg.NumKVHeads,
		"dtype", x.DType.String(), "workers", b.workers, "rotary", b.rotary != nil)
	return out, weights, nil
}

// project applies l and rounds the result to x's precision.
func project(l *tensor.Linear, x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := l.Forward(x)
	if err != nil {
		return nil, err
	}
	y.DType = x.DType
	y.DType.RoundSlice(y.Data)
	return y, nil
}
