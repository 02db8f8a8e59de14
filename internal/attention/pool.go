package attention

import (
	"context"
	"math"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/samcharles93/gqa/internal/tensor"
)

// headJob is one forward pass worth of (batch, head) attention problems.
// q, k, v and out are laid out (batch*heads, seq, headDim); k and v have
// already been repeated up to the query head count.
type headJob struct {
	ctx context.Context

	q, k, v []float32
	out     []float32
	weights []float32 // optional (batch*heads, seq, seq)
	mask    *tensor.BoundMask

	heads, seq, headDim int
	scale               float32

	fullyMasked atomic.Int64
}

type headTask struct {
	job    *headJob
	rs, re int
	done   chan struct{}
}

// headPool runs head ranges on persistent workers. Each worker owns its score
// scratch, so concurrent jobs never share buffers.
type headPool struct {
	size      int
	tasks     chan headTask
	doneSlots chan chan struct{}

	mu     sync.RWMutex
	closed bool
}

func workersFor(nHead int) int {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	return workers
}

func newHeadPool(workers int) *headPool {
	if workers < 1 {
		workers = 1
	}
	p := &headPool{
		size:      workers,
		tasks:     make(chan headTask, workers*2),
		doneSlots: make(chan chan struct{}, workers),
	}
	for i := 0; i < workers; i++ {
		p.doneSlots <- make(chan struct{}, workers)
	}
	for i := 0; i < workers; i++ {
		go func() {
			var scratch []float32
			for task := range p.tasks {
				runHeads(task.job, &scratch, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// run executes heads [0, total) of job and returns when all are finished.
// A closed pool runs the job on the calling goroutine.
func (p *headPool) run(job *headJob, total int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		var scratch []float32
		runHeads(job, &scratch, 0, total)
		return
	}

	done := <-p.doneSlots
	chunk := (total + p.size - 1) / p.size
	n := 0
	for rs := 0; rs < total; rs += chunk {
		p.tasks <- headTask{job: job, rs: rs, re: min(rs+chunk, total), done: done}
		n++
	}
	for range n {
		<-done
	}
	p.doneSlots <- done
}

func (p *headPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.tasks)
}

// runHeads computes softmax(q·kᵀ·scale + mask)·v for flat head indices
// [rs, re). Each index is batch*heads + head.
func runHeads(job *headJob, scratch *[]float32, rs, re int) {
	seq, d := job.seq, job.headDim
	block := seq * d
	for i := rs; i < re; i++ {
		if job.ctx.Err() != nil {
			return
		}
		b, h := i/job.heads, i%job.heads

		var scores []float32
		if job.weights != nil {
			scores = job.weights[i*seq*seq : (i+1)*seq*seq]
		} else {
			if cap(*scratch) < seq*seq {
				*scratch = make([]float32, seq*seq)
			}
			scores = (*scratch)[:seq*seq]
		}

		Q := tensor.NewMatFromData(seq, d, job.q[i*block:(i+1)*block])
		K := tensor.NewMatFromData(seq, d, job.k[i*block:(i+1)*block])
		V := tensor.NewMatFromData(seq, d, job.v[i*block:(i+1)*block])
		S := tensor.NewMatFromData(seq, seq, scores)
		O := tensor.NewMatFromData(seq, d, job.out[i*block:(i+1)*block])

		tensor.Gemm(&S, &Q, &K, true, job.scale, 0)
		for r := 0; r < seq; r++ {
			row := S.Row(r)
			if job.mask != nil {
				keep := job.mask.Row(b, h, r, seq)
				for j, ok := range keep {
					if !ok {
						row[j] = tensor.NegInf
					}
				}
			}
			tensor.Softmax(row)
			if math.IsNaN(float64(row[0])) {
				job.fullyMasked.Add(1)
			}
		}
		tensor.Gemm(&O, &S, &V, false, 1, 0)
	}
}
