package model

import (
	"runtime"

	"github.com/samcharles93/loraserve/internal/tensor"
)

type attnTask struct {
	ctx    *attnContext
	rs, re int
	done   chan struct{}
}

type attnContext struct {
	q, cacheK, cacheV []float32
	attnOut           []float32

	pos               int
	kvStride, headDim int
	nHead, kvHeads    int
	scale             float32
}

type attnPool struct {
	size      int
	tasks     chan attnTask
	doneSlots chan chan struct{}
	scores    []float32
	maxCtx    int
}

func attnWorkersFor(nHead int) int {
	workers := max(runtime.GOMAXPROCS(0), 1)
	if nHead > 0 && workers > nHead {
		workers = nHead
	}
	return workers
}

func newAttnPool(workers, maxCtx int) *attnPool {
	workers = max(workers, 1)
	maxCtx = max(maxCtx, 1)
	p := &attnPool{
		size:      workers,
		tasks:     make(chan attnTask, workers*2),
		doneSlots: make(chan chan struct{}, 1),
		scores:    make([]float32, workers*maxCtx),
		maxCtx:    maxCtx,
	}
	p.doneSlots <- make(chan struct{}, workers)
	for i := range workers {
		base := i * p.maxCtx
		scoresBuf := p.scores[base : base+p.maxCtx]
		go func() {
			for task := range p.tasks {
				runAttnHeads(task.ctx, scoresBuf, task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

func (m *Instance) initAttnPool() {
	m.attnPoolOnce.Do(func() {
		m.attnPool = newAttnPool(attnWorkersFor(m.HeadCount), m.MaxContext)
	})
}

// run splits the heads across the pool and waits for every chunk.
func (p *attnPool) run(ctx *attnContext) {
	if p.size <= 1 {
		runAttnHeads(ctx, p.scores[:p.maxCtx], 0, ctx.nHead)
		return
	}
	chunk := (ctx.nHead + p.size - 1) / p.size
	done := <-p.doneSlots
	active := 0
	for i := range p.size {
		rs := i * chunk
		re := min(rs+chunk, ctx.nHead)
		if rs >= re {
			break
		}
		active++
		p.tasks <- attnTask{ctx: ctx, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	p.doneSlots <- done
}

func runAttnHeads(ctx *attnContext, scoresBuf []float32, rs, re int) {
	if ctx == nil || rs >= re {
		return
	}
	winLen := ctx.pos + 1
	if winLen > len(scoresBuf) {
		panic("attention scores buffer too small")
	}
	scores := scoresBuf[:winLen]
	group := ctx.nHead / ctx.kvHeads
	for h := rs; h < re; h++ {
		kvHead := h / group
		qh := ctx.q[h*ctx.headDim : (h+1)*ctx.headDim]
		for t := 0; t <= ctx.pos; t++ {
			koff := t*ctx.kvStride + kvHead*ctx.headDim
			scores[t] = tensor.Dot(qh, ctx.cacheK[koff:koff+ctx.headDim]) * ctx.scale
		}
		tensor.Softmax(scores)
		out := ctx.attnOut[h*ctx.headDim : (h+1)*ctx.headDim]
		clear(out)
		for t := 0; t <= ctx.pos; t++ {
			voff := t*ctx.kvStride + kvHead*ctx.headDim
			w := scores[t]
			for d, v := range ctx.cacheV[voff : voff+ctx.headDim] {
				out[d] += w * v
			}
		}
	}
}
