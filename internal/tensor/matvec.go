package tensor

import (
	"runtime"
	"sync"
)

type rowTask struct {
	fn     func(rs, re int)
	rs, re int
	done   chan struct{}
}

type workPool struct {
	size      int
	tasks     chan rowTask
	doneSlots chan chan struct{}
}

var (
	rowWorkPool     *workPool
	rowWorkPoolOnce sync.Once
)

func getWorkPool() *workPool {
	rowWorkPoolOnce.Do(func() {
		rowWorkPool = newWorkPool(runtime.GOMAXPROCS(0))
	})
	return rowWorkPool
}

func newWorkPool(size int) *workPool {
	if size < 1 {
		size = 1
	}
	p := &workPool{
		size:      size,
		tasks:     make(chan rowTask, size*2),
		doneSlots: make(chan chan struct{}, size),
	}
	for range size {
		p.doneSlots <- make(chan struct{}, size)
	}
	for range size {
		go func() {
			for task := range p.tasks {
				task.fn(task.rs, task.re)
				task.done <- struct{}{}
			}
		}()
	}
	return p
}

// parallelRows splits [0, n) into contiguous chunks and runs fn on the
// shared worker pool, returning when every chunk is done.
func parallelRows(n int, fn func(rs, re int)) {
	if n <= 0 {
		return
	}
	pool := getWorkPool()
	workers := min(pool.size, n)
	if workers <= 1 {
		fn(0, n)
		return
	}

	chunk := (n + workers - 1) / workers
	done := <-pool.doneSlots
	active := 0
	for i := range workers {
		rs := i * chunk
		re := min(rs+chunk, n)
		if rs >= re {
			break
		}
		active++
		pool.tasks <- rowTask{fn: fn, rs: rs, re: re, done: done}
	}
	for range active {
		<-done
	}
	pool.doneSlots <- done
}

// MatVec computes dst = w * x. It runs in parallel on the worker pool.
func MatVec(dst []float32, w *Mat, x []float32) {
	if w.R == 0 || w.C == 0 {
		return
	}
	if len(dst) < w.R || len(x) < w.C {
		panic("matvec shape mismatch")
	}
	parallelRows(w.R, func(rs, re int) {
		matVecRange(dst, w, x, rs, re)
	})
}

func matVecRange(dst []float32, w *Mat, x []float32, rs, re int) {
	c := w.C
	x = x[:c]
	for i := rs; i < re; i++ {
		row := w.Data[i*w.Stride : i*w.Stride+c]
		var s0, s1, s2, s3 float32
		j := 0
		for ; j+3 < c; j += 4 {
			s0 += row[j] * x[j]
			s1 += row[j+1] * x[j+1]
			s2 += row[j+2] * x[j+2]
			s3 += row[j+3] * x[j+3]
		}
		sum := s0 + s1 + s2 + s3
		for ; j < c; j++ {
			sum += row[j] * x[j]
		}
		dst[i] = sum
	}
}
