package model

import (
	"sync"

	"github.com/samcharles93/loraserve/internal/tensor"
)

type Layer struct {
	AttnNorm []float32
	FfnNorm  []float32

	Wq, Wk, Wv, Wo *tensor.Mat

	FfnGate, FfnUp, FfnDown *tensor.Mat

	AttnCache attnCache
}

type attnCache struct {
	k, v     []float32
	kvStride int
}

type scratchBuffers struct {
	x, tmp   []float32
	q, k, v  []float32
	attnOut  []float32
	attnProj []float32
	ffnGate  []float32
	ffnUp    []float32
	ffnAct   []float32
	ffnOut   []float32
	logits   []float32
}

// Instance is a loaded LLaMA model with its KV cache. It is not safe for
// concurrent use.
type Instance struct {
	Config *Config

	Embeddings *tensor.Mat
	OutputNorm []float32
	Output     *tensor.Mat
	Layers     []Layer

	HeadCount  int
	HeadKV     int
	HeadDim    int
	RMSEpsilon float32
	MaxContext int
	Pos        int

	ropeInvFreq []float64
	weights     map[string]*tensor.Mat
	scratch     scratchBuffers

	attnPool     *attnPool
	attnPoolOnce sync.Once
}

var _ Model = (*Instance)(nil)

func (m *Instance) Position() int {
	return m.Pos
}

func (m *Instance) ContextLength() int {
	return m.MaxContext
}

// Weight returns the projection matrix stored under its HF tensor name.
// The returned matrix is shared with the model and may be updated in place.
func (m *Instance) Weight(name string) (*tensor.Mat, bool) {
	w, ok := m.weights[name]
	return w, ok
}

// WeightNames lists the names accepted by Weight.
func (m *Instance) WeightNames() []string {
	names := make([]string, 0, len(m.weights))
	for name := range m.weights {
		names = append(names, name)
	}
	return names
}

// ParamCount returns the number of float32 parameters held by the model.
func (m *Instance) ParamCount() int64 {
	n := int64(len(m.Embeddings.Data) + len(m.OutputNorm))
	if m.Output != m.Embeddings {
		n += int64(len(m.Output.Data))
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		n += int64(len(l.AttnNorm) + len(l.FfnNorm))
		for _, w := range []*tensor.Mat{l.Wq, l.Wk, l.Wv, l.Wo, l.FfnGate, l.FfnUp, l.FfnDown} {
			n += int64(len(w.Data))
		}
	}
	return n
}

func (m *Instance) initScratch() {
	embd := m.Config.HiddenSize
	ffn := m.Config.IntermediateSize
	qDim := m.HeadCount * m.HeadDim
	kv := m.HeadKV * m.HeadDim
	m.scratch = scratchBuffers{
		x:        make([]float32, embd),
		tmp:      make([]float32, embd),
		q:        make([]float32, qDim),
		k:        make([]float32, kv),
		v:        make([]float32, kv),
		attnOut:  make([]float32, qDim),
		attnProj: make([]float32, embd),
		ffnGate:  make([]float32, ffn),
		ffnUp:    make([]float32, ffn),
		ffnAct:   make([]float32, ffn),
		ffnOut:   make([]float32, embd),
		logits:   make([]float32, m.Config.VocabSize),
	}
	m.ropeInvFreq = tensor.RoPEFreqs(m.HeadDim, m.Config.RopeTheta)
	m.initAttnPool()
}
