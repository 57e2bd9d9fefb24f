package model

import (
	"fmt"
	"math"

	"github.com/samcharles93/loraserve/internal/tensor"
)

// ForwardToken runs one autoregressive step for the provided token id.
// It returns a logits slice owned by the model (overwritten on next call).
func (m *Instance) ForwardToken(tok int) ([]float32, error) {
	if tok < 0 || tok >= m.Config.VocabSize {
		return nil, fmt.Errorf("token id out of range: %d", tok)
	}
	if m.Pos >= m.MaxContext {
		return nil, fmt.Errorf("context length exceeded: %d >= %d", m.Pos, m.MaxContext)
	}

	x := m.scratch.x
	copy(x, m.Embeddings.Row(tok))

	for i := range m.Layers {
		layer := &m.Layers[i]

		tensor.RMSNorm(m.scratch.tmp, x, layer.AttnNorm, m.RMSEpsilon)
		tensor.Add(x, m.attention(layer, m.scratch.tmp, m.Pos))

		tensor.RMSNorm(m.scratch.tmp, x, layer.FfnNorm, m.RMSEpsilon)
		tensor.Add(x, m.ffn(layer, m.scratch.tmp))
	}

	tensor.RMSNorm(m.scratch.tmp, x, m.OutputNorm, m.RMSEpsilon)
	tensor.MatVec(m.scratch.logits, m.Output, m.scratch.tmp)

	m.Pos++
	return m.scratch.logits, nil
}

// Reset clears the KV cache and rewinds to position zero.
func (m *Instance) Reset() {
	m.Pos = 0
	for i := range m.Layers {
		clear(m.Layers[i].AttnCache.k)
		clear(m.Layers[i].AttnCache.v)
	}
}

func (m *Instance) attention(layer *Layer, x []float32, pos int) []float32 {
	nHead := m.HeadCount
	headDim := m.HeadDim
	kvStride := layer.AttnCache.kvStride

	q := m.scratch.q
	k := m.scratch.k
	v := m.scratch.v
	tensor.MatVec(q, layer.Wq, x)
	tensor.MatVec(k, layer.Wk, x)
	tensor.MatVec(v, layer.Wv, x)

	tensor.ApplyRoPE(q, nHead, headDim, pos, m.ropeInvFreq)
	tensor.ApplyRoPE(k, m.HeadKV, headDim, pos, m.ropeInvFreq)

	offset := pos * kvStride
	copy(layer.AttnCache.k[offset:offset+kvStride], k)
	copy(layer.AttnCache.v[offset:offset+kvStride], v)

	ctx := attnContext{
		q:        q,
		cacheK:   layer.AttnCache.k,
		cacheV:   layer.AttnCache.v,
		attnOut:  m.scratch.attnOut,
		pos:      pos,
		kvStride: kvStride,
		headDim:  headDim,
		nHead:    nHead,
		kvHeads:  m.HeadKV,
		scale:    float32(1.0 / math.Sqrt(float64(headDim))),
	}
	m.attnPool.run(&ctx)

	tensor.MatVec(m.scratch.attnProj, layer.Wo, m.scratch.attnOut)
	return m.scratch.attnProj
}

func (m *Instance) ffn(layer *Layer, x []float32) []float32 {
	tensor.MatVec(m.scratch.ffnGate, layer.FfnGate, x)
	tensor.MatVec(m.scratch.ffnUp, layer.FfnUp, x)
	tensor.SwiGLU(m.scratch.ffnAct, m.scratch.ffnGate, m.scratch.ffnUp)
	tensor.MatVec(m.scratch.ffnOut, layer.FfnDown, m.scratch.ffnAct)
	return m.scratch.ffnOut
}
