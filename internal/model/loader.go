package model

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/samcharles93/loraserve/internal/safetensors"
	"github.com/samcharles93/loraserve/internal/tensor"
	"golang.org/x/sync/errgroup"
)

// TensorSource serves decoded weights by name. *safetensors.Checkpoint
// satisfies it.
type TensorSource interface {
	Tensor(name string) (safetensors.TensorInfo, bool)
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

var errTensorMissing = errors.New("tensor missing")

// Load builds an Instance from cfg and the weights in src. maxContext <= 0
// uses max_position_embeddings. Layers are decoded concurrently.
func Load(cfg *Config, src TensorSource, maxContext int) (*Instance, error) {
	if maxContext <= 0 || maxContext > cfg.MaxPosition {
		maxContext = cfg.MaxPosition
	}
	m := &Instance{
		Config:     cfg,
		Layers:     make([]Layer, cfg.NumHiddenLayers),
		HeadCount:  cfg.NumAttentionHeads,
		HeadKV:     cfg.NumKeyValueHeads,
		HeadDim:    cfg.HeadDim,
		RMSEpsilon: float32(cfg.RMSNormEps),
		MaxContext: maxContext,
		weights:    make(map[string]*tensor.Mat),
	}

	embd := cfg.HiddenSize
	qDim := m.HeadCount * m.HeadDim
	kvDim := m.HeadKV * m.HeadDim

	var err error
	if m.Embeddings, err = loadMat(src, embeddingName, cfg.VocabSize, embd); err != nil {
		return nil, err
	}
	if m.OutputNorm, err = loadVec(src, outputNormName, embd); err != nil {
		return nil, err
	}
	m.Output, err = loadMat(src, outputName, cfg.VocabSize, embd)
	switch {
	case errors.Is(err, errTensorMissing) && cfg.TieWordEmbeddings:
		m.Output = m.Embeddings
	case err != nil:
		return nil, err
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range m.Layers {
		g.Go(func() error {
			return loadLayer(src, &m.Layers[i], i, embd, qDim, kvDim, cfg.IntermediateSize)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range m.Layers {
		l := &m.Layers[i]
		for proj, w := range map[string]*tensor.Mat{"q_proj": l.Wq, "k_proj": l.Wk, "v_proj": l.Wv, "o_proj": l.Wo} {
			m.weights[attnProjName(i, proj)] = w
		}
		for proj, w := range map[string]*tensor.Mat{"gate_proj": l.FfnGate, "up_proj": l.FfnUp, "down_proj": l.FfnDown} {
			m.weights[mlpProjName(i, proj)] = w
		}
		l.AttnCache = attnCache{
			k:        make([]float32, maxContext*kvDim),
			v:        make([]float32, maxContext*kvDim),
			kvStride: kvDim,
		}
	}
	m.weights[outputName] = m.Output

	m.initScratch()
	return m, nil
}

func loadLayer(src TensorSource, l *Layer, i, embd, qDim, kvDim, ffn int) error {
	var err error
	if l.AttnNorm, err = loadVec(src, attnNormName(i), embd); err != nil {
		return err
	}
	if l.FfnNorm, err = loadVec(src, ffnNormName(i), embd); err != nil {
		return err
	}
	mats := []struct {
		dst  **tensor.Mat
		name string
		r, c int
	}{
		{&l.Wq, attnProjName(i, "q_proj"), qDim, embd},
		{&l.Wk, attnProjName(i, "k_proj"), kvDim, embd},
		{&l.Wv, attnProjName(i, "v_proj"), kvDim, embd},
		{&l.Wo, attnProjName(i, "o_proj"), embd, qDim},
		{&l.FfnGate, mlpProjName(i, "gate_proj"), ffn, embd},
		{&l.FfnUp, mlpProjName(i, "up_proj"), ffn, embd},
		{&l.FfnDown, mlpProjName(i, "down_proj"), embd, ffn},
	}
	for _, spec := range mats {
		w, err := loadMat(src, spec.name, spec.r, spec.c)
		if err != nil {
			return err
		}
		*spec.dst = w
	}
	return nil
}

func loadMat(src TensorSource, name string, r, c int) (*tensor.Mat, error) {
	if _, ok := src.Tensor(name); !ok {
		return nil, fmt.Errorf("%w: %s", errTensorMissing, name)
	}
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 2 || info.Shape[0] != r || info.Shape[1] != c {
		return nil, fmt.Errorf("tensor %s: shape %v, want [%d %d]", name, info.Shape, r, c)
	}
	m, err := tensor.NewMatFromData(r, c, data)
	if err != nil {
		return nil, fmt.Errorf("tensor %s: %w", name, err)
	}
	return &m, nil
}

func loadVec(src TensorSource, name string, n int) ([]float32, error) {
	if _, ok := src.Tensor(name); !ok {
		return nil, fmt.Errorf("%w: %s", errTensorMissing, name)
	}
	data, info, err := src.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(data) != n {
		return nil, fmt.Errorf("tensor %s: shape %v, want [%d]", name, info.Shape, n)
	}
	return data, nil
}
