// Package adapter loads PEFT LoRA adapters and merges them into base
// weights.
package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/samcharles93/loraserve/internal/safetensors"
	"github.com/samcharles93/loraserve/internal/tensor"
	"golang.org/x/sync/errgroup"
)

const (
	ConfigFileName  = "adapter_config.json"
	WeightsFileName = "adapter_model.safetensors"

	peftPrefix  = "base_model.model."
	loraASuffix = ".lora_A.weight"
	loraBSuffix = ".lora_B.weight"
)

// Pair is one low-rank update for the base weight named Target.
type Pair struct {
	Module string
	Target string
	A      *tensor.Mat
	B      *tensor.Mat
	Scale  float32
}

func (p Pair) Rank() int { return p.A.R }

type Adapter struct {
	Dir    string
	Config *Config
	Pairs  []Pair
	// Skipped lists adapter tensors that are not LoRA factors, such as
	// modules_to_save copies.
	Skipped []string
}

// WeightSet resolves base model weights by HF tensor name.
type WeightSet interface {
	Weight(name string) (*tensor.Mat, bool)
}

// Load reads adapter_config.json and adapter_model.safetensors from dir.
func Load(dir string) (*Adapter, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	weights := filepath.Join(dir, WeightsFileName)
	if _, err := os.Stat(weights); err != nil {
		if _, binErr := os.Stat(filepath.Join(dir, "adapter_model.bin")); binErr == nil {
			return nil, fmt.Errorf("%s: only safetensors adapters are supported, convert adapter_model.bin first", dir)
		}
		return nil, err
	}
	ck, err := safetensors.OpenFiles(dir, weights)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ck.Close() }()
	return fromSource(dir, cfg, ck)
}

type tensorSource interface {
	Names() []string
	ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error)
}

func fromSource(dir string, cfg *Config, src tensorSource) (*Adapter, error) {
	a := &Adapter{Dir: dir, Config: cfg}
	modules := map[string]*Pair{}
	for _, name := range src.Names() {
		module, factor, ok := splitLoraName(name)
		if !ok {
			a.Skipped = append(a.Skipped, name)
			continue
		}
		data, info, err := src.ReadTensorF32(name)
		if err != nil {
			return nil, err
		}
		if len(info.Shape) != 2 {
			return nil, fmt.Errorf("adapter tensor %s: expected 2 dims, got %v", name, info.Shape)
		}
		m, err := tensor.NewMatFromData(info.Shape[0], info.Shape[1], data)
		if err != nil {
			return nil, fmt.Errorf("adapter tensor %s: %w", name, err)
		}
		p := modules[module]
		if p == nil {
			p = &Pair{Module: module, Target: module + ".weight"}
			modules[module] = p
		}
		if factor == "A" {
			p.A = &m
		} else {
			p.B = &m
		}
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, module := range names {
		p := modules[module]
		if p.A == nil || p.B == nil {
			return nil, fmt.Errorf("adapter module %s: missing lora_A or lora_B", module)
		}
		if p.B.C != p.A.R {
			return nil, fmt.Errorf("adapter module %s: lora_B %dx%d does not match lora_A %dx%d",
				module, p.B.R, p.B.C, p.A.R, p.A.C)
		}
		if want := cfg.ExpectedRank(module); p.A.R != want {
			return nil, fmt.Errorf("adapter module %s: rank %d, config says %d", module, p.A.R, want)
		}
		if !cfg.Targeted(module) {
			return nil, fmt.Errorf("adapter module %s is not covered by target_modules", module)
		}
		p.Scale = float32(cfg.Scale(module, p.A.R))
		a.Pairs = append(a.Pairs, *p)
	}
	if len(a.Pairs) == 0 {
		return nil, fmt.Errorf("%s: no LoRA tensors found", dir)
	}
	return a, nil
}

// splitLoraName maps base_model.model.<module>.lora_A.weight to <module>
// and "A".
func splitLoraName(name string) (module, factor string, ok bool) {
	rest := strings.TrimPrefix(name, peftPrefix)
	switch {
	case strings.HasSuffix(rest, loraASuffix):
		return strings.TrimSuffix(rest, loraASuffix), "A", true
	case strings.HasSuffix(rest, loraBSuffix):
		return strings.TrimSuffix(rest, loraBSuffix), "B", true
	default:
		return "", "", false
	}
}

// Merge folds every pair into base: W += scale * B @ A, or its transpose
// for fan_in_fan_out adapters. Pairs are merged concurrently; base weights
// must be distinct per pair.
func (a *Adapter) Merge(ctx context.Context, base WeightSet) error {
	targets := make([]*tensor.Mat, len(a.Pairs))
	for i, p := range a.Pairs {
		w, ok := base.Weight(p.Target)
		if !ok {
			return fmt.Errorf("adapter targets unknown base weight %s", p.Target)
		}
		targets[i] = w
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(runtime.GOMAXPROCS(0)/2, 1))
	for i, p := range a.Pairs {
		w := targets[i]
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return mergePair(w, p, a.Config.FanInFanOut)
		})
	}
	return g.Wait()
}

func mergePair(w *tensor.Mat, p Pair, fanInFanOut bool) error {
	if fanInFanOut {
		at := tensor.Transpose(p.A)
		bt := tensor.Transpose(p.B)
		if err := tensor.AddLowRank(w, &at, &bt, p.Scale); err != nil {
			return fmt.Errorf("merge %s: weight %dx%d vs (B@A)^T %dx%d: %w", p.Target, w.R, w.C, p.A.C, p.B.R, err)
		}
		return nil
	}
	if err := tensor.AddLowRank(w, p.B, p.A, p.Scale); err != nil {
		return fmt.Errorf("merge %s: weight %dx%d vs B@A %dx%d: %w", p.Target, w.R, w.C, p.B.R, p.A.C, err)
	}
	return nil
}

// ParamCount returns the number of adapter parameters.
func (a *Adapter) ParamCount() int64 {
	var n int64
	for _, p := range a.Pairs {
		n += int64(len(p.A.Data) + len(p.B.Data))
	}
	return n
}
