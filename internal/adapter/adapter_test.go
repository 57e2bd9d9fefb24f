package adapter

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/loraserve/internal/model"
	"github.com/samcharles93/loraserve/internal/safetensors"
	"github.com/samcharles93/loraserve/internal/tensor"
	"github.com/samcharles93/loraserve/internal/toy"
)

type fakeSource map[string]safetensors.Tensor

func (f fakeSource) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f fakeSource) ReadTensorF32(name string) ([]float32, safetensors.TensorInfo, error) {
	t := f[name]
	return slices.Clone(t.Data), safetensors.TensorInfo{DType: "F32", Shape: t.Shape}, nil
}

type fakeWeights map[string]*tensor.Mat

func (f fakeWeights) Weight(name string) (*tensor.Mat, bool) {
	w, ok := f[name]
	return w, ok
}

func mustConfig(t *testing.T, raw string) *Config {
	t.Helper()
	cfg, err := ParseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	return cfg
}

func TestParseConfig(t *testing.T) {
	t.Parallel()
	cfg := mustConfig(t, `{"peft_type":"LORA","r":64,"lora_alpha":16,"target_modules":["q_proj","v_proj"]}`)
	if got := cfg.Scale("model.layers.0.self_attn.q_proj", 64); got != 0.25 {
		t.Fatalf("scale = %v", got)
	}
	if !cfg.Targeted("model.layers.3.self_attn.v_proj") || cfg.Targeted("model.layers.3.self_attn.k_proj") {
		t.Fatal("target matching wrong")
	}

	rs := mustConfig(t, `{"r":4,"lora_alpha":8,"use_rslora":true}`)
	if got := rs.Scale("x", 4); got != 4 {
		t.Fatalf("rslora scale = %v", got)
	}
	if !rs.Targeted("anything") {
		t.Fatal("empty target list should accept every module")
	}

	re := mustConfig(t, `{"r":2,"lora_alpha":2,"target_modules":".*\\.(q|v)_proj"}`)
	if !re.Targeted("model.layers.0.self_attn.q_proj") || re.Targeted("model.layers.0.mlp.up_proj") {
		t.Fatal("regex target matching wrong")
	}
	look := mustConfig(t, `{"r":2,"lora_alpha":2,"target_modules":"^(?!.*mlp).*_proj"}`)
	if !look.Targeted("model.layers.0.self_attn.o_proj") || look.Targeted("model.layers.0.mlp.down_proj") {
		t.Fatal("lookahead target matching wrong")
	}

	pat := mustConfig(t, `{"r":8,"lora_alpha":16,"rank_pattern":{"q_proj":4},"alpha_pattern":{"layers.1.self_attn.q_proj":4}}`)
	if pat.ExpectedRank("model.layers.0.self_attn.q_proj") != 4 || pat.ExpectedRank("model.layers.0.self_attn.v_proj") != 8 {
		t.Fatal("rank_pattern not applied")
	}
	if got := pat.Scale("model.layers.1.self_attn.q_proj", 4); got != 1 {
		t.Fatalf("alpha_pattern scale = %v", got)
	}
}

func TestParseConfigErrors(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		`{"peft_type":"PREFIX_TUNING","r":8}`,
		`{"peft_type":"LORA","r":0}`,
		`{"r":8,"bias":"all"}`,
		`{"r":8,"target_modules":42}`,
		`{"r":8,"target_modules":"("}`,
		`{`,
	} {
		if _, err := ParseConfig([]byte(raw)); err == nil {
			t.Fatalf("expected error for %s", raw)
		}
	}
}

func TestFromSourceGroupsFactors(t *testing.T) {
	t.Parallel()
	cfg := mustConfig(t, `{"r":1,"lora_alpha":2,"target_modules":["q_proj"]}`)
	src := fakeSource{
		"base_model.model.model.layers.0.self_attn.q_proj.lora_A.weight": {Shape: []int{1, 3}, Data: []float32{1, 0, -1}},
		"base_model.model.model.layers.0.self_attn.q_proj.lora_B.weight": {Shape: []int{2, 1}, Data: []float32{1, 2}},
		"base_model.model.lm_head.weight":                                {Shape: []int{1, 1}, Data: []float32{0}},
	}
	a, err := fromSource("mem", cfg, src)
	if err != nil {
		t.Fatalf("fromSource: %v", err)
	}
	if len(a.Pairs) != 1 {
		t.Fatalf("pairs = %d", len(a.Pairs))
	}
	p := a.Pairs[0]
	if p.Target != "model.layers.0.self_attn.q_proj.weight" || p.Rank() != 1 || p.Scale != 2 {
		t.Fatalf("pair = %+v", p)
	}
	if !slices.Equal(a.Skipped, []string{"base_model.model.lm_head.weight"}) {
		t.Fatalf("skipped = %v", a.Skipped)
	}

	w, _ := tensor.NewMatFromData(2, 3, []float32{1, 1, 1, 1, 1, 1})
	if err := a.Merge(context.Background(), fakeWeights{p.Target: &w}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := []float32{3, 1, -1, 5, 1, -3}
	if !slices.Equal(w.Data, want) {
		t.Fatalf("merged = %v, want %v", w.Data, want)
	}
}

func TestFromSourceErrors(t *testing.T) {
	t.Parallel()
	cfg := mustConfig(t, `{"r":1,"lora_alpha":1,"target_modules":["q_proj"]}`)
	tests := []struct {
		name string
		src  fakeSource
		want string
	}{
		{"missing B", fakeSource{
			"base_model.model.m.q_proj.lora_A.weight": {Shape: []int{1, 2}, Data: []float32{1, 1}},
		}, "missing"},
		{"rank mismatch", fakeSource{
			"base_model.model.m.q_proj.lora_A.weight": {Shape: []int{2, 2}, Data: make([]float32, 4)},
			"base_model.model.m.q_proj.lora_B.weight": {Shape: []int{2, 2}, Data: make([]float32, 4)},
		}, "rank"},
		{"untargeted", fakeSource{
			"base_model.model.m.k_proj.lora_A.weight": {Shape: []int{1, 2}, Data: make([]float32, 2)},
			"base_model.model.m.k_proj.lora_B.weight": {Shape: []int{2, 1}, Data: make([]float32, 2)},
		}, "target_modules"},
		{"empty", fakeSource{}, "no LoRA tensors"},
	}
	for _, tt := range tests {
		_, err := fromSource("mem", cfg, tt.src)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tt.name, tt.want, err)
		}
	}
}

func TestMergeUnknownTarget(t *testing.T) {
	t.Parallel()
	a := &Adapter{
		Config: &Config{R: 1, LoraAlpha: 1},
		Pairs:  []Pair{{Target: "nope.weight"}},
	}
	if err := a.Merge(context.Background(), fakeWeights{}); err == nil {
		t.Fatal("expected unknown target error")
	}
}

func TestMergeFanInFanOut(t *testing.T) {
	t.Parallel()
	aMat, _ := tensor.NewMatFromData(1, 3, []float32{1, 0, -1})
	bMat, _ := tensor.NewMatFromData(2, 1, []float32{1, 2})
	a := &Adapter{
		Config: &Config{R: 1, LoraAlpha: 1, FanInFanOut: true},
		Pairs:  []Pair{{Target: "w", A: &aMat, B: &bMat, Scale: 1}},
	}
	// stored as [in, out]
	w := tensor.NewMat(3, 2)
	if err := a.Merge(context.Background(), fakeWeights{"w": &w}); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := []float32{1, 2, 0, 0, -1, -2}
	if !slices.Equal(w.Data, want) {
		t.Fatalf("merged = %v, want %v", w.Data, want)
	}
}

func TestLoadAndMergeToy(t *testing.T) {
	t.Parallel()
	modelDir := t.TempDir()
	adapterDir := t.TempDir()
	opts := toy.Options{Layers: 2}
	if err := toy.WriteModel(modelDir, opts); err != nil {
		t.Fatal(err)
	}
	if err := toy.WriteAdapter(adapterDir, opts, toy.AdapterOptions{Rank: 2, Alpha: 4}); err != nil {
		t.Fatal(err)
	}

	cfg, err := model.LoadConfig(filepath.Join(modelDir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	ck, err := safetensors.OpenCheckpoint(modelDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = ck.Close() }()
	m, err := model.Load(cfg, ck, 0)
	if err != nil {
		t.Fatal(err)
	}

	a, err := Load(adapterDir)
	if err != nil {
		t.Fatalf("Load adapter: %v", err)
	}
	if len(a.Pairs) != 4 {
		t.Fatalf("pairs = %d, want 4", len(a.Pairs))
	}

	before := map[string][]float32{}
	for _, p := range a.Pairs {
		w, ok := m.Weight(p.Target)
		if !ok {
			t.Fatalf("missing base weight %s", p.Target)
		}
		before[p.Target] = slices.Clone(w.Data)
	}
	if err := a.Merge(context.Background(), m); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	for _, p := range a.Pairs {
		if p.Scale != 2 {
			t.Fatalf("scale = %v", p.Scale)
		}
		w, _ := m.Weight(p.Target)
		orig := before[p.Target]
		for i := range w.R {
			for j := range w.C {
				var delta float32
				for k := range p.Rank() {
					delta += p.B.Data[i*p.B.C+k] * p.A.Data[k*p.A.C+j]
				}
				want := orig[i*w.C+j] + p.Scale*delta
				if got := w.Data[i*w.C+j]; math.Abs(float64(got-want)) > 1e-5 {
					t.Fatalf("%s[%d,%d] = %v, want %v", p.Target, i, j, got, want)
				}
			}
		}
	}
}

func TestLoadRejectsBinAdapter(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := toy.WriteAdapter(dir, toy.Options{}, toy.AdapterOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(filepath.Join(dir, WeightsFileName), filepath.Join(dir, "adapter_model.bin")); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "safetensors") {
		t.Fatalf("expected safetensors error, got %v", err)
	}
}
