// Package toy writes a tiny randomly initialised LLaMA checkpoint, tokenizer
// and LoRA adapter in the Hugging Face directory layout. The files load
// through the same code paths as a real model.
package toy

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/samcharles93/loraserve/internal/safetensors"
)

// Options sizes the toy model. Zero values select the defaults.
type Options struct {
	Hidden       int
	Intermediate int
	Layers       int
	Heads        int
	KVHeads      int
	MaxPosition  int
	Seed         int64
	TieEmbedding bool
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Hidden == 0 {
		out.Hidden = 16
	}
	if out.Intermediate == 0 {
		out.Intermediate = 32
	}
	if out.Layers == 0 {
		out.Layers = 2
	}
	if out.Heads == 0 {
		out.Heads = 4
	}
	if out.KVHeads == 0 {
		out.KVHeads = 2
	}
	if out.MaxPosition == 0 {
		out.MaxPosition = 64
	}
	if out.Seed == 0 {
		out.Seed = 1
	}
	return out
}

// Vocab is the toy vocabulary. Ids 0-2 are <unk>, <s> and </s>.
var Vocab = []string{
	"<unk>", "<s>", "</s>", "<0x0A>", "<0x21>", "▁", "h", "e", "l", "o", "w", "r", "d",
	"▁h", "ll", "▁he", "▁hell", "▁hello", "▁w", "or", "▁wor", "▁world", "ld",
}

var merges = []string{
	"▁ h", "l l", "▁h e", "▁he ll", "▁hell o", "▁ w", "o r", "▁w or", "l d", "▁wor ld",
}

// WriteModel writes config.json, model.safetensors, tokenizer.json and
// tokenizer_config.json into dir.
func WriteModel(dir string, opts Options) error {
	o := opts.withDefaults()
	if o.Hidden%o.Heads != 0 || (o.Hidden/o.Heads)%2 != 0 {
		return fmt.Errorf("toy: hidden %d must split into even heads of %d", o.Hidden, o.Heads)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	headDim := o.Hidden / o.Heads
	vocab := len(Vocab)

	cfg := map[string]any{
		"architectures":           []string{"LlamaForCausalLM"},
		"model_type":              "llama",
		"hidden_size":             o.Hidden,
		"intermediate_size":       o.Intermediate,
		"num_hidden_layers":       o.Layers,
		"num_attention_heads":     o.Heads,
		"num_key_value_heads":     o.KVHeads,
		"max_position_embeddings": o.MaxPosition,
		"rms_norm_eps":            1e-6,
		"rope_theta":              10000.0,
		"vocab_size":              vocab,
		"bos_token_id":            1,
		"eos_token_id":            2,
		"tie_word_embeddings":     o.TieEmbedding,
		"torch_dtype":             "float32",
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), cfg); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(o.Seed))
	var tensors []safetensors.Tensor
	add := func(name string, shape ...int) {
		tensors = append(tensors, safetensors.Tensor{Name: name, Shape: shape, Data: randData(rng, shape, 0.5)})
	}
	norm := func(name string, n int) {
		data := make([]float32, n)
		for i := range data {
			data[i] = 1
		}
		tensors = append(tensors, safetensors.Tensor{Name: name, Shape: []int{n}, Data: data})
	}

	add("model.embed_tokens.weight", vocab, o.Hidden)
	norm("model.norm.weight", o.Hidden)
	if !o.TieEmbedding {
		add("lm_head.weight", vocab, o.Hidden)
	}
	kvDim := o.KVHeads * headDim
	for l := range o.Layers {
		p := fmt.Sprintf("model.layers.%d.", l)
		norm(p+"input_layernorm.weight", o.Hidden)
		norm(p+"post_attention_layernorm.weight", o.Hidden)
		add(p+"self_attn.q_proj.weight", o.Hidden, o.Hidden)
		add(p+"self_attn.k_proj.weight", kvDim, o.Hidden)
		add(p+"self_attn.v_proj.weight", kvDim, o.Hidden)
		add(p+"self_attn.o_proj.weight", o.Hidden, o.Hidden)
		add(p+"mlp.gate_proj.weight", o.Intermediate, o.Hidden)
		add(p+"mlp.up_proj.weight", o.Intermediate, o.Hidden)
		add(p+"mlp.down_proj.weight", o.Hidden, o.Intermediate)
	}
	if err := safetensors.WriteF32(filepath.Join(dir, safetensors.SingleFileName), tensors, map[string]string{"format": "pt"}); err != nil {
		return err
	}
	return WriteTokenizer(dir)
}

// WriteTokenizer writes a SentencePiece-style tokenizer.json and
// tokenizer_config.json over Vocab.
func WriteTokenizer(dir string) error {
	vocab := make(map[string]int, len(Vocab))
	for i, tok := range Vocab {
		vocab[tok] = i
	}
	tok := map[string]any{
		"version": "1.0",
		"added_tokens": []map[string]any{
			{"id": 0, "content": "<unk>", "special": true},
			{"id": 1, "content": "<s>", "special": true},
			{"id": 2, "content": "</s>", "special": true},
		},
		"normalizer": map[string]any{"type": "Sequence", "normalizers": []map[string]any{
			{"type": "Prepend", "prepend": "▁"},
			{"type": "Replace", "pattern": map[string]string{"String": " "}, "content": "▁"},
		}},
		"pre_tokenizer": nil,
		"post_processor": map[string]any{
			"type": "TemplateProcessing",
			"single": []map[string]any{
				{"SpecialToken": map[string]any{"id": "<s>", "type_id": 0}},
				{"Sequence": map[string]any{"id": "A", "type_id": 0}},
			},
			"special_tokens": map[string]any{"<s>": map[string]any{"id": "<s>", "ids": []int{1}, "tokens": []string{"<s>"}}},
		},
		"decoder": map[string]any{"type": "Sequence", "decoders": []map[string]any{
			{"type": "Replace", "pattern": map[string]string{"String": "▁"}, "content": " "},
			{"type": "ByteFallback"},
			{"type": "Fuse"},
			{"type": "Strip", "content": " ", "start": 1, "stop": 0},
		}},
		"model": map[string]any{
			"type":          "BPE",
			"unk_token":     "<unk>",
			"byte_fallback": true,
			"vocab":         vocab,
			"merges":        merges,
		},
	}
	if err := writeJSON(filepath.Join(dir, "tokenizer.json"), tok); err != nil {
		return err
	}
	return writeJSON(filepath.Join(dir, "tokenizer_config.json"), map[string]any{
		"add_bos_token": true,
		"add_eos_token": false,
		"bos_token":     "<s>",
		"eos_token":     "</s>",
		"unk_token":     "<unk>",
	})
}

// AdapterOptions sizes the toy adapter.
type AdapterOptions struct {
	Rank          int
	Alpha         float64
	TargetModules []string
	Seed          int64
}

// WriteAdapter writes adapter_config.json and adapter_model.safetensors for
// a model previously written with the same Options.
func WriteAdapter(dir string, opts Options, aopts AdapterOptions) error {
	o := opts.withDefaults()
	if aopts.Rank == 0 {
		aopts.Rank = 2
	}
	if aopts.Alpha == 0 {
		aopts.Alpha = 4
	}
	if len(aopts.TargetModules) == 0 {
		aopts.TargetModules = []string{"q_proj", "v_proj"}
	}
	if aopts.Seed == 0 {
		aopts.Seed = 7
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	cfg := map[string]any{
		"base_model_name_or_path": "toy-llama",
		"peft_type":               "LORA",
		"task_type":               "CAUSAL_LM",
		"r":                       aopts.Rank,
		"lora_alpha":              aopts.Alpha,
		"lora_dropout":            0.05,
		"target_modules":          aopts.TargetModules,
		"fan_in_fan_out":          false,
		"bias":                    "none",
	}
	if err := writeJSON(filepath.Join(dir, "adapter_config.json"), cfg); err != nil {
		return err
	}

	headDim := o.Hidden / o.Heads
	dims := map[string][2]int{
		"q_proj":    {o.Hidden, o.Hidden},
		"k_proj":    {o.KVHeads * headDim, o.Hidden},
		"v_proj":    {o.KVHeads * headDim, o.Hidden},
		"o_proj":    {o.Hidden, o.Hidden},
		"gate_proj": {o.Intermediate, o.Hidden},
		"up_proj":   {o.Intermediate, o.Hidden},
		"down_proj": {o.Hidden, o.Intermediate},
	}
	rng := rand.New(rand.NewSource(aopts.Seed))
	var tensors []safetensors.Tensor
	for l := range o.Layers {
		for _, target := range aopts.TargetModules {
			d, ok := dims[target]
			if !ok {
				return fmt.Errorf("toy: unknown target module %q", target)
			}
			group := "self_attn"
			if target == "gate_proj" || target == "up_proj" || target == "down_proj" {
				group = "mlp"
			}
			base := fmt.Sprintf("base_model.model.model.layers.%d.%s.%s", l, group, target)
			tensors = append(tensors,
				safetensors.Tensor{Name: base + ".lora_A.weight", Shape: []int{aopts.Rank, d[1]}, Data: randData(rng, []int{aopts.Rank, d[1]}, 0.5)},
				safetensors.Tensor{Name: base + ".lora_B.weight", Shape: []int{d[0], aopts.Rank}, Data: randData(rng, []int{d[0], aopts.Rank}, 0.5)},
			)
		}
	}
	return safetensors.WriteF32(filepath.Join(dir, "adapter_model.safetensors"), tensors, nil)
}

func randData(rng *rand.Rand, shape []int, scale float32) []float32 {
	n := 1
	for _, d := range shape {
		n *= d
	}
	out := make([]float32, n)
	for i := range out {
		out[i] = (rng.Float32()*2 - 1) * scale
	}
	return out
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
