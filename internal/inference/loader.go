package inference

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samcharles93/loraserve/internal/adapter"
	"github.com/samcharles93/loraserve/internal/logger"
	"github.com/samcharles93/loraserve/internal/model"
	"github.com/samcharles93/loraserve/internal/safetensors"
	"github.com/samcharles93/loraserve/internal/tokenizer"
)

const (
	configFileName          = "config.json"
	tokenizerFileName       = "tokenizer.json"
	tokenizerConfigFileName = "tokenizer_config.json"
)

// Loader reads a Hugging Face model directory and an optional PEFT adapter
// directory.
type Loader struct {
	ModelDir   string
	AdapterDir string

	// TokenizerJSONPath and TokenizerConfigPath override the files found in
	// ModelDir. When unset, AdapterDir is searched before ModelDir since
	// adapters are often saved with their tokenizer.
	TokenizerJSONPath   string
	TokenizerConfigPath string

	// BOSTokenID overrides the tokenizer's BOS id when set.
	BOSTokenID *int
	MaxContext int
}

func (l Loader) Load(ctx context.Context) (*EngineImpl, error) {
	if strings.TrimSpace(l.ModelDir) == "" {
		return nil, fmt.Errorf("model directory is required")
	}
	log := logger.FromContext(ctx)
	start := time.Now()
	log.Info("loading model", "model_dir", l.ModelDir, "adapter_dir", l.AdapterDir)

	cfg, err := model.LoadConfig(filepath.Join(l.ModelDir, configFileName))
	if err != nil {
		return nil, err
	}

	tok, err := l.loadTokenizer()
	if err != nil {
		return nil, err
	}
	if l.BOSTokenID != nil {
		if err := tok.SetBOSID(*l.BOSTokenID); err != nil {
			return nil, err
		}
	}
	if tok.VocabSize() > cfg.VocabSize {
		log.Warn("tokenizer vocabulary exceeds model vocabulary", "tokenizer", tok.VocabSize(), "model", cfg.VocabSize)
	}

	ckpt, err := safetensors.OpenCheckpoint(l.ModelDir)
	if err != nil {
		return nil, err
	}
	m, err := model.Load(cfg, ckpt, l.MaxContext)
	if cerr := ckpt.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}
	log.Debug("base weights loaded", "params", m.ParamCount(), "layers", cfg.NumHiddenLayers, "dtype", cfg.TorchDType)

	info := Info{
		ModelDir:      l.ModelDir,
		Arch:          cfg.ModelType,
		Tokenizer:     tok.Flavor().String(),
		ContextLength: m.ContextLength(),
		VocabSize:     tok.VocabSize(),
		Params:        m.ParamCount(),
	}

	if l.AdapterDir != "" {
		ad, err := adapter.Load(l.AdapterDir)
		if err != nil {
			return nil, err
		}
		if err := ad.Merge(ctx, m); err != nil {
			return nil, fmt.Errorf("merge adapter: %w", err)
		}
		if len(ad.Skipped) > 0 {
			log.Warn("adapter tensors ignored", "count", len(ad.Skipped), "first", ad.Skipped[0])
		}
		log.Info("adapter merged",
			"pairs", len(ad.Pairs),
			"rank", ad.Config.R,
			"alpha", ad.Config.LoraAlpha,
			"targets", ad.Config.Targets(),
			"params", ad.ParamCount(),
		)
		info.AdapterDir = l.AdapterDir
		info.BaseModel = ad.Config.BaseModel
		info.AdapterParams = ad.ParamCount()
		info.AdapterPairs = len(ad.Pairs)
	}

	stop := BuildStopTokens(tok, cfg.EOSTokenIDs())
	log.Info("model loaded",
		"seconds", fmt.Sprintf("%.02f", time.Since(start).Seconds()),
		"arch", info.Arch,
		"context", info.ContextLength,
		"stop_tokens", stop,
	)
	return NewEngine(m, tok, stop, info), nil
}

// LoadTokenizer loads only the tokenizer, for commands that do not need
// weights.
func (l Loader) LoadTokenizer() (*tokenizer.HFTokenizer, error) {
	tok, err := l.loadTokenizer()
	if err != nil {
		return nil, err
	}
	if l.BOSTokenID != nil {
		if err := tok.SetBOSID(*l.BOSTokenID); err != nil {
			return nil, err
		}
	}
	return tok, nil
}

func (l Loader) loadTokenizer() (*tokenizer.HFTokenizer, error) {
	tokJSON := l.TokenizerJSONPath
	if tokJSON == "" {
		tokJSON = l.find(tokenizerFileName)
	}
	if tokJSON == "" {
		return nil, fmt.Errorf("%s not found in %s (use --tokenizer-json to override)", tokenizerFileName, l.ModelDir)
	}
	tokCfg := l.TokenizerConfigPath
	if tokCfg == "" {
		tokCfg = l.find(tokenizerConfigFileName)
	}
	tok, err := tokenizer.LoadHFTokenizer(tokJSON, tokCfg)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return tok, nil
}

func (l Loader) find(name string) string {
	for _, dir := range []string{l.AdapterDir, l.ModelDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
