package main

import (
	"fmt"
	"strings"

	"github.com/samcharles93/loraserve/internal/inference"
	"github.com/urfave/cli/v3"
)

// newLoader builds an inference.Loader from the resolved model flags.
func newLoader(cmd *cli.Command) (inference.Loader, error) {
	applyModelConfig(cmd, fileConfig)
	if strings.TrimSpace(modelDir) == "" {
		return inference.Loader{}, fmt.Errorf("--model is required (or set model_dir / %s_MODEL_DIR)", envPrefix)
	}
	l := inference.Loader{
		ModelDir:            modelDir,
		AdapterDir:          adapterDir,
		TokenizerJSONPath:   tokenizerJSONPath,
		TokenizerConfigPath: tokenizerConfig,
		MaxContext:          int(maxContext),
	}
	if bosTokenID >= 0 {
		id := int(bosTokenID)
		l.BOSTokenID = &id
	}
	return l, nil
}

func genDefaults(s samplingFlags) inference.GenDefaults {
	return inference.GenDefaults{
		MaxNewTokens: int(s.maxNewTokens),
		TopK:         int(s.topK),
		Temperature:  s.temperature,
	}
}
