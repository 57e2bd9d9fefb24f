package main

import "github.com/urfave/cli/v3"

var (
	configFile        string
	modelDir          string
	adapterDir        string
	maxContext        int64
	bosTokenID        int64
	tokenizerJSONPath string
	tokenizerConfig   string
	logLevel          string
	logFormat         string
	debug             bool
)

func globalFlags() []cli.Flag {
	return append([]cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default $XDG_CONFIG_HOME/loraserve/config.yaml)",
			Destination: &configFile,
		},
	}, loggingFlags()...)
}

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "base model directory (config.json, *.safetensors, tokenizer.json)",
			Destination: &modelDir,
		},
		&cli.StringFlag{
			Name:        "adapter",
			Aliases:     []string{"a"},
			Usage:       "PEFT LoRA adapter directory (adapter_config.json, adapter_model.safetensors)",
			Destination: &adapterDir,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"ctx", "c"},
			Usage:       "max context length (0 uses max_position_embeddings)",
			Value:       0,
			Destination: &maxContext,
		},
	}
}

func commonTokenizerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "tokenizer-json",
			Usage:       "override path to tokenizer.json",
			Destination: &tokenizerJSONPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer-config",
			Usage:       "override path to tokenizer_config.json",
			Destination: &tokenizerConfig,
		},
		&cli.Int64Flag{
			Name:        "bos-token-id",
			Usage:       "force the BOS token id (-1 keeps the tokenizer's own)",
			Value:       1,
			Destination: &bosTokenID,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// samplingFlags are shared by generate and serve; for serve they set the
// defaults applied to requests that omit a field.
type samplingFlags struct {
	maxNewTokens int64
	topK         int64
	temperature  float64
}

func (s *samplingFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n"},
			Usage:       "maximum number of generated tokens",
			Value:       50,
			Destination: &s.maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "top-k sampling (<= 0 disables)",
			Value:       200,
			Destination: &s.topK,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (<= 0 is greedy)",
			Value:       0.8,
			Destination: &s.temperature,
		},
	}
}
