package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LORASERVE"

// Config is the loraserve configuration. It is read from config.yaml and
// then overlaid with LORASERVE_* environment variables; flags set on the
// command line win over both. Pointer fields distinguish "not set" from
// zero values.
type Config struct {
	ModelDir        string `yaml:"model_dir" split_words:"true"`
	AdapterDir      string `yaml:"adapter_dir" split_words:"true"`
	TokenizerJSON   string `yaml:"tokenizer_json" split_words:"true"`
	TokenizerConfig string `yaml:"tokenizer_config" split_words:"true"`
	BOSTokenID      *int64 `yaml:"bos_token_id" envconfig:"BOS_TOKEN_ID"`
	MaxContext      *int64 `yaml:"max_context" split_words:"true"`

	// Sampling defaults
	MaxNewTokens *int64   `yaml:"max_new_tokens" split_words:"true"`
	TopK         *int64   `yaml:"top_k" split_words:"true"`
	Temperature  *float64 `yaml:"temperature"`

	// Server
	ServerAddress string         `yaml:"server_address" split_words:"true"`
	ReadTimeout   *time.Duration `yaml:"read_timeout" split_words:"true"`
	RateLimit     *float64       `yaml:"rate_limit" split_words:"true"`
	RateBurst     *int64         `yaml:"rate_burst" split_words:"true"`

	// Output
	LogLevel  string `yaml:"log_level" split_words:"true"`
	LogFormat string `yaml:"log_format" split_words:"true"`
}

// flagSetter reports whether a flag was given on the command line.
type flagSetter interface {
	IsSet(name string) bool
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "loraserve", "config.yaml")
}

// LoadConfig reads path. A missing file is not an error unless the path was
// given explicitly.
func LoadConfig(path string, explicit bool) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// applyEnv loads .env from the working directory when present and overlays
// LORASERVE_* variables onto cfg. Variables already in the environment win
// over .env entries.
func applyEnv(cfg *Config, dotenv string) error {
	if dotenv != "" {
		if _, err := os.Stat(dotenv); err == nil {
			if err := godotenv.Load(dotenv); err != nil {
				return fmt.Errorf("could not load %s: %w", dotenv, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to check %s: %w", dotenv, err)
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// resolveConfig runs the file and environment layers.
func resolveConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	cfg, err := LoadConfig(path, explicit)
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg, ".env"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyLoggingConfig(c flagSetter, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
	if debug {
		logLevel = "debug"
	}
}

// applyModelConfig fills model and tokenizer flags that were not set.
func applyModelConfig(c flagSetter, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelDir = cfg.ModelDir
	}
	if cfg.AdapterDir != "" && !c.IsSet("adapter") {
		adapterDir = cfg.AdapterDir
	}
	if cfg.MaxContext != nil && !c.IsSet("max-context") {
		maxContext = *cfg.MaxContext
	}
	if cfg.TokenizerJSON != "" && !c.IsSet("tokenizer-json") {
		tokenizerJSONPath = cfg.TokenizerJSON
	}
	if cfg.TokenizerConfig != "" && !c.IsSet("tokenizer-config") {
		tokenizerConfig = cfg.TokenizerConfig
	}
	if cfg.BOSTokenID != nil && !c.IsSet("bos-token-id") {
		bosTokenID = *cfg.BOSTokenID
	}
}

func applySamplingConfig(c flagSetter, cfg Config, s *samplingFlags) {
	if cfg.MaxNewTokens != nil && !c.IsSet("max-new-tokens") {
		s.maxNewTokens = *cfg.MaxNewTokens
	}
	if cfg.TopK != nil && !c.IsSet("top-k") {
		s.topK = *cfg.TopK
	}
	if cfg.Temperature != nil && !c.IsSet("temperature") {
		s.temperature = *cfg.Temperature
	}
}

type serveSettings struct {
	addr        string
	readTimeout time.Duration
	rateLimit   float64
	rateBurst   int64
}

func applyServeConfig(c flagSetter, cfg Config, s *serveSettings) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		s.addr = cfg.ServerAddress
	}
	if cfg.ReadTimeout != nil && !c.IsSet("read-timeout") {
		s.readTimeout = *cfg.ReadTimeout
	}
	if cfg.RateLimit != nil && !c.IsSet("rate-limit") {
		s.rateLimit = *cfg.RateLimit
	}
	if cfg.RateBurst != nil && !c.IsSet("rate-burst") {
		s.rateBurst = *cfg.RateBurst
	}
}
