package adapter

import (
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/dlclark/regexp2"
	"github.com/goccy/go-json"
)

// Config is the PEFT adapter_config.json.
type Config struct {
	PeftType      string             `json:"peft_type"`
	TaskType      string             `json:"task_type"`
	BaseModel     string             `json:"base_model_name_or_path"`
	R             int                `json:"r"`
	LoraAlpha     float64            `json:"lora_alpha"`
	LoraDropout   float64            `json:"lora_dropout"`
	TargetModules json.RawMessage    `json:"target_modules"`
	FanInFanOut   bool               `json:"fan_in_fan_out"`
	UseRSLoRA     bool               `json:"use_rslora"`
	RankPattern   map[string]int     `json:"rank_pattern"`
	AlphaPattern  map[string]float64 `json:"alpha_pattern"`
	Bias          string             `json:"bias"`

	targets     []string
	targetRegex *regexp2.Regexp
}

func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse adapter_config.json: %w", err)
	}
	if cfg.PeftType != "" && !strings.EqualFold(cfg.PeftType, "LORA") {
		return nil, fmt.Errorf("unsupported peft_type %q: only LORA adapters can be merged", cfg.PeftType)
	}
	if cfg.R <= 0 {
		return nil, fmt.Errorf("adapter_config.json: r must be > 0, got %d", cfg.R)
	}
	if cfg.LoraAlpha == 0 {
		cfg.LoraAlpha = 8
	}
	if cfg.Bias != "" && cfg.Bias != "none" {
		return nil, fmt.Errorf("adapter_config.json: bias %q is not supported", cfg.Bias)
	}

	if len(cfg.TargetModules) > 0 && string(cfg.TargetModules) != "null" {
		var list []string
		if err := json.Unmarshal(cfg.TargetModules, &list); err == nil {
			cfg.targets = list
		} else {
			var pattern string
			if err := json.Unmarshal(cfg.TargetModules, &pattern); err != nil {
				return nil, fmt.Errorf("adapter_config.json: target_modules must be a list or a regex string")
			}
			// PEFT applies re.fullmatch, lookarounds included.
			re, err := regexp2.Compile("^(?:"+pattern+")$", regexp2.Unicode|regexp2.RE2)
			if err != nil {
				return nil, fmt.Errorf("adapter_config.json: target_modules: %w", err)
			}
			cfg.targetRegex = re
		}
	}
	return &cfg, nil
}

// Targets returns target_modules when given as a list.
func (c *Config) Targets() []string { return c.targets }

// Targeted reports whether module (e.g. model.layers.0.self_attn.q_proj) is
// covered by target_modules. An empty target list accepts every module.
func (c *Config) Targeted(module string) bool {
	if c.targetRegex != nil {
		ok, err := c.targetRegex.MatchString(module)
		return err == nil && ok
	}
	if len(c.targets) == 0 {
		return true
	}
	for _, t := range c.targets {
		if module == t || strings.HasSuffix(module, "."+t) {
			return true
		}
	}
	return false
}

// Scale returns the merge factor for module with the given rank, honouring
// alpha_pattern and use_rslora.
func (c *Config) Scale(module string, rank int) float64 {
	alpha := c.LoraAlpha
	if a, ok := matchPattern(c.AlphaPattern, module); ok {
		alpha = a
	}
	if c.UseRSLoRA {
		return alpha / math.Sqrt(float64(rank))
	}
	return alpha / float64(rank)
}

// ExpectedRank returns r, or the rank_pattern override for module.
func (c *Config) ExpectedRank(module string) int {
	if r, ok := matchPattern(c.RankPattern, module); ok {
		return r
	}
	return c.R
}

func matchPattern[T any](patterns map[string]T, module string) (T, bool) {
	var zero T
	best := ""
	for key := range patterns {
		if (module == key || strings.HasSuffix(module, "."+key)) && len(key) > len(best) {
			best = key
		}
	}
	if best == "" {
		return zero, false
	}
	return patterns[best], true
}
