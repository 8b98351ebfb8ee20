package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/lamim/rewardforge/internal/util"
)

// Load reads and parses the configuration file and environment variables
func Load(configPath string) (*Config, *Secrets, error) {
	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse TOML
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Additional input security validation
	if err := cfg.ValidateInputs(); err != nil {
		return nil, nil, fmt.Errorf("input validation failed: %w", err)
	}

	// Load secrets from environment
	secrets, err := LoadSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load secrets: %w", err)
	}

	return &cfg, secrets, nil
}

// Default returns a fully defaulted configuration, the same one Load
// produces for an empty file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for optional configuration fields.
// NOTE: In TOML, we can't distinguish 0 from unset. Fields whose zero value
// is meaningful (weight_decay, max_grad_norm, step intervals, subsets) use:
// - Unset (0) → the documented default
// - Explicitly set to -1 → the feature is disabled / zero
// - Any positive number → use that value
func applyDefaults(cfg *Config) {
	// Model defaults
	if cfg.Model.Name == "" {
		cfg.Model.Name = "decapoda-research/llama-7b-hf"
	}
	if cfg.Model.Precision == "" {
		cfg.Model.Precision = "fp32"
	}
	applyArchDefaults(&cfg.Model.Arch)

	// Tokenizer defaults
	if cfg.Tokenizer.MaxLength == 0 {
		cfg.Tokenizer.MaxLength = 512
	}
	if cfg.Tokenizer.PaddingSide == "" {
		cfg.Tokenizer.PaddingSide = "right"
	}

	// Dataset defaults
	if cfg.Dataset.Name == "" && cfg.Dataset.TrainFile == "" {
		cfg.Dataset.Name = "samhog/stack-exchange-mini"
	}
	if cfg.Dataset.TrainDir == "" {
		cfg.Dataset.TrainDir = "data/reward"
	}
	if cfg.Dataset.EvalDir == "" {
		cfg.Dataset.EvalDir = "data/evaluation"
	}
	if cfg.Dataset.CacheDir == "" {
		cfg.Dataset.CacheDir = "cache"
	}
	if cfg.Dataset.Split == "" {
		cfg.Dataset.Split = "train[:10%]"
	}
	cfg.Dataset.TrainSubset = defaultCount(cfg.Dataset.TrainSubset, 1000)
	cfg.Dataset.EvalSubset = defaultCount(cfg.Dataset.EvalSubset, 500)
	if cfg.Dataset.NumWorkers == 0 {
		cfg.Dataset.NumWorkers = 24
	}
	if cfg.Dataset.PromptTemplate == "" {
		cfg.Dataset.PromptTemplate = util.DefaultPromptTemplate
	}

	// LoRA defaults
	if cfg.LoRA.R == 0 {
		cfg.LoRA.R = 8
	}
	if cfg.LoRA.Alpha == 0 {
		cfg.LoRA.Alpha = 32
	}
	cfg.LoRA.Dropout = defaultRate(cfg.LoRA.Dropout, 0.1)
	if len(cfg.LoRA.TargetModules) == 0 {
		cfg.LoRA.TargetModules = []string{"q_proj", "v_proj"}
	}

	// Training defaults
	t := &cfg.Training
	if t.LearningRate == 0 {
		t.LearningRate = 2e-5
	}
	if t.TrainBatchSize == 0 {
		t.TrainBatchSize = 4
	}
	if t.EvalBatchSize == 0 {
		t.EvalBatchSize = 1
	}
	if t.GradAccumSteps == 0 {
		t.GradAccumSteps = 1
	}
	t.WeightDecay = defaultRate(t.WeightDecay, 0.001)
	if t.Epochs == 0 {
		t.Epochs = 1
	}
	if t.Optimizer == "" {
		t.Optimizer = "adamw"
	}
	if t.Momentum == 0 {
		t.Momentum = 0.9
	}
	if t.LRScheduler == "" {
		t.LRScheduler = "linear"
	}
	t.MaxGradNorm = defaultRate(t.MaxGradNorm, 1.0)
	t.EvalSteps = defaultCount(t.EvalSteps, 500)
	t.SaveSteps = defaultCount(t.SaveSteps, 500)
	t.LoggingSteps = defaultCount(t.LoggingSteps, 10)
	if t.Seed == 0 {
		t.Seed = 42
	}
	if t.DataParallel == 0 {
		t.DataParallel = 1
	}
	if t.OutputName == "" {
		t.OutputName = "lora-alpaca"
	}

	// Hub defaults
	if cfg.Hub.Endpoint == "" {
		cfg.Hub.Endpoint = "https://huggingface.co"
	}
	if cfg.Hub.RateLimitPerMinute == 0 {
		cfg.Hub.RateLimitPerMinute = 60
	}
	if cfg.Hub.MaxRetries == 0 {
		cfg.Hub.MaxRetries = 3
	}
	if cfg.Hub.HTTPTimeoutSeconds == 0 {
		cfg.Hub.HTTPTimeoutSeconds = 120
	}

	// Metrics defaults
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}

	// Output defaults
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = "output"
	}
}

func applyArchDefaults(a *ArchConfig) {
	if a.BlockSize == 0 {
		a.BlockSize = 512
	}
	if a.EmbedDim == 0 {
		a.EmbedDim = 256
	}
	if a.NumLayers == 0 {
		a.NumLayers = 4
	}
	if a.NumHeads == 0 {
		a.NumHeads = 4
	}
	if a.FFHidden == 0 {
		a.FFHidden = 4 * a.EmbedDim
	}
	a.Dropout = defaultRate(a.Dropout, 0.1)
}

func defaultCount(v, def int) int {
	if v == 0 {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}

func defaultRate(v, def float64) float64 {
	if v == 0 {
		return def
	}
	if v < 0 {
		return 0
	}
	return v
}
