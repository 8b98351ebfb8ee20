package config

import (
	"fmt"
	"os"
	"strings"
)

// Config represents the complete trainer configuration
type Config struct {
	Model     ModelConfig     `toml:"model"`
	Tokenizer TokenizerConfig `toml:"tokenizer"`
	Dataset   DatasetConfig   `toml:"dataset"`
	LoRA      LoRAConfig      `toml:"lora"`
	Training  TrainingConfig  `toml:"training"`
	Hub       HubConfig       `toml:"hub"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Output    OutputConfig    `toml:"output"`
}

// ModelConfig identifies the base model and how to prepare it
type ModelConfig struct {
	Name          string `toml:"name"`           // Local artifact directory or hub repo id
	TokenizerName string `toml:"tokenizer_name"` // Defaults to Name
	AdapterPath   string `toml:"adapter_path"`   // Optional pretrained adapter stacked under the fresh one

	// GradientCheckpointing disables the inference cache on the assembled
	// model, matching how checkpointed backbones are configured.
	GradientCheckpointing bool `toml:"gradient_checkpointing"`

	// Precision of the training arithmetic. Only fp32 is supported; fp16
	// and bf16 requests are rejected by name at validation.
	Precision string `toml:"precision"`

	Arch ArchConfig `toml:"arch"` // Architecture for freshly initialized models
}

// ArchConfig sizes a freshly initialized base model (the init command)
type ArchConfig struct {
	VocabSize int     `toml:"vocab_size"` // 0 = size to the tokenizer vocabulary
	BlockSize int     `toml:"block_size"`
	EmbedDim  int     `toml:"embed_dim"`
	NumLayers int     `toml:"num_layers"`
	NumHeads  int     `toml:"num_heads"`
	FFHidden  int     `toml:"ff_hidden"`
	Dropout   float64 `toml:"dropout"`
}

// TokenizerConfig holds tokenization settings
type TokenizerConfig struct {
	MaxLength   int    `toml:"max_length"`   // Length cap for the filter and the collator
	PaddingSide string `toml:"padding_side"` // "right" (default) or "left"

	// Explicit special-token overrides. Empty means keep whatever the
	// artifact or the model family provides.
	PadToken string `toml:"pad_token"`
	BOSToken string `toml:"bos_token"`
	EOSToken string `toml:"eos_token"`
	UNKToken string `toml:"unk_token"`
}

// DatasetConfig locates and shapes the preference dataset
type DatasetConfig struct {
	Name     string `toml:"name"`      // Hub dataset repo id
	TrainDir string `toml:"train_dir"` // Directory inside the dataset repo
	EvalDir  string `toml:"eval_dir"`

	TrainFile string `toml:"train_file"` // Local JSONL overrides; skip the hub entirely
	EvalFile  string `toml:"eval_file"`
	CacheDir  string `toml:"cache_dir"` // Where hub downloads land

	Split          string `toml:"split"`        // e.g. "train[:10%]"
	TrainSubset    int    `toml:"train_subset"` // 0 = everything after the split
	EvalSubset     int    `toml:"eval_subset"`
	NumWorkers     int    `toml:"num_workers"`  // Parallel tokenization workers
	ShuffleSeed    int64  `toml:"shuffle_seed"` // 0 = keep file order
	PromptTemplate string `toml:"prompt_template"`
}

// LoRAConfig holds low-rank adapter hyperparameters
type LoRAConfig struct {
	R             int      `toml:"r"`
	Alpha         float64  `toml:"alpha"`
	Dropout       float64  `toml:"dropout"`
	TargetModules []string `toml:"target_modules"`
}

// TrainingConfig holds the optimization settings
type TrainingConfig struct {
	LearningRate   float64 `toml:"learning_rate"`
	TrainBatchSize int     `toml:"train_batch_size"`
	EvalBatchSize  int     `toml:"eval_batch_size"`
	GradAccumSteps int     `toml:"grad_accum_steps"`
	WeightDecay    float64 `toml:"weight_decay"`
	Epochs         int     `toml:"epochs"`
	Optimizer      string  `toml:"optimizer"`    // "adamw" or "sgd"
	Momentum       float64 `toml:"momentum"`     // sgd only
	LRScheduler    string  `toml:"lr_scheduler"` // "linear", "cosine" or "constant"
	WarmupSteps    int     `toml:"warmup_steps"`
	MaxGradNorm    float64 `toml:"max_grad_norm"` // 0 disables clipping
	EvalSteps      int     `toml:"eval_steps"`    // 0 disables step-interval evaluation
	SaveSteps      int     `toml:"save_steps"`    // 0 disables step-interval checkpoints
	LoggingSteps   int     `toml:"logging_steps"`
	Seed           int64   `toml:"seed"`

	// DataParallel shards each micro-batch across this many goroutines
	// with averaged gradients.
	DataParallel int `toml:"data_parallel"`

	ResumeFromCheckpoint bool   `toml:"resume_from_checkpoint"`
	ResumeFromSession    string `toml:"resume_from_session"` // Session directory to resume from

	// OutputName prefixes the final adapter directory:
	// <output_name>_peft_last_checkpoint under the session directory.
	OutputName string `toml:"output_name"`
}

// HubConfig holds Hugging Face Hub settings
type HubConfig struct {
	Endpoint           string `toml:"endpoint"`
	PushToHub          bool   `toml:"push_to_hub"`
	PushRepo           string `toml:"push_repo"` // e.g. "samhog/psychology-alpaca-rm"
	Private            bool   `toml:"private"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
	MaxRetries         int    `toml:"max_retries"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
}

// MetricsConfig controls the Prometheus exposition endpoint
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// OutputConfig holds output locations
type OutputConfig struct {
	Dir string `toml:"dir"` // Sessions live under this directory
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	HuggingFaceToken string
}

const (
	// MaxWorkers is the maximum allowed preprocessing concurrency
	MaxWorkers = 256
	// MaxDataParallel is the maximum gradient-worker fan-out
	MaxDataParallel = 64
	// MaxBatchSize is the maximum allowed batch size
	MaxBatchSize = 1024
)

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	switch strings.ToLower(c.Model.Precision) {
	case "", "fp32":
	case "fp16", "bf16":
		return fmt.Errorf("model.precision %q is not supported, training runs in fp32", c.Model.Precision)
	default:
		return fmt.Errorf("model.precision must be fp32 (got %q)", c.Model.Precision)
	}

	if c.Tokenizer.MaxLength < 1 {
		return fmt.Errorf("tokenizer.max_length must be at least 1")
	}
	if c.Tokenizer.PaddingSide != "right" && c.Tokenizer.PaddingSide != "left" {
		return fmt.Errorf("tokenizer.padding_side must be right or left (got %q)", c.Tokenizer.PaddingSide)
	}

	if c.Dataset.TrainFile == "" && c.Dataset.Name == "" {
		return fmt.Errorf("dataset.name or dataset.train_file is required")
	}
	if c.Dataset.Split == "" {
		return fmt.Errorf("dataset.split is required")
	}
	if c.Dataset.TrainSubset < 0 || c.Dataset.EvalSubset < 0 {
		return fmt.Errorf("dataset subsets must not be negative")
	}
	if c.Dataset.NumWorkers < 1 {
		return fmt.Errorf("dataset.num_workers must be at least 1")
	}
	if c.Dataset.NumWorkers > MaxWorkers {
		return fmt.Errorf("dataset.num_workers must not exceed %d (got %d)", MaxWorkers, c.Dataset.NumWorkers)
	}
	if c.Dataset.PromptTemplate == "" {
		return fmt.Errorf("dataset.prompt_template is required")
	}

	if c.LoRA.R < 1 {
		return fmt.Errorf("lora.r must be at least 1")
	}
	if c.LoRA.Alpha <= 0 {
		return fmt.Errorf("lora.alpha must be positive")
	}
	if c.LoRA.Dropout < 0 || c.LoRA.Dropout >= 1 {
		return fmt.Errorf("lora.dropout must be in [0, 1) (got %g)", c.LoRA.Dropout)
	}
	if len(c.LoRA.TargetModules) == 0 {
		return fmt.Errorf("lora.target_modules must not be empty")
	}

	t := &c.Training
	if t.LearningRate <= 0 {
		return fmt.Errorf("training.learning_rate must be positive (got %g)", t.LearningRate)
	}
	if t.TrainBatchSize < 1 || t.EvalBatchSize < 1 {
		return fmt.Errorf("training batch sizes must be at least 1")
	}
	if t.TrainBatchSize > MaxBatchSize || t.EvalBatchSize > MaxBatchSize {
		return fmt.Errorf("training batch sizes must not exceed %d", MaxBatchSize)
	}
	if t.GradAccumSteps < 1 {
		return fmt.Errorf("training.grad_accum_steps must be at least 1")
	}
	if t.WeightDecay < 0 {
		return fmt.Errorf("training.weight_decay must not be negative")
	}
	if t.Epochs < 1 {
		return fmt.Errorf("training.epochs must be at least 1")
	}
	switch t.Optimizer {
	case "adamw", "sgd":
	default:
		return fmt.Errorf("training.optimizer must be adamw or sgd (got %q)", t.Optimizer)
	}
	switch t.LRScheduler {
	case "linear", "cosine", "constant":
	default:
		return fmt.Errorf("training.lr_scheduler must be linear, cosine or constant (got %q)", t.LRScheduler)
	}
	if t.WarmupSteps < 0 {
		return fmt.Errorf("training.warmup_steps must not be negative")
	}
	if t.MaxGradNorm < 0 {
		return fmt.Errorf("training.max_grad_norm must not be negative")
	}
	if t.EvalSteps < 0 || t.SaveSteps < 0 || t.LoggingSteps < 0 {
		return fmt.Errorf("training step intervals must not be negative")
	}
	if t.DataParallel < 1 {
		return fmt.Errorf("training.data_parallel must be at least 1")
	}
	if t.DataParallel > MaxDataParallel {
		return fmt.Errorf("training.data_parallel must not exceed %d (got %d)", MaxDataParallel, t.DataParallel)
	}
	if t.OutputName == "" {
		return fmt.Errorf("training.output_name is required")
	}

	if c.Hub.PushToHub && c.Hub.PushRepo == "" {
		return fmt.Errorf("hub.push_repo is required when hub.push_to_hub is enabled")
	}
	if c.Hub.RateLimitPerMinute < 1 {
		return fmt.Errorf("hub.rate_limit_per_minute must be at least 1")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	return nil
}

// TokenizerSource returns where the tokenizer artifact lives.
func (c *Config) TokenizerSource() string {
	if c.Model.TokenizerName != "" {
		return c.Model.TokenizerName
	}
	return c.Model.Name
}

// FinalAdapterDir returns the directory name the trained adapter is saved
// under at the end of a run.
func (c *Config) FinalAdapterDir() string {
	return c.Training.OutputName + "_peft_last_checkpoint"
}

// LoadSecrets loads sensitive credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{}

	secrets.HuggingFaceToken = os.Getenv("HUGGING_FACE_TOKEN")
	if secrets.HuggingFaceToken == "" {
		// hf_cli compatible fallback
		secrets.HuggingFaceToken = os.Getenv("HF_TOKEN")
	}

	return secrets, nil
}
