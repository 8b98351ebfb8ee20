package model

import "fmt"

// Config describes the reward model architecture the trainer builds.
type Config struct {
	VocabSize int     `json:"vocab_size"`
	BlockSize int     `json:"block_size"` // maximum sequence length
	EmbedDim  int     `json:"embed_dim"`
	NumLayers int     `json:"num_layers"`
	NumHeads  int     `json:"num_heads"`
	FFHidden  int     `json:"ff_hidden"`
	Dropout   float64 `json:"dropout"`

	// PadTokenID marks padding positions so attention ignores them and the
	// reward reads from the last real token.
	PadTokenID int `json:"pad_token_id"`

	// UseCache toggles the inference-time KV cache. Training always runs
	// without it; the flag is forced off while gradient checkpointing is
	// requested and is persisted for downstream consumers.
	UseCache bool `json:"use_cache"`
}

// Validate checks architectural consistency.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize)
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.EmbedDim <= 0 || c.NumHeads <= 0 || c.NumLayers <= 0 || c.FFHidden <= 0 {
		return fmt.Errorf("embed_dim, num_heads, num_layers and ff_hidden must be positive")
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("embed_dim %d is not divisible by num_heads %d", c.EmbedDim, c.NumHeads)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if c.PadTokenID < 0 || c.PadTokenID >= c.VocabSize {
		return fmt.Errorf("pad_token_id %d outside vocab of size %d", c.PadTokenID, c.VocabSize)
	}
	return nil
}
