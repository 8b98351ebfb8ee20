package models

import "time"

// TrainingPhase represents the current phase of a training session
type TrainingPhase string

const (
	PhasePreprocess TrainingPhase = "preprocess"
	PhaseTrain      TrainingPhase = "train"
	PhaseComplete   TrainingPhase = "complete"
)

// TensorState is the serialized form of one weight tensor
type TensorState struct {
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// OptimizerState captures optimizer moments so a resumed run continues
// exactly where the interrupted one stopped
type OptimizerState struct {
	Name string               `json:"name"` // "adamw" or "sgd"
	Step int                  `json:"step"` // Bias-correction timestep
	M    map[string][]float64 `json:"m"`    // First moments, keyed by parameter name
	V    map[string][]float64 `json:"v"`    // Second moments (momentum buffers for sgd)
}

// TrainingCheckpoint represents the saved state of a training session
type TrainingCheckpoint struct {
	// Session identification
	Version     int       `json:"version"`
	SessionID   string    `json:"session_id"`    // UUID for this session
	CreatedAt   time.Time `json:"created_at"`    // When session started
	LastSavedAt time.Time `json:"last_saved_at"` // Last checkpoint time

	// Phase tracking
	CurrentPhase TrainingPhase `json:"current_phase"`

	// Training cursor
	GlobalStep  int   `json:"global_step"`  // Optimizer steps completed
	TotalSteps  int   `json:"total_steps"`  // Optimizer steps planned for the whole run
	Epoch       int   `json:"epoch"`        // Zero-based epoch in progress
	BatchCursor int   `json:"batch_cursor"` // Batches consumed within the epoch
	Seed        int64 `json:"seed"`         // RNG seed the run started with

	// Trainable state
	Optimizer OptimizerState         `json:"optimizer"`
	Trainable map[string]TensorState `json:"trainable"` // Adapter and head weights

	// Statistics (cumulative)
	Stats SessionStats `json:"stats"`

	// Configuration snapshot (for validation)
	ConfigHash string `json:"config_hash"` // SHA256 of config for mismatch detection
}
