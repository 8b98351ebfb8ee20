package checkpoint

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/rewardforge/internal/config"
	"github.com/lamim/rewardforge/pkg/models"
)

const CheckpointFilename = "checkpoint.json"

// CheckpointVersion is bumped when the on-disk layout changes
const CheckpointVersion = 1

// Manager handles training checkpoint operations with async write support
type Manager struct {
	sessionDir  string
	checkpoint  *models.TrainingCheckpoint
	mu          sync.RWMutex
	logger      *slog.Logger
	interval    int // Save every N optimizer steps
	stepCounter int // Steps since last save
	enabled     bool

	// Async write support
	writeChan   chan *models.TrainingCheckpoint
	writeWg     sync.WaitGroup
	stopWriter  chan struct{}
	writerError error
	errorMu     sync.Mutex
	writeMu     sync.Mutex // Protects concurrent disk writes
}

// NewManager creates a new checkpoint manager
func NewManager(sessionDir string, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		sessionDir: sessionDir,
		checkpoint: &models.TrainingCheckpoint{
			Version:      CheckpointVersion,
			SessionID:    uuid.New().String(),
			CreatedAt:    time.Now(),
			CurrentPhase: models.PhasePreprocess,
			Seed:         cfg.Training.Seed,
			ConfigHash:   computeConfigHash(cfg),
		},
		logger:     logger,
		interval:   cfg.Training.SaveSteps,
		enabled:    cfg.Training.SaveSteps > 0,
		writeChan:  make(chan *models.TrainingCheckpoint, 10), // Buffer up to 10 pending writes
		stopWriter: make(chan struct{}),
	}

	if m.enabled {
		m.startAsyncWriter()
	}

	return m
}

// NewManagerFromCheckpoint creates a manager from an existing checkpoint
func NewManagerFromCheckpoint(sessionDir string, cp *models.TrainingCheckpoint, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		sessionDir: sessionDir,
		checkpoint: cp,
		logger:     logger,
		interval:   cfg.Training.SaveSteps,
		enabled:    cfg.Training.SaveSteps > 0,
		writeChan:  make(chan *models.TrainingCheckpoint, 10),
		stopWriter: make(chan struct{}),
	}

	if m.enabled {
		m.startAsyncWriter()
	}

	return m
}

// startAsyncWriter starts the background writer goroutine
func (m *Manager) startAsyncWriter() {
	m.writeWg.Add(1)
	go func() {
		defer m.writeWg.Done()
		for {
			select {
			case cp := <-m.writeChan:
				if err := m.writeCheckpointToDisk(cp); err != nil {
					m.errorMu.Lock()
					m.writerError = err
					m.errorMu.Unlock()
					m.logger.Error("Failed to write checkpoint", "error", err)
				}
			case <-m.stopWriter:
				// Drain remaining writes before stopping
				for len(m.writeChan) > 0 {
					cp := <-m.writeChan
					if err := m.writeCheckpointToDisk(cp); err != nil {
						m.logger.Error("Failed to write checkpoint during shutdown", "error", err)
					}
				}
				return
			}
		}
	}()
}

// writeCheckpointToDisk performs the actual disk write (called by async writer)
func (m *Manager) writeCheckpointToDisk(cp *models.TrainingCheckpoint) error {
	// Protect against concurrent disk writes
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	// Marshal to JSON
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	// Atomic write: write to temp file, then rename
	checkpointPath := filepath.Join(m.sessionDir, CheckpointFilename)
	tempPath := checkpointPath + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}

	if err := os.Rename(tempPath, checkpointPath); err != nil {
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}

	m.logger.Debug("Checkpoint saved", "path", checkpointPath, "step", cp.GlobalStep, "phase", cp.CurrentPhase)
	return nil
}

// Save queues checkpoint for async write
func (m *Manager) Save() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	// Create a copy to avoid race conditions
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	// Queue for async write (non-blocking if buffer has space)
	select {
	case m.writeChan <- cpCopy:
		return nil
	default:
		// Buffer full, write synchronously
		m.logger.Warn("Checkpoint write buffer full, writing synchronously")
		return m.writeCheckpointToDisk(cpCopy)
	}
}

// SaveSync performs synchronous checkpoint write
func (m *Manager) SaveSync() error {
	if !m.enabled {
		return nil
	}

	m.mu.Lock()
	m.checkpoint.LastSavedAt = time.Now()
	cpCopy := m.copyCheckpoint()
	m.mu.Unlock()

	return m.writeCheckpointToDisk(cpCopy)
}

// copyCheckpoint creates a deep copy of the checkpoint
func (m *Manager) copyCheckpoint() *models.TrainingCheckpoint {
	cp := &models.TrainingCheckpoint{
		Version:      m.checkpoint.Version,
		SessionID:    m.checkpoint.SessionID,
		CreatedAt:    m.checkpoint.CreatedAt,
		LastSavedAt:  m.checkpoint.LastSavedAt,
		CurrentPhase: m.checkpoint.CurrentPhase,
		GlobalStep:   m.checkpoint.GlobalStep,
		TotalSteps:   m.checkpoint.TotalSteps,
		Epoch:        m.checkpoint.Epoch,
		BatchCursor:  m.checkpoint.BatchCursor,
		Seed:         m.checkpoint.Seed,
		Optimizer:    copyOptimizerState(m.checkpoint.Optimizer),
		Trainable:    make(map[string]models.TensorState, len(m.checkpoint.Trainable)),
		Stats:        m.checkpoint.Stats,
		ConfigHash:   m.checkpoint.ConfigHash,
	}
	for name, ts := range m.checkpoint.Trainable {
		cp.Trainable[name] = models.TensorState{
			Shape: append([]int{}, ts.Shape...),
			Data:  append([]float64{}, ts.Data...),
		}
	}
	return cp
}

func copyOptimizerState(st models.OptimizerState) models.OptimizerState {
	out := models.OptimizerState{
		Name: st.Name,
		Step: st.Step,
		M:    make(map[string][]float64, len(st.M)),
		V:    make(map[string][]float64, len(st.V)),
	}
	for k, v := range st.M {
		out.M[k] = append([]float64{}, v...)
	}
	for k, v := range st.V {
		out.V[k] = append([]float64{}, v...)
	}
	return out
}

// Load reads checkpoint from disk
func Load(sessionDir string, logger *slog.Logger) (*models.TrainingCheckpoint, error) {
	checkpointPath := filepath.Join(sessionDir, CheckpointFilename)

	data, err := os.ReadFile(checkpointPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp models.TrainingCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}

	if cp.Version != CheckpointVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %d (expected %d)", cp.Version, CheckpointVersion)
	}

	logger.Info("Checkpoint loaded",
		"session_id", cp.SessionID,
		"phase", cp.CurrentPhase,
		"global_step", cp.GlobalStep)

	return &cp, nil
}

// MarkPreprocessComplete records that tokenization finished and training begins
func (m *Manager) MarkPreprocessComplete(totalSteps int, stats models.SessionStats) error {
	m.mu.Lock()
	m.checkpoint.CurrentPhase = models.PhaseTrain
	m.checkpoint.TotalSteps = totalSteps
	m.checkpoint.Stats = stats
	m.mu.Unlock()

	return m.SaveSync() // Use sync for phase transitions
}

// StepDue reports whether the save interval elapsed. The caller is expected
// to follow up with SetTrainingState and Save.
func (m *Manager) StepDue() bool {
	if !m.enabled {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.stepCounter++
	if m.stepCounter >= m.interval {
		m.stepCounter = 0
		return true
	}
	return false
}

// SetTrainingState records the full resumable state after an optimizer step
func (m *Manager) SetTrainingState(globalStep, epoch, batchCursor int, opt models.OptimizerState, trainable map[string]models.TensorState, stats models.SessionStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint.GlobalStep = globalStep
	m.checkpoint.Epoch = epoch
	m.checkpoint.BatchCursor = batchCursor
	m.checkpoint.Optimizer = opt
	m.checkpoint.Trainable = trainable
	m.checkpoint.Stats = stats
}

// MarkComplete marks the training run as complete
func (m *Manager) MarkComplete(stats models.SessionStats) error {
	m.mu.Lock()
	m.checkpoint.CurrentPhase = models.PhaseComplete
	m.checkpoint.Stats = stats
	m.mu.Unlock()

	return m.SaveSync() // Use sync for final checkpoint
}

// GetCheckpoint returns a read-only copy of the current checkpoint
func (m *Manager) GetCheckpoint() *models.TrainingCheckpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyCheckpoint()
}

// Close stops the async writer and waits for pending writes
func (m *Manager) Close() error {
	if !m.enabled {
		return nil
	}

	// Stop the writer goroutine
	close(m.stopWriter)
	m.writeWg.Wait()

	// Check for any write errors
	m.errorMu.Lock()
	defer m.errorMu.Unlock()
	return m.writerError
}

// ConfigMatches reports whether the checkpoint was written by a config that
// computes the same training run. A mismatch is worth a warning, not a hard
// failure: flag overrides legitimately change hashed fields.
func ConfigMatches(cp *models.TrainingCheckpoint, cfg *config.Config) bool {
	return cp.ConfigHash == computeConfigHash(cfg)
}

func computeConfigHash(cfg *config.Config) string {
	// Hash the config fields that decide what a training run computes
	data := fmt.Sprintf("%s:%s:%s:%d:%d:%d:%s:%d:%g:%g:%d:%d:%d",
		cfg.Model.Name,
		cfg.Dataset.Name+cfg.Dataset.TrainFile,
		cfg.Dataset.Split,
		cfg.Dataset.TrainSubset,
		cfg.Dataset.EvalSubset,
		cfg.Tokenizer.MaxLength,
		strings.Join(cfg.LoRA.TargetModules, ","),
		cfg.LoRA.R,
		cfg.LoRA.Alpha,
		cfg.Training.LearningRate,
		cfg.Training.TrainBatchSize,
		cfg.Training.GradAccumSteps,
		cfg.Training.Epochs)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8]) // First 8 bytes
}
