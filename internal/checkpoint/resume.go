package checkpoint

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lamim/rewardforge/internal/config"
	"github.com/lamim/rewardforge/pkg/models"
)

// ValidateCheckpoint verifies a checkpoint is compatible with the current config
func ValidateCheckpoint(cp *models.TrainingCheckpoint, cfg *config.Config) error {
	expectedHash := computeConfigHash(cfg)
	if cp.ConfigHash != expectedHash {
		return fmt.Errorf("checkpoint config mismatch: checkpoint was created with different model/data/hyperparameters (hash: %s vs %s)", cp.ConfigHash, expectedHash)
	}

	if cp.CurrentPhase == models.PhaseComplete {
		return fmt.Errorf("checkpoint is already complete, nothing to resume")
	}

	if cp.CurrentPhase == models.PhaseTrain && len(cp.Trainable) == 0 {
		return fmt.Errorf("checkpoint is mid-training but carries no trainable weights")
	}

	return nil
}

// GetProgressPercentage returns completion percentage of the training run
func GetProgressPercentage(cp *models.TrainingCheckpoint) float64 {
	if cp.TotalSteps == 0 {
		return 0.0
	}
	return float64(cp.GlobalStep) / float64(cp.TotalSteps) * 100.0
}

// SessionInfo describes one session directory found under the output dir
type SessionInfo struct {
	Name       string
	Path       string
	Checkpoint *models.TrainingCheckpoint
}

// ListSessions scans the output directory for sessions that carry a
// checkpoint, newest first
func ListSessions(outputDir string, logger *slog.Logger) ([]SessionInfo, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	var sessions []SessionInfo
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "session_") {
			continue
		}

		sessionDir := filepath.Join(outputDir, entry.Name())
		cp, err := Load(sessionDir, logger)
		if err != nil {
			logger.Debug("Skipping session without readable checkpoint", "session", entry.Name(), "error", err)
			continue
		}

		sessions = append(sessions, SessionInfo{
			Name:       entry.Name(),
			Path:       sessionDir,
			Checkpoint: cp,
		})
	}

	// Session names embed the start timestamp, so name order is time order
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Name > sessions[j].Name
	})

	return sessions, nil
}

// FindLatestResumable returns the most recent incomplete session, if any
func FindLatestResumable(outputDir string, cfg *config.Config, logger *slog.Logger) (*SessionInfo, error) {
	sessions, err := ListSessions(outputDir, logger)
	if err != nil {
		return nil, err
	}

	for i := range sessions {
		if err := ValidateCheckpoint(sessions[i].Checkpoint, cfg); err != nil {
			logger.Debug("Session not resumable", "session", sessions[i].Name, "reason", err)
			continue
		}
		return &sessions[i], nil
	}

	return nil, fmt.Errorf("no resumable session found under %s", outputDir)
}
