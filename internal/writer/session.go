package writer

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lamim/rewardforge/pkg/models"
)

// SessionManager manages session directories and files
type SessionManager struct {
	sessionDir string
	logger     *slog.Logger
}

// NewSessionManager creates a new session manager under outputDir. When
// resumeFromSession names an existing session directory the run continues
// there, otherwise a timestamped directory is created.
func NewSessionManager(logger *slog.Logger, outputDir, resumeFromSession string) (*SessionManager, error) {
	if outputDir == "" {
		outputDir = "output"
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	var sessionDir string
	if resumeFromSession != "" {
		// Resume mode: use existing session directory
		sessionDir = filepath.Join(outputDir, resumeFromSession)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming from existing session", "path", sessionDir)
	} else {
		// New session: create timestamped directory
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		sessionDir = filepath.Join(outputDir, "session_"+timestamp)

		if err := os.MkdirAll(sessionDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}

		logger.Info("Created new session directory", "path", sessionDir)
	}

	return &SessionManager{
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// GetSessionDir returns the session directory path
func (sm *SessionManager) GetSessionDir() string {
	return sm.sessionDir
}

// GetLogPath returns the full path to the session log file
func (sm *SessionManager) GetLogPath() string {
	return filepath.Join(sm.sessionDir, "session.log")
}

// GetHistoryPath returns the full path to the step history file
func (sm *SessionManager) GetHistoryPath() string {
	return filepath.Join(sm.sessionDir, "history.jsonl")
}

// GetSummaryPath returns the full path to the run summary file
func (sm *SessionManager) GetSummaryPath() string {
	return filepath.Join(sm.sessionDir, "summary.json")
}

// GetConfigBackupPath returns the full path to the config backup
func (sm *SessionManager) GetConfigBackupPath() string {
	return filepath.Join(sm.sessionDir, "config.toml.bak")
}

// AdapterDir returns the path of a named adapter directory inside the session
func (sm *SessionManager) AdapterDir(name string) string {
	return filepath.Join(sm.sessionDir, name)
}

// BackupConfig copies the config file to the session directory
func (sm *SessionManager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	backupPath := sm.GetConfigBackupPath()
	if err := os.WriteFile(backupPath, source, 0644); err != nil {
		return fmt.Errorf("failed to write config backup: %w", err)
	}

	sm.logger.Info("Backed up config file", "path", backupPath)
	return nil
}

// WriteSummary persists the final session statistics as summary.json
func (sm *SessionManager) WriteSummary(stats models.SessionStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session summary: %w", err)
	}
	if err := os.WriteFile(sm.GetSummaryPath(), data, 0644); err != nil {
		return fmt.Errorf("failed to write session summary: %w", err)
	}
	sm.logger.Info("Wrote session summary", "path", sm.GetSummaryPath())
	return nil
}
