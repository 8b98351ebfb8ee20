package writer

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lamim/rewardforge/pkg/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSessionManagerCreatesSessionDir(t *testing.T) {
	outputDir := t.TempDir()
	sm, err := NewSessionManager(discardLogger(), outputDir, "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	info, err := os.Stat(sm.GetSessionDir())
	if err != nil || !info.IsDir() {
		t.Fatalf("Session directory was not created: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(sm.GetSessionDir()), "session_") {
		t.Errorf("Unexpected session directory name %q", filepath.Base(sm.GetSessionDir()))
	}
	if filepath.Dir(sm.GetSessionDir()) != outputDir {
		t.Errorf("Session directory not under output dir: %q", sm.GetSessionDir())
	}
}

func TestSessionManagerResume(t *testing.T) {
	outputDir := t.TempDir()
	existing := filepath.Join(outputDir, "session_2026-01-02T03-04-05")
	if err := os.MkdirAll(existing, 0755); err != nil {
		t.Fatalf("Failed to create session dir: %v", err)
	}

	sm, err := NewSessionManager(discardLogger(), outputDir, "session_2026-01-02T03-04-05")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}
	if sm.GetSessionDir() != existing {
		t.Errorf("Expected session dir %q, got %q", existing, sm.GetSessionDir())
	}

	if _, err := NewSessionManager(discardLogger(), outputDir, "session_missing"); err == nil {
		t.Error("Expected error for missing resume session")
	}
}

func TestBackupConfig(t *testing.T) {
	outputDir := t.TempDir()
	configPath := filepath.Join(outputDir, "config.toml")
	if err := os.WriteFile(configPath, []byte("[model]\nname = \"m\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	sm, err := NewSessionManager(discardLogger(), outputDir, "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}
	if err := sm.BackupConfig(configPath); err != nil {
		t.Fatalf("BackupConfig failed: %v", err)
	}

	data, err := os.ReadFile(sm.GetConfigBackupPath())
	if err != nil {
		t.Fatalf("Failed to read backup: %v", err)
	}
	if !strings.Contains(string(data), "name = \"m\"") {
		t.Errorf("Backup content mismatch: %q", string(data))
	}
}

func TestHistoryWriterRoundTrip(t *testing.T) {
	sm, err := NewSessionManager(discardLogger(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}
	hw, err := NewHistoryWriter(sm, discardLogger())
	if err != nil {
		t.Fatalf("NewHistoryWriter failed: %v", err)
	}

	steps := []models.StepStats{
		{Step: 1, Epoch: 0, Loss: 0.71, LearningRate: 2e-5, GradNorm: 1.3, Duration: 120 * time.Millisecond},
		{Step: 2, Epoch: 0, Loss: 0.69, LearningRate: 1.9e-5, GradNorm: 0.9, Duration: 110 * time.Millisecond},
	}
	for _, s := range steps {
		if err := hw.WriteStep(s); err != nil {
			t.Fatalf("WriteStep failed: %v", err)
		}
	}
	if err := hw.WriteEval(2, models.EvalReport{Loss: 0.68, Accuracy: 0.75, Pairs: 100}); err != nil {
		t.Fatalf("WriteEval failed: %v", err)
	}
	if err := hw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	gotSteps, gotEvals, err := ReadHistory(sm.GetHistoryPath())
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(gotSteps) != 2 || len(gotEvals) != 1 {
		t.Fatalf("Expected 2 steps and 1 eval, got %d and %d", len(gotSteps), len(gotEvals))
	}
	if gotSteps[0] != steps[0] || gotSteps[1] != steps[1] {
		t.Errorf("Step records changed across round trip: %+v vs %+v", gotSteps, steps)
	}
	if gotEvals[0].Accuracy != 0.75 || gotEvals[0].Pairs != 100 {
		t.Errorf("Unexpected eval record %+v", gotEvals[0])
	}
}

func TestHistoryAppendOnResume(t *testing.T) {
	sm, err := NewSessionManager(discardLogger(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	for i := 1; i <= 2; i++ {
		hw, err := NewHistoryWriter(sm, discardLogger())
		if err != nil {
			t.Fatalf("NewHistoryWriter failed: %v", err)
		}
		if err := hw.WriteStep(models.StepStats{Step: i, Loss: 0.7}); err != nil {
			t.Fatalf("WriteStep failed: %v", err)
		}
		if err := hw.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}
	}

	gotSteps, _, err := ReadHistory(sm.GetHistoryPath())
	if err != nil {
		t.Fatalf("ReadHistory failed: %v", err)
	}
	if len(gotSteps) != 2 {
		t.Fatalf("Expected both runs in history, got %d steps", len(gotSteps))
	}
	if gotSteps[0].Step != 1 || gotSteps[1].Step != 2 {
		t.Errorf("Unexpected step order: %+v", gotSteps)
	}
}

func TestWriteSummary(t *testing.T) {
	sm, err := NewSessionManager(discardLogger(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	stats := models.SessionStats{
		TrainPairs:     900,
		EvalPairs:      450,
		FilteredCount:  150,
		StepsCompleted: 225,
		BestEvalLoss:   0.61,
	}
	if err := sm.WriteSummary(stats); err != nil {
		t.Fatalf("WriteSummary failed: %v", err)
	}

	data, err := os.ReadFile(sm.GetSummaryPath())
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	var got models.SessionStats
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	if got.TrainPairs != 900 || got.FilteredCount != 150 {
		t.Errorf("Summary round trip mismatch: %+v", got)
	}
}

func TestSetupLoggerWritesSessionLog(t *testing.T) {
	sm, err := NewSessionManager(discardLogger(), t.TempDir(), "")
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	logger, logFile, err := SetupLogger(sm, slog.LevelInfo)
	if err != nil {
		t.Fatalf("SetupLogger failed: %v", err)
	}
	logger.Info("training started", "step", 0)
	if err := logFile.Close(); err != nil {
		t.Fatalf("Failed to close log file: %v", err)
	}

	data, err := os.ReadFile(sm.GetLogPath())
	if err != nil {
		t.Fatalf("Failed to read session log: %v", err)
	}
	if !strings.Contains(string(data), "training started") {
		t.Errorf("Session log missing record: %q", string(data))
	}
	var record map[string]any
	firstLine := strings.SplitN(strings.TrimSpace(string(data)), "\n", 2)[0]
	if err := json.Unmarshal([]byte(firstLine), &record); err != nil {
		t.Errorf("Session log line is not JSON: %v", err)
	}
}
