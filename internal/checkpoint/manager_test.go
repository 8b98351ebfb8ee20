package checkpoint

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/lamim/rewardforge/internal/config"
	"github.com/lamim/rewardforge/pkg/models"
)

func testConfig(saveSteps int) *config.Config {
	cfg := config.Default()
	cfg.Training.SaveSteps = saveSteps
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewManager(t *testing.T) {
	tempDir := t.TempDir()
	mgr := NewManager(tempDir, testConfig(10), testLogger())

	if mgr == nil {
		t.Fatal("NewManager returned nil")
		return
	}

	if mgr.sessionDir != tempDir {
		t.Errorf("Expected sessionDir %s, got %s", tempDir, mgr.sessionDir)
	}

	if mgr.interval != 10 {
		t.Errorf("Expected interval 10, got %d", mgr.interval)
	}

	if !mgr.enabled {
		t.Error("Expected enabled to be true")
	}

	cp := mgr.GetCheckpoint()
	if cp.SessionID == "" {
		t.Error("Expected a session id")
	}
	if cp.CurrentPhase != models.PhasePreprocess {
		t.Errorf("Expected preprocess phase, got %s", cp.CurrentPhase)
	}

	// Clean up
	if err := mgr.Close(); err != nil {
		t.Errorf("Close() failed: %v", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(1), logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	}()

	stats := models.SessionStats{TrainPairs: 900, EvalPairs: 450, FilteredCount: 150}
	if err := mgr.MarkPreprocessComplete(225, stats); err != nil {
		t.Fatalf("MarkPreprocessComplete failed: %v", err)
	}

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.CurrentPhase != models.PhaseTrain {
		t.Errorf("Expected phase %s, got %s", models.PhaseTrain, loaded.CurrentPhase)
	}
	if loaded.TotalSteps != 225 {
		t.Errorf("Expected 225 total steps, got %d", loaded.TotalSteps)
	}
	if loaded.Stats.TrainPairs != 900 || loaded.Stats.FilteredCount != 150 {
		t.Errorf("Stats did not survive the round trip: %+v", loaded.Stats)
	}
}

func TestStepDueInterval(t *testing.T) {
	mgr := NewManager(t.TempDir(), testConfig(3), testLogger())
	defer func() { _ = mgr.Close() }()

	want := []bool{false, false, true, false, false, true}
	for i, expected := range want {
		if got := mgr.StepDue(); got != expected {
			t.Errorf("Step %d: expected StepDue %v, got %v", i+1, expected, got)
		}
	}
}

func TestSetTrainingStateRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(1), logger)

	trainable := map[string]models.TensorState{
		"blocks.0.attn.q_proj.lora_A": {Shape: []int{4, 2}, Data: []float64{1, 2, 3, 4, 5, 6, 7, 8}},
		"score.weight":                {Shape: []int{4, 1}, Data: []float64{0.1, 0.2, 0.3, 0.4}},
	}
	opt := models.OptimizerState{
		Name: "adamw",
		Step: 42,
		M:    map[string][]float64{"score.weight": {0.01, 0.02, 0.03, 0.04}},
		V:    map[string][]float64{"score.weight": {0.001, 0.002, 0.003, 0.004}},
	}
	stats := models.SessionStats{StepsCompleted: 42, BestEvalLoss: 0.65}

	mgr.SetTrainingState(42, 0, 10, opt, trainable, stats)
	if err := mgr.SaveSync(); err != nil {
		t.Fatalf("SaveSync failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.GlobalStep != 42 || loaded.BatchCursor != 10 {
		t.Errorf("Cursor mismatch: step %d, batch %d", loaded.GlobalStep, loaded.BatchCursor)
	}
	if loaded.Optimizer.Name != "adamw" || loaded.Optimizer.Step != 42 {
		t.Errorf("Optimizer state mismatch: %+v", loaded.Optimizer)
	}
	ts, ok := loaded.Trainable["blocks.0.attn.q_proj.lora_A"]
	if !ok {
		t.Fatal("Missing trainable tensor after round trip")
	}
	if len(ts.Data) != 8 || ts.Data[7] != 8 {
		t.Errorf("Tensor data mismatch: %v", ts.Data)
	}
	m := loaded.Optimizer.M["score.weight"]
	if len(m) != 4 || m[3] != 0.04 {
		t.Errorf("Optimizer moment mismatch: %v", m)
	}
}

func TestAsyncWriteBuffer(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	mgr := NewManager(tempDir, testConfig(1), logger)

	// Queue many saves quickly to exercise the async buffer
	for step := 1; step <= 25; step++ {
		mgr.SetTrainingState(step, 0, step, models.OptimizerState{Name: "sgd", Step: step},
			map[string]models.TensorState{"score.weight": {Shape: []int{1, 1}, Data: []float64{float64(step)}}},
			models.SessionStats{StepsCompleted: step})
		if err := mgr.Save(); err != nil {
			t.Fatalf("Save at step %d failed: %v", step, err)
		}
	}

	// Close flushes all pending writes
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.GlobalStep != 25 {
		t.Errorf("Expected final step 25, got %d", loaded.GlobalStep)
	}
	if loaded.Stats.StepsCompleted != 25 {
		t.Errorf("Expected StepsCompleted 25, got %d", loaded.Stats.StepsCompleted)
	}
}

func TestCheckpointDisabledNoFiles(t *testing.T) {
	tempDir := t.TempDir()
	cfg := testConfig(500)
	cfg.Training.SaveSteps = 0 // Disabled
	mgr := NewManager(tempDir, cfg, testLogger())
	defer func() {
		if err := mgr.Close(); err != nil {
			t.Errorf("Close() failed: %v", err)
		}
	}()

	if mgr.StepDue() {
		t.Error("StepDue should be false when checkpointing is disabled")
	}
	if err := mgr.Save(); err != nil {
		t.Fatalf("Save() should not error when disabled: %v", err)
	}
	if err := mgr.SaveSync(); err != nil {
		t.Fatalf("SaveSync() should not error when disabled: %v", err)
	}

	checkpointPath := filepath.Join(tempDir, CheckpointFilename)
	if _, err := os.Stat(checkpointPath); !os.IsNotExist(err) {
		t.Error("Checkpoint file should not exist when checkpointing is disabled")
	}
}

func TestConfigHashValidation(t *testing.T) {
	cfg1 := config.Default()
	cfg2 := config.Default()
	cfg2.Training.LearningRate = 3e-4 // Different!

	hash1 := computeConfigHash(cfg1)
	hash2 := computeConfigHash(cfg2)

	if hash1 == hash2 {
		t.Error("Different configs should produce different hashes")
	}

	// Same config should produce same hash
	hash1b := computeConfigHash(cfg1)
	if hash1 != hash1b {
		t.Error("Same config should produce same hash")
	}
}

func TestLoadRejectsWrongVersion(t *testing.T) {
	tempDir := t.TempDir()
	cp := models.TrainingCheckpoint{Version: CheckpointVersion + 1, SessionID: "x"}
	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tempDir, CheckpointFilename), data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := Load(tempDir, testLogger()); err == nil {
		t.Fatal("Expected error for unsupported checkpoint version")
	}
}

func TestResumedManagerKeepsSession(t *testing.T) {
	tempDir := t.TempDir()
	logger := testLogger()
	cfg := testConfig(1)

	mgr := NewManager(tempDir, cfg, logger)
	original := mgr.GetCheckpoint()
	if err := mgr.SaveSync(); err != nil {
		t.Fatalf("SaveSync failed: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	loaded, err := Load(tempDir, logger)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	resumed := NewManagerFromCheckpoint(tempDir, loaded, cfg, logger)
	defer func() { _ = resumed.Close() }()

	if resumed.GetCheckpoint().SessionID != original.SessionID {
		t.Errorf("Expected session id %s, got %s", original.SessionID, resumed.GetCheckpoint().SessionID)
	}
	if resumed.GetCheckpoint().CreatedAt.IsZero() {
		t.Error("Expected created time to survive resume")
	}
}
