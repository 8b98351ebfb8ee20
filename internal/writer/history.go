package writer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lamim/rewardforge/pkg/models"
)

// HistoryWriter handles thread-safe appends to the step history file.
// Training steps and evaluation reports land in the same JSONL stream,
// distinguished by a type field.
type HistoryWriter struct {
	file   *os.File
	mu     sync.Mutex
	logger *slog.Logger
}

type stepRecord struct {
	Type         string  `json:"type"`
	Step         int     `json:"step"`
	Epoch        int     `json:"epoch"`
	Loss         float64 `json:"loss"`
	LearningRate float64 `json:"learning_rate"`
	GradNorm     float64 `json:"grad_norm"`
	DurationMS   int64   `json:"duration_ms"`
}

type evalRecord struct {
	Type     string  `json:"type"`
	Step     int     `json:"step"`
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Pairs    int     `json:"pairs"`
}

// NewHistoryWriter creates a new history writer. The file is appended to
// when it already exists so resumed runs keep their earlier history.
func NewHistoryWriter(sessionMgr *SessionManager, logger *slog.Logger) (*HistoryWriter, error) {
	historyPath := sessionMgr.GetHistoryPath()

	file, err := os.OpenFile(historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	logger.Info("Opened history file", "path", historyPath)

	return &HistoryWriter{
		file:   file,
		logger: logger,
	}, nil
}

// WriteStep appends one optimizer step to the history
func (hw *HistoryWriter) WriteStep(stats models.StepStats) error {
	return hw.writeRecord(stepRecord{
		Type:         "step",
		Step:         stats.Step,
		Epoch:        stats.Epoch,
		Loss:         stats.Loss,
		LearningRate: stats.LearningRate,
		GradNorm:     stats.GradNorm,
		DurationMS:   stats.Duration.Milliseconds(),
	})
}

// WriteEval appends one evaluation report to the history
func (hw *HistoryWriter) WriteEval(step int, report models.EvalReport) error {
	return hw.writeRecord(evalRecord{
		Type:     "eval",
		Step:     step,
		Loss:     report.Loss,
		Accuracy: report.Accuracy,
		Pairs:    report.Pairs,
	})
}

func (hw *HistoryWriter) writeRecord(record any) error {
	hw.mu.Lock()
	defer hw.mu.Unlock()

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal history record: %w", err)
	}

	if _, err := hw.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write history record: %w", err)
	}

	return nil
}

// Close closes the history file
func (hw *HistoryWriter) Close() error {
	if err := hw.file.Sync(); err != nil {
		hw.logger.Warn("Failed to sync history file", "error", err)
	}

	if err := hw.file.Close(); err != nil {
		return fmt.Errorf("failed to close history file: %w", err)
	}

	hw.logger.Info("Closed history file")
	return nil
}

// ReadHistory loads all step and eval records from a history file. It is
// used to inspect finished or interrupted sessions.
func ReadHistory(path string) ([]models.StepStats, []models.EvalReport, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)

	var steps []models.StepStats
	var evals []models.EvalReport
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, nil, fmt.Errorf("line %d: failed to parse history record: %w", lineNum, err)
		}

		switch probe.Type {
		case "step":
			var rec stepRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, nil, fmt.Errorf("line %d: failed to parse step record: %w", lineNum, err)
			}
			steps = append(steps, models.StepStats{
				Step:         rec.Step,
				Epoch:        rec.Epoch,
				Loss:         rec.Loss,
				LearningRate: rec.LearningRate,
				GradNorm:     rec.GradNorm,
				Duration:     time.Duration(rec.DurationMS) * time.Millisecond,
			})
		case "eval":
			var rec evalRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, nil, fmt.Errorf("line %d: failed to parse eval record: %w", lineNum, err)
			}
			evals = append(evals, models.EvalReport{
				Loss:     rec.Loss,
				Accuracy: rec.Accuracy,
				Pairs:    rec.Pairs,
			})
		default:
			return nil, nil, fmt.Errorf("line %d: unknown history record type %q", lineNum, probe.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed while reading history file: %w", err)
	}

	return steps, evals, nil
}
