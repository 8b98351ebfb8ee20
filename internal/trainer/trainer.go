// Package trainer runs the preference fine-tuning loop: chosen and rejected
// answers are scored by the reward model, ranked with a pairwise log-sigmoid
// loss, and only the adapter weights move.
package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lamim/rewardforge/internal/checkpoint"
	"github.com/lamim/rewardforge/internal/collate"
	"github.com/lamim/rewardforge/internal/config"
	"github.com/lamim/rewardforge/internal/engine"
	"github.com/lamim/rewardforge/internal/metrics"
	"github.com/lamim/rewardforge/internal/model"
	"github.com/lamim/rewardforge/internal/writer"
	"github.com/lamim/rewardforge/pkg/models"
	"github.com/schollz/progressbar/v3"
)

// Data carries the preprocessed dataset into a training run.
type Data struct {
	Train    []models.TokenizedPair
	Eval     []models.TokenizedPair
	Filtered int // pairs dropped by the length filter
}

// Trainer owns one fine-tuning run end to end: batching, gradient
// accumulation, optimizer steps, evaluation and checkpointing.
type Trainer struct {
	cfg         *config.Config
	model       *model.RewardModel
	collator    *collate.Collator
	optimizer   engine.Optimizer
	history     *writer.HistoryWriter
	checkpoints *checkpoint.Manager
	collector   *metrics.Collector
	resumeMode  bool
	logger      *slog.Logger
	stats       models.SessionStats
}

// New creates a trainer. The optimizer is built here so a resumed run can
// restore its state before the first step.
func New(
	cfg *config.Config,
	rm *model.RewardModel,
	collator *collate.Collator,
	history *writer.HistoryWriter,
	checkpointMgr *checkpoint.Manager,
	collector *metrics.Collector,
	resumeMode bool,
	logger *slog.Logger,
) (*Trainer, error) {
	var opt engine.Optimizer
	switch cfg.Training.Optimizer {
	case "adamw":
		opt = engine.NewAdamW(rm.TrainableParams(), cfg.Training.WeightDecay)
	case "sgd":
		opt = engine.NewSGD(rm.TrainableParams(), cfg.Training.Momentum, cfg.Training.WeightDecay)
	default:
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Training.Optimizer)
	}

	return &Trainer{
		cfg:         cfg,
		model:       rm,
		collator:    collator,
		optimizer:   opt,
		history:     history,
		checkpoints: checkpointMgr,
		collector:   collector,
		resumeMode:  resumeMode,
		logger:      logger.With("component", "trainer"),
		stats:       models.SessionStats{StartTime: time.Now()},
	}, nil
}

// Train runs the full loop and returns the session statistics. The
// checkpoint manager is flushed and closed before Train returns, so the
// caller must not reuse it afterwards.
func (t *Trainer) Train(ctx context.Context, data Data) (stats models.SessionStats, err error) {
	defer func() {
		if cerr := t.checkpoints.SaveSync(); cerr != nil {
			t.logger.Error("Failed to save final checkpoint", "error", cerr)
			if err == nil {
				err = fmt.Errorf("final checkpoint save failed: %w", cerr)
			}
		}
		if cerr := t.checkpoints.Close(); cerr != nil {
			t.logger.Error("Failed to close checkpoint manager", "error", cerr)
			if err == nil {
				err = fmt.Errorf("checkpoint shutdown failed: %w", cerr)
			}
		}
		stats = t.stats
	}()

	tr := t.cfg.Training
	if len(data.Train) == 0 {
		return t.stats, fmt.Errorf("no training pairs after filtering")
	}

	numBatches := (len(data.Train) + tr.TrainBatchSize - 1) / tr.TrainBatchSize
	stepsPerEpoch := (numBatches + tr.GradAccumSteps - 1) / tr.GradAccumSteps
	totalSteps := tr.Epochs * stepsPerEpoch

	schedule, err := NewSchedule(tr.LRScheduler, tr.LearningRate, tr.WarmupSteps, totalSteps)
	if err != nil {
		return t.stats, err
	}

	t.stats.TrainPairs = len(data.Train)
	t.stats.EvalPairs = len(data.Eval)
	t.stats.FilteredCount = data.Filtered

	globalStep := 0
	startEpoch, startCursor := 0, 0
	resumed := false

	if t.resumeMode {
		cp := t.checkpoints.GetCheckpoint()
		switch cp.CurrentPhase {
		case models.PhaseComplete:
			return t.stats, fmt.Errorf("session already completed at step %d, nothing to resume", cp.GlobalStep)
		case models.PhaseTrain:
			if err := t.restore(cp); err != nil {
				return t.stats, fmt.Errorf("failed to restore checkpoint state: %w", err)
			}
			globalStep = cp.GlobalStep
			startEpoch = cp.Epoch
			startCursor = cp.BatchCursor
			t.stats = cp.Stats
			t.stats.StartTime = time.Now()
			resumed = true
			if cp.TotalSteps > 0 && cp.TotalSteps != totalSteps {
				t.logger.Warn("Step count changed since checkpoint",
					"checkpoint_total", cp.TotalSteps,
					"current_total", totalSteps)
			}
			t.logger.Info("Resuming training",
				"global_step", globalStep,
				"epoch", startEpoch,
				"batch_cursor", startCursor)
		}
	}

	if !resumed {
		if err := t.checkpoints.MarkPreprocessComplete(totalSteps, t.stats); err != nil {
			t.logger.Warn("Failed to save checkpoint", "error", err)
		}
	}

	t.logger.Info("Starting training",
		"train_pairs", len(data.Train),
		"eval_pairs", len(data.Eval),
		"epochs", tr.Epochs,
		"batch_size", tr.TrainBatchSize,
		"grad_accum_steps", tr.GradAccumSteps,
		"total_steps", totalSteps,
		"optimizer", tr.Optimizer,
		"lr_scheduler", tr.LRScheduler,
		"data_parallel", tr.DataParallel)

	bar := progressbar.Default(int64(totalSteps), "Training")
	if globalStep > 0 {
		_ = bar.Add(globalStep)
	}

	allParams := t.model.AllParams().Tensors()
	trainable := t.model.TrainableParams().Tensors()
	engine.ZeroGrads(allParams)

	for epoch := startEpoch; epoch < tr.Epochs; epoch++ {
		order := epochOrder(len(data.Train), tr.Seed, epoch)
		batches := sliceBatches(order, tr.TrainBatchSize)

		cursor := 0
		if epoch == startEpoch {
			cursor = startCursor
		}
		if cursor >= len(batches) {
			continue
		}

		windowLoss := 0.0
		windowSize := 0
		stepStart := time.Now()

		for cursor < len(batches) {
			select {
			case <-ctx.Done():
				t.logger.Info("Training interrupted", "global_step", globalStep)
				return t.stats, ctx.Err()
			default:
			}

			loss, tokens, err := t.microStep(data.Train, batches[cursor], epoch, cursor)
			if err != nil {
				return t.stats, fmt.Errorf("batch %d of epoch %d: %w", cursor, epoch, err)
			}
			t.collector.AddTokensProcessed(tokens)
			windowLoss += loss
			windowSize++
			cursor++

			if windowSize < tr.GradAccumSteps && cursor < len(batches) {
				continue
			}

			lr := schedule(globalStep)
			norm := engine.ClipGradNorm(trainable, tr.MaxGradNorm)
			t.optimizer.Step(lr)
			engine.ZeroGrads(allParams)
			globalStep++
			t.stats.StepsCompleted = globalStep
			_ = bar.Add(1)

			step := models.StepStats{
				Step:         globalStep,
				Epoch:        epoch,
				Loss:         windowLoss / float64(windowSize),
				LearningRate: lr,
				GradNorm:     norm,
				Duration:     time.Since(stepStart),
			}

			if tr.LoggingSteps > 0 && globalStep%tr.LoggingSteps == 0 {
				if werr := t.history.WriteStep(step); werr != nil {
					t.logger.Warn("Failed to write step record", "error", werr)
				}
				t.collector.RecordTrainStep(step.Loss, lr, norm, step.Duration)
				t.logger.Info("Step",
					"step", globalStep,
					"epoch", epoch,
					"loss", step.Loss,
					"lr", lr,
					"grad_norm", norm)
			}

			if tr.EvalSteps > 0 && globalStep%tr.EvalSteps == 0 && len(data.Eval) > 0 {
				report, eerr := t.Evaluate(ctx, data.Eval)
				if eerr != nil {
					return t.stats, fmt.Errorf("evaluation at step %d: %w", globalStep, eerr)
				}
				t.recordEval(globalStep, report)
			}

			if t.checkpoints.StepDue() {
				// Cursor already points past the consumed batches; roll it
				// into the next epoch when this step closed the current one.
				nextEpoch, nextCursor := epoch, cursor
				if cursor == len(batches) {
					nextEpoch, nextCursor = epoch+1, 0
				}
				t.checkpoints.SetTrainingState(globalStep, nextEpoch, nextCursor,
					t.optimizer.State(), t.model.TrainableParams().Export(), t.stats)
				if serr := t.checkpoints.Save(); serr != nil {
					t.logger.Warn("Failed to save checkpoint", "error", serr)
					t.collector.RecordCheckpointSave(false)
				} else {
					t.collector.RecordCheckpointSave(true)
				}
			}

			windowLoss = 0
			windowSize = 0
			stepStart = time.Now()
		}
	}

	t.stats.EndTime = time.Now()
	t.stats.TotalDuration = t.stats.EndTime.Sub(t.stats.StartTime)

	if err := t.checkpoints.MarkComplete(t.stats); err != nil {
		t.logger.Warn("Failed to save final checkpoint", "error", err)
	}

	t.logger.Info("Training complete",
		"steps", globalStep,
		"duration", t.stats.TotalDuration,
		"best_eval_loss", t.stats.BestEvalLoss,
		"best_eval_accuracy", t.stats.BestEvalAccuracy)

	return t.stats, nil
}

// restore loads trainable weights and optimizer state from a checkpoint.
func (t *Trainer) restore(cp *models.TrainingCheckpoint) error {
	if err := t.model.TrainableParams().Import(cp.Trainable); err != nil {
		return fmt.Errorf("trainable weights: %w", err)
	}
	if err := t.optimizer.LoadState(cp.Optimizer); err != nil {
		return fmt.Errorf("optimizer state: %w", err)
	}
	return nil
}

// microStep runs forward and backward for one micro-batch and returns its
// mean loss along with the number of tokens pushed through the model. The
// batch is sharded across data-parallel workers; shard losses are combined
// pair-weighted so gradients match the unsharded batch.
func (t *Trainer) microStep(pairs []models.TokenizedPair, batchIdx []int, epoch, cursor int) (float64, int, error) {
	members := make([]models.TokenizedPair, len(batchIdx))
	for i, idx := range batchIdx {
		members[i] = pairs[idx]
	}

	shards := shardPairs(members, t.cfg.Training.DataParallel)
	losses := make([]*engine.Tensor, len(shards))
	tokens := make([]int, len(shards))

	var g errgroup.Group
	for i := range shards {
		i := i
		shard := shards[i]
		rng := rand.New(rand.NewSource(noiseSeed(t.cfg.Training.Seed, epoch, cursor, i)))
		g.Go(func() error {
			batch, err := t.collator.Collate(shard)
			if err != nil {
				return err
			}
			rewardsJ, err := t.model.ForwardWith(rng, batch.InputIDsJ, batch.AttentionMaskJ, true)
			if err != nil {
				return fmt.Errorf("preferred side: %w", err)
			}
			rewardsK, err := t.model.ForwardWith(rng, batch.InputIDsK, batch.AttentionMaskK, true)
			if err != nil {
				return fmt.Errorf("dispreferred side: %w", err)
			}
			weight := float64(len(shard)) / float64(len(members))
			losses[i] = engine.Scale(PairwiseLoss(rewardsJ, rewardsK), weight)
			tokens[i] = countTokens(batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}

	loss := losses[0]
	for _, l := range losses[1:] {
		loss = engine.Add(loss, l)
	}
	item := loss.Item()

	scaled := engine.Scale(loss, 1/float64(t.cfg.Training.GradAccumSteps))
	scaled.Backward()

	total := 0
	for _, n := range tokens {
		total += n
	}
	return item, total, nil
}

// Evaluate scores every pair in inference mode and reports mean loss and
// ranking accuracy. Weights are not touched.
func (t *Trainer) Evaluate(ctx context.Context, pairs []models.TokenizedPair) (models.EvalReport, error) {
	if len(pairs) == 0 {
		return models.EvalReport{}, fmt.Errorf("no evaluation pairs")
	}

	batchSize := t.cfg.Training.EvalBatchSize
	lossSum := 0.0
	correct := 0.0

	for start := 0; start < len(pairs); start += batchSize {
		select {
		case <-ctx.Done():
			return models.EvalReport{}, ctx.Err()
		default:
		}

		end := min(start+batchSize, len(pairs))
		batch, err := t.collator.Collate(pairs[start:end])
		if err != nil {
			return models.EvalReport{}, fmt.Errorf("eval batch at %d: %w", start, err)
		}
		rewardsJ, err := t.model.Forward(batch.InputIDsJ, batch.AttentionMaskJ, false)
		if err != nil {
			return models.EvalReport{}, fmt.Errorf("eval batch at %d: %w", start, err)
		}
		rewardsK, err := t.model.Forward(batch.InputIDsK, batch.AttentionMaskK, false)
		if err != nil {
			return models.EvalReport{}, fmt.Errorf("eval batch at %d: %w", start, err)
		}

		n := float64(end - start)
		lossSum += PairwiseLoss(rewardsJ, rewardsK).Item() * n
		correct += Accuracy(rewardsJ, rewardsK) * n
	}

	total := float64(len(pairs))
	return models.EvalReport{
		Loss:     lossSum / total,
		Accuracy: correct / total,
		Pairs:    len(pairs),
	}, nil
}

func (t *Trainer) recordEval(step int, report models.EvalReport) {
	if err := t.history.WriteEval(step, report); err != nil {
		t.logger.Warn("Failed to write eval record", "error", err)
	}
	t.collector.RecordEval(report.Loss, report.Accuracy)

	if t.stats.BestEvalLoss == 0 || report.Loss < t.stats.BestEvalLoss {
		t.stats.BestEvalLoss = report.Loss
	}
	if report.Accuracy > t.stats.BestEvalAccuracy {
		t.stats.BestEvalAccuracy = report.Accuracy
	}

	t.logger.Info("Evaluation",
		"step", step,
		"eval_loss", report.Loss,
		"eval_accuracy", report.Accuracy,
		"pairs", report.Pairs)
}

// epochOrder returns the pair visit order for one epoch. Seed 0 keeps the
// dataset order, the same convention the dataset shuffle uses.
func epochOrder(n int, seed int64, epoch int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if seed == 0 {
		return order
	}
	rng := rand.New(rand.NewSource(seed + int64(epoch)))
	rng.Shuffle(n, func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}

// sliceBatches cuts an index order into batches of at most batchSize.
func sliceBatches(order []int, batchSize int) [][]int {
	batches := make([][]int, 0, (len(order)+batchSize-1)/batchSize)
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batches = append(batches, order[start:end])
	}
	return batches
}

// shardPairs splits a micro-batch into at most n contiguous shards, sized
// as evenly as possible.
func shardPairs(pairs []models.TokenizedPair, n int) [][]models.TokenizedPair {
	if n < 1 {
		n = 1
	}
	if n > len(pairs) {
		n = len(pairs)
	}
	shards := make([][]models.TokenizedPair, 0, n)
	base, extra := len(pairs)/n, len(pairs)%n
	start := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		shards = append(shards, pairs[start:start+size])
		start += size
	}
	return shards
}

// noiseSeed derives the dropout stream for one shard of one micro-batch.
// Streams stay distinct per shard and reproduce on resume.
func noiseSeed(seed int64, epoch, cursor, shard int) int64 {
	return seed + int64(epoch)<<32 + int64(cursor)<<8 + int64(shard)
}

func countTokens(batch *models.RewardBatch) int {
	n := 0
	for _, row := range batch.InputIDsJ {
		n += len(row)
	}
	for _, row := range batch.InputIDsK {
		n += len(row)
	}
	return n
}
