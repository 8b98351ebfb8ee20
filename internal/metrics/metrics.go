package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Training metrics
	trainLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardforge_train_loss",
			Help: "Pairwise preference loss of the most recent optimizer step",
		},
	)

	learningRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardforge_learning_rate",
			Help: "Learning rate applied at the most recent optimizer step",
		},
	)

	gradNorm = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardforge_grad_norm",
			Help: "Pre-clip gradient norm of the most recent optimizer step",
		},
	)

	trainSteps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardforge_train_steps_total",
			Help: "Total number of completed optimizer steps",
		},
	)

	stepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rewardforge_step_duration_seconds",
			Help:    "Optimizer step duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
		},
	)

	// Evaluation metrics
	evalLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardforge_eval_loss",
			Help: "Pairwise preference loss of the most recent evaluation pass",
		},
	)

	evalAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rewardforge_eval_accuracy",
			Help: "Pairwise ranking accuracy of the most recent evaluation pass",
		},
	)

	// Data metrics
	examplesFiltered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardforge_examples_filtered_total",
			Help: "Total preference pairs dropped by the length filter",
		},
	)

	tokensProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardforge_tokens_processed_total",
			Help: "Total tokens pushed through the model during training",
		},
	)

	// Artifact metrics
	checkpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rewardforge_checkpoint_saves_total",
			Help: "Total checkpoint save attempts",
		},
		[]string{"status"}, // "success" or "error"
	)

	hubUploadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rewardforge_hub_upload_bytes_total",
			Help: "Total bytes uploaded to the hub",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{
		logger: logger,
	}
}

// RecordTrainStep records one completed optimizer step
func (c *Collector) RecordTrainStep(loss, lr, norm float64, duration time.Duration) {
	trainLoss.Set(loss)
	learningRate.Set(lr)
	gradNorm.Set(norm)
	trainSteps.Inc()
	stepDuration.Observe(duration.Seconds())
}

// RecordEval records the outcome of an evaluation pass
func (c *Collector) RecordEval(loss, accuracy float64) {
	evalLoss.Set(loss)
	evalAccuracy.Set(accuracy)
}

// AddExamplesFiltered counts pairs dropped by the length filter
func (c *Collector) AddExamplesFiltered(n int) {
	examplesFiltered.Add(float64(n))
}

// AddTokensProcessed counts tokens consumed by forward passes
func (c *Collector) AddTokensProcessed(n int) {
	tokensProcessed.Add(float64(n))
}

// RecordCheckpointSave counts a checkpoint save attempt
func (c *Collector) RecordCheckpointSave(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	checkpointSaves.WithLabelValues(status).Inc()
}

// AddHubUploadBytes counts bytes pushed to the hub
func (c *Collector) AddHubUploadBytes(n int64) {
	hubUploadBytes.Add(float64(n))
}

// Serve exposes /metrics on addr until ctx is canceled
func Serve(ctx context.Context, logger *slog.Logger, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics endpoint failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	return srv
}
