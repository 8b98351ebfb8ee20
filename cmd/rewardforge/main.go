package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lamim/rewardforge/internal/checkpoint"
	"github.com/lamim/rewardforge/internal/collate"
	"github.com/lamim/rewardforge/internal/config"
	"github.com/lamim/rewardforge/internal/dataset"
	"github.com/lamim/rewardforge/internal/hfhub"
	"github.com/lamim/rewardforge/internal/metrics"
	"github.com/lamim/rewardforge/internal/model"
	"github.com/lamim/rewardforge/internal/tokenizer"
	"github.com/lamim/rewardforge/internal/trainer"
	"github.com/lamim/rewardforge/internal/util"
	"github.com/lamim/rewardforge/internal/writer"
	"github.com/lamim/rewardforge/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	verbose    bool

	flagLearningRate   float64
	flagTrainBatchSize int
	flagEvalBatchSize  int
	flagGradAccumSteps int
	flagEpochs         int
	flagTrainSubset    int
	flagEvalSubset     int
	flagNumWorkers     int
	flagSeed           int64
	flagDataParallel   int
	flagResume         string
	flagPushToHub      bool
	flagOutputName     string

	flagAdapterDir  string
	flagPushRepo    string
	flagPushMessage string
	flagDest        string
)

// datasetShard is the JSONL file a dataset repository holds inside each of
// its data directories.
const datasetShard = "dataset.jsonl"

func main() {
	rootCmd := &cobra.Command{
		Use:   "rewardforge",
		Short: "RewardForge - Reward Model Fine-Tuning",
		Long: `RewardForge fine-tunes a reward model on pairwise preference data.
Each training example carries one preferred and one dispreferred answer to
the same question, and the model learns to score the preferred one higher.
Only low-rank adapter weights and the scoring head train; the backbone
stays frozen.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Run the fine-tuning pipeline",
		Long: `Run the complete fine-tuning pipeline:
1. Load the preference dataset and take the configured split and subset
2. Render the prompt template and tokenize both answers of every pair
3. Assemble the frozen backbone with trainable low-rank adapters
4. Train with the pairwise ranking objective
5. Save the adapter and optionally push it to the hub`,
		RunE: runTraining,
	}
	trainCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	trainCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	trainCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	trainCmd.Flags().Float64Var(&flagLearningRate, "learning-rate", 0, "Override training.learning_rate")
	trainCmd.Flags().IntVar(&flagTrainBatchSize, "train-batch-size", 0, "Override training.train_batch_size")
	trainCmd.Flags().IntVar(&flagEvalBatchSize, "eval-batch-size", 0, "Override training.eval_batch_size")
	trainCmd.Flags().IntVar(&flagGradAccumSteps, "grad-accum-steps", 0, "Override training.grad_accum_steps")
	trainCmd.Flags().IntVar(&flagEpochs, "epochs", 0, "Override training.epochs")
	trainCmd.Flags().IntVar(&flagTrainSubset, "train-subset", 0, "Override dataset.train_subset")
	trainCmd.Flags().IntVar(&flagEvalSubset, "eval-subset", 0, "Override dataset.eval_subset")
	trainCmd.Flags().IntVar(&flagNumWorkers, "num-workers", 0, "Override dataset.num_workers")
	trainCmd.Flags().Int64Var(&flagSeed, "seed", 0, "Override training.seed")
	trainCmd.Flags().IntVar(&flagDataParallel, "data-parallel", 0, "Override training.data_parallel")
	trainCmd.Flags().StringVar(&flagResume, "resume", "", "Session directory to resume from")
	trainCmd.Flags().BoolVar(&flagPushToHub, "push-to-hub", false, "Push the trained adapter to the hub")
	trainCmd.Flags().StringVar(&flagOutputName, "output-name", "", "Override training.output_name")

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score the evaluation split and print the report",
		Long: `Evaluate a reward model on the evaluation split without training.
Pass --adapter to load trained adapter weights; without it the freshly
attached adapters are zero-initialized and the scores are those of the
base model.`,
		RunE: runEvaluation,
	}
	evaluateCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	evaluateCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	evaluateCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	evaluateCmd.Flags().StringVar(&flagAdapterDir, "adapter", "", "Adapter directory to load before evaluating")

	initCmd := &cobra.Command{
		Use:   "init <model-dir>",
		Short: "Initialize a fresh base-model artifact",
		Long: `Create a randomly initialized base model plus its tokenizer in the
given directory, sized by the [model.arch] section of the config. The
directory can then be used as model.name for training.`,
		Args: cobra.ExactArgs(1),
		RunE: runInit,
	}
	initCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints",
		Long:  "Manage training checkpoints for resuming interrupted sessions",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all available checkpoint sessions",
		Long:  "List all session directories in the output folder that contain checkpoints",
		RunE:  listCheckpoints,
	}
	listCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	inspectCmd := &cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Inspect a checkpoint",
		Long:  "Display detailed information about a checkpoint from a specific session",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}
	inspectCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")

	checkpointCmd.AddCommand(listCmd)
	checkpointCmd.AddCommand(inspectCmd)

	pushCmd := &cobra.Command{
		Use:   "push <adapter-dir>",
		Short: "Upload an adapter directory to the hub",
		Args:  cobra.ExactArgs(1),
		RunE:  runPush,
	}
	pushCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	pushCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	pushCmd.Flags().StringVar(&flagPushRepo, "repo", "", "Target repository (defaults to hub.push_repo)")
	pushCmd.Flags().StringVar(&flagPushMessage, "message", "", "Commit message for the upload")

	downloadCmd := &cobra.Command{
		Use:   "download <repo-id> <path-in-repo>",
		Short: "Fetch a dataset file from the hub",
		Args:  cobra.ExactArgs(2),
		RunE:  runDownload,
	}
	downloadCmd.Flags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	downloadCmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	downloadCmd.Flags().StringVar(&flagDest, "dest", "", "Cache directory (defaults to dataset.cache_dir)")

	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(downloadCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTraining(cmd *cobra.Command, args []string) error {
	loadEnv()

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyTrainingFlags(cmd, cfg); err != nil {
		return err
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	// Resolve the session to resume, if any.
	sessionName := cfg.Training.ResumeFromSession
	if sessionName != "" {
		if err := writer.ValidateSessionPath(cfg.Output.Dir, sessionName); err != nil {
			return fmt.Errorf("invalid session directory: %w", err)
		}
	} else if cfg.Training.ResumeFromCheckpoint {
		latest, err := checkpoint.FindLatestResumable(cfg.Output.Dir, cfg, slog.Default())
		if err != nil {
			return err
		}
		sessionName = latest.Name
	}
	resumeMode := sessionName != ""

	sessionMgr, err := writer.NewSessionManager(slog.Default(), cfg.Output.Dir, sessionName)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	logger, logFile, err := writer.SetupLogger(sessionMgr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() {
		if logFile != nil {
			_ = logFile.Sync()
			_ = logFile.Close()
		}
	}()

	logger.Info("RewardForge starting",
		"version", Version,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir(),
		"resume_mode", resumeMode)

	if !resumeMode {
		if err := sessionMgr.BackupConfig(configPath); err != nil {
			return fmt.Errorf("failed to backup config: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector(logger)
	if cfg.Metrics.Enabled {
		metrics.Serve(ctx, logger, cfg.Metrics.ListenAddr)
	}

	tok, err := loadTokenizer(cfg)
	if err != nil {
		return err
	}
	rm, err := assembleModel(cfg, tok, logger)
	if err != nil {
		return err
	}

	hub := hfhub.NewClient(cfg.Hub, secrets.HuggingFaceToken, logger)

	data, err := prepareData(ctx, cfg, tok, hub, collector, logger)
	if err != nil {
		return err
	}

	var checkpointMgr *checkpoint.Manager
	if resumeMode {
		cp, err := checkpoint.Load(sessionMgr.GetSessionDir(), logger)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if !checkpoint.ConfigMatches(cp, cfg) {
			logger.Warn("Config changed since the checkpoint was written, resuming anyway",
				"checkpoint_hash", cp.ConfigHash)
		}
		if cp.Seed != cfg.Training.Seed {
			// The seed drives the per-epoch batch order; changing it would
			// desync the saved batch cursor.
			logger.Warn("Adopting the checkpoint seed to keep the batch order aligned",
				"checkpoint_seed", cp.Seed,
				"config_seed", cfg.Training.Seed)
			cfg.Training.Seed = cp.Seed
		}
		checkpointMgr = checkpoint.NewManagerFromCheckpoint(sessionMgr.GetSessionDir(), cp, cfg, logger)
	} else {
		checkpointMgr = checkpoint.NewManager(sessionMgr.GetSessionDir(), cfg, logger)
	}

	history, err := writer.NewHistoryWriter(sessionMgr, logger)
	if err != nil {
		return fmt.Errorf("failed to create history writer: %w", err)
	}
	defer func() {
		if err := history.Close(); err != nil {
			logger.Error("failed to close history writer", "error", err)
		}
	}()

	t, err := trainer.New(cfg, rm, collate.New(tok, cfg.Tokenizer.MaxLength), history, checkpointMgr, collector, resumeMode, logger)
	if err != nil {
		return err
	}

	stats, err := t.Train(ctx, data)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			name := filepath.Base(sessionMgr.GetSessionDir())
			logger.Warn("Training interrupted - resume from checkpoint",
				"session_dir", name,
				"resume_command", fmt.Sprintf("rewardforge train --resume %s", name))
			return fmt.Errorf("training interrupted (resume with --resume %s)", name)
		}
		return fmt.Errorf("training failed: %w", err)
	}

	if err := sessionMgr.WriteSummary(stats); err != nil {
		logger.Warn("Failed to write summary", "error", err)
	}

	adapterDir := sessionMgr.AdapterDir(cfg.FinalAdapterDir())
	if err := rm.SaveAdapter(adapterDir, cfg.Model.Name); err != nil {
		return fmt.Errorf("failed to save adapter: %w", err)
	}
	logger.Info("Adapter saved", "dir", adapterDir)

	if cfg.Hub.PushToHub {
		if secrets.HuggingFaceToken == "" {
			return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set for uploads")
		}
		if err := hub.EnsureRepo(ctx, cfg.Hub.PushRepo); err != nil {
			return fmt.Errorf("failed to prepare hub repo: %w", err)
		}
		message := fmt.Sprintf("Upload %s (run %s)", cfg.FinalAdapterDir(), shortRunID())
		uploaded, err := hub.PushAdapter(ctx, cfg.Hub.PushRepo, adapterDir, message)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		collector.AddHubUploadBytes(uploaded)
		logger.Info("Adapter pushed", "repo", cfg.Hub.PushRepo, "bytes", uploaded)
	}

	logger.Info("All done! 🎉")
	return nil
}

// applyTrainingFlags copies explicitly set flags over the loaded config and
// re-validates the result.
func applyTrainingFlags(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("learning-rate") {
		cfg.Training.LearningRate = flagLearningRate
	}
	if fl.Changed("train-batch-size") {
		cfg.Training.TrainBatchSize = flagTrainBatchSize
	}
	if fl.Changed("eval-batch-size") {
		cfg.Training.EvalBatchSize = flagEvalBatchSize
	}
	if fl.Changed("grad-accum-steps") {
		cfg.Training.GradAccumSteps = flagGradAccumSteps
	}
	if fl.Changed("epochs") {
		cfg.Training.Epochs = flagEpochs
	}
	if fl.Changed("train-subset") {
		cfg.Dataset.TrainSubset = flagTrainSubset
	}
	if fl.Changed("eval-subset") {
		cfg.Dataset.EvalSubset = flagEvalSubset
	}
	if fl.Changed("num-workers") {
		cfg.Dataset.NumWorkers = flagNumWorkers
	}
	if fl.Changed("seed") {
		cfg.Training.Seed = flagSeed
	}
	if fl.Changed("data-parallel") {
		cfg.Training.DataParallel = flagDataParallel
	}
	if fl.Changed("output-name") {
		cfg.Training.OutputName = flagOutputName
	}
	if flagResume != "" {
		cfg.Training.ResumeFromSession = flagResume
	}
	if flagPushToHub {
		cfg.Hub.PushToHub = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration after flag overrides: %w", err)
	}
	return nil
}

// loadTokenizer reads the tokenizer artifact and applies the configured
// length cap, padding side and special tokens.
func loadTokenizer(cfg *config.Config) (*tokenizer.Tokenizer, error) {
	source := cfg.TokenizerSource()
	tok, err := tokenizer.Load(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer from %s (run `rewardforge init` to create an artifact): %w", source, err)
	}
	tok.MaxLength = cfg.Tokenizer.MaxLength
	tok.PaddingSide = cfg.Tokenizer.PaddingSide
	if isLlamaFamily(cfg.Model.Name) {
		tok.ApplyLlamaSpecials()
	}
	tok.ApplyOverrides(specialOverrides(cfg))
	if err := tok.EnsurePadToken(); err != nil {
		return nil, fmt.Errorf("tokenizer from %s: %w", source, err)
	}
	return tok, nil
}

func specialOverrides(cfg *config.Config) tokenizer.SpecialTokens {
	return tokenizer.SpecialTokens{
		PAD: cfg.Tokenizer.PadToken,
		BOS: cfg.Tokenizer.BOSToken,
		EOS: cfg.Tokenizer.EOSToken,
		UNK: cfg.Tokenizer.UNKToken,
	}
}

func isLlamaFamily(name string) bool {
	return strings.Contains(strings.ToLower(name), "llama")
}

// assembleModel loads the frozen backbone and attaches the trainable
// adapters, optionally stacking a pretrained adapter underneath.
func assembleModel(cfg *config.Config, tok *tokenizer.Tokenizer, logger *slog.Logger) (*model.RewardModel, error) {
	rm, err := model.LoadBase(cfg.Model.Name, cfg.Training.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to load base model from %s: %w", cfg.Model.Name, err)
	}
	if tok.VocabSize() > rm.Cfg.VocabSize {
		return nil, fmt.Errorf("tokenizer has %d tokens but the model embeds only %d", tok.VocabSize(), rm.Cfg.VocabSize)
	}
	if pad := tok.PadID(); pad != rm.Cfg.PadTokenID {
		return nil, fmt.Errorf("tokenizer pad id %d does not match the model pad id %d", pad, rm.Cfg.PadTokenID)
	}
	if cfg.Model.GradientCheckpointing {
		rm.Cfg.UseCache = false
	}

	lora := model.LoRAConfig{
		R:             cfg.LoRA.R,
		Alpha:         cfg.LoRA.Alpha,
		Dropout:       cfg.LoRA.Dropout,
		TargetModules: cfg.LoRA.TargetModules,
	}
	if err := rm.Attach(lora); err != nil {
		return nil, fmt.Errorf("failed to attach adapters: %w", err)
	}
	if cfg.Model.AdapterPath != "" {
		if err := rm.StackAdapter(cfg.Model.AdapterPath); err != nil {
			return nil, fmt.Errorf("failed to stack adapter from %s: %w", cfg.Model.AdapterPath, err)
		}
		logger.Info("Stacked pretrained adapter", "path", cfg.Model.AdapterPath)
	}

	logger.Info("Model assembled",
		"base", cfg.Model.Name,
		"vocab_size", rm.Cfg.VocabSize,
		"layers", rm.Cfg.NumLayers,
		"trainable_tensors", len(rm.TrainableParams().Names()),
		"lora_r", cfg.LoRA.R)
	return rm, nil
}

// prepareData loads, splits and tokenizes both dataset splits.
func prepareData(ctx context.Context, cfg *config.Config, tok *tokenizer.Tokenizer, hub *hfhub.Client, collector *metrics.Collector, logger *slog.Logger) (trainer.Data, error) {
	tmpl, err := util.CompilePromptTemplate(cfg.Dataset.PromptTemplate)
	if err != nil {
		return trainer.Data{}, fmt.Errorf("invalid prompt template: %w", err)
	}

	trainPairs, err := loadSplit(ctx, cfg, hub, cfg.Dataset.TrainFile, cfg.Dataset.TrainDir, cfg.Dataset.TrainSubset)
	if err != nil {
		return trainer.Data{}, fmt.Errorf("failed to load training data: %w", err)
	}
	evalPairs, err := loadSplit(ctx, cfg, hub, cfg.Dataset.EvalFile, cfg.Dataset.EvalDir, cfg.Dataset.EvalSubset)
	if err != nil {
		return trainer.Data{}, fmt.Errorf("failed to load evaluation data: %w", err)
	}

	pre := &dataset.Preprocessor{
		Tok:          tok,
		Template:     tmpl,
		MaxLength:    cfg.Tokenizer.MaxLength,
		NumWorkers:   cfg.Dataset.NumWorkers,
		Logger:       logger,
		ShowProgress: true,
	}
	trainTok, trainStats, err := pre.Run(ctx, trainPairs)
	if err != nil {
		return trainer.Data{}, fmt.Errorf("failed to preprocess training data: %w", err)
	}
	evalTok, evalStats, err := pre.Run(ctx, evalPairs)
	if err != nil {
		return trainer.Data{}, fmt.Errorf("failed to preprocess evaluation data: %w", err)
	}

	filtered := trainStats.Dropped + evalStats.Dropped
	collector.AddExamplesFiltered(filtered)
	logger.Info("Dataset prepared",
		"train_pairs", len(trainTok),
		"eval_pairs", len(evalTok),
		"filtered", filtered)

	return trainer.Data{Train: trainTok, Eval: evalTok, Filtered: filtered}, nil
}

// loadSplit reads one dataset split from a local file or the hub cache and
// applies the split expression, shuffle and subset.
func loadSplit(ctx context.Context, cfg *config.Config, hub *hfhub.Client, localFile, remoteDir string, subset int) ([]models.PreferencePair, error) {
	file := localFile
	if file == "" {
		if cfg.Dataset.Name == "" {
			return nil, nil
		}
		var err error
		file, err = hub.FetchDatasetFile(ctx, cfg.Dataset.Name, path.Join(remoteDir, datasetShard), cfg.Dataset.CacheDir)
		if err != nil {
			return nil, err
		}
	}
	pairs, _, err := dataset.LoadJSONL(file)
	if err != nil {
		return nil, err
	}
	return dataset.Select(pairs, cfg.Dataset.Split, subset, cfg.Dataset.ShuffleSeed)
}

func runEvaluation(cmd *cobra.Command, args []string) error {
	loadEnv()

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	logger := stderrLogger(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tok, err := loadTokenizer(cfg)
	if err != nil {
		return err
	}
	rm, err := assembleModel(cfg, tok, logger)
	if err != nil {
		return err
	}
	if flagAdapterDir != "" {
		if err := rm.LoadAdapterWeights(flagAdapterDir); err != nil {
			return fmt.Errorf("failed to load adapter from %s: %w", flagAdapterDir, err)
		}
		logger.Info("Loaded adapter weights", "dir", flagAdapterDir)
	}

	hub := hfhub.NewClient(cfg.Hub, secrets.HuggingFaceToken, logger)
	evalPairs, err := loadSplit(ctx, cfg, hub, cfg.Dataset.EvalFile, cfg.Dataset.EvalDir, cfg.Dataset.EvalSubset)
	if err != nil {
		return fmt.Errorf("failed to load evaluation data: %w", err)
	}

	tmpl, err := util.CompilePromptTemplate(cfg.Dataset.PromptTemplate)
	if err != nil {
		return fmt.Errorf("invalid prompt template: %w", err)
	}
	pre := &dataset.Preprocessor{
		Tok:          tok,
		Template:     tmpl,
		MaxLength:    cfg.Tokenizer.MaxLength,
		NumWorkers:   cfg.Dataset.NumWorkers,
		Logger:       logger,
		ShowProgress: true,
	}
	evalTok, _, err := pre.Run(ctx, evalPairs)
	if err != nil {
		return fmt.Errorf("failed to preprocess evaluation data: %w", err)
	}

	t, err := trainer.New(cfg, rm, collate.New(tok, cfg.Tokenizer.MaxLength), nil, nil, metrics.NewCollector(logger), false, logger)
	if err != nil {
		return err
	}
	report, err := t.Evaluate(ctx, evalTok)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	fmt.Printf("Evaluated %d pairs\n", report.Pairs)
	fmt.Printf("  loss:     %.4f\n", report.Loss)
	fmt.Printf("  accuracy: %.4f\n", report.Accuracy)
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := args[0]

	cfg, _, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	tok := tokenizer.New(cfg.Tokenizer.MaxLength)
	tok.PaddingSide = cfg.Tokenizer.PaddingSide
	tok.ApplyLlamaSpecials()
	tok.ApplyOverrides(specialOverrides(cfg))

	arch := cfg.Model.Arch
	vocab := arch.VocabSize
	if vocab == 0 {
		vocab = tok.VocabSize()
	}
	if vocab < tok.VocabSize() {
		return fmt.Errorf("model.arch.vocab_size %d is smaller than the tokenizer vocabulary %d", vocab, tok.VocabSize())
	}

	mcfg := model.Config{
		VocabSize:  vocab,
		BlockSize:  arch.BlockSize,
		EmbedDim:   arch.EmbedDim,
		NumLayers:  arch.NumLayers,
		NumHeads:   arch.NumHeads,
		FFHidden:   arch.FFHidden,
		Dropout:    arch.Dropout,
		PadTokenID: tok.PadID(),
		UseCache:   !cfg.Model.GradientCheckpointing,
	}
	rm, err := model.New(mcfg, cfg.Training.Seed)
	if err != nil {
		return fmt.Errorf("failed to initialize model: %w", err)
	}
	if err := rm.SaveBase(dir); err != nil {
		return err
	}
	if err := tok.Save(dir); err != nil {
		return err
	}

	fmt.Printf("Initialized model artifact in %s\n", dir)
	fmt.Printf("  vocab %d, block %d, embed %d, layers %d, heads %d\n",
		mcfg.VocabSize, mcfg.BlockSize, mcfg.EmbedDim, mcfg.NumLayers, mcfg.NumHeads)
	return nil
}

func runPush(cmd *cobra.Command, args []string) error {
	adapterDir := args[0]

	loadEnv()
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	repoID := flagPushRepo
	if repoID == "" {
		repoID = cfg.Hub.PushRepo
	}
	if repoID == "" {
		return fmt.Errorf("--repo must be specified (or hub.push_repo set) to push")
	}
	if secrets.HuggingFaceToken == "" {
		return fmt.Errorf("HUGGING_FACE_TOKEN environment variable must be set for uploads")
	}

	logger := stderrLogger(slog.LevelInfo)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := hfhub.NewClient(cfg.Hub, secrets.HuggingFaceToken, logger)
	if err := hub.EnsureRepo(ctx, repoID); err != nil {
		return fmt.Errorf("failed to prepare hub repo: %w", err)
	}
	message := flagPushMessage
	if message == "" {
		message = fmt.Sprintf("Upload %s (run %s)", filepath.Base(adapterDir), shortRunID())
	}
	uploaded, err := hub.PushAdapter(ctx, repoID, adapterDir, message)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	fmt.Printf("Pushed %s to %s (%d bytes)\n", adapterDir, repoID, uploaded)
	return nil
}

func runDownload(cmd *cobra.Command, args []string) error {
	repoID, remote := args[0], args[1]

	loadEnv()
	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	dest := flagDest
	if dest == "" {
		dest = cfg.Dataset.CacheDir
	}

	logger := stderrLogger(slog.LevelInfo)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := hfhub.NewClient(cfg.Hub, secrets.HuggingFaceToken, logger)
	local, err := hub.FetchDatasetFile(ctx, repoID, remote, dest)
	if err != nil {
		return fmt.Errorf("download failed: %w", err)
	}

	fmt.Printf("Downloaded to %s\n", local)
	return nil
}

// listCheckpoints lists all session directories holding a checkpoint
func listCheckpoints(cmd *cobra.Command, args []string) error {
	outputDir := "output"
	if cfg, _, err := config.Load(configPath); err == nil {
		outputDir = cfg.Output.Dir
	}

	sessions, err := checkpoint.ListSessions(outputDir, quietLogger())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("No output directory found. Run a training first.")
			return nil
		}
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No session directories found.")
		return nil
	}

	fmt.Println("Available sessions:")
	fmt.Println()
	fmt.Printf("%-35s %-12s %-12s %s\n", "SESSION", "PHASE", "STEP", "PROGRESS")
	fmt.Println(strings.Repeat("-", 72))
	for _, s := range sessions {
		cp := s.Checkpoint
		step := fmt.Sprintf("%d/%d", cp.GlobalStep, cp.TotalSteps)
		fmt.Printf("%-35s %-12s %-12s %.1f%%\n", s.Name, string(cp.CurrentPhase), step, checkpoint.GetProgressPercentage(cp))
	}
	return nil
}

// inspectCheckpoint displays detailed information about a checkpoint
func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	sessionName := args[0]

	outputDir := "output"
	if cfg, _, err := config.Load(configPath); err == nil {
		outputDir = cfg.Output.Dir
	}
	if err := writer.ValidateSessionPath(outputDir, sessionName); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	fullPath := filepath.Join(outputDir, sessionName)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("session directory not found: %s", sessionName)
	}

	cp, err := checkpoint.Load(fullPath, quietLogger())
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint information for: %s\n", sessionName)
	fmt.Println(strings.Repeat("=", 72))
	fmt.Printf("Session ID:     %s\n", cp.SessionID)
	fmt.Printf("Created At:     %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last Saved At:  %s\n", cp.LastSavedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Current Phase:  %s\n", cp.CurrentPhase)
	fmt.Printf("Config Hash:    %s\n", cp.ConfigHash)
	fmt.Printf("Seed:           %d\n", cp.Seed)
	fmt.Println()

	fmt.Println("Training progress:")
	fmt.Printf("  Step:          %d / %d (%.1f%%)\n", cp.GlobalStep, cp.TotalSteps, checkpoint.GetProgressPercentage(cp))
	fmt.Printf("  Epoch:         %d\n", cp.Epoch)
	fmt.Printf("  Batch Cursor:  %d\n", cp.BatchCursor)
	fmt.Println()

	fmt.Println("Statistics:")
	fmt.Printf("  Train Pairs:   %d\n", cp.Stats.TrainPairs)
	fmt.Printf("  Eval Pairs:    %d\n", cp.Stats.EvalPairs)
	fmt.Printf("  Filtered:      %d\n", cp.Stats.FilteredCount)
	fmt.Printf("  Steps Done:    %d\n", cp.Stats.StepsCompleted)
	if cp.Stats.BestEvalLoss > 0 {
		fmt.Printf("  Best Eval:     loss %.4f, accuracy %.4f\n", cp.Stats.BestEvalLoss, cp.Stats.BestEvalAccuracy)
	}
	fmt.Printf("  Duration:      %s\n", cp.Stats.TotalDuration)
	fmt.Println()

	if cp.CurrentPhase != models.PhaseComplete {
		fmt.Println("To resume this session, run:")
		fmt.Printf("  rewardforge train --resume %s\n", sessionName)
	} else {
		fmt.Println("This session is complete.")
	}
	return nil
}

func shortRunID() string {
	return uuid.New().String()[:8]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func stderrLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadEnv loads the env file into the process environment. A missing file
// is fine; anything else prints a warning and continues.
func loadEnv() {
	if envFile == "" {
		return
	}
	if err := loadEnvFile(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
	}
}

// loadEnvFile parses KEY=VALUE lines, skipping comments and blanks.
func loadEnvFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		if err := os.Setenv(strings.TrimSpace(key), value); err != nil {
			return err
		}
	}
	return nil
}
