package dataset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/schollz/progressbar/v3"

	"github.com/lamim/rewardforge/internal/tokenizer"
	"github.com/lamim/rewardforge/internal/util"
	"github.com/lamim/rewardforge/pkg/models"
)

// Stats summarizes a preprocessing run
type Stats struct {
	Total   int
	Kept    int
	Dropped int
}

// Preprocessor renders preference pairs through the prompt template and
// tokenizes both sides in parallel. Pairs where either side exceeds
// MaxLength are dropped, mirroring the length filter applied before
// reward-model training.
type Preprocessor struct {
	Tok        *tokenizer.Tokenizer
	Template   *util.PromptTemplate
	MaxLength  int
	NumWorkers int
	Logger     *slog.Logger

	// ShowProgress renders a progress bar on stderr
	ShowProgress bool
}

// Run tokenizes all pairs, preserving input order in the output. Dropped
// pairs are counted but produce no output and no error.
func (p *Preprocessor) Run(ctx context.Context, pairs []models.PreferencePair) ([]models.TokenizedPair, Stats, error) {
	stats := Stats{Total: len(pairs)}
	if len(pairs) == 0 {
		return nil, stats, nil
	}
	if p.Tok == nil || p.Template == nil {
		return nil, stats, fmt.Errorf("preprocessor requires a tokenizer and a prompt template")
	}
	workers := p.NumWorkers
	if workers < 1 {
		workers = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobCh := make(chan models.PreprocessJob)
	resultCh := make(chan models.PreprocessResult)
	var wg sync.WaitGroup

	// Start worker pool
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-jobCh:
					if !ok {
						return
					}

					tokenized, dropped, err := p.tokenizePair(job.Pair)
					res := models.PreprocessResult{Job: job, Tokenized: tokenized, Dropped: dropped, Err: err}

					select {
					case <-ctx.Done():
						return
					case resultCh <- res:
					}
				}
			}
		}()
	}

	// Feed jobs
	go func() {
		defer close(jobCh)
		for i, pair := range pairs {
			select {
			case <-ctx.Done():
				return
			case jobCh <- models.PreprocessJob{ID: i, Pair: pair}:
			}
		}
	}()

	// Close resultCh when all workers are done
	go func() {
		wg.Wait()
		close(resultCh)
	}()

	var bar *progressbar.ProgressBar
	if p.ShowProgress {
		bar = progressbar.Default(int64(len(pairs)), "Tokenizing pairs")
	}

	// Drain results in input order
	out := make([]*models.TokenizedPair, len(pairs))
	nextID := 0
	pending := make(map[int]models.PreprocessResult)
	firstDropLogged := false

	for res := range resultCh {
		if res.Err != nil {
			cancel()
			return nil, stats, fmt.Errorf("pair %d failed: %w", res.Job.ID, res.Err)
		}

		pending[res.Job.ID] = res

		for {
			nextRes, ok := pending[nextID]
			if !ok {
				break
			}

			if nextRes.Dropped {
				stats.Dropped++
				if !firstDropLogged {
					firstDropLogged = true
					logger.Debug("Dropping pair over the length limit",
						"pair", nextRes.Job.ID,
						"max_length", p.MaxLength,
						"question", util.TruncateString(nextRes.Job.Pair.Question, 80))
				}
			} else {
				out[nextID] = nextRes.Tokenized
				stats.Kept++
			}

			delete(pending, nextID)
			nextID++
			if bar != nil {
				_ = bar.Add(1)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	kept := make([]models.TokenizedPair, 0, stats.Kept)
	for _, tp := range out {
		if tp != nil {
			kept = append(kept, *tp)
		}
	}

	logger.Info("Tokenization complete",
		"total", stats.Total,
		"kept", stats.Kept,
		"dropped", stats.Dropped)

	return kept, stats, nil
}

// tokenizePair renders and encodes both sides of one pair. Encoding runs
// without truncation so the length filter sees the true sequence lengths.
func (p *Preprocessor) tokenizePair(pair models.PreferencePair) (*models.TokenizedPair, bool, error) {
	promptJ, err := p.Template.Render(pair.Question, pair.Chosen)
	if err != nil {
		return nil, false, fmt.Errorf("failed to render chosen prompt: %w", err)
	}
	promptK, err := p.Template.Render(pair.Question, pair.Rejected)
	if err != nil {
		return nil, false, fmt.Errorf("failed to render rejected prompt: %w", err)
	}

	encJ := p.Tok.Encode(promptJ, false)
	encK := p.Tok.Encode(promptK, false)

	if p.MaxLength > 0 && (len(encJ.InputIDs) > p.MaxLength || len(encK.InputIDs) > p.MaxLength) {
		return nil, true, nil
	}

	return &models.TokenizedPair{
		InputIDsJ:      encJ.InputIDs,
		AttentionMaskJ: encJ.AttentionMask,
		InputIDsK:      encK.InputIDs,
		AttentionMaskK: encK.AttentionMask,
	}, false, nil
}
