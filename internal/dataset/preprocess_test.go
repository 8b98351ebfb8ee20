package dataset

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lamim/rewardforge/internal/tokenizer"
	"github.com/lamim/rewardforge/internal/util"
	"github.com/lamim/rewardforge/pkg/models"
)

func newTestPreprocessor(t *testing.T, maxLength, workers int) *Preprocessor {
	t.Helper()
	tmpl, err := util.CompilePromptTemplate(util.DefaultPromptTemplate)
	if err != nil {
		t.Fatalf("Failed to compile template: %v", err)
	}
	return &Preprocessor{
		Tok:        tokenizer.New(maxLength),
		Template:   tmpl,
		MaxLength:  maxLength,
		NumWorkers: workers,
	}
}

func TestPreprocessFilterDropsLongPairs(t *testing.T) {
	p := newTestPreprocessor(t, 40, 4)
	pairs := []models.PreferencePair{
		{Question: "a", Chosen: "b", Rejected: "c"},
		{Question: "a", Chosen: strings.Repeat("x", 100), Rejected: "c"},
		{Question: "a", Chosen: "b", Rejected: strings.Repeat("y", 100)},
		{Question: "a", Chosen: "bb", Rejected: "cc"},
	}

	tokenized, stats, err := p.Run(context.Background(), pairs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if stats.Total != 4 || stats.Kept != 2 || stats.Dropped != 2 {
		t.Errorf("Expected stats 4/2/2, got %d/%d/%d", stats.Total, stats.Kept, stats.Dropped)
	}
	if len(tokenized) != 2 {
		t.Fatalf("Expected 2 tokenized pairs, got %d", len(tokenized))
	}
	for i, tp := range tokenized {
		if len(tp.InputIDsJ) > p.MaxLength || len(tp.InputIDsK) > p.MaxLength {
			t.Errorf("Pair %d exceeds max length: j=%d k=%d", i, len(tp.InputIDsJ), len(tp.InputIDsK))
		}
	}
}

func TestPreprocessPreservesOrder(t *testing.T) {
	p := newTestPreprocessor(t, 512, 8)

	var pairs []models.PreferencePair
	for i := 0; i < 40; i++ {
		pairs = append(pairs, models.PreferencePair{
			Question: strings.Repeat("q", i+1),
			Chosen:   "a",
			Rejected: "b",
		})
	}

	tokenized, _, err := p.Run(context.Background(), pairs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(tokenized) != len(pairs) {
		t.Fatalf("Expected %d pairs, got %d", len(pairs), len(tokenized))
	}
	for i := 1; i < len(tokenized); i++ {
		if len(tokenized[i].InputIDsJ) != len(tokenized[i-1].InputIDsJ)+1 {
			t.Fatalf("Output order broken at %d: lengths %d then %d",
				i, len(tokenized[i-1].InputIDsJ), len(tokenized[i].InputIDsJ))
		}
	}
}

func TestPreprocessRendersBothSides(t *testing.T) {
	p := newTestPreprocessor(t, 512, 1)
	pairs := []models.PreferencePair{
		{Question: "Why?", Chosen: "Because.", Rejected: "No."},
	}

	tokenized, _, err := p.Run(context.Background(), pairs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(tokenized) != 1 {
		t.Fatalf("Expected 1 pair, got %d", len(tokenized))
	}

	gotJ := p.Tok.Decode(tokenized[0].InputIDsJ)
	wantJ := "Question: Why?\n\nAnswer: Because."
	if gotJ != wantJ {
		t.Errorf("Expected chosen prompt %q, got %q", wantJ, gotJ)
	}
	gotK := p.Tok.Decode(tokenized[0].InputIDsK)
	wantK := "Question: Why?\n\nAnswer: No."
	if gotK != wantK {
		t.Errorf("Expected rejected prompt %q, got %q", wantK, gotK)
	}

	for _, m := range tokenized[0].AttentionMaskJ {
		if m != 1 {
			t.Error("Expected all-ones attention mask before padding")
			break
		}
	}
}

func TestPreprocessEmptyInput(t *testing.T) {
	p := newTestPreprocessor(t, 512, 4)
	tokenized, stats, err := p.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(tokenized) != 0 || stats.Total != 0 {
		t.Errorf("Expected empty result, got %d pairs, stats %+v", len(tokenized), stats)
	}
}

func TestPreprocessCanceledContext(t *testing.T) {
	p := newTestPreprocessor(t, 512, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var pairs []models.PreferencePair
	for i := 0; i < 100; i++ {
		pairs = append(pairs, models.PreferencePair{
			Question: fmt.Sprintf("q%d", i), Chosen: "a", Rejected: "b",
		})
	}
	if _, _, err := p.Run(ctx, pairs); err == nil {
		t.Fatal("Expected error for canceled context")
	}
}
