package collate

import (
	"testing"

	"github.com/lamim/rewardforge/internal/tokenizer"
	"github.com/lamim/rewardforge/pkg/models"
)

func pair(jLen, kLen int) models.TokenizedPair {
	p := models.TokenizedPair{
		InputIDsJ:      make([]int, jLen),
		AttentionMaskJ: make([]int, jLen),
		InputIDsK:      make([]int, kLen),
		AttentionMaskK: make([]int, kLen),
	}
	for i := 0; i < jLen; i++ {
		p.InputIDsJ[i] = 10 + i
		p.AttentionMaskJ[i] = 1
	}
	for i := 0; i < kLen; i++ {
		p.InputIDsK[i] = 50 + i
		p.AttentionMaskK[i] = 1
	}
	return p
}

func newCollator(maxLength int) *Collator {
	tok := tokenizer.New(maxLength)
	tok.ApplyLlamaSpecials()
	return New(tok, maxLength)
}

func TestCollateIndependentPadding(t *testing.T) {
	c := newCollator(512)
	batch, err := c.Collate([]models.TokenizedPair{pair(3, 2), pair(5, 8)})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}

	for i := range batch.InputIDsJ {
		if len(batch.InputIDsJ[i]) != 5 {
			t.Errorf("Expected j side padded to 5, got %d", len(batch.InputIDsJ[i]))
		}
		if len(batch.InputIDsK[i]) != 8 {
			t.Errorf("Expected k side padded to 8, got %d", len(batch.InputIDsK[i]))
		}
	}
	if !batch.ReturnLoss {
		t.Error("Expected ReturnLoss set on every batch")
	}
	if batch.Size() != 2 {
		t.Errorf("Expected batch size 2, got %d", batch.Size())
	}
}

func TestCollatePadContents(t *testing.T) {
	c := newCollator(512)
	padID := c.Tok.PadID()

	batch, err := c.Collate([]models.TokenizedPair{pair(2, 4), pair(4, 4)})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}

	// First pair's j side: two real tokens then two pads.
	ids := batch.InputIDsJ[0]
	mask := batch.AttentionMaskJ[0]
	if ids[0] != 10 || ids[1] != 11 {
		t.Errorf("Expected original tokens preserved, got %v", ids)
	}
	for i := 2; i < 4; i++ {
		if ids[i] != padID {
			t.Errorf("Expected pad id at %d, got %d", i, ids[i])
		}
		if mask[i] != 0 {
			t.Errorf("Expected mask 0 at %d, got %d", i, mask[i])
		}
	}
}

func TestCollateRejectsOversized(t *testing.T) {
	c := newCollator(4)
	if _, err := c.Collate([]models.TokenizedPair{pair(5, 2)}); err == nil {
		t.Error("Expected error for sequence beyond the cap")
	}
	if _, err := c.Collate([]models.TokenizedPair{pair(2, 5)}); err == nil {
		t.Error("Expected error for dispreferred side beyond the cap")
	}
}

func TestCollateEmptyBatch(t *testing.T) {
	c := newCollator(16)
	if _, err := c.Collate(nil); err == nil {
		t.Error("Expected error for empty batch")
	}
}

func TestCollateSingleton(t *testing.T) {
	c := newCollator(16)
	batch, err := c.Collate([]models.TokenizedPair{pair(3, 3)})
	if err != nil {
		t.Fatalf("Collate failed: %v", err)
	}
	if len(batch.InputIDsJ[0]) != 3 || len(batch.InputIDsK[0]) != 3 {
		t.Errorf("Expected no padding for a singleton at its own maximum")
	}
}
