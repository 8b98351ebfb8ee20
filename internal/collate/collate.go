// Package collate assembles training batches from tokenized preference
// pairs. The preferred and dispreferred sides are padded independently,
// each to its own longest sequence in the batch.
package collate

import (
	"fmt"

	"github.com/lamim/rewardforge/internal/tokenizer"
	"github.com/lamim/rewardforge/pkg/models"
)

// Collator pads pair batches with the tokenizer's pad token.
type Collator struct {
	Tok *tokenizer.Tokenizer
	// MaxLength bounds padded lengths; sequences beyond it are rejected
	// because the dataset filter should have dropped them already.
	MaxLength int
}

// New returns a collator writing batches capped at maxLength.
func New(tok *tokenizer.Tokenizer, maxLength int) *Collator {
	return &Collator{Tok: tok, MaxLength: maxLength}
}

// Collate pads the j side to the longest j sequence and the k side to the
// longest k sequence. The two maxima are independent. ReturnLoss is always
// set: every batch carries enough to compute the pairwise loss.
func (c *Collator) Collate(pairs []models.TokenizedPair) (*models.RewardBatch, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if c.Tok.PadID() < 0 {
		return nil, fmt.Errorf("tokenizer has no pad token")
	}

	maxJ, maxK := 0, 0
	for i, p := range pairs {
		if len(p.InputIDsJ) > c.MaxLength || len(p.InputIDsK) > c.MaxLength {
			return nil, fmt.Errorf("pair %d exceeds max length %d", i, c.MaxLength)
		}
		if len(p.InputIDsJ) > maxJ {
			maxJ = len(p.InputIDsJ)
		}
		if len(p.InputIDsK) > maxK {
			maxK = len(p.InputIDsK)
		}
	}

	encsJ := make([]tokenizer.Encoding, len(pairs))
	encsK := make([]tokenizer.Encoding, len(pairs))
	for i, p := range pairs {
		encsJ[i] = tokenizer.Encoding{InputIDs: p.InputIDsJ, AttentionMask: p.AttentionMaskJ}
		encsK[i] = tokenizer.Encoding{InputIDs: p.InputIDsK, AttentionMask: p.AttentionMaskK}
	}
	encsJ = c.Tok.Pad(encsJ, maxJ)
	encsK = c.Tok.Pad(encsK, maxK)

	batch := &models.RewardBatch{
		InputIDsJ:      make([][]int, len(pairs)),
		AttentionMaskJ: make([][]int, len(pairs)),
		InputIDsK:      make([][]int, len(pairs)),
		AttentionMaskK: make([][]int, len(pairs)),
		ReturnLoss:     true,
	}
	for i := range pairs {
		batch.InputIDsJ[i] = encsJ[i].InputIDs
		batch.AttentionMaskJ[i] = encsJ[i].AttentionMask
		batch.InputIDsK[i] = encsK[i].InputIDs
		batch.AttentionMaskK[i] = encsK[i].AttentionMask
	}
	return batch, nil
}
