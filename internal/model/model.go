// Package model implements the reward model: a decoder-only transformer
// backbone with a scalar scoring head, plus low-rank adapters so training
// touches a small fraction of the weights.
package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/lamim/rewardforge/internal/engine"
)

// proj is a projection layer inside a block; either a plain Linear or a
// LoRALinear once adapters are attached.
type proj interface {
	forward(x *engine.Tensor, training bool, rng *rand.Rand) *engine.Tensor
	weights() *Linear
}

type block struct {
	attnNorm *engine.Tensor // 1 x d gain
	qProj    proj
	kProj    proj
	vProj    proj
	oProj    proj
	mlpNorm  *engine.Tensor
	upProj   proj
	downProj proj
}

// RewardModel scores a token sequence with a single scalar: higher means
// the answer is preferred.
type RewardModel struct {
	Cfg Config

	tokEmb *engine.Tensor // vocab x d
	posEmb *engine.Tensor // block x d
	blocks []*block
	norm   *engine.Tensor // final 1 x d gain
	score  *Linear        // d x 1, no bias

	lora      *LoRAConfig // nil until Attach
	trainable *engine.Params
	all       *engine.Params

	rng *rand.Rand
}

// New builds a randomly initialized reward model.
func New(cfg Config, seed int64) (*RewardModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	rng := rand.New(rand.NewSource(seed))
	const std = 0.02

	m := &RewardModel{
		Cfg:    cfg,
		tokEmb: engine.Randn(cfg.VocabSize, cfg.EmbedDim, std, rng),
		posEmb: engine.Randn(cfg.BlockSize, cfg.EmbedDim, 0.01, rng),
		norm:   ones(cfg.EmbedDim),
		score:  newLinear("score", cfg.EmbedDim, 1, std, rng),
		rng:    rng,
	}
	for i := 0; i < cfg.NumLayers; i++ {
		prefix := fmt.Sprintf("blocks.%d", i)
		m.blocks = append(m.blocks, &block{
			attnNorm: ones(cfg.EmbedDim),
			qProj:    newLinear(prefix+".attn.q_proj", cfg.EmbedDim, cfg.EmbedDim, std, rng),
			kProj:    newLinear(prefix+".attn.k_proj", cfg.EmbedDim, cfg.EmbedDim, std, rng),
			vProj:    newLinear(prefix+".attn.v_proj", cfg.EmbedDim, cfg.EmbedDim, std, rng),
			oProj:    newLinear(prefix+".attn.o_proj", cfg.EmbedDim, cfg.EmbedDim, std/math.Sqrt(2*float64(cfg.NumLayers)), rng),
			mlpNorm:  ones(cfg.EmbedDim),
			upProj:   newLinear(prefix+".mlp.up_proj", cfg.EmbedDim, cfg.FFHidden, std, rng),
			downProj: newLinear(prefix+".mlp.down_proj", cfg.FFHidden, cfg.EmbedDim, std/math.Sqrt(2*float64(cfg.NumLayers)), rng),
		})
	}
	m.rebuildParams()
	return m, nil
}

func ones(n int) *engine.Tensor {
	t := engine.New(1, n)
	for i := range t.Data {
		t.Data[i] = 1
	}
	return t
}

// rebuildParams refreshes the all/trainable registries. Before adapters are
// attached every weight is trainable; afterwards only adapter matrices and
// the scoring head are.
func (m *RewardModel) rebuildParams() {
	all := engine.NewParams()
	all.Add("embed.tokens", m.tokEmb)
	all.Add("embed.positions", m.posEmb)
	for i, b := range m.blocks {
		prefix := fmt.Sprintf("blocks.%d", i)
		all.Add(prefix+".attn_norm.gain", b.attnNorm)
		all.Add(prefix+".mlp_norm.gain", b.mlpNorm)
		for _, p := range []proj{b.qProj, b.kProj, b.vProj, b.oProj, b.upProj, b.downProj} {
			base := p.weights()
			all.Add(base.Name+".weight", base.W)
			if ll, ok := p.(*LoRALinear); ok {
				all.Add(base.Name+".lora_A", ll.A)
				all.Add(base.Name+".lora_B", ll.B)
				for ei, e := range ll.extras {
					all.Add(fmt.Sprintf("%s.stacked.%d.lora_A", base.Name, ei), e.A)
					all.Add(fmt.Sprintf("%s.stacked.%d.lora_B", base.Name, ei), e.B)
				}
			}
		}
	}
	all.Add("final_norm.gain", m.norm)
	all.Add("score.weight", m.score.W)
	m.all = all

	if m.lora == nil {
		m.trainable = all
		return
	}
	trainable := engine.NewParams()
	for i := range m.blocks {
		b := m.blocks[i]
		for _, p := range []proj{b.qProj, b.kProj, b.vProj, b.oProj, b.upProj, b.downProj} {
			if ll, ok := p.(*LoRALinear); ok {
				trainable.Add(ll.base.Name+".lora_A", ll.A)
				trainable.Add(ll.base.Name+".lora_B", ll.B)
			}
		}
	}
	trainable.Add("score.weight", m.score.W)
	m.trainable = trainable
}

// AllParams returns every weight tensor, frozen or not. The trainer zeroes
// these between steps so stale gradients never accumulate on frozen weights.
func (m *RewardModel) AllParams() *engine.Params {
	return m.all
}

// TrainableParams returns the tensors the optimizer may update.
func (m *RewardModel) TrainableParams() *engine.Params {
	return m.trainable
}

// Forward scores a batch and returns a batch x 1 reward tensor. Sequences
// must already be padded to a common length per batch.
func (m *RewardModel) Forward(inputIDs, attentionMask [][]int, training bool) (*engine.Tensor, error) {
	return m.ForwardWith(m.rng, inputIDs, attentionMask, training)
}

// ForwardWith scores a batch drawing dropout noise from rng instead of the
// model's own source. Weights are only read, so callers may shard a batch
// across goroutines as long as each shard brings its own rng.
func (m *RewardModel) ForwardWith(rng *rand.Rand, inputIDs, attentionMask [][]int, training bool) (*engine.Tensor, error) {
	if len(inputIDs) == 0 {
		return nil, fmt.Errorf("empty batch")
	}
	if len(attentionMask) != len(inputIDs) {
		return nil, fmt.Errorf("attention mask count %d does not match %d sequences", len(attentionMask), len(inputIDs))
	}
	rewards := make([]*engine.Tensor, len(inputIDs))
	for i := range inputIDs {
		r, err := m.forwardSequence(inputIDs[i], attentionMask[i], training, rng)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", i, err)
		}
		rewards[i] = r
	}
	return engine.ConcatRows(rewards...), nil
}

// forwardSequence runs one sequence through the backbone and reads the
// scoring head at the last non-pad position.
func (m *RewardModel) forwardSequence(ids, mask []int, training bool, rng *rand.Rand) (*engine.Tensor, error) {
	T := len(ids)
	if T == 0 {
		return nil, fmt.Errorf("empty sequence")
	}
	if T > m.Cfg.BlockSize {
		return nil, fmt.Errorf("sequence length %d exceeds block size %d", T, m.Cfg.BlockSize)
	}
	if len(mask) != T {
		return nil, fmt.Errorf("mask length %d does not match sequence length %d", len(mask), T)
	}

	positions := make([]int, T)
	for i := range positions {
		positions[i] = i
	}
	x := engine.Add(engine.Embedding(m.tokEmb, ids), engine.Embedding(m.posEmb, positions))

	attnMask := m.attentionMask(T, mask)
	for _, b := range m.blocks {
		x = engine.Add(x, m.attention(b, engine.RMSNorm(x, b.attnNorm), attnMask, training, rng))
		x = engine.Add(x, m.mlp(b, engine.RMSNorm(x, b.mlpNorm), training, rng))
	}
	x = engine.RMSNorm(x, m.norm)

	last := lastNonPad(mask)
	return m.score.forward(engine.Row(x, last), training, rng), nil
}

// attentionMask builds the additive T x T mask combining causality with
// key-side padding.
func (m *RewardModel) attentionMask(t int, mask []int) *engine.Tensor {
	am := engine.New(t, t)
	for i := 0; i < t; i++ {
		for j := 0; j < t; j++ {
			if j > i || mask[j] == 0 {
				am.Set(i, j, -1e9)
			}
		}
	}
	return am
}

func (m *RewardModel) attention(b *block, x *engine.Tensor, mask *engine.Tensor, training bool, rng *rand.Rand) *engine.Tensor {
	q := b.qProj.forward(x, training, rng)
	k := b.kProj.forward(x, training, rng)
	v := b.vProj.forward(x, training, rng)

	headDim := m.Cfg.EmbedDim / m.Cfg.NumHeads
	scale := 1 / math.Sqrt(float64(headDim))
	heads := make([]*engine.Tensor, m.Cfg.NumHeads)
	for h := 0; h < m.Cfg.NumHeads; h++ {
		lo, hi := h*headDim, (h+1)*headDim
		qh := engine.SliceCols(q, lo, hi)
		kh := engine.SliceCols(k, lo, hi)
		vh := engine.SliceCols(v, lo, hi)

		scores := engine.Add(engine.Scale(engine.MatMul(qh, engine.Transpose(kh)), scale), mask)
		probs := engine.Dropout(engine.SoftmaxRows(scores), m.Cfg.Dropout, rng, training)
		heads[h] = engine.MatMul(probs, vh)
	}
	return b.oProj.forward(engine.ConcatCols(heads...), training, rng)
}

func (m *RewardModel) mlp(b *block, x *engine.Tensor, training bool, rng *rand.Rand) *engine.Tensor {
	h := engine.GELU(b.upProj.forward(x, training, rng))
	h = engine.Dropout(h, m.Cfg.Dropout, rng, training)
	return b.downProj.forward(h, training, rng)
}

// lastNonPad returns the index of the final attended position; all-pad
// masks fall back to the first position.
func lastNonPad(mask []int) int {
	for i := len(mask) - 1; i >= 0; i-- {
		if mask[i] != 0 {
			return i
		}
	}
	return 0
}
