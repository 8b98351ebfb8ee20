package model

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/lamim/rewardforge/internal/engine"
)

// LoRAConfig controls the low-rank adapters attached to the backbone.
type LoRAConfig struct {
	R             int      `json:"r"`
	Alpha         float64  `json:"lora_alpha"`
	Dropout       float64  `json:"lora_dropout"`
	TargetModules []string `json:"target_modules"`
}

// Scaling returns the delta multiplier Alpha/R.
func (c *LoRAConfig) Scaling() float64 {
	return c.Alpha / float64(c.R)
}

// Validate checks adapter hyperparameters.
func (c *LoRAConfig) Validate() error {
	if c.R <= 0 {
		return fmt.Errorf("lora rank must be positive, got %d", c.R)
	}
	if c.Alpha <= 0 {
		return fmt.Errorf("lora alpha must be positive, got %g", c.Alpha)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("lora dropout must be in [0, 1), got %g", c.Dropout)
	}
	if len(c.TargetModules) == 0 {
		return fmt.Errorf("lora target_modules must not be empty")
	}
	return nil
}

// Linear is a bias-free projection with weight laid out input x output.
type Linear struct {
	Name string
	W    *engine.Tensor
}

func newLinear(name string, in, out int, std float64, rng *rand.Rand) *Linear {
	return &Linear{Name: name, W: engine.Randn(in, out, std, rng)}
}

func (l *Linear) forward(x *engine.Tensor, _ bool, _ *rand.Rand) *engine.Tensor {
	return engine.MatMul(x, l.W)
}

func (l *Linear) weights() *Linear { return l }

// loraDelta is one frozen stacked adapter on a module.
type loraDelta struct {
	A       *engine.Tensor // in x r
	B       *engine.Tensor // r x out
	scaling float64
}

// LoRALinear wraps a frozen Linear with a trainable low-rank delta:
// y = x W + scaling * (dropout(x) A) B, plus any stacked frozen deltas.
type LoRALinear struct {
	base    *Linear
	A       *engine.Tensor
	B       *engine.Tensor
	scaling float64
	dropout float64
	extras  []loraDelta
}

func (l *LoRALinear) forward(x *engine.Tensor, training bool, rng *rand.Rand) *engine.Tensor {
	out := engine.MatMul(x, l.base.W)
	xd := engine.Dropout(x, l.dropout, rng, training)
	out = engine.Add(out, engine.Scale(engine.MatMul(engine.MatMul(xd, l.A), l.B), l.scaling))
	for _, e := range l.extras {
		out = engine.Add(out, engine.Scale(engine.MatMul(engine.MatMul(x, e.A), e.B), e.scaling))
	}
	return out
}

func (l *LoRALinear) weights() *Linear { return l.base }

// Attach wraps every target module with a low-rank adapter and freezes the
// backbone: afterwards only adapter matrices and the scoring head train.
// The up-projection B starts at zero, so attaching never changes the
// model's output.
func (m *RewardModel) Attach(cfg LoRAConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid lora config: %w", err)
	}
	if m.lora != nil {
		return fmt.Errorf("adapters already attached")
	}

	matched := make(map[string]bool, len(cfg.TargetModules))
	for _, b := range m.blocks {
		for _, slot := range []*proj{&b.qProj, &b.kProj, &b.vProj, &b.oProj, &b.upProj, &b.downProj} {
			base := (*slot).weights()
			target, ok := matchTarget(base.Name, cfg.TargetModules)
			if !ok {
				continue
			}
			matched[target] = true
			*slot = &LoRALinear{
				base:    base,
				A:       engine.Randn(base.W.Rows, cfg.R, 0.02, m.rng),
				B:       engine.New(cfg.R, base.W.Cols),
				scaling: cfg.Scaling(),
				dropout: cfg.Dropout,
			}
		}
	}
	for _, t := range cfg.TargetModules {
		if !matched[t] {
			return fmt.Errorf("lora target module %q matches nothing", t)
		}
	}

	c := cfg
	m.lora = &c
	m.rebuildParams()
	return nil
}

// matchTarget reports which configured target a module name ends with.
func matchTarget(name string, targets []string) (string, bool) {
	for _, t := range targets {
		if strings.HasSuffix(name, "."+t) || name == t {
			return t, true
		}
	}
	return "", false
}

// LoRA returns the attached adapter config, or nil.
func (m *RewardModel) LoRA() *LoRAConfig {
	return m.lora
}

// StackAdapter loads a pretrained adapter from dir and applies it as an
// additional frozen delta on the matching modules. The fresh adapter from
// Attach keeps training on top of it. Scoring-head weights stored with the
// adapter replace the current head values.
func (m *RewardModel) StackAdapter(dir string) error {
	if m.lora == nil {
		return fmt.Errorf("attach adapters before stacking a pretrained one")
	}
	art, err := LoadAdapterArtifact(dir)
	if err != nil {
		return fmt.Errorf("failed to load adapter: %w", err)
	}
	loraCfg := art.Config.LoRA()
	scaling := loraCfg.Scaling()

	byName := make(map[string]*LoRALinear)
	for _, b := range m.blocks {
		for _, p := range []proj{b.qProj, b.kProj, b.vProj, b.oProj, b.upProj, b.downProj} {
			if ll, ok := p.(*LoRALinear); ok {
				byName[ll.base.Name] = ll
			}
		}
	}

	applied := 0
	for name := range art.Weights {
		module, ok := strings.CutSuffix(name, ".lora_A")
		if !ok {
			continue
		}
		ll, ok := byName[module]
		if !ok {
			return fmt.Errorf("adapter targets module %q which carries no adapter here", module)
		}
		aState := art.Weights[name]
		bState, ok := art.Weights[module+".lora_B"]
		if !ok {
			return fmt.Errorf("adapter is missing %s.lora_B", module)
		}
		a, err := tensorFromState(aState)
		if err != nil {
			return fmt.Errorf("adapter weight %s.lora_A: %w", module, err)
		}
		bT, err := tensorFromState(bState)
		if err != nil {
			return fmt.Errorf("adapter weight %s.lora_B: %w", module, err)
		}
		if a.Rows != ll.base.W.Rows || bT.Cols != ll.base.W.Cols || a.Cols != bT.Rows {
			return fmt.Errorf("adapter shapes for %q do not fit the module", module)
		}
		ll.extras = append(ll.extras, loraDelta{A: a, B: bT, scaling: scaling})
		applied++
	}
	if applied == 0 {
		return fmt.Errorf("adapter in %s carries no low-rank weights", dir)
	}

	if s, ok := art.Weights["score.weight"]; ok {
		head, err := tensorFromState(s)
		if err != nil {
			return fmt.Errorf("adapter score head: %w", err)
		}
		if head.Rows != m.score.W.Rows || head.Cols != m.score.W.Cols {
			return fmt.Errorf("adapter score head has shape %dx%d, want %dx%d",
				head.Rows, head.Cols, m.score.W.Rows, m.score.W.Cols)
		}
		copy(m.score.W.Data, head.Data)
	}
	m.rebuildParams()
	return nil
}
