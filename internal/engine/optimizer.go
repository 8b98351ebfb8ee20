package engine

import (
	"fmt"
	"math"

	"github.com/lamim/rewardforge/pkg/models"
)

// Optimizer updates registered parameters from their accumulated gradients.
type Optimizer interface {
	// Step applies one update at the given learning rate.
	Step(lr float64)
	// State snapshots the optimizer for checkpointing.
	State() models.OptimizerState
	// LoadState restores a snapshot taken by State.
	LoadState(state models.OptimizerState) error
}

// AdamW implements Adam with decoupled weight decay and bias correction.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params *Params
	t      int
	m      map[string][]float64
	v      map[string][]float64
}

// NewAdamW returns an AdamW optimizer over params with the usual betas.
func NewAdamW(params *Params, weightDecay float64) *AdamW {
	o := &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: weightDecay,
		params:      params,
		m:           make(map[string][]float64),
		v:           make(map[string][]float64),
	}
	for _, name := range params.Names() {
		n := params.Get(name).Numel()
		o.m[name] = make([]float64, n)
		o.v[name] = make([]float64, n)
	}
	return o
}

// Step applies one AdamW update.
func (o *AdamW) Step(lr float64) {
	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for _, name := range o.params.Names() {
		p := o.params.Get(name)
		m, v := o.m[name], o.v[name]
		for i, g := range p.Grad {
			m[i] = o.Beta1*m[i] + (1-o.Beta1)*g
			v[i] = o.Beta2*v[i] + (1-o.Beta2)*g*g
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			p.Data[i] -= lr * (mHat/(math.Sqrt(vHat)+o.Eps) + o.WeightDecay*p.Data[i])
		}
	}
}

// State snapshots moments and the bias-correction timestep.
func (o *AdamW) State() models.OptimizerState {
	return models.OptimizerState{
		Name: "adamw",
		Step: o.t,
		M:    copyBuffers(o.m),
		V:    copyBuffers(o.v),
	}
}

// LoadState restores a snapshot taken by State.
func (o *AdamW) LoadState(state models.OptimizerState) error {
	if state.Name != "adamw" {
		return fmt.Errorf("optimizer state is for %q, want adamw", state.Name)
	}
	if err := restoreBuffers(o.params, state.M, o.m); err != nil {
		return fmt.Errorf("failed to restore first moments: %w", err)
	}
	if err := restoreBuffers(o.params, state.V, o.v); err != nil {
		return fmt.Errorf("failed to restore second moments: %w", err)
	}
	o.t = state.Step
	return nil
}

// SGD implements stochastic gradient descent with momentum and decoupled
// weight decay.
type SGD struct {
	Momentum    float64
	WeightDecay float64

	params *Params
	t      int
	v      map[string][]float64
}

// NewSGD returns an SGD optimizer over params.
func NewSGD(params *Params, momentum, weightDecay float64) *SGD {
	o := &SGD{
		Momentum:    momentum,
		WeightDecay: weightDecay,
		params:      params,
		v:           make(map[string][]float64),
	}
	for _, name := range params.Names() {
		o.v[name] = make([]float64, params.Get(name).Numel())
	}
	return o
}

// Step applies one SGD update.
func (o *SGD) Step(lr float64) {
	o.t++
	for _, name := range o.params.Names() {
		p := o.params.Get(name)
		v := o.v[name]
		for i, g := range p.Grad {
			v[i] = o.Momentum*v[i] + g
			p.Data[i] -= lr * (v[i] + o.WeightDecay*p.Data[i])
		}
	}
}

// State snapshots the momentum buffers.
func (o *SGD) State() models.OptimizerState {
	return models.OptimizerState{
		Name: "sgd",
		Step: o.t,
		M:    map[string][]float64{},
		V:    copyBuffers(o.v),
	}
}

// LoadState restores a snapshot taken by State.
func (o *SGD) LoadState(state models.OptimizerState) error {
	if state.Name != "sgd" {
		return fmt.Errorf("optimizer state is for %q, want sgd", state.Name)
	}
	if err := restoreBuffers(o.params, state.V, o.v); err != nil {
		return fmt.Errorf("failed to restore momentum buffers: %w", err)
	}
	o.t = state.Step
	return nil
}

func copyBuffers(src map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(src))
	for name, buf := range src {
		c := make([]float64, len(buf))
		copy(c, buf)
		out[name] = c
	}
	return out
}

func restoreBuffers(params *Params, src map[string][]float64, dst map[string][]float64) error {
	for _, name := range params.Names() {
		buf, ok := src[name]
		if !ok {
			return fmt.Errorf("missing buffer for parameter %q", name)
		}
		if len(buf) != params.Get(name).Numel() {
			return fmt.Errorf("buffer for %q has %d values, want %d", name, len(buf), params.Get(name).Numel())
		}
		copy(dst[name], buf)
	}
	return nil
}
