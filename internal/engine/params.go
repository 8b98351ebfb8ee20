package engine

import (
	"fmt"

	"github.com/lamim/rewardforge/pkg/models"
)

// Params is an ordered registry of named tensors. The trainer hands one to
// the optimizer, the checkpointer serializes it, and order is stable so a
// resumed run walks parameters identically.
type Params struct {
	names  []string
	byName map[string]*Tensor
}

// NewParams returns an empty registry.
func NewParams() *Params {
	return &Params{byName: make(map[string]*Tensor)}
}

// Add registers t under name. Duplicate names are a programming error.
func (p *Params) Add(name string, t *Tensor) {
	if _, ok := p.byName[name]; ok {
		panic(fmt.Sprintf("engine: duplicate parameter %q", name))
	}
	p.names = append(p.names, name)
	p.byName[name] = t
}

// Get returns the tensor registered under name, or nil.
func (p *Params) Get(name string) *Tensor {
	return p.byName[name]
}

// Names returns parameter names in registration order.
func (p *Params) Names() []string {
	out := make([]string, len(p.names))
	copy(out, p.names)
	return out
}

// Tensors returns the tensors in registration order.
func (p *Params) Tensors() []*Tensor {
	out := make([]*Tensor, len(p.names))
	for i, name := range p.names {
		out[i] = p.byName[name]
	}
	return out
}

// Len returns the number of registered parameters.
func (p *Params) Len() int {
	return len(p.names)
}

// NumValues returns the total number of scalar values across parameters.
func (p *Params) NumValues() int {
	n := 0
	for _, name := range p.names {
		n += p.byName[name].Numel()
	}
	return n
}

// Export snapshots every parameter into serializable tensor states.
func (p *Params) Export() map[string]models.TensorState {
	out := make(map[string]models.TensorState, len(p.names))
	for _, name := range p.names {
		t := p.byName[name]
		data := make([]float64, len(t.Data))
		copy(data, t.Data)
		out[name] = models.TensorState{Shape: []int{t.Rows, t.Cols}, Data: data}
	}
	return out
}

// Import restores parameter values from a snapshot. Every registered
// parameter must be present with a matching shape.
func (p *Params) Import(state map[string]models.TensorState) error {
	for _, name := range p.names {
		s, ok := state[name]
		if !ok {
			return fmt.Errorf("missing parameter %q in state", name)
		}
		t := p.byName[name]
		if len(s.Shape) != 2 || s.Shape[0] != t.Rows || s.Shape[1] != t.Cols {
			return fmt.Errorf("parameter %q has shape %v, want [%d %d]", name, s.Shape, t.Rows, t.Cols)
		}
		if len(s.Data) != t.Numel() {
			return fmt.Errorf("parameter %q has %d values, want %d", name, len(s.Data), t.Numel())
		}
		copy(t.Data, s.Data)
	}
	return nil
}
