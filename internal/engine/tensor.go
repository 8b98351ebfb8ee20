// Package engine implements the small tensor and reverse-mode autodiff
// core the reward model trains on. Tensors are dense row-major float64
// matrices; every differentiable op records a backward closure, and
// Backward runs them in reverse topological order.
package engine

import (
	"fmt"
	"math"
	"math/rand"
)

// Tensor is a [rows, cols] matrix with an optional gradient buffer.
// Vectors are [1, n] or [n, 1]; scalars are [1, 1].
type Tensor struct {
	Data []float64
	Rows int
	Cols int

	Grad []float64

	parents []*Tensor
	backFn  func()
}

// New returns a zero tensor of the given shape.
func New(rows, cols int) *Tensor {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("engine: invalid tensor shape %dx%d", rows, cols))
	}
	return &Tensor{
		Data: make([]float64, rows*cols),
		Grad: make([]float64, rows*cols),
		Rows: rows,
		Cols: cols,
	}
}

// FromSlice wraps data (copied) into a rows x cols tensor.
func FromSlice(rows, cols int, data []float64) *Tensor {
	if len(data) != rows*cols {
		panic(fmt.Sprintf("engine: %d values cannot fill a %dx%d tensor", len(data), rows, cols))
	}
	t := New(rows, cols)
	copy(t.Data, data)
	return t
}

// Randn returns a tensor with entries drawn from N(0, std^2).
func Randn(rows, cols int, std float64, rng *rand.Rand) *Tensor {
	t := New(rows, cols)
	for i := range t.Data {
		t.Data[i] = rng.NormFloat64() * std
	}
	return t
}

// Scalar wraps a single value.
func Scalar(v float64) *Tensor {
	t := New(1, 1)
	t.Data[0] = v
	return t
}

// At returns the element at (r, c).
func (t *Tensor) At(r, c int) float64 {
	return t.Data[r*t.Cols+c]
}

// Set assigns the element at (r, c).
func (t *Tensor) Set(r, c int, v float64) {
	t.Data[r*t.Cols+c] = v
}

// Item returns the value of a 1x1 tensor.
func (t *Tensor) Item() float64 {
	if t.Rows != 1 || t.Cols != 1 {
		panic(fmt.Sprintf("engine: Item on %dx%d tensor", t.Rows, t.Cols))
	}
	return t.Data[0]
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return t.Rows * t.Cols
}

// Clone returns a detached copy of the tensor's data.
func (t *Tensor) Clone() *Tensor {
	out := New(t.Rows, t.Cols)
	copy(out.Data, t.Data)
	return out
}

// ZeroGrad clears the gradient buffer.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// Backward seeds t's gradient with ones and propagates through the graph
// in reverse topological order. Usually called on the 1x1 loss tensor.
func (t *Tensor) Backward() {
	order := make([]*Tensor, 0, 64)
	visited := make(map[*Tensor]bool)

	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			visit(p)
		}
		order = append(order, n)
	}
	visit(t)

	for i := range t.Grad {
		t.Grad[i] = 1
	}
	for i := len(order) - 1; i >= 0; i-- {
		if order[i].backFn != nil {
			order[i].backFn()
		}
	}
}

// child builds a result tensor wired to its parents.
func child(rows, cols int, parents ...*Tensor) *Tensor {
	out := New(rows, cols)
	out.parents = parents
	return out
}

// GradNorm returns the global L2 norm over the gradients of params.
func GradNorm(params []*Tensor) float64 {
	sum := 0.0
	for _, p := range params {
		for _, g := range p.Grad {
			sum += g * g
		}
	}
	return math.Sqrt(sum)
}

// ClipGradNorm scales all gradients so their global L2 norm does not
// exceed maxNorm. Returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	norm := GradNorm(params)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-12)
	for _, p := range params {
		for i := range p.Grad {
			p.Grad[i] *= scale
		}
	}
	return norm
}

// ZeroGrads clears the gradients of every tensor in params.
func ZeroGrads(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
