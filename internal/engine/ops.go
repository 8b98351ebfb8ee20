package engine

import (
	"fmt"
	"math"
	"math/rand"
)

func assertSameShape(op string, a, b *Tensor) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("engine: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}

// Add returns a + b elementwise.
func Add(a, b *Tensor) *Tensor {
	assertSameShape("Add", a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	out.backFn = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] += out.Grad[i]
		}
	}
	return out
}

// Sub returns a - b elementwise.
func Sub(a, b *Tensor) *Tensor {
	assertSameShape("Sub", a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	out.backFn = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i]
			b.Grad[i] -= out.Grad[i]
		}
	}
	return out
}

// Mul returns a * b elementwise.
func Mul(a, b *Tensor) *Tensor {
	assertSameShape("Mul", a, b)
	out := child(a.Rows, a.Cols, a, b)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * b.Data[i]
	}
	out.backFn = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i] * b.Data[i]
			b.Grad[i] += out.Grad[i] * a.Data[i]
		}
	}
	return out
}

// Scale returns s * a.
func Scale(a *Tensor, s float64) *Tensor {
	out := child(a.Rows, a.Cols, a)
	for i := range out.Data {
		out.Data[i] = a.Data[i] * s
	}
	out.backFn = func() {
		for i := range out.Grad {
			a.Grad[i] += out.Grad[i] * s
		}
	}
	return out
}

// AddRowVec adds the 1 x n row vector b to every row of a.
func AddRowVec(a, b *Tensor) *Tensor {
	if b.Rows != 1 || b.Cols != a.Cols {
		panic(fmt.Sprintf("engine: AddRowVec wants 1x%d bias, got %dx%d", a.Cols, b.Rows, b.Cols))
	}
	out := child(a.Rows, a.Cols, a, b)
	for r := 0; r < a.Rows; r++ {
		for c := 0; c < a.Cols; c++ {
			out.Data[r*a.Cols+c] = a.Data[r*a.Cols+c] + b.Data[c]
		}
	}
	out.backFn = func() {
		for r := 0; r < a.Rows; r++ {
			for c := 0; c < a.Cols; c++ {
				g := out.Grad[r*a.Cols+c]
				a.Grad[r*a.Cols+c] += g
				b.Grad[c] += g
			}
		}
	}
	return out
}

// MatMul returns a @ b for a [m,k] and b [k,n].
func MatMul(a, b *Tensor) *Tensor {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("engine: MatMul %dx%d @ %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	m, k, n := a.Rows, a.Cols, b.Cols
	out := child(m, n, a, b)
	for i := 0; i < m; i++ {
		for p := 0; p < k; p++ {
			av := a.Data[i*k+p]
			if av == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.Data[i*n+j] += av * b.Data[p*n+j]
			}
		}
	}
	out.backFn = func() {
		// dA = dOut @ B^T, dB = A^T @ dOut
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				g := out.Grad[i*n+j]
				if g == 0 {
					continue
				}
				for p := 0; p < k; p++ {
					a.Grad[i*k+p] += g * b.Data[p*n+j]
					b.Grad[p*n+j] += g * a.Data[i*k+p]
				}
			}
		}
	}
	return out
}

// Transpose returns a^T.
func Transpose(a *Tensor) *Tensor {
	out := child(a.Cols, a.Rows, a)
	for r := 0; r < a.Rows; r++ {
		for c := 0; c < a.Cols; c++ {
			out.Data[c*a.Rows+r] = a.Data[r*a.Cols+c]
		}
	}
	out.backFn = func() {
		for r := 0; r < a.Rows; r++ {
			for c := 0; c < a.Cols; c++ {
				a.Grad[r*a.Cols+c] += out.Grad[c*a.Rows+r]
			}
		}
	}
	return out
}

// SoftmaxRows applies softmax independently to each row. Additive masks
// (0 for keep, a large negative value for drop) should be added to the
// logits before calling.
func SoftmaxRows(a *Tensor) *Tensor {
	out := child(a.Rows, a.Cols, a)
	for r := 0; r < a.Rows; r++ {
		row := a.Data[r*a.Cols : (r+1)*a.Cols]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		sum := 0.0
		for c, v := range row {
			e := math.Exp(v - maxV)
			out.Data[r*a.Cols+c] = e
			sum += e
		}
		for c := range row {
			out.Data[r*a.Cols+c] /= sum
		}
	}
	out.backFn = func() {
		for r := 0; r < a.Rows; r++ {
			dot := 0.0
			for c := 0; c < a.Cols; c++ {
				i := r*a.Cols + c
				dot += out.Grad[i] * out.Data[i]
			}
			for c := 0; c < a.Cols; c++ {
				i := r*a.Cols + c
				a.Grad[i] += out.Data[i] * (out.Grad[i] - dot)
			}
		}
	}
	return out
}

// GELU applies the tanh-approximated gaussian error linear unit.
func GELU(a *Tensor) *Tensor {
	const k = 0.7978845608028654 // sqrt(2/pi)
	out := child(a.Rows, a.Cols, a)
	for i, x := range a.Data {
		inner := k * (x + 0.044715*x*x*x)
		out.Data[i] = 0.5 * x * (1 + math.Tanh(inner))
	}
	out.backFn = func() {
		for i, x := range a.Data {
			inner := k * (x + 0.044715*x*x*x)
			t := math.Tanh(inner)
			dInner := k * (1 + 3*0.044715*x*x)
			d := 0.5*(1+t) + 0.5*x*(1-t*t)*dInner
			a.Grad[i] += out.Grad[i] * d
		}
	}
	return out
}

// RMSNorm normalizes each row of a by its root mean square and scales by
// the 1 x n gain g.
func RMSNorm(a, g *Tensor) *Tensor {
	if g.Rows != 1 || g.Cols != a.Cols {
		panic(fmt.Sprintf("engine: RMSNorm wants 1x%d gain, got %dx%d", a.Cols, g.Rows, g.Cols))
	}
	const eps = 1e-5
	n := float64(a.Cols)
	out := child(a.Rows, a.Cols, a, g)
	rms := make([]float64, a.Rows)
	for r := 0; r < a.Rows; r++ {
		sum := 0.0
		for c := 0; c < a.Cols; c++ {
			v := a.Data[r*a.Cols+c]
			sum += v * v
		}
		rms[r] = math.Sqrt(sum/n + eps)
		for c := 0; c < a.Cols; c++ {
			out.Data[r*a.Cols+c] = a.Data[r*a.Cols+c] / rms[r] * g.Data[c]
		}
	}
	out.backFn = func() {
		for r := 0; r < a.Rows; r++ {
			dot := 0.0
			for c := 0; c < a.Cols; c++ {
				i := r*a.Cols + c
				dot += out.Grad[i] * g.Data[c] * a.Data[i]
			}
			r3 := rms[r] * rms[r] * rms[r]
			for c := 0; c < a.Cols; c++ {
				i := r*a.Cols + c
				a.Grad[i] += out.Grad[i]*g.Data[c]/rms[r] - a.Data[i]*dot/(n*r3)
				g.Grad[c] += out.Grad[i] * a.Data[i] / rms[r]
			}
		}
	}
	return out
}

// Embedding gathers table rows by id into a len(ids) x cols tensor.
func Embedding(table *Tensor, ids []int) *Tensor {
	out := child(len(ids), table.Cols, table)
	for r, id := range ids {
		if id < 0 || id >= table.Rows {
			panic(fmt.Sprintf("engine: embedding id %d out of range [0,%d)", id, table.Rows))
		}
		copy(out.Data[r*table.Cols:(r+1)*table.Cols], table.Data[id*table.Cols:(id+1)*table.Cols])
	}
	out.backFn = func() {
		for r, id := range ids {
			for c := 0; c < table.Cols; c++ {
				table.Grad[id*table.Cols+c] += out.Grad[r*table.Cols+c]
			}
		}
	}
	return out
}

// Row extracts row r as a 1 x cols tensor.
func Row(a *Tensor, r int) *Tensor {
	if r < 0 || r >= a.Rows {
		panic(fmt.Sprintf("engine: row %d out of range [0,%d)", r, a.Rows))
	}
	out := child(1, a.Cols, a)
	copy(out.Data, a.Data[r*a.Cols:(r+1)*a.Cols])
	out.backFn = func() {
		for c := 0; c < a.Cols; c++ {
			a.Grad[r*a.Cols+c] += out.Grad[c]
		}
	}
	return out
}

// SliceCols extracts columns [start, end) as a rows x (end-start) tensor.
func SliceCols(a *Tensor, start, end int) *Tensor {
	if start < 0 || end > a.Cols || start >= end {
		panic(fmt.Sprintf("engine: column slice [%d,%d) out of range for %d cols", start, end, a.Cols))
	}
	w := end - start
	out := child(a.Rows, w, a)
	for r := 0; r < a.Rows; r++ {
		copy(out.Data[r*w:(r+1)*w], a.Data[r*a.Cols+start:r*a.Cols+end])
	}
	out.backFn = func() {
		for r := 0; r < a.Rows; r++ {
			for c := 0; c < w; c++ {
				a.Grad[r*a.Cols+start+c] += out.Grad[r*w+c]
			}
		}
	}
	return out
}

// ConcatCols joins tensors with equal row counts side by side.
func ConcatCols(ts ...*Tensor) *Tensor {
	rows := ts[0].Rows
	total := 0
	for _, t := range ts {
		if t.Rows != rows {
			panic("engine: ConcatCols row mismatch")
		}
		total += t.Cols
	}
	out := child(rows, total, ts...)
	offset := 0
	for _, t := range ts {
		for r := 0; r < rows; r++ {
			copy(out.Data[r*total+offset:r*total+offset+t.Cols], t.Data[r*t.Cols:(r+1)*t.Cols])
		}
		offset += t.Cols
	}
	out.backFn = func() {
		off := 0
		for _, t := range ts {
			for r := 0; r < rows; r++ {
				for c := 0; c < t.Cols; c++ {
					t.Grad[r*t.Cols+c] += out.Grad[r*total+off+c]
				}
			}
			off += t.Cols
		}
	}
	return out
}

// ConcatRows stacks tensors with equal column counts vertically.
func ConcatRows(ts ...*Tensor) *Tensor {
	cols := ts[0].Cols
	total := 0
	for _, t := range ts {
		if t.Cols != cols {
			panic("engine: ConcatRows column mismatch")
		}
		total += t.Rows
	}
	out := child(total, cols, ts...)
	offset := 0
	for _, t := range ts {
		copy(out.Data[offset*cols:], t.Data)
		offset += t.Rows
	}
	out.backFn = func() {
		off := 0
		for _, t := range ts {
			for i := range t.Grad {
				t.Grad[i] += out.Grad[off*cols+i]
			}
			off += t.Rows
		}
	}
	return out
}

// Sigmoid applies the logistic function elementwise.
func Sigmoid(a *Tensor) *Tensor {
	out := child(a.Rows, a.Cols, a)
	for i, x := range a.Data {
		out.Data[i] = 1 / (1 + math.Exp(-x))
	}
	out.backFn = func() {
		for i := range a.Data {
			y := out.Data[i]
			a.Grad[i] += out.Grad[i] * y * (1 - y)
		}
	}
	return out
}

// LogSigmoid applies log(sigmoid(x)) elementwise using the numerically
// stable split form, so large |x| never overflows.
func LogSigmoid(a *Tensor) *Tensor {
	out := child(a.Rows, a.Cols, a)
	for i, x := range a.Data {
		out.Data[i] = logSigmoid(x)
	}
	out.backFn = func() {
		for i, x := range a.Data {
			// d/dx log(sigmoid(x)) = 1 - sigmoid(x) = sigmoid(-x)
			a.Grad[i] += out.Grad[i] / (1 + math.Exp(x))
		}
	}
	return out
}

func logSigmoid(x float64) float64 {
	if x >= 0 {
		return -math.Log1p(math.Exp(-x))
	}
	return x - math.Log1p(math.Exp(x))
}

// Mean reduces a tensor to its 1x1 arithmetic mean.
func Mean(a *Tensor) *Tensor {
	out := child(1, 1, a)
	sum := 0.0
	for _, v := range a.Data {
		sum += v
	}
	n := float64(a.Numel())
	out.Data[0] = sum / n
	out.backFn = func() {
		g := out.Grad[0] / n
		for i := range a.Grad {
			a.Grad[i] += g
		}
	}
	return out
}

// Dropout zeroes each element with probability p during training and
// scales survivors by 1/(1-p). Outside training it is the identity.
func Dropout(a *Tensor, p float64, rng *rand.Rand, training bool) *Tensor {
	if !training || p <= 0 {
		return a
	}
	if p >= 1 {
		panic("engine: dropout probability must be below 1")
	}
	keep := 1 - p
	mask := make([]float64, a.Numel())
	out := child(a.Rows, a.Cols, a)
	for i := range a.Data {
		if rng.Float64() < keep {
			mask[i] = 1 / keep
		}
		out.Data[i] = a.Data[i] * mask[i]
	}
	out.backFn = func() {
		for i := range a.Grad {
			a.Grad[i] += out.Grad[i] * mask[i]
		}
	}
	return out
}
