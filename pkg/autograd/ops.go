package autograd

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// MatMul returns a·b.
func MatMul(a, b *Tensor) *Tensor {
	ar, _ := a.Dims()
	_, bc := b.Dims()
	v := mat.NewDense(ar, bc, nil)
	v.Mul(a.Value, b.Value)
	out := New(v)
	return record(out, func() {
		if a.requiresGrad {
			var ga mat.Dense
			ga.Mul(out.Grad, b.Value.T())
			a.accumulate(&ga)
		}
		if b.requiresGrad {
			var gb mat.Dense
			gb.Mul(a.Value.T(), out.Grad)
			b.accumulate(&gb)
		}
	}, a, b)
}

// MatMulT returns a·bᵀ, with b stored out×in.
func MatMulT(a, b *Tensor) *Tensor {
	ar, _ := a.Dims()
	br, _ := b.Dims()
	v := mat.NewDense(ar, br, nil)
	v.Mul(a.Value, b.Value.T())
	out := New(v)
	return record(out, func() {
		if a.requiresGrad {
			var ga mat.Dense
			ga.Mul(out.Grad, b.Value)
			a.accumulate(&ga)
		}
		if b.requiresGrad {
			var gb mat.Dense
			gb.Mul(out.Grad.T(), a.Value)
			b.accumulate(&gb)
		}
	}, a, b)
}

// Mul is the element-wise (Hadamard) product.
func Mul(a, b *Tensor) *Tensor {
	var v mat.Dense
	v.MulElem(a.Value, b.Value)
	out := New(&v)
	return record(out, func() {
		if a.requiresGrad {
			var ga mat.Dense
			ga.MulElem(out.Grad, b.Value)
			a.accumulate(&ga)
		}
		if b.requiresGrad {
			var gb mat.Dense
			gb.MulElem(out.Grad, a.Value)
			b.accumulate(&gb)
		}
	}, a, b)
}

// Add is element-wise addition of equally shaped tensors.
func Add(a, b *Tensor) *Tensor {
	var v mat.Dense
	v.Add(a.Value, b.Value)
	out := New(&v)
	return record(out, func() {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if b.requiresGrad {
			b.accumulate(out.Grad)
		}
	}, a, b)
}

// AddRow adds the 1×n row to every row of a.
func AddRow(a, row *Tensor) *Tensor {
	var v mat.Dense
	v.Apply(func(_, j int, x float64) float64 { return x + row.Value.At(0, j) }, a.Value)
	out := New(&v)
	return record(out, func() {
		if a.requiresGrad {
			a.accumulate(out.Grad)
		}
		if row.requiresGrad {
			g := row.ensureGrad()
			r, _ := out.Grad.Dims()
			for i := 0; i < r; i++ {
				floats.Add(g.RawRowView(0), out.Grad.RawRowView(i))
			}
		}
	}, a, row)
}

// MulRow multiplies every row of a element-wise by the 1×n row.
func MulRow(a, row *Tensor) *Tensor {
	var v mat.Dense
	v.Apply(func(_, j int, x float64) float64 { return x * row.Value.At(0, j) }, a.Value)
	out := New(&v)
	return record(out, func() {
		if a.requiresGrad {
			var ga mat.Dense
			ga.Apply(func(_, j int, g float64) float64 { return g * row.Value.At(0, j) }, out.Grad)
			a.accumulate(&ga)
		}
		if row.requiresGrad {
			g := row.ensureGrad()
			r, c := out.Grad.Dims()
			for i := 0; i < r; i++ {
				for j := 0; j < c; j++ {
					g.Set(0, j, g.At(0, j)+out.Grad.At(i, j)*a.Value.At(i, j))
				}
			}
		}
	}, a, row)
}

// Sigmoid applies 1/(1+e^-x) element-wise.
func Sigmoid(a *Tensor) *Tensor {
	var v mat.Dense
	v.Apply(func(_, _ int, x float64) float64 { return 1 / (1 + math.Exp(-x)) }, a.Value)
	out := New(&v)
	return record(out, func() {
		var ga mat.Dense
		ga.Apply(func(i, j int, g float64) float64 {
			s := out.Value.At(i, j)
			return g * s * (1 - s)
		}, out.Grad)
		a.accumulate(&ga)
	}, a)
}

// Tanh applies tanh element-wise.
func Tanh(a *Tensor) *Tensor {
	var v mat.Dense
	v.Apply(func(_, _ int, x float64) float64 { return math.Tanh(x) }, a.Value)
	out := New(&v)
	return record(out, func() {
		var ga mat.Dense
		ga.Apply(func(i, j int, g float64) float64 {
			y := out.Value.At(i, j)
			return g * (1 - y*y)
		}, out.Grad)
		a.accumulate(&ga)
	}, a)
}

// SliceCols returns columns [from, to) of a as a new tensor.
func SliceCols(a *Tensor, from, to int) *Tensor {
	r, _ := a.Dims()
	out := New(mat.DenseCopyOf(a.Value.Slice(0, r, from, to)))
	return record(out, func() {
		view := a.ensureGrad().Slice(0, r, from, to).(*mat.Dense)
		view.Add(view, out.Grad)
	}, a)
}

// SliceRows returns rows [from, to) of a as a new tensor.
func SliceRows(a *Tensor, from, to int) *Tensor {
	_, c := a.Dims()
	out := New(mat.DenseCopyOf(a.Value.Slice(from, to, 0, c)))
	return record(out, func() {
		view := a.ensureGrad().Slice(from, to, 0, c).(*mat.Dense)
		view.Add(view, out.Grad)
	}, a)
}

// Gather picks rows of w by index (embedding lookup).
func Gather(w *Tensor, ids []int) *Tensor {
	_, c := w.Dims()
	v := mat.NewDense(len(ids), c, nil)
	for i, id := range ids {
		v.SetRow(i, w.Value.RawRowView(id))
	}
	out := New(v)
	return record(out, func() {
		g := w.ensureGrad()
		for i, id := range ids {
			floats.Add(g.RawRowView(id), out.Grad.RawRowView(i))
		}
	}, w)
}

// ConcatRows stacks tensors with equal column counts vertically.
func ConcatRows(ts ...*Tensor) *Tensor {
	_, c := ts[0].Dims()
	total := 0
	for _, t := range ts {
		r, tc := t.Dims()
		if tc != c {
			panic(fmt.Sprintf("autograd: ConcatRows column mismatch %d != %d", tc, c))
		}
		total += r
	}
	v := mat.NewDense(total, c, nil)
	off := 0
	for _, t := range ts {
		r, _ := t.Dims()
		v.Slice(off, off+r, 0, c).(*mat.Dense).Copy(t.Value)
		off += r
	}
	out := New(v)
	return record(out, func() {
		off := 0
		for _, t := range ts {
			r, _ := t.Dims()
			if t.requiresGrad {
				t.accumulate(out.Grad.Slice(off, off+r, 0, c))
			}
			off += r
		}
	}, ts...)
}

// Outer returns the row-wise outer product flattened: out[n, j·I+k] = a[n,j]·b[n,k].
func Outer(a, b *Tensor) *Tensor {
	n, h := a.Dims()
	_, in := b.Dims()
	v := mat.NewDense(n, h*in, nil)
	for r := 0; r < n; r++ {
		row := v.RawRowView(r)
		for j := 0; j < h; j++ {
			aj := a.Value.At(r, j)
			for k := 0; k < in; k++ {
				row[j*in+k] = aj * b.Value.At(r, k)
			}
		}
	}
	out := New(v)
	return record(out, func() {
		for r := 0; r < n; r++ {
			g := out.Grad.RawRowView(r)
			for j := 0; j < h; j++ {
				for k := 0; k < in; k++ {
					if a.requiresGrad {
						a.ensureGrad().Set(r, j, a.Grad.At(r, j)+g[j*in+k]*b.Value.At(r, k))
					}
					if b.requiresGrad {
						b.ensureGrad().Set(r, k, b.Grad.At(r, k)+g[j*in+k]*a.Value.At(r, j))
					}
				}
			}
		}
	}, a, b)
}

// CrossEntropy is the mean of -log softmax(logits)[target] over rows.
func CrossEntropy(logits *Tensor, targets []int) *Tensor {
	n, c := logits.Dims()
	if len(targets) != n {
		panic(fmt.Sprintf("autograd: %d targets for %d rows", len(targets), n))
	}
	probs := mat.NewDense(n, c, nil)
	total := 0.0
	for i, t := range targets {
		row := logits.Value.RawRowView(i)
		lse := floats.LogSumExp(row)
		total += lse - row[t]
		p := probs.RawRowView(i)
		for j, x := range row {
			p[j] = math.Exp(x - lse)
		}
	}
	out := New(mat.NewDense(1, 1, []float64{total / float64(n)}))
	return record(out, func() {
		scale := out.Grad.At(0, 0) / float64(n)
		var g mat.Dense
		g.Scale(scale, probs)
		for i, t := range targets {
			g.Set(i, t, g.At(i, t)-scale)
		}
		logits.accumulate(&g)
	}, logits)
}
