// Package autograd is a small reverse-mode differentiation engine over gonum dense matrices.
//
// Every tensor is a 2-D matrix whose rows index the batch. Operations record a backward
// closure when at least one input requires a gradient and recording is enabled; Backward
// walks the recorded graph in reverse topological order and accumulates into Grad.
package autograd

import (
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
)

// gradEnabled switches graph recording for every operation in the process.
var gradEnabled atomic.Bool

func init() { gradEnabled.Store(true) }

// NoGrad runs fn with graph recording disabled and restores the previous mode afterwards.
func NoGrad(fn func()) {
	prev := gradEnabled.Swap(false)
	defer gradEnabled.Store(prev)
	fn()
}

// GradEnabled reports whether operations currently record a graph.
func GradEnabled() bool { return gradEnabled.Load() }

// Tensor is a differentiable matrix.
type Tensor struct {
	Value *mat.Dense
	Grad  *mat.Dense

	requiresGrad bool
	children     []*Tensor
	backFn       func()
}

// Parameter is a named learnable tensor. Names key optimizer moments and state dicts.
type Parameter struct {
	Name string
	*Tensor
}

// New wraps v as a constant (no gradient).
func New(v *mat.Dense) *Tensor {
	return &Tensor{Value: v}
}

// Zeros returns an r×c constant of zeros.
func Zeros(r, c int) *Tensor {
	return New(mat.NewDense(r, c, nil))
}

// Param wraps v as a learnable leaf with an allocated gradient.
func Param(v *mat.Dense) *Tensor {
	r, c := v.Dims()
	return &Tensor{Value: v, Grad: mat.NewDense(r, c, nil), requiresGrad: true}
}

func (t *Tensor) Dims() (int, int) { return t.Value.Dims() }

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Item returns the single value of a 1×1 tensor.
func (t *Tensor) Item() float64 { return t.Value.At(0, 0) }

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	if t.Grad != nil {
		t.Grad.Zero()
	}
}

func (t *Tensor) ensureGrad() *mat.Dense {
	if t.Grad == nil {
		r, c := t.Value.Dims()
		t.Grad = mat.NewDense(r, c, nil)
	}
	return t.Grad
}

func (t *Tensor) accumulate(g mat.Matrix) {
	dst := t.ensureGrad()
	dst.Add(dst, g)
}

// record attaches the backward closure when recording is on and some child needs a gradient.
func record(out *Tensor, backFn func(), children ...*Tensor) *Tensor {
	if !gradEnabled.Load() {
		return out
	}
	for _, c := range children {
		if c.requiresGrad {
			out.requiresGrad = true
			break
		}
	}
	if !out.requiresGrad {
		return out
	}
	out.children = children
	out.backFn = backFn
	return out
}

// Backward seeds root with ones and propagates gradients to every reachable tensor.
func Backward(root *Tensor) {
	var topo []*Tensor
	visited := make(map[*Tensor]bool)
	var build func(t *Tensor)
	build = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		for _, c := range t.children {
			build(c)
		}
		topo = append(topo, t)
	}
	build(root)

	g := root.ensureGrad()
	r, c := g.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			g.Set(i, j, 1)
		}
	}
	for i := len(topo) - 1; i >= 0; i-- {
		t := topo[i]
		if t.backFn != nil && t.Grad != nil {
			t.backFn()
		}
	}
}
