package autograd

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// ============================================================
// helpers
// ============================================================

func randDense(rng *rand.Rand, r, c int) *mat.Dense {
	d := make([]float64, r*c)
	for i := range d {
		d[i] = rng.Float64()*2 - 1
	}
	return mat.NewDense(r, c, d)
}

func ones(r, c int) *Tensor {
	d := make([]float64, r*c)
	for i := range d {
		d[i] = 1
	}
	return New(mat.NewDense(r, c, d))
}

// weightedSum reduces t to a 1×1 scalar sum(t ⊙ w) using only engine ops.
func weightedSum(t *Tensor, w *mat.Dense) *Tensor {
	r, c := t.Dims()
	return MatMul(MatMul(ones(1, r), Mul(t, New(w))), ones(c, 1))
}

// checkGrad compares analytic gradients of loss(params) against central differences.
func checkGrad(t *testing.T, name string, params []*Tensor, loss func() *Tensor) {
	t.Helper()
	for _, p := range params {
		p.ZeroGrad()
	}
	Backward(loss())

	const eps = 1e-6
	for pi, p := range params {
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				var plus, minus float64
				NoGrad(func() {
					p.Value.Set(i, j, orig+eps)
					plus = loss().Item()
					p.Value.Set(i, j, orig-eps)
					minus = loss().Item()
				})
				p.Value.Set(i, j, orig)
				num := (plus - minus) / (2 * eps)
				got := p.Grad.At(i, j)
				if math.Abs(num-got) > 1e-5*math.Max(1, math.Abs(num)) {
					t.Errorf("%s: param %d [%d,%d]: analytic %.8f, numeric %.8f", name, pi, i, j, got, num)
				}
			}
		}
	}
}

// ============================================================
// gradient checks
// ============================================================

func TestGradMatMul(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a, b := Param(randDense(rng, 3, 4)), Param(randDense(rng, 4, 2))
	w := randDense(rng, 3, 2)
	checkGrad(t, "MatMul", []*Tensor{a, b}, func() *Tensor { return weightedSum(MatMul(a, b), w) })
}

func TestGradMatMulT(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a, b := Param(randDense(rng, 2, 3)), Param(randDense(rng, 5, 3))
	w := randDense(rng, 2, 5)
	checkGrad(t, "MatMulT", []*Tensor{a, b}, func() *Tensor { return weightedSum(MatMulT(a, b), w) })
}

func TestGradElementwise(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 6))
	a, b := Param(randDense(rng, 2, 3)), Param(randDense(rng, 2, 3))
	row := Param(randDense(rng, 1, 3))
	w := randDense(rng, 2, 3)
	cases := map[string]func() *Tensor{
		"Mul":     func() *Tensor { return weightedSum(Mul(a, b), w) },
		"Add":     func() *Tensor { return weightedSum(Add(a, b), w) },
		"AddRow":  func() *Tensor { return weightedSum(AddRow(a, row), w) },
		"MulRow":  func() *Tensor { return weightedSum(MulRow(a, row), w) },
		"Sigmoid": func() *Tensor { return weightedSum(Sigmoid(Mul(a, b)), w) },
		"Tanh":    func() *Tensor { return weightedSum(Tanh(Add(a, b)), w) },
	}
	for name, f := range cases {
		checkGrad(t, name, []*Tensor{a, b, row}, f)
	}
}

func TestGradSlices(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 8))
	a := Param(randDense(rng, 4, 6))
	w1 := randDense(rng, 4, 2)
	w2 := randDense(rng, 2, 6)
	checkGrad(t, "SliceCols", []*Tensor{a}, func() *Tensor { return weightedSum(SliceCols(a, 2, 4), w1) })
	checkGrad(t, "SliceRows", []*Tensor{a}, func() *Tensor { return weightedSum(SliceRows(a, 1, 3), w2) })
}

func TestGradGatherRepeatedIndex(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 10))
	emb := Param(randDense(rng, 5, 3))
	ids := []int{1, 4, 1}
	w := randDense(rng, 3, 3)
	checkGrad(t, "Gather", []*Tensor{emb}, func() *Tensor { return weightedSum(Gather(emb, ids), w) })
}

func TestGradConcatRows(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 12))
	a, b := Param(randDense(rng, 2, 3)), Param(randDense(rng, 1, 3))
	w := randDense(rng, 3, 3)
	checkGrad(t, "ConcatRows", []*Tensor{a, b}, func() *Tensor { return weightedSum(ConcatRows(a, b), w) })
}

func TestGradOuter(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 14))
	a, b := Param(randDense(rng, 2, 3)), Param(randDense(rng, 2, 2))
	w := randDense(rng, 2, 6)
	checkGrad(t, "Outer", []*Tensor{a, b}, func() *Tensor { return weightedSum(Outer(a, b), w) })
}

func TestGradCrossEntropy(t *testing.T) {
	rng := rand.New(rand.NewPCG(15, 16))
	logits := Param(randDense(rng, 4, 5))
	targets := []int{0, 3, 4, 3}
	checkGrad(t, "CrossEntropy", []*Tensor{logits}, func() *Tensor { return CrossEntropy(logits, targets) })
}

// ============================================================
// forward values and modes
// ============================================================

func TestCrossEntropyUniform(t *testing.T) {
	logits := New(mat.NewDense(2, 4, nil))
	loss := CrossEntropy(logits, []int{1, 2}).Item()
	if math.Abs(loss-math.Log(4)) > 1e-12 {
		t.Errorf("expected ln 4, got %f", loss)
	}
}

func TestOuterLayout(t *testing.T) {
	a := New(mat.NewDense(1, 2, []float64{2, 3}))
	b := New(mat.NewDense(1, 3, []float64{1, 10, 100}))
	got := Outer(a, b).Value.RawRowView(0)
	want := []float64{2, 20, 200, 3, 30, 300}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNoGradSkipsGraph(t *testing.T) {
	p := Param(mat.NewDense(1, 1, []float64{2}))
	var out *Tensor
	NoGrad(func() {
		if GradEnabled() {
			t.Errorf("expected recording off inside NoGrad")
		}
		out = Mul(p, p)
	})
	if !GradEnabled() {
		t.Errorf("expected recording restored after NoGrad")
	}
	if out.RequiresGrad() {
		t.Errorf("expected no graph under NoGrad")
	}
	Backward(out)
	if p.Grad.At(0, 0) != 0 {
		t.Errorf("expected untouched param grad, got %f", p.Grad.At(0, 0))
	}
}

func TestConstantsDoNotRecord(t *testing.T) {
	a := New(mat.NewDense(1, 2, []float64{1, 2}))
	if Add(a, a).RequiresGrad() {
		t.Errorf("sum of constants should not require grad")
	}
}

func TestSharedNodeAccumulates(t *testing.T) {
	// y = x*x + x, dy/dx = 2x + 1
	x := Param(mat.NewDense(1, 1, []float64{3}))
	y := Add(Mul(x, x), x)
	Backward(y)
	if x.Grad.At(0, 0) != 7 {
		t.Errorf("expected grad 7, got %f", x.Grad.At(0, 0))
	}
}
