package model

import (
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"testing"

	"gonum.org/v1/gonum/mat"

	"cprnn-go/pkg/autograd"
	"cprnn-go/pkg/tokenizer"
)

func testRNG(seed uint64) *rand.Rand { return rand.New(rand.NewPCG(seed, seed+1)) }

func randInput(rng *rand.Rand, batch, width int) *autograd.Tensor {
	d := make([]float64, batch*width)
	for i := range d {
		d[i] = rng.Float64()*2 - 1
	}
	return autograd.New(mat.NewDense(batch, width, d))
}

func denseEqual(a, b *mat.Dense, tol float64) bool {
	return mat.EqualApprox(a, b, tol)
}

// ============================================================
// CP-LSTM cell
// ============================================================

func TestCPLSTMStepShapes(t *testing.T) {
	for _, rank := range []int{1, 2, 3, 7} {
		rng := testRNG(uint64(rank))
		cell, err := NewCell(CPLSTM, 5, 6, rank, rng)
		if err != nil {
			t.Fatalf("NewCell rank %d: %v", rank, err)
		}
		s, err := cell.Step(randInput(rng, 3, 5), cell.InitState(3))
		if err != nil {
			t.Fatalf("Step rank %d: %v", rank, err)
		}
		for name, x := range map[string]*autograd.Tensor{"h": s.Hidden, "c": s.Memory} {
			r, c := x.Dims()
			if r != 3 || c != 6 {
				t.Errorf("rank %d: %s expected 3x6, got %dx%d", rank, name, r, c)
			}
		}
	}
}

func TestCPLSTMInitBounds(t *testing.T) {
	cell, err := NewCell(CPLSTM, 3, 16, 4, testRNG(9))
	if err != nil {
		t.Fatalf("NewCell: %v", err)
	}
	bound := 1 / math.Sqrt(16)
	for _, p := range cell.Parameters() {
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				if v := p.Value.At(i, j); v < -bound || v > bound {
					t.Errorf("%s[%d,%d]=%f outside ±%f", p.Name, i, j, v, bound)
				}
			}
		}
	}
}

func TestCPLSTMZeroFactorsStayZero(t *testing.T) {
	rng := testRNG(3)
	cell, _ := NewCell(CPLSTM, 4, 5, 2, rng)
	for _, p := range cell.Parameters() {
		p.Value.Zero()
	}
	s := cell.InitState(2)
	for step := 0; step < 5; step++ {
		var err error
		s, err = cell.Step(randInput(rng, 2, 4), s)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		if mat.Norm(s.Hidden.Value, 2) != 0 || mat.Norm(s.Memory.Value, 2) != 0 {
			t.Fatalf("step %d: expected zero state, got h=%v c=%v", step, s.Hidden.Value.RawMatrix().Data, s.Memory.Value.RawMatrix().Data)
		}
	}
}

func TestCPLSTMGateSlicesNotInterchangeable(t *testing.T) {
	rng := testRNG(4)
	c, _ := NewCell(CPLSTM, 3, 4, 2, rng)
	cell := c.(*CPLSTMCell)
	xs := []*autograd.Tensor{randInput(rng, 1, 3), randInput(rng, 1, 3)}

	run := func() State {
		s := cell.InitState(1)
		for _, x := range xs {
			s, _ = cell.Step(x, s)
		}
		return s
	}
	before := run()

	bias := cell.Bias.Value.RawRowView(0)
	h := cell.HiddenSize()
	for j := 0; j < h; j++ {
		f, o := gateForget*h+j, gateOutput*h+j
		bias[f], bias[o] = bias[o], bias[f]
	}
	after := run()

	if denseEqual(before.Hidden.Value, after.Hidden.Value, 1e-12) {
		t.Errorf("swapping forget/output bias left h unchanged")
	}
	if denseEqual(before.Memory.Value, after.Memory.Value, 1e-12) {
		t.Errorf("swapping forget/output bias left c unchanged")
	}
}

func TestCellShapeMismatch(t *testing.T) {
	rng := testRNG(5)
	cell, _ := NewCell(CPLSTM, 3, 4, 2, rng)
	if _, err := cell.Step(randInput(rng, 2, 3), cell.InitState(3)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("batch mismatch: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := cell.Step(randInput(rng, 2, 5), cell.InitState(2)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("width mismatch: expected ErrShapeMismatch, got %v", err)
	}
	if _, err := cell.Step(randInput(rng, 2, 3), State{}); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("missing state: expected ErrShapeMismatch, got %v", err)
	}
}

func TestInvalidConfig(t *testing.T) {
	rng := testRNG(6)
	cases := []struct {
		name                string
		input, hidden, rank int
	}{
		{"zero rank", 3, 4, 0},
		{"negative rank", 3, 4, -1},
		{"zero hidden", 3, 0, 2},
		{"zero input", 0, 4, 2},
	}
	for _, tc := range cases {
		if _, err := NewCell(CPLSTM, tc.input, tc.hidden, tc.rank, rng); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func TestCPLSTMGradCheck(t *testing.T) {
	rng := testRNG(7)
	cell, _ := NewCell(CPLSTM, 2, 3, 2, rng)
	xs := []*autograd.Tensor{randInput(rng, 2, 2), randInput(rng, 2, 2)}
	targets := []int{0, 2}
	loss := func() *autograd.Tensor {
		s := cell.InitState(2)
		for _, x := range xs {
			s, _ = cell.Step(x, s)
		}
		return autograd.CrossEntropy(s.Hidden, targets)
	}
	for _, p := range cell.Parameters() {
		p.ZeroGrad()
	}
	autograd.Backward(loss())

	const eps = 1e-6
	for _, p := range cell.Parameters() {
		r, c := p.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				var plus, minus float64
				autograd.NoGrad(func() {
					p.Value.Set(i, j, orig+eps)
					plus = loss().Item()
					p.Value.Set(i, j, orig-eps)
					minus = loss().Item()
				})
				p.Value.Set(i, j, orig)
				num := (plus - minus) / (2 * eps)
				if math.Abs(num-p.Grad.At(i, j)) > 1e-6 {
					t.Errorf("%s[%d,%d]: analytic %g numeric %g", p.Name, i, j, p.Grad.At(i, j), num)
				}
			}
		}
	}
}

// ============================================================
// variants
// ============================================================

func TestParseVariant(t *testing.T) {
	cases := map[string]Variant{
		"cplstm": CPLSTM, "LSTM": LSTM, "lstmpt": LSTM, "cprnn": CPRNN,
		"2rnn": SecondOrderRNN, "mrnn": MRNN, "MIRNN": MIRNN,
	}
	for name, want := range cases {
		got, err := ParseVariant(name)
		if err != nil || got != want {
			t.Errorf("ParseVariant(%q) = %v, %v; want %v", name, got, err, want)
		}
	}
	if _, err := ParseVariant("gru"); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if len(Variants()) != 6 {
		t.Errorf("expected 6 variants, got %v", Variants())
	}
}

func TestEveryVariantTrainsOneStep(t *testing.T) {
	for _, name := range Variants() {
		v, _ := ParseVariant(name)
		m, err := New(v, 5, 3, 4, 2, testRNG(8))
		if err != nil {
			t.Fatalf("%s: New: %v", name, err)
		}
		inputs := [][]int{{0, 1}, {2, 3}, {4, 0}}
		out, s, err := m.Forward(inputs, nil)
		if err != nil {
			t.Fatalf("%s: Forward: %v", name, err)
		}
		if r, c := s.Hidden.Dims(); r != 2 || c != 4 {
			t.Errorf("%s: hidden %dx%d", name, r, c)
		}
		loss := autograd.CrossEntropy(out.Logits, []int{1, 2, 3, 4, 0, 1})
		autograd.Backward(loss)
		for _, p := range m.Cell.Parameters() {
			if mat.Norm(p.Grad, 2) == 0 {
				t.Errorf("%s: %s received no gradient", name, p.Name)
			}
		}
	}
}

// ============================================================
// sequence model
// ============================================================

func newTestModel(t *testing.T, input int) *SequenceModel {
	t.Helper()
	m, err := New(CPLSTM, 6, input, 5, 3, testRNG(10))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestForwardLogitLayout(t *testing.T) {
	m := newTestModel(t, 4)
	inputs := [][]int{{1, 1}, {2, 2}, {3, 3}}
	out, _, err := m.Forward(inputs, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	r, c := out.Logits.Dims()
	if r != 6 || c != 6 {
		t.Fatalf("expected 6x6 logits, got %dx%d", r, c)
	}
	for step := 0; step < 3; step++ {
		a := out.Logits.Value.RawRowView(step * 2)
		b := out.Logits.Value.RawRowView(step*2 + 1)
		for j := range a {
			if a[j] != b[j] {
				t.Fatalf("step %d: identical sequences gave different logits", step)
			}
		}
	}
}

func TestForwardCarriesState(t *testing.T) {
	m := newTestModel(t, 0)
	full, _, err := m.Forward([][]int{{0}, {1}, {2}, {3}}, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	_, mid, _ := m.Forward([][]int{{0}, {1}}, nil)
	tail, _, err := m.Forward([][]int{{2}, {3}}, &mid)
	if err != nil {
		t.Fatalf("Forward tail: %v", err)
	}
	want := full.Logits.Value.Slice(2, 4, 0, 6)
	if !mat.EqualApprox(want, tail.Logits.Value, 1e-12) {
		t.Errorf("split forward differs from full forward")
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	m := newTestModel(t, 4)
	if _, _, err := m.Forward(nil, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("empty: expected ErrShapeMismatch, got %v", err)
	}
	if _, _, err := m.Forward([][]int{{0, 1}, {2}}, nil); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("ragged: expected ErrShapeMismatch, got %v", err)
	}
	if _, _, err := m.Forward([][]int{{9}}, nil); !errors.Is(err, tokenizer.ErrUnknownIndex) {
		t.Errorf("out of vocab: expected ErrUnknownIndex, got %v", err)
	}
}

func TestPredictInvalidTopK(t *testing.T) {
	m := newTestModel(t, 4)
	for _, k := range []int{0, -1, 7} {
		if _, _, err := m.Predict(0, State{}, k, testRNG(1)); !errors.Is(err, ErrInvalidTopK) {
			t.Errorf("top_k=%d: expected ErrInvalidTopK, got %v", k, err)
		}
	}
}

func TestPredictTopOneIsArgmax(t *testing.T) {
	m := newTestModel(t, 4)
	pred, err := m.Greedy([][]int{{2}})
	if err != nil {
		t.Fatalf("Greedy: %v", err)
	}
	got, _, err := m.Predict(2, State{}, 1, testRNG(99))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	if got != pred[0][0] {
		t.Errorf("expected argmax %d, got %d", pred[0][0], got)
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	a := newTestModel(t, 4)
	b, _ := New(CPLSTM, 6, 4, 5, 3, testRNG(11))
	if err := b.LoadStateDict(a.StateDict()); err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	inputs := [][]int{{0, 5}, {3, 2}}
	oa, _, _ := a.Forward(inputs, nil)
	ob, _, _ := b.Forward(inputs, nil)
	if !mat.Equal(oa.Logits.Value, ob.Logits.Value) {
		t.Errorf("loaded model disagrees with source")
	}

	other, _ := New(CPLSTM, 6, 4, 5, 2, testRNG(12))
	if err := other.LoadStateDict(a.StateDict()); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch for different rank, got %v", err)
	}
}

func TestTiedWeights(t *testing.T) {
	untied, _ := New(CPLSTM, 6, 5, 5, 2, testRNG(13))
	tied, err := New(CPLSTM, 6, 5, 5, 2, testRNG(13), WithTiedWeights())
	if err != nil {
		t.Fatalf("New tied: %v", err)
	}
	if tied.NumParams() != untied.NumParams()-6*5 {
		t.Errorf("expected %d params, got %d", untied.NumParams()-30, tied.NumParams())
	}
	if tied.Decoder.Weight.Tensor != tied.Embedding.(*Embedding).Weight.Tensor {
		t.Errorf("decoder weight is not the embedding table")
	}
	if _, err := New(CPLSTM, 6, 4, 5, 2, testRNG(13), WithTiedWeights()); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for input != hidden, got %v", err)
	}
}

func TestSharedEmbedding(t *testing.T) {
	emb := NewEmbedding(6, 3, 0.1, testRNG(14))
	a, _ := New(CPLSTM, 6, 3, 4, 2, testRNG(15), WithEmbedding(emb))
	b, _ := New(CPRNN, 6, 3, 4, 2, testRNG(16), WithEmbedding(emb))
	if a.Embedding != b.Embedding {
		t.Errorf("expected both models to hold the same embedding")
	}
}

// ============================================================
// sampling
// ============================================================

func sampleFixture(t *testing.T) (*SequenceModel, *tokenizer.Tokenizer) {
	t.Helper()
	tok, err := tokenizer.FromSymbols(tokenizer.ModeChar, strings.Split("The quick", ""))
	if err != nil {
		t.Fatalf("tokenizer: %v", err)
	}
	m, err := New(CPLSTM, tok.VocabSize(), 4, 6, 2, testRNG(20))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, tok
}

func TestSampleGreedyDeterministic(t *testing.T) {
	m, tok := sampleFixture(t)
	a, err := Sample(m, tok, "The", 30, 1, testRNG(1))
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	b, _ := Sample(m, tok, "The", 30, 1, testRNG(2))
	if a != b {
		t.Errorf("top_k=1 samples differ:\n%q\n%q", a, b)
	}
}

func TestSampleSeededDeterministic(t *testing.T) {
	m, tok := sampleFixture(t)
	a, _ := Sample(m, tok, "Th", 40, 3, testRNG(5))
	b, _ := Sample(m, tok, "Th", 40, 3, testRNG(5))
	if a != b {
		t.Errorf("same seed produced different samples")
	}
}

func TestSampleLengthAndPrime(t *testing.T) {
	m, tok := sampleFixture(t)
	out, err := Sample(m, tok, "The", 10, 2, testRNG(3))
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if !strings.HasPrefix(out, "The") {
		t.Errorf("expected prime prefix, got %q", out)
	}
	if n := len([]rune(out)); n != 3+1+10 {
		t.Errorf("expected 14 symbols, got %d", n)
	}
}

func TestSampleErrors(t *testing.T) {
	m, tok := sampleFixture(t)
	if _, err := Sample(m, tok, "", 5, 1, testRNG(1)); !errors.Is(err, ErrEmptyPrime) {
		t.Errorf("expected ErrEmptyPrime, got %v", err)
	}
	if _, err := Sample(m, tok, "Thz", 5, 1, testRNG(1)); !errors.Is(err, tokenizer.ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
}

func TestApplyTopK(t *testing.T) {
	got := ApplyTopK([]float64{0.1, 0.4, 0.2, 0.3}, 2)
	want := []float64{0, 0.4, 0, 0.3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSampleWeightedSkipsZeros(t *testing.T) {
	rng := testRNG(4)
	for i := 0; i < 200; i++ {
		if idx := SampleWeighted([]float64{0, 0.5, 0, 0.5}, rng); idx != 1 && idx != 3 {
			t.Fatalf("drew zero-weight index %d", idx)
		}
	}
}
