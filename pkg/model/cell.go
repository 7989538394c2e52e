package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"

	"gonum.org/v1/gonum/mat"

	"cprnn-go/pkg/autograd"
)

var (
	ErrInvalidConfig = errors.New("model: invalid configuration")
	ErrShapeMismatch = errors.New("model: shape mismatch")
	ErrInvalidTopK   = errors.New("model: invalid top_k")
	ErrEmptyPrime    = errors.New("model: empty prime")
)

// State is the recurrent (memory, hidden) pair, each batch × hidden.
type State struct {
	Memory *autograd.Tensor
	Hidden *autograd.Tensor
}

// Cell computes one recurrence step. Step never mutates its input state.
type Cell interface {
	InitState(batch int) State
	Step(x *autograd.Tensor, s State) (State, error)
	Parameters() []autograd.Parameter
	InputSize() int
	HiddenSize() int
}

// Variant selects the recurrent cell.
type Variant int

const (
	CPLSTM Variant = iota
	LSTM
	CPRNN
	SecondOrderRNN
	MRNN
	MIRNN
)

var variantNames = map[Variant]string{
	CPLSTM:         "cplstm",
	LSTM:           "lstm",
	CPRNN:          "cprnn",
	SecondOrderRNN: "2rnn",
	MRNN:           "mrnn",
	MIRNN:          "mirnn",
}

func (v Variant) String() string {
	if s, ok := variantNames[v]; ok {
		return s
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// Factorized reports whether the variant uses a rank parameter.
func (v Variant) Factorized() bool { return v == CPLSTM || v == CPRNN }

// ParseVariant resolves a model name, case-insensitively. "lstmpt" is accepted for LSTM.
func ParseVariant(name string) (Variant, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "lstmpt" {
		return LSTM, nil
	}
	for v, s := range variantNames {
		if s == n {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown model %q", ErrInvalidConfig, name)
}

// Variants lists every known model name.
func Variants() []string {
	out := make([]string, 0, len(variantNames))
	for v := CPLSTM; v <= MIRNN; v++ {
		out = append(out, v.String())
	}
	return out
}

// NewCell builds and initializes a cell of the given variant.
func NewCell(v Variant, input, hidden, rank int, rng *rand.Rand) (Cell, error) {
	if hidden <= 0 || input <= 0 {
		return nil, fmt.Errorf("%w: hidden_size=%d input_size=%d", ErrInvalidConfig, hidden, input)
	}
	if v.Factorized() && rank <= 0 {
		return nil, fmt.Errorf("%w: rank=%d", ErrInvalidConfig, rank)
	}
	in := newInitializer(hidden, rng)
	switch v {
	case CPLSTM:
		return newCPLSTM(input, hidden, rank, in), nil
	case LSTM:
		return newLSTM(input, hidden, in), nil
	case CPRNN:
		return newCPRNN(input, hidden, rank, in), nil
	case SecondOrderRNN:
		return newSecondOrder(input, hidden, in), nil
	case MRNN:
		return newMRNN(input, hidden, in), nil
	case MIRNN:
		return newMIRNN(input, hidden, in), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, v)
}

// initializer draws every entry from U[-1/√hidden, 1/√hidden] in construction order.
type initializer struct {
	bound float64
	rng   *rand.Rand
}

func newInitializer(hidden int, rng *rand.Rand) initializer {
	return initializer{bound: 1 / math.Sqrt(float64(hidden)), rng: rng}
}

func (in initializer) param(name string, r, c int) autograd.Parameter {
	d := make([]float64, r*c)
	for i := range d {
		d[i] = (in.rng.Float64()*2 - 1) * in.bound
	}
	return autograd.Parameter{Name: name, Tensor: autograd.Param(mat.NewDense(r, c, d))}
}

func zeroState(batch, hidden int) State {
	return State{Memory: autograd.Zeros(batch, hidden), Hidden: autograd.Zeros(batch, hidden)}
}

// checkStep validates x (batch × input) against s (batch × hidden each).
func checkStep(x *autograd.Tensor, s State, input, hidden int) error {
	if s.Hidden == nil || s.Memory == nil {
		return fmt.Errorf("%w: missing state", ErrShapeMismatch)
	}
	xb, xi := x.Dims()
	hb, hh := s.Hidden.Dims()
	cb, ch := s.Memory.Dims()
	if xi != input {
		return fmt.Errorf("%w: input width %d, want %d", ErrShapeMismatch, xi, input)
	}
	if hh != hidden || ch != hidden {
		return fmt.Errorf("%w: state width %d/%d, want %d", ErrShapeMismatch, hh, ch, hidden)
	}
	if xb != hb || xb != cb {
		return fmt.Errorf("%w: batch x=%d h=%d c=%d", ErrShapeMismatch, xb, hb, cb)
	}
	return nil
}

// Gate order inside every four-gate block.
const (
	gateForget = iota
	gateInput
	gateCandidate
	gateOutput
	numGates
)

// lstmUpdate applies the gated memory update to per-gate pre-activations.
func lstmUpdate(z [numGates]*autograd.Tensor, c *autograd.Tensor) State {
	f := autograd.Sigmoid(z[gateForget])
	i := autograd.Sigmoid(z[gateInput])
	g := autograd.Tanh(z[gateCandidate])
	o := autograd.Sigmoid(z[gateOutput])
	next := autograd.Add(autograd.Mul(f, c), autograd.Mul(i, g))
	return State{Memory: next, Hidden: autograd.Mul(o, autograd.Tanh(next))}
}
