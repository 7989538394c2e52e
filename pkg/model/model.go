// Package model holds the recurrent cells and the sequence model that embeds token ids,
// runs a cell across time and decodes every hidden state to vocabulary logits.
package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"

	"cprnn-go/pkg/autograd"
	"cprnn-go/pkg/tensorio"
	"cprnn-go/pkg/tokenizer"
)

// Spec is the model section of a resolved configuration.
type Spec struct {
	Name       string `yaml:"name" json:"name"`
	HiddenSize int    `yaml:"hidden_size" json:"hidden_size"`
	InputSize  int    `yaml:"input_size" json:"input_size"`
	Rank       int    `yaml:"rank" json:"rank"`
	TieWeights bool   `yaml:"tie_weights" json:"tie_weights"`
}

// SequenceModel is embedding → cell recurrence → linear decoder.
type SequenceModel struct {
	Variant   Variant
	Vocab     int
	Embedding Embedder
	Cell      Cell
	Decoder   *Linear
}

// Output holds the logits of a forward pass; row t·Batch + b is step t of sequence b.
type Output struct {
	Logits *autograd.Tensor
	Seq    int
	Batch  int
}

type options struct {
	embedding Embedder
	decoder   *Linear
	tie       bool
}

type Option func(*options)

// WithEmbedding injects an existing (possibly shared) embedding.
func WithEmbedding(e Embedder) Option { return func(o *options) { o.embedding = e } }

// WithDecoder injects an existing (possibly shared) decoder.
func WithDecoder(d *Linear) Option { return func(o *options) { o.decoder = d } }

// WithTiedWeights reuses the embedding table as the decoder weight.
func WithTiedWeights() Option { return func(o *options) { o.tie = true } }

// New builds a sequence model. input == 0 selects a fixed one-hot embedding.
func New(v Variant, vocab, input, hidden, rank int, rng *rand.Rand, opts ...Option) (*SequenceModel, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if vocab <= 0 || hidden <= 0 || input < 0 {
		return nil, fmt.Errorf("%w: vocab=%d hidden=%d input=%d", ErrInvalidConfig, vocab, hidden, input)
	}
	if v.Factorized() && rank <= 0 {
		return nil, fmt.Errorf("%w: rank=%d", ErrInvalidConfig, rank)
	}
	bound := 1 / math.Sqrt(float64(hidden))

	emb := o.embedding
	if emb == nil {
		if input == 0 {
			emb = OneHot{Vocab: vocab}
		} else {
			emb = NewEmbedding(vocab, input, bound, rng)
		}
	}

	dec := o.decoder
	if dec == nil {
		dec = NewLinear(hidden, vocab, bound, rng)
	}
	if o.tie {
		e, ok := emb.(*Embedding)
		if !ok || e.Dim() != hidden {
			return nil, fmt.Errorf("%w: tie_weights needs a learnable embedding of width hidden_size=%d", ErrInvalidConfig, hidden)
		}
		dec.Weight = e.Weight
	}
	if dec.In() != hidden || dec.Out() != vocab {
		return nil, fmt.Errorf("%w: decoder %d→%d, want %d→%d", ErrShapeMismatch, dec.In(), dec.Out(), hidden, vocab)
	}

	cell, err := NewCell(v, emb.Dim(), hidden, rank, rng)
	if err != nil {
		return nil, err
	}
	return &SequenceModel{Variant: v, Vocab: vocab, Embedding: emb, Cell: cell, Decoder: dec}, nil
}

// Build resolves spec.Name and constructs the model.
func Build(spec Spec, vocab int, rng *rand.Rand) (*SequenceModel, error) {
	v, err := ParseVariant(spec.Name)
	if err != nil {
		return nil, err
	}
	var opts []Option
	if spec.TieWeights {
		opts = append(opts, WithTiedWeights())
	}
	return New(v, vocab, spec.InputSize, spec.HiddenSize, spec.Rank, rng, opts...)
}

// Forward runs the model over inputs laid out [seq][batch]. A nil initial state starts from zeros.
func (m *SequenceModel) Forward(inputs [][]int, initial *State) (Output, State, error) {
	if len(inputs) == 0 || len(inputs[0]) == 0 {
		return Output{}, State{}, fmt.Errorf("%w: empty input", ErrShapeMismatch)
	}
	batch := len(inputs[0])
	for t, row := range inputs {
		if len(row) != batch {
			return Output{}, State{}, fmt.Errorf("%w: step %d has batch %d, want %d", ErrShapeMismatch, t, len(row), batch)
		}
		for _, id := range row {
			if id < 0 || id >= m.Vocab {
				return Output{}, State{}, fmt.Errorf("%w: %d (vocab %d)", tokenizer.ErrUnknownIndex, id, m.Vocab)
			}
		}
	}

	s := m.Cell.InitState(batch)
	if initial != nil {
		s = *initial
	}
	hs := make([]*autograd.Tensor, 0, len(inputs))
	for _, row := range inputs {
		var err error
		s, err = m.Cell.Step(m.Embedding.Embed(row), s)
		if err != nil {
			return Output{}, State{}, err
		}
		hs = append(hs, s.Hidden)
	}
	logits := m.Decoder.Forward(autograd.ConcatRows(hs...))
	return Output{Logits: logits, Seq: len(inputs), Batch: batch}, s, nil
}

// Greedy returns the argmax prediction for every position, laid out [seq][batch].
func (m *SequenceModel) Greedy(inputs [][]int) ([][]int, error) {
	var (
		out Output
		err error
	)
	autograd.NoGrad(func() { out, _, err = m.Forward(inputs, nil) })
	if err != nil {
		return nil, err
	}
	pred := make([][]int, out.Seq)
	for t := range pred {
		pred[t] = make([]int, out.Batch)
		for b := range pred[t] {
			pred[t][b] = floats.MaxIdx(out.Logits.Value.RawRowView(t*out.Batch + b))
		}
	}
	return pred, nil
}

// Predict runs one step from state on a single index and draws the next index from the
// top-k renormalized distribution. A zero State starts the recurrence from zeros.
func (m *SequenceModel) Predict(index int, state State, topK int, rng *rand.Rand) (int, State, error) {
	if topK <= 0 || topK > m.Vocab {
		return 0, state, fmt.Errorf("%w: %d (vocab %d)", ErrInvalidTopK, topK, m.Vocab)
	}
	var (
		out  Output
		next State
		err  error
	)
	autograd.NoGrad(func() {
		var start *State
		if state.Hidden != nil {
			start = &state
		}
		out, next, err = m.Forward([][]int{{index}}, start)
	})
	if err != nil {
		return 0, state, err
	}
	probs := SoftmaxFloat(out.Logits.Value.RawRowView(0))
	return SampleWeighted(ApplyTopK(probs, topK), rng), next, nil
}

// Parameters lists every learnable tensor once, embedding first, then decoder, then cell.
func (m *SequenceModel) Parameters() []autograd.Parameter {
	var out []autograd.Parameter
	seen := make(map[*autograd.Tensor]bool)
	add := func(ps []autograd.Parameter) {
		for _, p := range ps {
			if !seen[p.Tensor] {
				seen[p.Tensor] = true
				out = append(out, p)
			}
		}
	}
	add(m.Embedding.Parameters())
	add(m.Decoder.Parameters())
	add(m.Cell.Parameters())
	return out
}

func (m *SequenceModel) NumParams() int {
	n := 0
	for _, p := range m.Parameters() {
		r, c := p.Dims()
		n += r * c
	}
	return n
}

// StateDict snapshots every parameter by name.
func (m *SequenceModel) StateDict() map[string]tensorio.Matrix {
	out := make(map[string]tensorio.Matrix)
	for _, p := range m.Parameters() {
		out[p.Name] = tensorio.FromDense(p.Value)
	}
	return out
}

// LoadStateDict copies a snapshot into the parameters. Every parameter must be present
// with a matching shape.
func (m *SequenceModel) LoadStateDict(sd map[string]tensorio.Matrix) error {
	params := m.Parameters()
	if len(sd) != len(params) {
		return fmt.Errorf("%w: state dict has %d tensors, model has %d", ErrShapeMismatch, len(sd), len(params))
	}
	for _, p := range params {
		src, ok := sd[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing %s", ErrShapeMismatch, p.Name)
		}
		if err := src.CopyInto(p.Value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrShapeMismatch, p.Name, err)
		}
	}
	return nil
}
