package model

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"cprnn-go/pkg/autograd"
)

// Embedder maps token ids to input vectors.
type Embedder interface {
	Embed(ids []int) *autograd.Tensor
	Dim() int
	Parameters() []autograd.Parameter
}

// Embedding is a learnable vocab × dim lookup table.
type Embedding struct {
	Weight autograd.Parameter
}

// NewEmbedding draws a vocab × dim table from U[-bound, bound].
func NewEmbedding(vocab, dim int, bound float64, rng *rand.Rand) *Embedding {
	in := initializer{bound: bound, rng: rng}
	return &Embedding{Weight: in.param("embedding.weight", vocab, dim)}
}

func (e *Embedding) Embed(ids []int) *autograd.Tensor { return autograd.Gather(e.Weight.Tensor, ids) }

func (e *Embedding) Dim() int {
	_, c := e.Weight.Dims()
	return c
}

func (e *Embedding) Parameters() []autograd.Parameter { return []autograd.Parameter{e.Weight} }

// OneHot is a fixed identity embedding used when input_size is 0.
type OneHot struct {
	Vocab int
}

func (o OneHot) Embed(ids []int) *autograd.Tensor {
	v := mat.NewDense(len(ids), o.Vocab, nil)
	for i, id := range ids {
		v.Set(i, id, 1)
	}
	return autograd.New(v)
}

func (o OneHot) Dim() int                         { return o.Vocab }
func (o OneHot) Parameters() []autograd.Parameter { return nil }

// Linear computes x·Wᵀ + b with W stored out × in.
type Linear struct {
	Weight autograd.Parameter
	Bias   autograd.Parameter
}

// NewLinear draws weight and bias from U[-bound, bound].
func NewLinear(in, out int, bound float64, rng *rand.Rand) *Linear {
	draw := initializer{bound: bound, rng: rng}
	return &Linear{
		Weight: draw.param("decoder.weight", out, in),
		Bias:   draw.param("decoder.bias", 1, out),
	}
}

func (l *Linear) Forward(x *autograd.Tensor) *autograd.Tensor {
	return autograd.AddRow(autograd.MatMulT(x, l.Weight.Tensor), l.Bias.Tensor)
}

func (l *Linear) In() int {
	_, c := l.Weight.Dims()
	return c
}

func (l *Linear) Out() int {
	r, _ := l.Weight.Dims()
	return r
}

func (l *Linear) Parameters() []autograd.Parameter {
	return []autograd.Parameter{l.Weight, l.Bias}
}
