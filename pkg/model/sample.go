package model

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"

	"cprnn-go/pkg/tokenizer"
)

// Sample primes the model with every symbol of prime, takes the last primed prediction
// as the first generated symbol and then feeds back size more draws. The result
// includes the prime.
func Sample(m *SequenceModel, tok *tokenizer.Tokenizer, prime string, size, topK int, rng *rand.Rand) (string, error) {
	gen, err := Generate(m, tok, prime, size, topK, rng)
	if err != nil {
		return "", err
	}
	return tok.Join(append(tok.Split(prime), gen...)), nil
}

// Generate is Sample without the prime: it returns the size+1 generated symbols.
func Generate(m *SequenceModel, tok *tokenizer.Tokenizer, prime string, size, topK int, rng *rand.Rand) ([]string, error) {
	syms := tok.Split(prime)
	if len(syms) == 0 {
		return nil, ErrEmptyPrime
	}
	out := make([]string, 0, size+1)

	var (
		state State
		next  int
	)
	for _, s := range syms {
		id, err := tok.Encode(s)
		if err != nil {
			return nil, err
		}
		next, state, err = m.Predict(id, state, topK, rng)
		if err != nil {
			return nil, err
		}
	}
	sym, err := tok.Decode(next)
	if err != nil {
		return nil, err
	}
	out = append(out, sym)

	for i := 0; i < size; i++ {
		next, state, err = m.Predict(next, state, topK, rng)
		if err != nil {
			return nil, fmt.Errorf("sample step %d: %w", i, err)
		}
		sym, err = tok.Decode(next)
		if err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, nil
}

// SampleWeighted draws an index proportionally to weights.
func SampleWeighted(weights []float64, rng *rand.Rand) int {
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	r := rng.Float64() * sum
	running := 0.0
	last := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		running += w
		last = i
		if r < running {
			return i
		}
	}
	return last
}

func SoftmaxFloat(logits []float64) []float64 {
	maxLogit := -math.MaxFloat64
	for _, l := range logits {
		if l > maxLogit {
			maxLogit = l
		}
	}
	sum := 0.0
	out := make([]float64, len(logits))
	for i, l := range logits {
		out[i] = math.Exp(l - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// ApplyTopK zeroes every weight outside the k largest. Ties keep the lower index.
func ApplyTopK(weights []float64, k int) []float64 {
	if k >= len(weights) {
		return weights
	}
	type kv struct {
		i int
		w float64
	}
	arr := make([]kv, len(weights))
	for i, w := range weights {
		arr[i] = kv{i, w}
	}
	sort.SliceStable(arr, func(i, j int) bool { return arr[i].w > arr[j].w })
	out := make([]float64, len(weights))
	for i := 0; i < k; i++ {
		out[arr[i].i] = arr[i].w
	}
	return out
}
