// Package data turns text splits into token streams and (seq × batch) batches.
package data

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cprnn-go/pkg/tokenizer"
)

var ErrTooShort = errors.New("data: split too short for batch size")

// Split names, read from <dir>/<name>.txt.
const (
	Train = "train"
	Valid = "valid"
	Test  = "test"
)

// Splits holds the encoded splits and the tokenizer that produced them.
type Splits struct {
	Train, Valid, Test []int
	Tokenizer          *tokenizer.Tokenizer
}

// TokenizerPath is where LoadSplits keeps the vocabulary for mode.
func TokenizerPath(dir, mode string) string {
	return filepath.Join(dir, fmt.Sprintf("tokenizer-%s.json", mode))
}

// LoadSplits reads train/valid/test text from dir. The vocabulary is loaded from
// tokenizer-<mode>.json when present, otherwise built from all splits in order and saved.
func LoadSplits(dir, mode string) (*Splits, error) {
	texts := make(map[string]string, 3)
	for _, name := range []string{Train, Valid, Test} {
		b, err := os.ReadFile(filepath.Join(dir, name+".txt"))
		if err != nil {
			return nil, fmt.Errorf("data: read %s split: %w", name, err)
		}
		texts[name] = string(b)
	}

	tokPath := TokenizerPath(dir, mode)
	tok, err := tokenizer.Load(tokPath)
	switch {
	case err == nil:
		if tok.Mode() != mode {
			return nil, fmt.Errorf("data: %s has mode %q, want %q", tokPath, tok.Mode(), mode)
		}
	case errors.Is(err, os.ErrNotExist):
		tok, err = tokenizer.New(mode)
		if err != nil {
			return nil, err
		}
		if err := tok.Ready(); err != nil {
			return nil, err
		}
		for _, name := range []string{Train, Valid, Test} {
			for _, s := range tok.Split(texts[name]) {
				tok.Register(s)
			}
		}
		if err := tok.Save(tokPath); err != nil {
			return nil, fmt.Errorf("data: save tokenizer: %w", err)
		}
	default:
		return nil, err
	}

	out := &Splits{Tokenizer: tok}
	for name, dst := range map[string]*[]int{Train: &out.Train, Valid: &out.Valid, Test: &out.Test} {
		ids, err := tok.EncodeSequence(texts[name])
		if err != nil {
			return nil, fmt.Errorf("data: encode %s: %w", name, err)
		}
		*dst = ids
	}
	return out, nil
}

// Batch is one time chunk; Inputs[t][b] predicts Targets[t][b].
type Batch struct {
	Inputs  [][]int
	Targets [][]int
}

// Loader splits a stream into batchSize contiguous rows and walks them seqLen steps at a time.
type Loader struct {
	batches []Batch
}

func NewLoader(ids []int, batchSize, seqLen int) (*Loader, error) {
	if batchSize <= 0 || seqLen <= 0 {
		return nil, fmt.Errorf("data: batch_size=%d seq_len=%d must be positive", batchSize, seqLen)
	}
	n := (len(ids) - 1) / batchSize
	if n < 1 {
		return nil, fmt.Errorf("%w: %d tokens, batch_size=%d", ErrTooShort, len(ids), batchSize)
	}
	var batches []Batch
	for start := 0; start < n; start += seqLen {
		steps := min(seqLen, n-start)
		b := Batch{Inputs: make([][]int, steps), Targets: make([][]int, steps)}
		for t := 0; t < steps; t++ {
			b.Inputs[t] = make([]int, batchSize)
			b.Targets[t] = make([]int, batchSize)
			for row := 0; row < batchSize; row++ {
				pos := row*n + start + t
				b.Inputs[t][row] = ids[pos]
				b.Targets[t][row] = ids[pos+1]
			}
		}
		batches = append(batches, b)
	}
	return &Loader{batches: batches}, nil
}

func (l *Loader) Batches() []Batch { return l.batches }

func (l *Loader) Len() int { return len(l.batches) }

func (l *Loader) First() Batch { return l.batches[0] }

// FlatTargets lays targets out row t·batch + b to match model logits.
func (b Batch) FlatTargets() []int {
	out := make([]int, 0, len(b.Targets)*len(b.Targets[0]))
	for _, row := range b.Targets {
		out = append(out, row...)
	}
	return out
}

// Column returns sequence b of a [seq][batch] grid.
func Column(grid [][]int, b int) []int {
	out := make([]int, len(grid))
	for t, row := range grid {
		out[t] = row[b]
	}
	return out
}
