// Package tokenizer maps symbols to contiguous integer ids and back.
package tokenizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/exp/constraints"
)

var (
	ErrUnknownSymbol = errors.New("tokenizer: unknown symbol")
	ErrUnknownIndex  = errors.New("tokenizer: unknown index")
	ErrType          = errors.New("tokenizer: unsupported decode input")
)

// Tokenizer is an append-only vocabulary. Ids are assigned in registration order and
// always cover [0, VocabSize()).
type Tokenizer struct {
	mode     string
	splitter Splitter
	symbols  []string
	index    map[string]int
}

// New returns an empty tokenizer for the given mode (char, word or bpe).
func New(mode string) (*Tokenizer, error) {
	s, err := NewSplitter(mode)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{mode: mode, splitter: s, index: make(map[string]int)}, nil
}

// FromSymbols builds a tokenizer and registers symbols in order.
func FromSymbols(mode string, symbols []string) (*Tokenizer, error) {
	t, err := New(mode)
	if err != nil {
		return nil, err
	}
	for _, s := range symbols {
		t.Register(s)
	}
	return t, nil
}

func (t *Tokenizer) Mode() string { return t.mode }

func (t *Tokenizer) VocabSize() int { return len(t.symbols) }

// Register adds symbol if unseen and returns its id.
func (t *Tokenizer) Register(symbol string) int {
	if id, ok := t.index[symbol]; ok {
		return id
	}
	id := len(t.symbols)
	t.symbols = append(t.symbols, symbol)
	t.index[symbol] = id
	return id
}

func (t *Tokenizer) Encode(symbol string) (int, error) {
	id, ok := t.index[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
	}
	return id, nil
}

func (t *Tokenizer) Decode(index int) (string, error) {
	if index < 0 || index >= len(t.symbols) {
		return "", fmt.Errorf("%w: %d (vocab %d)", ErrUnknownIndex, index, len(t.symbols))
	}
	return t.symbols[index], nil
}

// Symbols returns a copy of the vocabulary in id order.
func (t *Tokenizer) Symbols() []string {
	return append([]string(nil), t.symbols...)
}

// Ready reports whether the splitter can run; only bpe has anything to load.
func (t *Tokenizer) Ready() error {
	if r, ok := t.splitter.(interface{ Ready() error }); ok {
		return r.Ready()
	}
	return nil
}

func (t *Tokenizer) Split(text string) []string { return t.splitter.Split(text) }

func (t *Tokenizer) Join(symbols []string) string { return t.splitter.Join(symbols) }

// EncodeSequence splits text and encodes every symbol, failing on the first unknown one.
func (t *Tokenizer) EncodeSequence(text string) ([]int, error) {
	syms := t.splitter.Split(text)
	out := make([]int, len(syms))
	for i, s := range syms {
		id, err := t.Encode(s)
		if err != nil {
			return nil, err
		}
		out[i] = id
	}
	return out, nil
}

// DecodeAll decodes a slice of ids of any integer type.
func DecodeAll[T constraints.Integer](t *Tokenizer, ids []T) ([]string, error) {
	out := make([]string, len(ids))
	for i, id := range ids {
		s, err := t.Decode(int(id))
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

func decodeGrid[T constraints.Integer](t *Tokenizer, grid [][]T) ([][]string, error) {
	out := make([][]string, len(grid))
	for i, row := range grid {
		r, err := DecodeAll(t, row)
		if err != nil {
			return nil, err
		}
		out[i] = r
	}
	return out, nil
}

// DecodeAny decodes an integer scalar to a string, a slice to []string and a
// two-dimensional slice to [][]string.
func (t *Tokenizer) DecodeAny(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return t.Decode(x)
	case int32:
		return t.Decode(int(x))
	case int64:
		return t.Decode(int(x))
	case uint8:
		return t.Decode(int(x))
	case uint16:
		return t.Decode(int(x))
	case uint32:
		return t.Decode(int(x))
	case []int:
		return DecodeAll(t, x)
	case []int32:
		return DecodeAll(t, x)
	case []int64:
		return DecodeAll(t, x)
	case [][]int:
		return decodeGrid(t, x)
	case [][]int32:
		return decodeGrid(t, x)
	case [][]int64:
		return decodeGrid(t, x)
	}
	return nil, fmt.Errorf("%w: %T", ErrType, v)
}

type fileFormat struct {
	Mode    string   `json:"mode"`
	Symbols []string `json:"symbols"`
}

// Save writes the vocabulary as JSON.
func (t *Tokenizer) Save(path string) error {
	data, err := json.MarshalIndent(fileFormat{Mode: t.mode, Symbols: t.symbols}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Load reads a vocabulary written by Save.
func Load(path string) (*Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tokenizer: parse %s: %w", path, err)
	}
	return FromSymbols(f.Mode, f.Symbols)
}
