package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

const (
	ModeChar = "char"
	ModeWord = "word"
	ModeBPE  = "bpe"
)

// BPEEncoding is the tiktoken encoding used by the bpe mode.
const BPEEncoding = "cl100k_base"

// Splitter turns text into symbols and back.
type Splitter interface {
	Split(text string) []string
	Join(symbols []string) string
}

// NewSplitter resolves a tokenizer mode name.
func NewSplitter(mode string) (Splitter, error) {
	switch mode {
	case ModeChar:
		return Chars{}, nil
	case ModeWord:
		return Words{}, nil
	case ModeBPE:
		return &BPE{Encoding: BPEEncoding}, nil
	}
	return nil, fmt.Errorf("tokenizer: unknown mode %q", mode)
}

// Chars splits on runes.
type Chars struct{}

func (Chars) Split(text string) []string {
	out := make([]string, 0, len(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}

func (Chars) Join(symbols []string) string { return strings.Join(symbols, "") }

// Words splits on runs of whitespace and joins with a single space.
type Words struct{}

func (Words) Split(text string) []string { return strings.Fields(text) }

func (Words) Join(symbols []string) string { return strings.Join(symbols, " ") }

// BPE splits text into the byte-pair pieces of a tiktoken encoding. Pieces are the
// decoded bytes of each token, so joining them verbatim restores the input.
type BPE struct {
	Encoding string

	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

func (b *BPE) load() error {
	b.once.Do(func() {
		name := strings.TrimSpace(b.Encoding)
		if name == "" {
			name = BPEEncoding
		}
		b.enc, b.err = tiktoken.GetEncoding(name)
	})
	return b.err
}

// Split returns nil when the encoding cannot be loaded; call Ready first to surface the error.
func (b *BPE) Split(text string) []string {
	if err := b.load(); err != nil {
		return nil
	}
	ids := b.enc.EncodeOrdinary(text)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.enc.Decode([]int{id}))
	}
	return out
}

func (b *BPE) Join(symbols []string) string { return strings.Join(symbols, "") }

// Ready loads the encoding and reports any failure.
func (b *BPE) Ready() error {
	if err := b.load(); err != nil {
		return fmt.Errorf("tokenizer: load %s: %w", b.Encoding, err)
	}
	return nil
}
