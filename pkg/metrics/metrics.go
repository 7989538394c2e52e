// Package metrics accumulates per-epoch statistics and records them to a sink.
package metrics

import (
	"fmt"
	"math"

	"cprnn-go/pkg/tensorio"
)

// AverageMeter keeps a count-weighted running mean.
type AverageMeter struct {
	Sum   float64
	Count int
	Last  float64
}

func (m *AverageMeter) Add(v float64, n int) {
	m.Last = v
	m.Sum += v * float64(n)
	m.Count += n
}

// Avg is NaN before the first Add.
func (m *AverageMeter) Avg() float64 {
	if m.Count == 0 {
		return math.NaN()
	}
	return m.Sum / float64(m.Count)
}

// Metrics is the per-split summary stored in checkpoints. Non-finite values survive JSON.
type Metrics struct {
	Loss tensorio.Float `json:"loss"`
	PPL  tensorio.Float `json:"ppl"`
	BPC  tensorio.Float `json:"bpc"`
}

// FromLoss derives ppl = e^loss and bpc = loss / ln 2.
func FromLoss(loss float64) Metrics {
	return Metrics{Loss: tensorio.Float(loss), PPL: tensorio.Float(math.Exp(loss)), BPC: tensorio.Float(loss / math.Ln2)}
}

// FromMeters uses the averaged loss and the separately averaged per-batch perplexity.
func FromMeters(loss, ppl *AverageMeter) Metrics {
	l := loss.Avg()
	return Metrics{Loss: tensorio.Float(l), PPL: tensorio.Float(ppl.Avg()), BPC: tensorio.Float(l / math.Ln2)}
}

// Map returns the metrics keyed by their short names.
func (m Metrics) Map() map[string]float64 {
	return map[string]float64{"loss": float64(m.Loss), "ppl": float64(m.PPL), "bpc": float64(m.BPC)}
}

func (m Metrics) String() string {
	return fmt.Sprintf("loss %5.2f | ppl %8.2f | bpc %8.2f", float64(m.Loss), float64(m.PPL), float64(m.BPC))
}

// Sink receives per-epoch scalars and text artifacts.
type Sink interface {
	Scalar(tag string, value float64, epoch int) error
	Text(tag, body string, epoch int) error
	Close() error
}

// Discard drops everything.
type Discard struct{}

func (Discard) Scalar(string, float64, int) error { return nil }
func (Discard) Text(string, string, int) error    { return nil }
func (Discard) Close() error                      { return nil }
