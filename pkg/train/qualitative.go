package train

import (
	"fmt"

	"cprnn-go/pkg/data"
	"cprnn-go/pkg/model"
	"cprnn-go/pkg/tokenizer"
)

// qualitative writes greedy decodes of the first train and valid batches and a primed
// sample. Failures are logged and never stop training.
func (t *Trainer) qualitative(epoch int) {
	for _, q := range []struct {
		tag    string
		loader *data.Loader
	}{{"Train", t.train}, {"Valid", t.valid}} {
		text, err := t.Decode(q.loader.First())
		if err != nil {
			t.rc.Logger.Printf("[qualitative] %s decode: %v", q.tag, err)
			continue
		}
		if err := t.rc.Sink.Text(q.tag, text, epoch); err != nil {
			t.rc.Logger.Printf("[qualitative] %s: %v", q.tag, err)
		}
	}

	s := t.rc.Config.Sample
	sample, err := model.Sample(t.model, t.splits.Tokenizer, s.Prime, s.Size, s.TopK, t.rng)
	if err != nil {
		t.rc.Logger.Printf("[qualitative] sample: %v", err)
		return
	}
	if err := t.rc.Sink.Text("Sample", sample, epoch); err != nil {
		t.rc.Logger.Printf("[qualitative] sample: %v", err)
	}
}

// Decode renders source, target and greedy prediction of batch item 0.
func (t *Trainer) Decode(b data.Batch) (string, error) {
	pred, err := t.model.Greedy(b.Inputs)
	if err != nil {
		return "", err
	}
	tok := t.splits.Tokenizer
	render := func(grid [][]int) (string, error) {
		syms, err := tokenizer.DecodeAll(tok, data.Column(grid, 0))
		if err != nil {
			return "", err
		}
		return tok.Join(syms), nil
	}
	var parts [3]string
	for i, grid := range [][][]int{b.Inputs, b.Targets, pred} {
		if parts[i], err = render(grid); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Source:  \n%s  \nTarget:  \n%s  \nPrediction:  \n%s", parts[0], parts[1], parts[2]), nil
}
