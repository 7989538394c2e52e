package train

import (
	"bytes"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"cprnn-go/pkg/checkpoint"
	"cprnn-go/pkg/config"
	"cprnn-go/pkg/data"
	"cprnn-go/pkg/metrics"
	"cprnn-go/pkg/model"
)

// ==== fixtures ====

type memSink struct {
	scalars map[string]map[int]float64
	texts   map[string]string
}

func newMemSink() *memSink {
	return &memSink{scalars: map[string]map[int]float64{}, texts: map[string]string{}}
}

func (m *memSink) Scalar(tag string, v float64, epoch int) error {
	if m.scalars[tag] == nil {
		m.scalars[tag] = map[int]float64{}
	}
	m.scalars[tag][epoch] = v
	return nil
}

func (m *memSink) Text(tag, body string, epoch int) error {
	m.texts[tag] = body
	return nil
}

func (m *memSink) Close() error { return nil }

func writeCorpus(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, text := range map[string]string{
		data.Train: "abcabcabcabc",
		data.Valid: "abcabc",
		data.Test:  "abcabc",
	} {
		if err := os.WriteFile(filepath.Join(dir, name+".txt"), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func tinyConfig(dataDir string, epochs int) config.Config {
	cfg := config.Default()
	cfg.Data.Path = dataDir
	cfg.Model = model.Spec{Name: "cplstm", HiddenSize: 4, InputSize: 4, Rank: 2}
	cfg.Train.Epochs = epochs
	cfg.Train.BatchSize = 1
	cfg.Train.SeqLen = 5
	cfg.Train.LR = 0.05
	cfg.Train.GradClip = config.NoClip()
	cfg.Sample = config.Sample{Prime: "a", TopK: 2, Size: 5}
	return cfg
}

func prepare(t *testing.T, cfg config.Config, dir string, sink metrics.Sink, out io.Writer) *Trainer {
	t.Helper()
	splits, err := data.LoadSplits(cfg.Data.Path, cfg.Data.Tokenizer)
	if err != nil {
		t.Fatalf("LoadSplits: %v", err)
	}
	tr, err := Prepare(RunContext{Dir: dir, Config: cfg, Logger: log.New(out, "", 0), Sink: sink}, splits)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	return tr
}

// ==== training ====

func TestTrainingReducesValidBPC(t *testing.T) {
	cfg := tinyConfig(writeCorpus(t), 50)
	dir := t.TempDir()
	sink := newMemSink()
	var logs bytes.Buffer
	tr := prepare(t, cfg, dir, sink, &logs)
	if tr.StartEpoch() != 1 || tr.State() != NotStarted {
		t.Fatalf("expected fresh trainer, got epoch %d state %s", tr.StartEpoch(), tr.State())
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if tr.State() != Completed {
		t.Errorf("expected completed, got %s", tr.State())
	}
	bpc := sink.scalars["valid/bpc"]
	if len(bpc) != 50 {
		t.Fatalf("expected 50 valid/bpc points, got %d", len(bpc))
	}
	if bpc[50] >= bpc[1] {
		t.Errorf("expected valid bpc to drop, epoch 1 %f epoch 50 %f", bpc[1], bpc[50])
	}
	for _, tag := range []string{"train/loss", "train/ppl", "valid/loss", "LR"} {
		if len(sink.scalars[tag]) != 50 {
			t.Errorf("expected 50 points for %s, got %d", tag, len(sink.scalars[tag]))
		}
	}
	for _, tag := range []string{"Train", "Valid", "Sample"} {
		if sink.texts[tag] == "" {
			t.Errorf("expected %s text artifact", tag)
		}
	}
	if !strings.HasPrefix(sink.texts["Sample"], "a") {
		t.Errorf("sample should start with the prime, got %q", sink.texts["Sample"])
	}
	if !strings.Contains(logs.String(), "Epoch   50/  50 | time:") {
		t.Errorf("missing epoch log line in:\n%s", logs.String())
	}

	latest, err := checkpoint.Load(dir, checkpoint.Latest)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Epoch != 50 {
		t.Errorf("expected latest epoch 50, got %d", latest.Epoch)
	}
	if latest.NumParams != tr.Model().NumParams() {
		t.Errorf("expected num_params %d, got %d", tr.Model().NumParams(), latest.NumParams)
	}
	best, err := checkpoint.Load(dir, checkpoint.Best)
	if err != nil {
		t.Fatalf("best: %v", err)
	}
	if float64(best.ValidMetrics.Loss) > float64(latest.ValidMetrics.Loss) {
		t.Errorf("best valid loss %f worse than latest %f", float64(best.ValidMetrics.Loss), float64(latest.ValidMetrics.Loss))
	}
}

func TestDecodeFormat(t *testing.T) {
	cfg := tinyConfig(writeCorpus(t), 1)
	tr := prepare(t, cfg, t.TempDir(), nil, io.Discard)
	text, err := tr.Decode(tr.train.First())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !strings.HasPrefix(text, "Source:  \nabcab  \nTarget:  \nbcabc  \nPrediction:  \n") {
		t.Errorf("unexpected decode %q", text)
	}
}

// ==== resume ====

func TestResumeAtFinalEpochWritesNothing(t *testing.T) {
	cfg := tinyConfig(writeCorpus(t), 3)
	dir := t.TempDir()
	if err := prepare(t, cfg, dir, nil, io.Discard).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	before := map[checkpoint.Slot][]byte{}
	for _, slot := range []checkpoint.Slot{checkpoint.Latest, checkpoint.Best} {
		b, err := os.ReadFile(checkpoint.Path(dir, slot))
		if err != nil {
			t.Fatal(err)
		}
		before[slot] = b
	}

	var logs bytes.Buffer
	tr := prepare(t, cfg, dir, nil, &logs)
	if tr.State() != AlreadyComplete {
		t.Fatalf("expected already-complete, got %s", tr.State())
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for slot, b := range before {
		after, _ := os.ReadFile(checkpoint.Path(dir, slot))
		if !bytes.Equal(b, after) {
			t.Errorf("%s was rewritten", slot)
		}
	}
	if !strings.Contains(logs.String(), "already exists. (Latest @ epoch 3)") {
		t.Errorf("missing skip message in %q", logs.String())
	}
}

func TestResumeContinuesFromNextEpoch(t *testing.T) {
	corpus := writeCorpus(t)

	straight := t.TempDir()
	if err := prepare(t, tinyConfig(corpus, 8), straight, nil, io.Discard).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dir := t.TempDir()
	if err := prepare(t, tinyConfig(corpus, 5), dir, nil, io.Discard).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	sink := newMemSink()
	tr := prepare(t, tinyConfig(corpus, 8), dir, sink, io.Discard)
	if tr.StartEpoch() != 6 {
		t.Fatalf("expected start epoch 6, got %d", tr.StartEpoch())
	}
	if err := tr.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok := sink.scalars["train/loss"][5]; ok {
		t.Errorf("epoch 5 should not be retrained")
	}
	if len(sink.scalars["train/loss"]) != 3 {
		t.Errorf("expected epochs 6..8, got %v", sink.scalars["train/loss"])
	}

	got, err := checkpoint.Load(dir, checkpoint.Latest)
	if err != nil {
		t.Fatal(err)
	}
	want, err := checkpoint.Load(straight, checkpoint.Latest)
	if err != nil {
		t.Fatal(err)
	}
	if got.Epoch != 8 || got.OptimizerState.Step != want.OptimizerState.Step {
		t.Errorf("expected epoch 8 with %d steps, got epoch %d with %d", want.OptimizerState.Step, got.Epoch, got.OptimizerState.Step)
	}
	if !reflect.DeepEqual(got.ModelState, want.ModelState) {
		t.Errorf("resumed weights differ from an uninterrupted run")
	}
}

func TestResumeFailsOnCorruptCheckpoint(t *testing.T) {
	cfg := tinyConfig(writeCorpus(t), 3)
	dir := t.TempDir()
	if err := prepare(t, cfg, dir, nil, io.Discard).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := os.WriteFile(checkpoint.Path(dir, checkpoint.Latest), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	splits, err := data.LoadSplits(cfg.Data.Path, cfg.Data.Tokenizer)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Train.Epochs = 6
	_, err = Prepare(RunContext{Dir: dir, Config: cfg, Logger: log.New(io.Discard, "", 0)}, splits)
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
}

func TestResumeFailsWithoutBest(t *testing.T) {
	cfg := tinyConfig(writeCorpus(t), 3)
	dir := t.TempDir()
	if err := prepare(t, cfg, dir, nil, io.Discard).Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	os.Remove(checkpoint.Path(dir, checkpoint.Best))
	splits, _ := data.LoadSplits(cfg.Data.Path, cfg.Data.Tokenizer)
	_, err := Prepare(RunContext{Dir: dir, Config: cfg, Logger: log.New(io.Discard, "", 0)}, splits)
	if !errors.Is(err, checkpoint.ErrMissing) {
		t.Errorf("expected ErrMissing, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if CheckpointedBest.String() != "checkpointed-best" || State(42).String() != "state(42)" {
		t.Errorf("unexpected state names")
	}
}
