// Package train drives the epoch loop of one experiment and owns its checkpoint lifecycle.
package train

import (
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"time"

	"cprnn-go/pkg/autograd"
	"cprnn-go/pkg/checkpoint"
	"cprnn-go/pkg/config"
	"cprnn-go/pkg/data"
	"cprnn-go/pkg/metrics"
	"cprnn-go/pkg/model"
	"cprnn-go/pkg/optim"
)

// SaveEvery is the period of latest-slot saves for epochs that did not improve.
const SaveEvery = 5

// State is the trainer lifecycle position.
type State int

const (
	NotStarted State = iota
	Running
	CheckpointedLatest
	CheckpointedBest
	Completed
	AlreadyComplete
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case CheckpointedLatest:
		return "checkpointed-latest"
	case CheckpointedBest:
		return "checkpointed-best"
	case Completed:
		return "completed"
	case AlreadyComplete:
		return "already-complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// RunContext carries everything one trial needs instead of process globals.
type RunContext struct {
	Dir    string
	Trial  int
	Config config.Config
	Logger *log.Logger
	Sink   metrics.Sink
	RunID  string

	// Verbose logs a telemetry line every MetricInterval training batches.
	Verbose        bool
	MetricInterval int
}

// Trainer owns the model, optimizer and generator of one experiment.
type Trainer struct {
	rc    RunContext
	state State

	splits              *data.Splits
	train, valid, test  *data.Loader
	model               *model.SequenceModel
	params              []autograd.Parameter
	opt                 *optim.Adam
	src                 *rand.PCG
	rng                 *rand.Rand
	startEpoch          int
	bestValid           float64
	lastTrain, lastTest metrics.Metrics
	lastValid           metrics.Metrics
}

// Prepare builds a fresh trainer, or restores one from the latest and best slots of
// rc.Dir. A latest slot at or past the configured epochs yields AlreadyComplete.
// Missing or corrupt slots on resume are returned as checkpoint errors.
func Prepare(rc RunContext, splits *data.Splits) (*Trainer, error) {
	if rc.Logger == nil {
		rc.Logger = log.New(log.Writer(), "", log.LstdFlags)
	}
	if rc.Sink == nil {
		rc.Sink = metrics.Discard{}
	}
	if rc.MetricInterval < 1 {
		rc.MetricInterval = 25
	}
	cfg := rc.Config
	t := &Trainer{
		rc:         rc,
		splits:     splits,
		src:        rand.NewPCG(cfg.Seed, uint64(rc.Trial)),
		startEpoch: 1,
		bestValid:  math.Inf(1),
	}
	t.rng = rand.New(t.src)
	t.lastTrain = metrics.FromLoss(math.NaN())
	t.lastValid = metrics.FromLoss(math.Inf(1))
	t.lastTest = metrics.FromLoss(math.Inf(1))

	var err error
	for _, l := range []struct {
		dst  **data.Loader
		ids  []int
		name string
	}{{&t.train, splits.Train, data.Train}, {&t.valid, splits.Valid, data.Valid}, {&t.test, splits.Test, data.Test}} {
		if *l.dst, err = data.NewLoader(l.ids, cfg.Train.BatchSize, cfg.Train.SeqLen); err != nil {
			return nil, fmt.Errorf("train: %s split: %w", l.name, err)
		}
	}

	t.model, err = model.Build(cfg.Model, splits.Tokenizer.VocabSize(), t.rng)
	if err != nil {
		return nil, err
	}
	t.params = t.model.Parameters()
	t.opt = optim.NewAdam(cfg.Train.LR)

	if !checkpoint.Exists(rc.Dir, checkpoint.Latest) {
		rc.Logger.Printf("Running Experiment: `%s`", config.ExperimentName(cfg, rc.Trial))
		return t, nil
	}
	if err := t.restore(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Trainer) restore() error {
	latest, err := checkpoint.Load(t.rc.Dir, checkpoint.Latest)
	if err != nil {
		return err
	}
	best, err := checkpoint.Load(t.rc.Dir, checkpoint.Best)
	if err != nil {
		return err
	}
	name := config.ExperimentName(t.rc.Config, t.rc.Trial)
	if latest.Epoch >= t.rc.Config.Train.Epochs {
		t.rc.Logger.Printf("Experiment `%s` already exists. (Latest @ epoch %d)", name, latest.Epoch)
		t.state = AlreadyComplete
		return nil
	}
	if err := t.model.LoadStateDict(latest.ModelState); err != nil {
		return fmt.Errorf("%w: model state: %v", checkpoint.ErrCorrupt, err)
	}
	if err := t.opt.LoadState(latest.OptimizerState, t.params); err != nil {
		return fmt.Errorf("%w: optimizer state: %v", checkpoint.ErrCorrupt, err)
	}
	if err := t.src.UnmarshalBinary(latest.RandomState); err != nil {
		return fmt.Errorf("%w: random state: %v", checkpoint.ErrCorrupt, err)
	}
	// The configured rate wins over the one stored with the optimizer.
	t.opt.LR = t.rc.Config.Train.LR
	t.startEpoch = latest.Epoch + 1
	t.bestValid = float64(best.ValidMetrics.Loss)
	t.lastTrain, t.lastValid, t.lastTest = latest.TrainMetrics, latest.ValidMetrics, latest.TestMetrics
	t.rc.Logger.Printf("Resuming training from from epoch %d", t.startEpoch)
	return nil
}

func (t *Trainer) State() State { return t.state }

// StartEpoch is the first epoch Run will execute.
func (t *Trainer) StartEpoch() int { return t.startEpoch }

func (t *Trainer) Model() *model.SequenceModel { return t.model }

// SetSink replaces the metrics sink, typically once Prepare has ruled out AlreadyComplete.
func (t *Trainer) SetSink(s metrics.Sink, runID string) {
	t.rc.Sink = s
	t.rc.RunID = runID
}

// Run trains from StartEpoch through the configured epochs.
func (t *Trainer) Run() error {
	if t.state == AlreadyComplete {
		return nil
	}
	cfg := t.rc.Config
	for epoch := t.startEpoch; epoch <= cfg.Train.Epochs; epoch++ {
		t.state = Running
		start := time.Now()

		trainM, err := t.trainEpoch(epoch)
		if err != nil {
			return fmt.Errorf("train: epoch %d: %w", epoch, err)
		}
		validM, err := t.Evaluate(t.valid)
		if err != nil {
			return fmt.Errorf("train: epoch %d: valid: %w", epoch, err)
		}
		t.lastTrain, t.lastValid = trainM, validM

		if float64(validM.Loss) < t.bestValid {
			testM, err := t.Evaluate(t.test)
			if err != nil {
				return fmt.Errorf("train: epoch %d: test: %w", epoch, err)
			}
			t.lastTest = testM
			t.bestValid = float64(validM.Loss)
			if err := t.save(epoch, checkpoint.Best); err != nil {
				return err
			}
			if err := t.save(epoch, checkpoint.Latest); err != nil {
				return err
			}
			t.state = CheckpointedBest
		} else if epoch%SaveEvery == 0 || epoch == cfg.Train.Epochs {
			if err := t.save(epoch, checkpoint.Latest); err != nil {
				return err
			}
			t.state = CheckpointedLatest
		}

		t.qualitative(epoch)
		t.record(epoch, trainM, validM)
		t.rc.Logger.Printf("Epoch %4d/%4d | time: %5.2fs | train loss %5.2f | train ppl %8.2f | train bpc %8.2f | valid loss %5.2f | valid ppl %8.2f | valid bpc %8.2f",
			epoch, cfg.Train.Epochs, time.Since(start).Seconds(),
			float64(trainM.Loss), float64(trainM.PPL), float64(trainM.BPC),
			float64(validM.Loss), float64(validM.PPL), float64(validM.BPC))
	}
	t.state = Completed
	return nil
}

func (t *Trainer) trainEpoch(epoch int) (metrics.Metrics, error) {
	var lossM, pplM metrics.AverageMeter
	clip := t.rc.Config.Train.GradClip
	start := time.Now()
	batches := t.train.Batches()
	for i, b := range batches {
		out, _, err := t.model.Forward(b.Inputs, nil)
		if err != nil {
			return metrics.Metrics{}, err
		}
		loss := autograd.CrossEntropy(out.Logits, b.FlatTargets())
		optim.ZeroGrad(t.params)
		autograd.Backward(loss)
		norm := math.NaN()
		if !clip.Disabled {
			norm = optim.ClipGradNorm(t.params, clip.Value)
		}
		t.opt.Step(t.params)

		l := loss.Item()
		lossM.Add(l, 1)
		pplM.Add(math.Exp(l), 1)
		if t.rc.Verbose && ((i+1)%t.rc.MetricInterval == 0 || i == 0 || i+1 == len(batches)) {
			t.logStep(epoch, i+1, len(batches), l, norm, start)
		}
	}
	return metrics.FromMeters(&lossM, &pplM), nil
}

// Evaluate returns the loss averaged over the loader's batches with recording off.
func (t *Trainer) Evaluate(l *data.Loader) (metrics.Metrics, error) {
	var (
		lossM, pplM metrics.AverageMeter
		err         error
	)
	autograd.NoGrad(func() {
		for _, b := range l.Batches() {
			var out model.Output
			out, _, err = t.model.Forward(b.Inputs, nil)
			if err != nil {
				return
			}
			loss := autograd.CrossEntropy(out.Logits, b.FlatTargets()).Item()
			lossM.Add(loss, 1)
			pplM.Add(math.Exp(loss), 1)
		}
	})
	if err != nil {
		return metrics.Metrics{}, err
	}
	return metrics.FromMeters(&lossM, &pplM), nil
}

func (t *Trainer) save(epoch int, slot checkpoint.Slot) error {
	rnd, err := t.src.MarshalBinary()
	if err != nil {
		return err
	}
	rec := checkpoint.Record{
		Version:        checkpoint.Version,
		CreatedAt:      time.Now().Format(time.RFC3339),
		RunID:          t.rc.RunID,
		Epoch:          epoch,
		OptimizerState: t.opt.State(),
		ModelState:     t.model.StateDict(),
		RandomState:    rnd,
		TrainMetrics:   t.lastTrain,
		ValidMetrics:   t.lastValid,
		TestMetrics:    t.lastTest,
		NumParams:      t.model.NumParams(),
		Config:         t.rc.Config,
		Tokenization:   t.splits.Tokenizer.Mode(),
		Vocab:          t.splits.Tokenizer.Symbols(),
	}
	if err := checkpoint.Save(t.rc.Dir, slot, rec); err != nil {
		return fmt.Errorf("train: save %s: %w", slot, err)
	}
	return nil
}

func (t *Trainer) record(epoch int, trainM, validM metrics.Metrics) {
	var errs []error
	for name, v := range trainM.Map() {
		errs = append(errs, t.rc.Sink.Scalar("train/"+name, v, epoch))
	}
	for name, v := range validM.Map() {
		errs = append(errs, t.rc.Sink.Scalar("valid/"+name, v, epoch))
	}
	errs = append(errs, t.rc.Sink.Scalar("LR", t.opt.LR, epoch))
	if err := errors.Join(errs...); err != nil {
		t.rc.Logger.Printf("[metrics] epoch %d: %v", epoch, err)
	}
}
