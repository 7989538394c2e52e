package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"

	"cprnn-go/pkg/checkpoint"
	"cprnn-go/pkg/config"
	"cprnn-go/pkg/data"
	"cprnn-go/pkg/metrics"
	"cprnn-go/pkg/model"
	"cprnn-go/pkg/tokenizer"
	"cprnn-go/pkg/train"
)

const defaultConfig = "configs.yaml"

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage:
  cprnn [-config configs.yaml] [-verbose] [train]
  cprnn [-config configs.yaml] validate-data
  cprnn sample <checkpoint_path> <tokenizer_path|-> <prime>

flags:
`)
	flag.PrintDefaults()
}

func deviceLine() string {
	simd := "none"
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		simd = "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		simd = "avx2"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		simd = "neon"
	}
	return fmt.Sprintf("device: cpu=%q cores=%d threads=%d simd=%s gomaxprocs=%d",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simd, runtime.GOMAXPROCS(0))
}

// resolveConfig falls back to the built-in defaults when the default file is absent.
func resolveConfig(path string) (config.Config, error) {
	if path == defaultConfig {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	return config.Load(path)
}

func runTrain(configPath string, verbose bool) error {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return err
	}
	splits, err := data.LoadSplits(cfg.Data.Path, cfg.Data.Tokenizer)
	if err != nil {
		return err
	}
	for trial := 0; trial < cfg.Runs; trial++ {
		if err := runTrial(cfg, trial, splits, verbose); err != nil {
			return err
		}
	}
	return nil
}

func runTrial(cfg config.Config, trial int, splits *data.Splits, verbose bool) error {
	name := config.ExperimentName(cfg, trial)
	dir := config.ExperimentDir(cfg, trial)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "logging.txt"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	logger := log.New(io.MultiWriter(os.Stdout, f), "", log.LstdFlags)
	logger.Println(deviceLine())

	tr, err := train.Prepare(train.RunContext{
		Dir:     dir,
		Trial:   trial,
		Config:  cfg,
		Logger:  logger,
		Verbose: verbose,
	}, splits)
	if err != nil {
		return fmt.Errorf("experiment %s: %w", name, err)
	}
	if tr.State() == train.AlreadyComplete {
		return nil
	}

	if err := cfg.WriteYAML(filepath.Join(dir, "configs.yaml")); err != nil {
		return err
	}
	sink, err := metrics.OpenSQLite(dir, name)
	if err != nil {
		return err
	}
	defer sink.Close()
	tr.SetSink(sink, sink.RunID)

	logger.Printf("vocab size: %d | tokenizer: %s", splits.Tokenizer.VocabSize(), splits.Tokenizer.Mode())
	logger.Printf("model: %s hidden=%d input=%d rank=%d | num params: %d",
		cfg.Model.Name, cfg.Model.HiddenSize, cfg.Model.InputSize, cfg.Model.Rank, tr.Model().NumParams())
	logger.Printf("optimizer: adam lr=%g grad_clip=%s | batch_size=%d seq_len=%d epochs=%d",
		cfg.Train.LR, cfg.Train.GradClip, cfg.Train.BatchSize, cfg.Train.SeqLen, cfg.Train.Epochs)

	if err := tr.Run(); err != nil {
		return fmt.Errorf("experiment %s: %w", name, err)
	}
	logger.Printf("Experiment: `%s` Succeeded", name)
	return nil
}

func runValidateData(configPath string) error {
	cfg, err := resolveConfig(configPath)
	if err != nil {
		return err
	}
	splits, err := data.LoadSplits(cfg.Data.Path, cfg.Data.Tokenizer)
	if err != nil {
		return err
	}
	fmt.Printf("data valid: %s\n", cfg.Data.Path)
	fmt.Printf("tokenizer: %s | vocab size: %d\n", splits.Tokenizer.Mode(), splits.Tokenizer.VocabSize())
	for _, s := range []struct {
		name string
		ids  []int
	}{{data.Train, splits.Train}, {data.Valid, splits.Valid}, {data.Test, splits.Test}} {
		l, err := data.NewLoader(s.ids, cfg.Train.BatchSize, cfg.Train.SeqLen)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		fmt.Printf("- %s: %d tokens, %d batches\n", s.name, len(s.ids), l.Len())
	}
	return nil
}

// runSample generates from a checkpoint file. A tokenizer path of "-" uses the
// vocabulary stored in the checkpoint.
func runSample(checkpointPath, tokenizerPath, prime string) error {
	rec, err := checkpoint.Read(checkpointPath)
	if err != nil {
		return err
	}
	var tok *tokenizer.Tokenizer
	if tokenizerPath == "-" {
		tok, err = rec.Tokenizer()
	} else {
		tok, err = tokenizer.Load(tokenizerPath)
	}
	if err != nil {
		return err
	}
	cfg := rec.Config
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(rec.Epoch)))
	m, err := model.Build(cfg.Model, tok.VocabSize(), rng)
	if err != nil {
		return err
	}
	if err := m.LoadStateDict(rec.ModelState); err != nil {
		return err
	}
	out, err := model.Sample(m, tok, prime, cfg.Sample.Size, cfg.Sample.TopK, rng)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

func main() {
	configPath := flag.String("config", defaultConfig, "path to the YAML configuration")
	verbose := flag.Bool("verbose", false, "log per-batch telemetry")
	flag.Usage = usage
	flag.Parse()

	cmd, args := "train", flag.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}
	var err error
	switch cmd {
	case "train":
		err = runTrain(*configPath, *verbose)
	case "validate-data":
		err = runValidateData(*configPath)
	case "sample":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		err = runSample(strings.TrimSpace(args[0]), strings.TrimSpace(args[1]), strings.Join(args[2:], " "))
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal(err)
	}
}
