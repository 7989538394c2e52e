// Package config resolves the run configuration from a YAML file and CPRNN_* overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"cprnn-go/pkg/model"
	"cprnn-go/pkg/tokenizer"
)

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	Runs   int        `yaml:"runs" json:"runs"`
	Seed   uint64     `yaml:"seed" json:"seed"`
	Data   Data       `yaml:"data" json:"data"`
	Model  model.Spec `yaml:"model" json:"model"`
	Train  Train      `yaml:"train" json:"train"`
	Sample Sample     `yaml:"sample" json:"sample"`
}

type Data struct {
	Path      string `yaml:"path" json:"path"`
	Output    string `yaml:"output" json:"output"`
	Tokenizer string `yaml:"tokenizer" json:"tokenizer"`
}

type Train struct {
	Epochs    int      `yaml:"epochs" json:"epochs"`
	BatchSize int      `yaml:"batch_size" json:"batch_size"`
	SeqLen    int      `yaml:"seq_len" json:"seq_len"`
	LR        float64  `yaml:"lr" json:"lr"`
	GradClip  GradClip `yaml:"grad_clip" json:"grad_clip"`
}

type Sample struct {
	Prime string `yaml:"prime" json:"prime"`
	TopK  int    `yaml:"top_k" json:"top_k"`
	Size  int    `yaml:"size" json:"size"`
}

// Default mirrors the stock configs.yaml.
func Default() Config {
	return Config{
		Runs: 1,
		Seed: 42,
		Data: Data{Path: "data/processed/anna", Output: "runs", Tokenizer: tokenizer.ModeChar},
		Model: model.Spec{
			Name:       "cplstm",
			HiddenSize: 128,
			InputSize:  0,
			Rank:       8,
		},
		Train: Train{
			Epochs:    50,
			BatchSize: 32,
			SeqLen:    64,
			LR:        0.001,
			GradClip:  NoClip(),
		},
		Sample: Sample{Prime: "The", TopK: 5, Size: 100},
	}
}

// Load reads path over the defaults, applies environment overrides and validates.
// An empty path uses the defaults alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func normalize(s string) string {
	return strings.TrimSpace(s)
}

func envInt(name string, def int) int {
	v := normalize(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(name string, def float64) float64 {
	v := normalize(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(name string, def bool) bool {
	v := strings.ToLower(normalize(os.Getenv(name)))
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	return def
}

func envString(name, def string) string {
	if v := normalize(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

// ApplyEnv overlays CPRNN_* environment variables.
func (c *Config) ApplyEnv() error {
	c.Runs = envInt("CPRNN_RUNS", c.Runs)
	c.Seed = uint64(envInt("CPRNN_SEED", int(c.Seed)))

	c.Data.Path = envString("CPRNN_DATA_PATH", c.Data.Path)
	c.Data.Output = envString("CPRNN_OUTPUT", c.Data.Output)
	c.Data.Tokenizer = envString("CPRNN_TOKENIZER", c.Data.Tokenizer)

	c.Model.Name = envString("CPRNN_MODEL", c.Model.Name)
	c.Model.HiddenSize = envInt("CPRNN_HIDDEN_SIZE", c.Model.HiddenSize)
	c.Model.InputSize = envInt("CPRNN_INPUT_SIZE", c.Model.InputSize)
	c.Model.Rank = envInt("CPRNN_RANK", c.Model.Rank)
	c.Model.TieWeights = envBool("CPRNN_TIE_WEIGHTS", c.Model.TieWeights)

	c.Train.Epochs = envInt("CPRNN_EPOCHS", c.Train.Epochs)
	c.Train.BatchSize = envInt("CPRNN_BATCH_SIZE", c.Train.BatchSize)
	c.Train.SeqLen = envInt("CPRNN_SEQ_LEN", c.Train.SeqLen)
	c.Train.LR = envFloat("CPRNN_LR", c.Train.LR)
	if v := normalize(os.Getenv("CPRNN_GRAD_CLIP")); v != "" {
		gc, err := ParseGradClip(v)
		if err != nil {
			return err
		}
		c.Train.GradClip = gc
	}

	c.Sample.Prime = envString("CPRNN_SAMPLE_PRIME", c.Sample.Prime)
	c.Sample.TopK = envInt("CPRNN_SAMPLE_TOP_K", c.Sample.TopK)
	c.Sample.Size = envInt("CPRNN_SAMPLE_SIZE", c.Sample.Size)
	return nil
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	checks := []struct {
		ok  bool
		msg string
	}{
		{c.Runs >= 1, fmt.Sprintf("runs=%d must be >= 1", c.Runs)},
		{c.Model.HiddenSize > 0, fmt.Sprintf("hidden_size=%d must be > 0", c.Model.HiddenSize)},
		{c.Model.InputSize >= 0, fmt.Sprintf("input_size=%d must be >= 0", c.Model.InputSize)},
		{c.Train.Epochs > 0, fmt.Sprintf("epochs=%d must be > 0", c.Train.Epochs)},
		{c.Train.BatchSize > 0, fmt.Sprintf("batch_size=%d must be > 0", c.Train.BatchSize)},
		{c.Train.SeqLen > 0, fmt.Sprintf("seq_len=%d must be > 0", c.Train.SeqLen)},
		{c.Train.LR > 0, fmt.Sprintf("lr=%g must be > 0", c.Train.LR)},
		{c.Train.GradClip.Disabled || c.Train.GradClip.Value > 0, fmt.Sprintf("grad_clip=%s must be > 0 or inf", c.Train.GradClip)},
		{c.Sample.TopK > 0, fmt.Sprintf("sample.top_k=%d must be > 0", c.Sample.TopK)},
		{c.Sample.Size >= 0, fmt.Sprintf("sample.size=%d must be >= 0", c.Sample.Size)},
		{c.Data.Path != "", "data.path is empty"},
	}
	for _, ch := range checks {
		if !ch.ok {
			return fmt.Errorf("%w: %s", ErrInvalid, ch.msg)
		}
	}
	v, err := model.ParseVariant(c.Model.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if v.Factorized() && c.Model.Rank <= 0 {
		return fmt.Errorf("%w: rank=%d must be > 0 for %s", ErrInvalid, c.Model.Rank, v)
	}
	if c.Model.TieWeights && c.Model.InputSize != c.Model.HiddenSize {
		return fmt.Errorf("%w: tie_weights needs input_size == hidden_size", ErrInvalid)
	}
	if _, err := tokenizer.NewSplitter(c.Data.Tokenizer); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// WriteYAML dumps the resolved configuration.
func (c Config) WriteYAML(path string) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

// ExperimentDir is <output>/<basename(data.path)>/<ExperimentName>.
func ExperimentDir(c Config, trial int) string {
	return filepath.Join(c.Data.Output, filepath.Base(filepath.Clean(c.Data.Path)), ExperimentName(c, trial))
}
