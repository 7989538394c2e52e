package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GradClip is a positive clipping bound or Disabled (spelled inf or none).
type GradClip struct {
	Value    float64
	Disabled bool
}

func NoClip() GradClip { return GradClip{Disabled: true} }
func ClipAt(v float64) GradClip { return GradClip{Value: v} }

// ParseGradClip accepts a number, inf, .inf or none.
func ParseGradClip(s string) (GradClip, error) {
	switch strings.ToLower(normalize(s)) {
	case "inf", "+inf", ".inf", "none", "null", "~":
		return NoClip(), nil
	}
	v, err := strconv.ParseFloat(normalize(s), 64)
	if err != nil {
		return GradClip{}, fmt.Errorf("%w: grad_clip %q", ErrInvalid, s)
	}
	if math.IsInf(v, 1) {
		return NoClip(), nil
	}
	return ClipAt(v), nil
}

func (g GradClip) String() string {
	if g.Disabled {
		return "inf"
	}
	return strconv.FormatFloat(g.Value, 'g', -1, 64)
}

func (g *GradClip) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseGradClip(n.Value)
	if err != nil {
		return err
	}
	*g = v
	return nil
}

func (g GradClip) MarshalYAML() (any, error) {
	if g.Disabled {
		return "inf", nil
	}
	return g.Value, nil
}

func (g GradClip) MarshalJSON() ([]byte, error) {
	if g.Disabled {
		return []byte(`"inf"`), nil
	}
	return []byte(g.String()), nil
}

func (g *GradClip) UnmarshalJSON(b []byte) error {
	v, err := ParseGradClip(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	*g = v
	return nil
}

type keyValue struct {
	key   string
	value string
}

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }

// namingKeys lists train keys, then model keys, then tokenizer and trial.
func namingKeys(c Config, trial int) []keyValue {
	return []keyValue{
		{"epochs", strconv.Itoa(c.Train.Epochs)},
		{"batch_size", strconv.Itoa(c.Train.BatchSize)},
		{"seq_len", strconv.Itoa(c.Train.SeqLen)},
		{"lr", formatFloat(c.Train.LR)},
		{"grad_clip", c.Train.GradClip.String()},
		{"name", c.Model.Name},
		{"hidden_size", strconv.Itoa(c.Model.HiddenSize)},
		{"input_size", strconv.Itoa(c.Model.InputSize)},
		{"rank", strconv.Itoa(c.Model.Rank)},
		{"tie_weights", strconv.FormatBool(c.Model.TieWeights)},
		{"tokenizer", c.Data.Tokenizer},
		{"trial", strconv.Itoa(trial)},
	}
}

// ExperimentName abbreviates every key to its shortest prefix not taken by an earlier
// key (the full key when every proper prefix is taken) and joins "<abbr><value>" with _.
func ExperimentName(c Config, trial int) string {
	used := make(map[string]bool)
	parts := make([]string, 0, 12)
	for _, kv := range namingKeys(c, trial) {
		abbr := kv.key
		for i := 1; i < len(kv.key); i++ {
			if !used[kv.key[:i]] {
				abbr = kv.key[:i]
				break
			}
		}
		used[abbr] = true
		parts = append(parts, abbr+kv.value)
	}
	return strings.Join(parts, "_")
}
