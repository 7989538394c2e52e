package main

import (
	"errors"
	"os"
	"time"

	"cprnn-go/pkg/metrics"
)

// Scalar tags and text tags written by the trainer.
var (
	scalarTags = []string{"train/loss", "valid/loss", "train/bpc", "valid/bpc", "train/ppl", "valid/ppl", "LR"}
	textTags   = []string{"Sample", "Train", "Valid"}
)

// snapshot is one read of an experiment's metrics database.
type snapshot struct {
	series map[string][]metrics.Point
	texts  map[string]metrics.Text
	runs   []metrics.Run
	err    error
	at     time.Time
}

type snapshotMsg snapshot

func (s snapshot) values(tag string) []float64 {
	pts := s.series[tag]
	out := make([]float64, len(pts))
	for i, p := range pts {
		out[i] = p.Value
	}
	return out
}

// lastEpoch is the highest epoch seen on any scalar tag.
func (s snapshot) lastEpoch() int {
	last := 0
	for _, pts := range s.series {
		if n := len(pts); n > 0 {
			last = max(last, pts[n-1].Epoch)
		}
	}
	return last
}

func loadSnapshot(path string) snapshot {
	snap := snapshot{
		series: make(map[string][]metrics.Point, len(scalarTags)),
		texts:  make(map[string]metrics.Text, len(textTags)),
		at:     time.Now(),
	}
	// Opening would create an empty database in a directory that has none yet.
	if _, err := os.Stat(path); err != nil {
		snap.err = err
		return snap
	}
	r, err := metrics.OpenReader(path)
	if err != nil {
		snap.err = err
		return snap
	}
	defer r.Close()

	for _, tag := range scalarTags {
		pts, err := r.Scalars(tag)
		if err != nil {
			snap.err = err
			return snap
		}
		snap.series[tag] = pts
	}
	for _, tag := range textTags {
		t, err := r.LatestText(tag)
		if errors.Is(err, metrics.ErrNoData) {
			continue
		}
		if err != nil {
			snap.err = err
			return snap
		}
		snap.texts[tag] = t
	}
	snap.runs, snap.err = r.Runs()
	return snap
}
