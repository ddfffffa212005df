// Package gate bounds how many tasks may be inside each heavy stage at once.
package gate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kaiwen1281/MOSSAI/pkg/telemetry"
)

// Stage names a gated pipeline stage.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageAnalysis   Stage = "analysis"
)

const (
	DefaultExtraction = 5
	DefaultAnalysis   = 3
)

// StageStats is a point-in-time view of one stage.
type StageStats struct {
	Active int `json:"active"`
	Max    int `json:"max"`
}

type slot struct {
	sem    *semaphore.Weighted
	max    int
	active atomic.Int64
}

// Gate holds one counting semaphore per stage. Slots of different stages are
// independent.
type Gate struct {
	stages map[Stage]*slot
}

// New returns a gate with the given ceilings. Non-positive values fall back
// to the defaults.
func New(extraction, analysis int) *Gate {
	if extraction <= 0 {
		extraction = DefaultExtraction
	}
	if analysis <= 0 {
		analysis = DefaultAnalysis
	}
	return &Gate{stages: map[Stage]*slot{
		StageExtraction: {sem: semaphore.NewWeighted(int64(extraction)), max: extraction},
		StageAnalysis:   {sem: semaphore.NewWeighted(int64(analysis)), max: analysis},
	}}
}

// Acquire blocks until a slot of stage is free or ctx is done. The returned
// release func is safe to call more than once.
func (g *Gate) Acquire(ctx context.Context, stage Stage) (release func(), err error) {
	s, ok := g.stages[stage]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire %s slot: %w", stage, err)
	}
	telemetry.GateWaitSeconds.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())

	s.active.Add(1)
	telemetry.GateActive.WithLabelValues(string(stage)).Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.active.Add(-1)
			telemetry.GateActive.WithLabelValues(string(stage)).Dec()
			s.sem.Release(1)
		})
	}, nil
}

// Do runs fn while holding a slot of stage. The slot is released however fn
// returns, including by panic.
func (g *Gate) Do(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	release, err := g.Acquire(ctx, stage)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// Stats reports active and maximum slots per stage.
func (g *Gate) Stats() map[Stage]StageStats {
	out := make(map[Stage]StageStats, len(g.stages))
	for name, s := range g.stages {
		out[name] = StageStats{Active: int(s.active.Load()), Max: s.max}
	}
	return out
}
