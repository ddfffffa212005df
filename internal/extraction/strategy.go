package extraction

import (
	"time"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
)

// Strategy is either DirectTransform or SmartJob.
type Strategy interface {
	Name() string
	isStrategy()
}

// DirectTransform samples one frame every Interval through the transform service.
type DirectTransform struct {
	Interval time.Duration
}

func (DirectTransform) Name() string { return "direct" }
func (DirectTransform) isStrategy()  {}

// SmartJob asks the snapshot job service for Count content-aware frames.
type SmartJob struct {
	Count int
}

func (SmartJob) Name() string { return "smart" }
func (SmartJob) isStrategy()  {}

// Config holds extraction tuning. Zero values take the defaults below.
type Config struct {
	Intervals map[domain.Level]time.Duration

	TemplateID        string
	SmartDefaultCount int
	SmartMinCount     int
	SmartMaxCount     int

	// PollSchedule is the wait after each non-final poll; the last entry repeats.
	PollSchedule    []time.Duration
	PollMaxAttempts int

	PageSize        int
	MaxPages        int
	PageAttempts    int
	PageRetryDelays []time.Duration
	CollectWaits    []time.Duration
}

func DefaultIntervals() map[domain.Level]time.Duration {
	return map[domain.Level]time.Duration{
		domain.LevelLow:    10 * time.Second,
		domain.LevelMedium: 3 * time.Second,
		domain.LevelHigh:   1 * time.Second,
	}
}

func seconds(ns ...int) []time.Duration {
	out := make([]time.Duration, len(ns))
	for i, n := range ns {
		out[i] = time.Duration(n) * time.Second
	}
	return out
}

func (c Config) withDefaults() Config {
	intervals := DefaultIntervals()
	for level, d := range c.Intervals {
		if d > 0 {
			intervals[level] = d
		}
	}
	c.Intervals = intervals
	if c.SmartMinCount <= 0 {
		c.SmartMinCount = 1
	}
	if c.SmartMaxCount <= 0 {
		c.SmartMaxCount = 200
	}
	if c.SmartDefaultCount <= 0 {
		c.SmartDefaultCount = 50
	}
	if len(c.PollSchedule) == 0 {
		c.PollSchedule = seconds(10, 20, 30, 40, 50)
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = len(c.PollSchedule)
	}
	if c.PageSize <= 0 || c.PageSize > 20 {
		c.PageSize = 20
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 15
	}
	if c.PageAttempts <= 0 {
		c.PageAttempts = 3
	}
	if len(c.PageRetryDelays) == 0 {
		c.PageRetryDelays = seconds(1, 2, 4)
	}
	if len(c.CollectWaits) == 0 {
		c.CollectWaits = seconds(0, 10, 20, 30, 40, 50)
	}
	return c
}

// StrategyFor maps a level to its strategy. The smart count is clamped to
// [SmartMinCount, SmartMaxCount]; nil means SmartDefaultCount.
func (c Config) StrategyFor(level domain.Level, count *int) Strategy {
	c = c.withDefaults()
	if level == domain.LevelSmart {
		n := c.SmartDefaultCount
		if count != nil {
			n = *count
		}
		return SmartJob{Count: max(c.SmartMinCount, min(n, c.SmartMaxCount))}
	}
	interval, ok := c.Intervals[level]
	if !ok {
		interval = c.Intervals[domain.LevelMedium]
	}
	return DirectTransform{Interval: interval}
}
