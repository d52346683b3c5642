// Package pool implements the autoscaled task scheduler: it runs a
// user-supplied TaskProducer whenever IsTaskReady allows it and concurrency
// slack exists, scaling concurrency itself from rolling resource samples.
package pool

import (
	"time"

	"github.com/webstalk-dev/webstalk/internal/resource"
)

// Options configures an AutoscaledPool. Unset fields take the documented
// defaults in WithDefaults.
type Options struct {
	MinConcurrency          int
	MaxConcurrency          int
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64

	MaybeRunInterval   time.Duration
	AutoscaleInterval  time.Duration
	TaskTimeout        time.Duration
	MaxMemoryBytes     uint64
	MinFreeMemoryRatio float64
	// LoggingInterval, when nonzero, makes the pool log a state snapshot
	// (runningCount/concurrency/overload flags) on this cadence.
	LoggingInterval time.Duration

	ScaleUpWindow    int
	ScaleDownWindow  int
	ScaleUpTickEvery int
	ScaleUpMaxStep   int

	IgnoreMainProcess bool
}

// WithDefaults fills in defaults for zero-valued fields.
func (o Options) WithDefaults() Options {
	if o.MinConcurrency <= 0 {
		o.MinConcurrency = 1
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 1000
	}
	if o.MaxConcurrency < o.MinConcurrency {
		o.MaxConcurrency = o.MinConcurrency
	}
	if o.DesiredConcurrencyRatio <= 0 {
		o.DesiredConcurrencyRatio = 0.95
	}
	if o.ScaleUpStepRatio <= 0 {
		o.ScaleUpStepRatio = 0.05
	}
	if o.ScaleDownStepRatio <= 0 {
		o.ScaleDownStepRatio = 0.05
	}
	if o.MaybeRunInterval <= 0 {
		o.MaybeRunInterval = 500 * time.Millisecond
	}
	if o.AutoscaleInterval <= 0 {
		o.AutoscaleInterval = time.Second
	}
	if o.MinFreeMemoryRatio <= 0 {
		o.MinFreeMemoryRatio = 0.2
	}
	if o.ScaleUpWindow <= 0 {
		o.ScaleUpWindow = 5
	}
	if o.ScaleDownWindow <= 0 {
		o.ScaleDownWindow = 5
	}
	if o.ScaleUpTickEvery <= 0 {
		o.ScaleUpTickEvery = 10
	}
	if o.ScaleUpMaxStep <= 0 {
		o.ScaleUpMaxStep = 10
	}
	return o
}

func (o Options) scalingOptions() resource.Options {
	return resource.Options{
		MinConcurrency:          o.MinConcurrency,
		MaxConcurrency:          o.MaxConcurrency,
		DesiredConcurrencyRatio: o.DesiredConcurrencyRatio,
		ScaleUpStepRatio:        o.ScaleUpStepRatio,
		ScaleDownStepRatio:      o.ScaleDownStepRatio,
		ScaleUpWindow:           o.ScaleUpWindow,
		ScaleDownWindow:         o.ScaleDownWindow,
		ScaleUpTickEvery:        o.ScaleUpTickEvery,
		MinFreeMemoryRatio:      o.MinFreeMemoryRatio,
		MaxMemoryBytes:          o.MaxMemoryBytes,
		IgnoreMainProcess:       o.IgnoreMainProcess,
		ScaleUpMaxStep:          o.ScaleUpMaxStep,
	}
}
