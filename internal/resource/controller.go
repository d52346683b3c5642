package resource

import (
	"context"
	"log/slog"
	"sync"
)

// Options configures a ScalingController. Zero values are replaced with the
// pool's documented defaults by NewScalingController.
type Options struct {
	MinConcurrency          int
	MaxConcurrency          int
	DesiredConcurrencyRatio float64
	ScaleUpStepRatio        float64
	ScaleDownStepRatio      float64
	ScaleUpWindow           int
	ScaleDownWindow         int
	// ScaleUpTickEvery makes scale-up evaluation run only on every Nth
	// autoscale tick; scale-down runs every tick.
	ScaleUpTickEvery int
	MinFreeMemoryRatio float64
	MaxMemoryBytes     uint64
	IgnoreMainProcess  bool
	ScaleUpMaxStep     int
}

func (o Options) withDefaults() Options {
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
	if o.ScaleUpWindow <= 0 {
		o.ScaleUpWindow = 5
	}
	if o.ScaleDownWindow <= 0 {
		o.ScaleDownWindow = 5
	}
	if o.ScaleUpTickEvery <= 0 {
		o.ScaleUpTickEvery = 10
	}
	if o.MinFreeMemoryRatio <= 0 {
		o.MinFreeMemoryRatio = 0.2
	}
	if o.ScaleUpMaxStep <= 0 {
		o.ScaleUpMaxStep = 10
	}
	return o
}

// ScalingController holds the rolling windows and the current concurrency
// target derived from them. It is driven by an external ticker (the
// pool's autoscale loop); Tick is not safe to call concurrently with itself,
// but PushCPUOverload and Concurrency are.
type ScalingController struct {
	opts Options
	log  *slog.Logger

	mu                sync.Mutex
	concurrency       int
	runningCount      int
	freeWindow        []uint64
	cpuWindow         []bool
	tickCount         int
	lastCPUOverloaded bool
}

// NewScalingController builds a controller seeded at opts.MinConcurrency.
func NewScalingController(opts Options, log *slog.Logger) *ScalingController {
	opts = opts.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &ScalingController{
		opts:        opts,
		log:         log.With("component", "scaling_controller"),
		concurrency: opts.MinConcurrency,
	}
}

// PushCPUOverload records the latest CPU-overload signal from an external
// monitor. Safe for concurrent use; the value is read by the next Tick.
func (c *ScalingController) PushCPUOverload(overloaded bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCPUOverloaded = overloaded
}

// SetRunningCount reports the pool's current in-flight task count, used to
// compute utilization for the scale-up decision.
func (c *ScalingController) SetRunningCount(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runningCount = n
}

// Concurrency returns the current concurrency target.
func (c *ScalingController) Concurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrency
}

// Tick takes one resource snapshot, folds it into the rolling windows, and
// applies the scale-down/scale-up rules. It returns the resulting
// isMemoryOverloaded/isCpuOverloaded flags for logging/metrics.
func (c *ScalingController) Tick(ctx context.Context, sampler Sampler) (memOverloaded, cpuOverloaded bool, err error) {
	snap, err := sampler.Sample(ctx)
	if err != nil {
		return false, false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	effectiveTotal := snap.TotalBytes
	if c.opts.IgnoreMainProcess && snap.MainProcessBytes < effectiveTotal {
		effectiveTotal -= snap.MainProcessBytes
	}
	if c.opts.MaxMemoryBytes > 0 && c.opts.MaxMemoryBytes < effectiveTotal {
		effectiveTotal = c.opts.MaxMemoryBytes
	}

	c.freeWindow = append(c.freeWindow, snap.FreeBytes)
	if len(c.freeWindow) > c.opts.ScaleUpWindow {
		c.freeWindow = c.freeWindow[len(c.freeWindow)-c.opts.ScaleUpWindow:]
	}
	c.cpuWindow = append(c.cpuWindow, c.lastCPUOverloaded)
	if len(c.cpuWindow) > c.opts.ScaleDownWindow {
		c.cpuWindow = c.cpuWindow[len(c.cpuWindow)-c.opts.ScaleDownWindow:]
	}
	c.tickCount++

	var meanFree uint64
	for _, f := range c.freeWindow {
		meanFree += f
	}
	if len(c.freeWindow) > 0 {
		meanFree /= uint64(len(c.freeWindow))
	}

	memOverloaded = effectiveTotal > 0 && float64(meanFree)/float64(effectiveTotal) < c.opts.MinFreeMemoryRatio

	// A partially filled window never reads overloaded: reacting before
	// ScaleDownWindow samples exist would undo the smoothing the window is
	// there for.
	cpuOverloaded = len(c.cpuWindow) >= c.opts.ScaleDownWindow
	for _, v := range c.cpuWindow {
		if !v {
			cpuOverloaded = false
			break
		}
	}

	scaledDown := false
	if c.concurrency > c.opts.MinConcurrency && (memOverloaded || cpuOverloaded) {
		next := int(float64(c.concurrency) * (1 - c.opts.ScaleDownStepRatio))
		if next < c.opts.MinConcurrency {
			next = c.opts.MinConcurrency
		}
		if next < c.concurrency {
			c.log.Debug("scaling down", "from", c.concurrency, "to", next, "mem_overloaded", memOverloaded, "cpu_overloaded", cpuOverloaded)
			c.concurrency = next
			scaledDown = true
		}
	}

	if !scaledDown && c.tickCount%c.opts.ScaleUpTickEvery == 0 {
		c.maybeScaleUp(meanFree, effectiveTotal)
	}

	return memOverloaded, cpuOverloaded, nil
}

// maybeScaleUp grows concurrency by however many additional instances fit
// in the free-memory headroom. Caller holds c.mu.
func (c *ScalingController) maybeScaleUp(meanFree, effectiveTotal uint64) {
	if effectiveTotal == 0 || c.concurrency >= c.opts.MaxConcurrency {
		return
	}
	utilization := 1.0
	if c.concurrency > 0 {
		utilization = float64(c.runningCount) / float64(c.concurrency)
	}
	if utilization < c.opts.DesiredConcurrencyRatio {
		return
	}

	freeRatio := float64(meanFree) / float64(effectiveTotal)
	headroomRatio := freeRatio - c.opts.MinFreeMemoryRatio
	if headroomRatio <= 0 {
		return
	}

	usedRatio := 1 - freeRatio
	if usedRatio <= 0 || c.runningCount == 0 {
		return
	}
	perInstanceRatio := usedRatio / float64(c.runningCount)
	if perInstanceRatio <= 0 {
		return
	}

	headroomInstances := int(headroomRatio / perInstanceRatio)
	if headroomInstances <= 0 {
		return
	}
	step := headroomInstances
	if step > c.opts.ScaleUpMaxStep {
		step = c.opts.ScaleUpMaxStep
	}

	next := c.concurrency + step
	if next > c.opts.MaxConcurrency {
		next = c.opts.MaxConcurrency
	}
	if next > c.concurrency {
		c.log.Debug("scaling up", "from", c.concurrency, "to", next, "headroom_instances", headroomInstances)
		c.concurrency = next
	}
}
