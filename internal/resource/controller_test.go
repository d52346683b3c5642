package resource

import (
	"context"
	"testing"
)

type fakeSampler struct {
	free, total uint64
}

func (f *fakeSampler) Sample(ctx context.Context) (Snapshot, error) {
	return Snapshot{FreeBytes: f.free, TotalBytes: f.total}, nil
}

func TestScaleDownOnMemoryPressure(t *testing.T) {
	c := NewScalingController(Options{
		MinConcurrency:     1,
		MaxConcurrency:     10,
		ScaleDownStepRatio: 0.5,
		ScaleUpWindow:      3,
		ScaleDownWindow:    3,
		MinFreeMemoryRatio: 0.2,
	}, nil)
	c.concurrency = 8
	c.SetRunningCount(8)

	// Free memory is far below the 0.2 threshold on every tick.
	s := &fakeSampler{free: 10, total: 1000}
	var mem bool
	for i := 0; i < 3; i++ {
		var err error
		mem, _, err = c.Tick(context.Background(), s)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if !mem {
		t.Fatal("expected isMemoryOverloaded to be true once the rolling window fills with low-free samples")
	}
	if got := c.Concurrency(); got >= 8 {
		t.Fatalf("expected concurrency to drop below 8 under memory pressure, got %d", got)
	}
	if got := c.Concurrency(); got < 1 {
		t.Fatalf("concurrency must never drop below minConcurrency, got %d", got)
	}
}

func TestScaleDownNeverBelowMinConcurrency(t *testing.T) {
	c := NewScalingController(Options{
		MinConcurrency:     2,
		MaxConcurrency:     10,
		ScaleDownStepRatio: 0.9,
		ScaleDownWindow:    1,
		MinFreeMemoryRatio: 0.5,
	}, nil)
	c.concurrency = 3
	s := &fakeSampler{free: 0, total: 1000}

	for i := 0; i < 5; i++ {
		if _, _, err := c.Tick(context.Background(), s); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}

	if got := c.Concurrency(); got != 2 {
		t.Fatalf("expected concurrency to settle at minConcurrency=2, got %d", got)
	}
}

func TestScaleUpOnHeadroom(t *testing.T) {
	c := NewScalingController(Options{
		MinConcurrency:          1,
		MaxConcurrency:          20,
		DesiredConcurrencyRatio: 0.5,
		ScaleUpTickEvery:        1,
		ScaleUpWindow:           1,
		MinFreeMemoryRatio:      0.1,
		ScaleUpMaxStep:          5,
	}, nil)
	c.concurrency = 4
	c.SetRunningCount(4) // utilization 1.0, well above desiredConcurrencyRatio

	// Plenty of free memory: 900/1000 = 0.9 free ratio, well above the 0.1 floor.
	s := &fakeSampler{free: 900, total: 1000}
	if _, _, err := c.Tick(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if got := c.Concurrency(); got <= 4 {
		t.Fatalf("expected concurrency to increase with utilization and memory headroom, got %d", got)
	}
}

func TestScaleUpSkippedBelowDesiredUtilization(t *testing.T) {
	c := NewScalingController(Options{
		MinConcurrency:          1,
		MaxConcurrency:          20,
		DesiredConcurrencyRatio: 0.95,
		ScaleUpTickEvery:        1,
		ScaleUpWindow:           1,
		MinFreeMemoryRatio:      0.1,
	}, nil)
	c.concurrency = 4
	c.SetRunningCount(1) // utilization 0.25, below desiredConcurrencyRatio

	s := &fakeSampler{free: 900, total: 1000}
	if _, _, err := c.Tick(context.Background(), s); err != nil {
		t.Fatal(err)
	}

	if got := c.Concurrency(); got != 4 {
		t.Fatalf("expected no scale-up below desiredConcurrencyRatio, got %d", got)
	}
}

func TestCPUOverloadRequiresFullWindow(t *testing.T) {
	c := NewScalingController(Options{
		MinConcurrency:  1,
		MaxConcurrency:  10,
		ScaleDownWindow: 3,
	}, nil)
	c.concurrency = 5

	s := &fakeSampler{free: 1000, total: 1000} // memory never overloaded
	c.PushCPUOverload(true)
	_, cpu, _ := c.Tick(context.Background(), s)
	if cpu {
		t.Fatal("cpu should not read overloaded until the full window is overloaded samples")
	}

	c.PushCPUOverload(true)
	_, cpu, _ = c.Tick(context.Background(), s)
	c.PushCPUOverload(true)
	_, cpu, _ = c.Tick(context.Background(), s)

	if !cpu {
		t.Fatal("expected isCpuOverloaded once every sample in the window is overloaded")
	}
	if got := c.Concurrency(); got >= 5 {
		t.Fatalf("expected scale-down once cpu overload is sustained, got %d", got)
	}
}
