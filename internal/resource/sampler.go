// Package resource samples host memory and receives CPU-overload signals
// from an external monitor, feeding the autoscaled pool's ScalingController.
// The rest of the crawl core never probes OS details beyond what Sampler
// exposes.
package resource

import (
	"context"
	"fmt"
	"runtime"

	"github.com/prometheus/procfs"
)

// Snapshot is a single point-in-time resource reading.
type Snapshot struct {
	// FreeBytes is free + reclaimable host memory.
	FreeBytes uint64
	// TotalBytes is total host memory.
	TotalBytes uint64
	// MainProcessBytes is the resident memory of this process, used to
	// optionally exclude our own footprint from the "total" side of the
	// overload ratio (see ScalingController's IgnoreMainProcess).
	MainProcessBytes uint64
}

// Sampler produces resource Snapshots on demand. Implementations must be
// safe for concurrent use; the controller calls Sample from its own ticker
// goroutine only, but a caller may share a Sampler across controllers.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// ProcfsSampler reads host memory from /proc/meminfo and this process's RSS
// from /proc/self/stat, via github.com/prometheus/procfs. This is the
// default Sampler on Linux.
type ProcfsSampler struct {
	fs procfs.FS
}

// NewProcfsSampler opens the default /proc mount. Returns an error if /proc
// is not mounted or not readable (e.g. non-Linux, or a restrictive
// container).
func NewProcfsSampler() (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcfsSampler{fs: fs}, nil
}

// Sample implements Sampler.
func (s *ProcfsSampler) Sample(ctx context.Context) (Snapshot, error) {
	mi, err := s.fs.Meminfo()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read meminfo: %w", err)
	}

	var total, free uint64
	if mi.MemTotal != nil {
		total = *mi.MemTotal * 1024
	}
	// Prefer MemAvailable (accounts for reclaimable caches) when present;
	// fall back to MemFree, which undercounts what's actually usable.
	if mi.MemAvailable != nil {
		free = *mi.MemAvailable * 1024
	} else if mi.MemFree != nil {
		free = *mi.MemFree * 1024
	}

	self, err := s.fs.Self()
	var mainBytes uint64
	if err == nil {
		if stat, err := self.Stat(); err == nil {
			mainBytes = uint64(stat.ResidentMemory())
		}
	}

	return Snapshot{
		FreeBytes:        free,
		TotalBytes:       total,
		MainProcessBytes: mainBytes,
	}, nil
}

// RuntimeSampler is a last-resort Sampler for platforms without /proc: it
// reports the memory the Go runtime has obtained from the OS (MemStats.Sys)
// as a (poor) proxy for process memory, and offers no real host free/total
// figures. It exists so the controller has something to call rather than
// crashing when procfs isn't available; NewProcfsSampler never returns it,
// and the CLI and the SDK switch to it when procfs cannot be opened.
type RuntimeSampler struct {
	// AssumedTotalBytes is the operator-supplied ceiling to compare
	// runtime usage against, since runtime.MemStats has no notion of host
	// total memory.
	AssumedTotalBytes uint64
}

// Sample implements Sampler.
func (s *RuntimeSampler) Sample(ctx context.Context) (Snapshot, error) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	total := s.AssumedTotalBytes
	if total == 0 {
		total = 4 * 1024 * 1024 * 1024 // 4GiB placeholder ceiling
	}
	used := m.Sys
	var free uint64
	if used < total {
		free = total - used
	}

	return Snapshot{
		FreeBytes:        free,
		TotalBytes:       total,
		MainProcessBytes: m.Sys,
	}, nil
}
