package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

// ResourceUsage is a coarse sample of the process footprint, reported next
// to the tenant engines on the admin API.
type ResourceUsage struct {
	CPUPercent  float64       `json:"cpu_percent"`
	MemoryBytes uint64        `json:"memory_bytes"`
	Goroutines  int           `json:"goroutines"`
	Engines     int           `json:"engines"`
	Connectors  int           `json:"connectors"`
	Uptime      time.Duration `json:"uptime_ns"`
}

const (
	cpuTotalMetric  = "/cpu/classes/total:cpu-seconds"
	cpuIdleMetric   = "/cpu/classes/idle:cpu-seconds"
	heapMetric      = "/memory/classes/heap/objects:bytes"
	goroutineMetric = "/sched/goroutines:goroutines"
)

func resourceSamples() []metrics.Sample {
	return []metrics.Sample{{Name: cpuTotalMetric}, {Name: cpuIdleMetric}, {Name: heapMetric}, {Name: goroutineMetric}}
}

// resourceTracker turns runtime/metrics readings into a ResourceUsage. CPU is
// the busy share of available CPU time since the previous Snapshot.
type resourceTracker struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	lastBusy float64
	lastAt   time.Time
	numCPU   float64
	started  time.Time
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples: resourceSamples(),
		numCPU:  float64(runtime.NumCPU()),
		started: time.Now(),
	}
}

func floatSample(s metrics.Sample) (float64, bool) {
	if s.Value.Kind() != metrics.KindFloat64 {
		return 0, false
	}
	return s.Value.Float64(), true
}

func uintSample(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.samples) != 4 {
		r.samples = resourceSamples()
	}
	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{
		MemoryBytes: uintSample(r.samples[2]),
		Goroutines:  int(uintSample(r.samples[3])),
		Uptime:      now.Sub(r.started),
	}
	if usage.Goroutines == 0 {
		usage.Goroutines = runtime.NumGoroutine()
	}

	total, okTotal := floatSample(r.samples[0])
	idle, okIdle := floatSample(r.samples[1])
	if !okTotal || !okIdle {
		r.lastAt = now
		return usage
	}
	busy := total - idle
	if !r.lastAt.IsZero() {
		wall := now.Sub(r.lastAt).Seconds()
		if wall > 0 && r.numCPU > 0 && busy >= r.lastBusy {
			usage.CPUPercent = (busy - r.lastBusy) / wall / r.numCPU * 100
		}
	}
	r.lastBusy, r.lastAt = busy, now
	return usage
}
