package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	resourceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "cpu_percent",
			Help:      "CPU usage percent of the service process.",
		}, []string{"name"},
	)
	resourceMemoryMB = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "stackup",
			Subsystem: "service",
			Name:      "memory_mb",
			Help:      "Resident memory of the service process in megabytes.",
		}, []string{"name"},
	)
)

// PIDLister supplies the current name->PID mapping of running services.
type PIDLister func() map[string]int

// ResourceCollector periodically samples CPU/memory of running service
// processes via gopsutil and exports them as gauges.
type ResourceCollector struct {
	mu       sync.Mutex
	list     PIDLister
	interval time.Duration
	cancel   context.CancelFunc
}

func NewResourceCollector(list PIDLister, interval time.Duration) *ResourceCollector {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &ResourceCollector{list: list, interval: interval}
}

// Start launches the sampling loop. Safe to call once; Stop cancels it.
func (rc *ResourceCollector) Start() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	rc.cancel = cancel
	go rc.run(ctx)
}

func (rc *ResourceCollector) Stop() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cancel != nil {
		rc.cancel()
		rc.cancel = nil
	}
}

func (rc *ResourceCollector) run(ctx context.Context) {
	t := time.NewTicker(rc.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rc.sampleOnce(ctx)
		}
	}
}

func (rc *ResourceCollector) sampleOnce(ctx context.Context) {
	if !regOK.Load() {
		return
	}
	for name, pid := range rc.list() {
		if pid <= 0 {
			resourceCPU.DeleteLabelValues(name)
			resourceMemoryMB.DeleteLabelValues(name)
			continue
		}
		p, err := process.NewProcessWithContext(ctx, int32(pid))
		if err != nil {
			continue
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			resourceCPU.WithLabelValues(name).Set(cpu)
		}
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
			resourceMemoryMB.WithLabelValues(name).Set(float64(mem.RSS) / (1024 * 1024))
		} else if err != nil {
			slog.Debug("resource sample failed", "service", name, "pid", pid, "error", err)
		}
	}
}
