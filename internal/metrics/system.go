package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector tracks host resource usage the way
// go-server/internal/metrics.SystemMetrics does, exposing the result as
// Prometheus gauges that change only when Update is called. It runs no
// background goroutine of its own, and no component in this repository
// calls Update, so the gauges keep their initial zero value.
type SystemCollector struct {
	mu         sync.Mutex
	cpuPercent float64
	updatedAt  time.Time

	cpuGauge  prometheus.Gauge
	memGauge  prometheus.Gauge
}

// NewSystemCollector registers the host-resource gauges.
func NewSystemCollector() *SystemCollector {
	return &SystemCollector{
		cpuGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_host_cpu_percent", Help: "Smoothed host CPU utilization percentage.",
		}),
		memGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "otp_host_memory_used_bytes", Help: "Host memory currently in use.",
		}),
	}
}

// Update refreshes the CPU/memory gauges. Safe to call from a single
// event-loop tick; gopsutil's cpu.Percent(0, false) is non-blocking and
// compares against the previous sample.
func (s *SystemCollector) Update() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		current := percents[0]
		if s.cpuPercent == 0 {
			s.cpuPercent = current
		} else {
			const alpha = 0.3
			s.cpuPercent = alpha*current + (1-alpha)*s.cpuPercent
		}
		s.cpuGauge.Set(s.cpuPercent)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		s.memGauge.Set(float64(vm.Used))
	}

	s.updatedAt = time.Now()
}
