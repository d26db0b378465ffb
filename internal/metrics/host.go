package metrics

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostCollector reports rig health: load average, memory and CPU count.
// Values are read on every scrape.
type HostCollector struct {
	load   *prometheus.Desc
	memory *prometheus.Desc
	cpus   *prometheus.Desc
	logger *slog.Logger
}

// NewHostCollector creates the collector.
func NewHostCollector(logger *slog.Logger) *HostCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostCollector{
		load: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "load"),
			"Host load average",
			[]string{"period"}, nil,
		),
		memory: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "memory_bytes"),
			"Host memory",
			[]string{"state"}, nil,
		),
		cpus: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "host", "cpus"),
			"Logical CPU count",
			nil, nil,
		),
		logger: logger.With("component", "host-metrics"),
	}
}

func (c *HostCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.load
	ch <- c.memory
	ch <- c.cpus
}

func (c *HostCollector) Collect(ch chan<- prometheus.Metric) {
	if avg, err := load.Avg(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.load, prometheus.GaugeValue, avg.Load1, "1m")
		ch <- prometheus.MustNewConstMetric(c.load, prometheus.GaugeValue, avg.Load5, "5m")
		ch <- prometheus.MustNewConstMetric(c.load, prometheus.GaugeValue, avg.Load15, "15m")
	} else {
		c.logger.Debug("load average unavailable", "error", err)
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(vm.Total), "total")
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(vm.Available), "available")
		ch <- prometheus.MustNewConstMetric(c.memory, prometheus.GaugeValue, float64(vm.Used), "used")
	} else {
		c.logger.Debug("memory stats unavailable", "error", err)
	}

	if n, err := cpu.Counts(true); err == nil {
		ch <- prometheus.MustNewConstMetric(c.cpus, prometheus.GaugeValue, float64(n))
	}
}

// HostSnapshot is a point-in-time view for the status API.
type HostSnapshot struct {
	Load1      float64 `json:"load1"`
	MemoryUsed float64 `json:"memoryUsedPercent"`
	CPUs       int     `json:"cpus"`
}

// Snapshot reads the current host figures. Unavailable values stay zero.
func Snapshot() HostSnapshot {
	var s HostSnapshot
	if avg, err := load.Avg(); err == nil {
		s.Load1 = avg.Load1
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryUsed = vm.UsedPercent
	}
	if n, err := cpu.Counts(true); err == nil {
		s.CPUs = n
	}
	return s
}
