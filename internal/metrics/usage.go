package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// UsageSample holds one CPU/memory reading for a supervised child.
type UsageSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	At         time.Time `json:"at"`
}

// UsageConfig configures the resource usage collector.
type UsageConfig struct {
	Enabled     bool          `json:"enabled" mapstructure:"enabled"`
	Interval    time.Duration `json:"interval" mapstructure:"interval"`
	HistorySize int           `json:"history_size" mapstructure:"history_size"`
}

// usageRing is a fixed-size circular buffer of samples for one service.
type usageRing struct {
	samples  []UsageSample
	startIdx int
	count    int
}

func (r *usageRing) add(s UsageSample) {
	if r.count < len(r.samples) {
		r.samples[r.count] = s
		r.count++
		return
	}
	r.samples[r.startIdx] = s
	r.startIdx = (r.startIdx + 1) % len(r.samples)
}

func (r *usageRing) latest() (UsageSample, bool) {
	if r.count == 0 {
		return UsageSample{}, false
	}
	if r.count < len(r.samples) {
		return r.samples[r.count-1], true
	}
	i := (r.startIdx - 1 + len(r.samples)) % len(r.samples)
	return r.samples[i], true
}

func (r *usageRing) ordered() []UsageSample {
	out := make([]UsageSample, r.count)
	if r.count < len(r.samples) {
		copy(out, r.samples[:r.count])
		return out
	}
	n := copy(out, r.samples[r.startIdx:])
	copy(out[n:], r.samples[:r.startIdx])
	return out
}

// UsageCollector periodically samples CPU and memory of supervised child
// processes via gopsutil and exports them as gauges. Keys are service keys;
// one child per key.
type UsageCollector struct {
	enabled  bool
	interval time.Duration
	maxHist  int

	mu      sync.RWMutex
	history map[string]*usageRing

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

// NewUsageCollector builds a collector; it does nothing until Start.
func NewUsageCollector(cfg UsageConfig) *UsageCollector {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	maxHist := cfg.HistorySize
	if maxHist <= 0 {
		maxHist = 100
	}
	return &UsageCollector{
		enabled:  cfg.Enabled,
		interval: interval,
		maxHist:  maxHist,
		history:  make(map[string]*usageRing),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "servisr",
				Subsystem: "service",
				Name:      "cpu_percent",
				Help:      "CPU usage percentage of the supervised child.",
			}, []string{"service"},
		),
		memoryMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "servisr",
				Subsystem: "service",
				Name:      "memory_mb",
				Help:      "Resident memory of the supervised child in MB.",
			}, []string{"service"},
		),
		numThreads: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "servisr",
				Subsystem: "service",
				Name:      "num_threads",
				Help:      "Thread count of the supervised child.",
			}, []string{"service"},
		),
		numFDs: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "servisr",
				Subsystem: "service",
				Name:      "num_fds",
				Help:      "Open file descriptors of the supervised child (Unix only).",
			}, []string{"service"},
		),
	}
}

// Register registers the usage gauges with r. No-op when disabled.
func (c *UsageCollector) Register(r prometheus.Registerer) error {
	if !c.enabled {
		return nil
	}
	cs := []prometheus.Collector{c.cpuPercent, c.memoryMB, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start begins periodic sampling. pids must return the live children as
// service key -> PID; entries with PID <= 0 are skipped.
func (c *UsageCollector) Start(ctx context.Context, pids func() map[string]int32) {
	if !c.enabled {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sample(pids())
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit.
func (c *UsageCollector) Stop() {
	if !c.enabled {
		return
	}
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *UsageCollector) sample(pids map[string]int32) {
	now := time.Now()
	fresh := make(map[string]UsageSample, len(pids))
	for key, pid := range pids {
		if pid <= 0 {
			continue
		}
		s, err := readUsage(pid, now)
		if err != nil {
			slog.Debug("usage sample failed", "service", key, "pid", pid, "error", err)
			continue
		}
		fresh[key] = s
	}

	c.mu.Lock()
	for key, s := range fresh {
		ring, ok := c.history[key]
		if !ok {
			ring = &usageRing{samples: make([]UsageSample, c.maxHist)}
			c.history[key] = ring
		}
		ring.add(s)
		c.cpuPercent.WithLabelValues(key).Set(s.CPUPercent)
		c.memoryMB.WithLabelValues(key).Set(s.MemoryMB)
		c.numThreads.WithLabelValues(key).Set(float64(s.NumThreads))
		if runtime.GOOS != "windows" && s.NumFDs > 0 {
			c.numFDs.WithLabelValues(key).Set(float64(s.NumFDs))
		}
	}
	// Drop services that are no longer supervised.
	for key := range c.history {
		if _, live := pids[key]; live {
			continue
		}
		delete(c.history, key)
		c.cpuPercent.DeleteLabelValues(key)
		c.memoryMB.DeleteLabelValues(key)
		c.numThreads.DeleteLabelValues(key)
		if runtime.GOOS != "windows" {
			c.numFDs.DeleteLabelValues(key)
		}
	}
	c.mu.Unlock()
}

func readUsage(pid int32, at time.Time) (UsageSample, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return UsageSample{}, fmt.Errorf("process handle: %w", err)
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return UsageSample{}, fmt.Errorf("memory info: %w", err)
	}
	threads, err := proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := UsageSample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		At:         at,
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

// Latest returns the most recent sample for a service key.
func (c *UsageCollector) Latest(key string) (UsageSample, bool) {
	if !c.enabled {
		return UsageSample{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.history[key]
	if !ok {
		return UsageSample{}, false
	}
	return ring.latest()
}

// History returns the retained samples for a service key in chronological order.
func (c *UsageCollector) History(key string) ([]UsageSample, bool) {
	if !c.enabled {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.history[key]
	if !ok || ring.count == 0 {
		return nil, false
	}
	return ring.ordered(), true
}

// All returns the latest sample per service key.
func (c *UsageCollector) All() map[string]UsageSample {
	out := make(map[string]UsageSample)
	if !c.enabled {
		return out
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for key, ring := range c.history {
		if s, ok := ring.latest(); ok {
			out[key] = s
		}
	}
	return out
}

// Enabled reports whether sampling is configured on.
func (c *UsageCollector) Enabled() bool { return c.enabled }

// observe is a test seam for injecting samples without a live process.
func (c *UsageCollector) observe(key string, s UsageSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring, ok := c.history[key]
	if !ok {
		ring = &usageRing{samples: make([]UsageSample, c.maxHist)}
		c.history[key] = ring
	}
	ring.add(s)
}
