// Package health probes running instances on a fixed interval and hands an
// instance to the supervisor's restart path once its consecutive-failure
// streak crosses the threshold.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/renkaru/servisr/internal/metrics"
	"github.com/renkaru/servisr/internal/service"
)

const (
	DefaultInterval  = 30 * time.Second
	DefaultThreshold = 3
)

// Options wires a Monitor to its supervisor without importing it: the
// supervisor hands in instance listing and the restart trigger as callbacks.
type Options struct {
	Interval  time.Duration
	Threshold int
	Prober    Prober
	Instances func() []*service.Instance
	Restart   func(key string) // must not block; called once per exhausted streak
	// OnTransition fires on health state changes only: false when a probe
	// drops the instance to Unhealthy, true when a later probe recovers it.
	// Called without any instance lock held.
	OnTransition func(key string, healthy bool)
	Logger       *slog.Logger
}

type Monitor struct {
	interval     time.Duration
	threshold    int
	prober       Prober
	instances    func() []*service.Instance
	restart      func(string)
	onTransition func(string, bool)
	logger       *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func New(opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Prober == nil {
		opts.Prober = TCPProber{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		interval:     opts.Interval,
		threshold:    opts.Threshold,
		prober:       opts.Prober,
		instances:    opts.Instances,
		restart:      opts.Restart,
		onTransition: opts.OnTransition,
		logger:       opts.Logger,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.startOnce.Do(func() { go m.run() })
}

func (m *Monitor) Stop() {
	// Consuming startOnce here means a monitor that never ran still has a
	// closed done channel to wait on.
	m.startOnce.Do(func() { close(m.done) })
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep probes every Running/Unhealthy instance once. Starting instances are
// left alone — the startup sequence owns them until the readiness handshake
// settles — and Stopped/Failed ones have nothing to probe.
func (m *Monitor) sweep() {
	if m.instances == nil {
		return
	}
	for _, inst := range m.instances() {
		st := inst.State()
		if st != service.StateRunning && st != service.StateUnhealthy {
			continue
		}
		select {
		case <-m.stop:
			return
		default:
		}
		m.evaluate(inst)
	}
}

func (m *Monitor) evaluate(inst *service.Instance) {
	key := inst.Key()
	err := m.Probe(context.Background(), inst)
	now := time.Now()
	if err == nil {
		if inst.HealthOK(now) {
			m.logger.Info("instance recovered", "service", key, "probe", m.prober.Describe())
			metrics.SetServiceState(key, inst.State())
			if m.onTransition != nil {
				m.onTransition(key, true)
			}
		}
		return
	}

	n := inst.HealthFailure(now)
	metrics.IncHealthFailure(key)
	if inst.MarkUnhealthy() {
		m.logger.Warn("instance unhealthy", "service", key, "failures", n, "err", err)
		metrics.SetServiceState(key, inst.State())
		if m.onTransition != nil {
			m.onTransition(key, false)
		}
	} else {
		m.logger.Warn("probe failed", "service", key, "failures", n, "err", err)
	}
	// Exactly-once trigger: the streak passes the threshold on one probe
	// only, and the restart path resets it.
	if n == m.threshold && m.restart != nil {
		m.logger.Error("failure threshold reached, restarting", "service", key, "failures", n)
		m.restart(key)
	}
}

// Probe runs a single phase-appropriate check against the instance.
func (m *Monitor) Probe(ctx context.Context, inst *service.Instance) error {
	return StrategyFor(inst.State()).Run(ctx, m.prober, inst.Addr())
}
