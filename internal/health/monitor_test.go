package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/renkaru/servisr/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// runningInstance builds an Instance parked in Running without the full
// startup sequence: a short-lived real process backs the run so TryStart
// succeeds, and the prober stubs decide health from there.
func runningInstance(t *testing.T, key string) *service.Instance {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/true")
	}
	inst := service.New(service.Spec{Key: key, Command: "/bin/true"})
	cmd := exec.Command("/bin/true")
	require.NoError(t, inst.TryStart(cmd))
	t.Cleanup(func() { _ = cmd.Wait() })
	inst.SetRunning()
	return inst
}

func failingProbe(calls *atomic.Int32) Prober {
	return ProbeFunc(func(context.Context, string) error {
		if calls != nil {
			calls.Add(1)
		}
		return errors.New("connection refused")
	})
}

func TestThresholdTriggersRestartExactlyOnce(t *testing.T) {
	inst := runningInstance(t, "ja-en")

	var restarted []string
	var transitions []bool
	m := New(Options{
		Threshold: 3,
		Prober:    failingProbe(nil),
		Instances: func() []*service.Instance { return []*service.Instance{inst} },
		Restart:   func(key string) { restarted = append(restarted, key) },
		OnTransition: func(_ string, healthy bool) {
			transitions = append(transitions, healthy)
		},
		Logger: discardLogger(),
	})

	// five straight failures: the streak crosses the threshold on the third
	// probe only, and nothing re-fires while it keeps climbing
	for i := 0; i < 5; i++ {
		m.sweep()
	}

	require.Equal(t, []string{"ja-en"}, restarted)
	require.Equal(t, service.StateUnhealthy, inst.State())
	// one downward transition on the first failure, none after
	require.Equal(t, []bool{false}, transitions)
}

func TestRecoveryResetsStreak(t *testing.T) {
	inst := runningInstance(t, "ja-en")

	var healthy atomic.Bool
	var restarted atomic.Int32
	var transitions []bool
	m := New(Options{
		Threshold: 3,
		Prober: ProbeFunc(func(context.Context, string) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		}),
		Instances: func() []*service.Instance { return []*service.Instance{inst} },
		Restart:   func(string) { restarted.Add(1) },
		OnTransition: func(_ string, h bool) {
			transitions = append(transitions, h)
		},
		Logger: discardLogger(),
	})

	// two failures: below threshold, instance degrades but no restart
	m.sweep()
	m.sweep()
	require.Equal(t, service.StateUnhealthy, inst.State())
	require.Zero(t, restarted.Load())

	// a success recovers the instance and clears the streak
	healthy.Store(true)
	m.sweep()
	require.Equal(t, service.StateRunning, inst.State())
	require.Equal(t, []bool{false, true}, transitions)

	// it takes a full fresh streak to trigger after recovery
	healthy.Store(false)
	m.sweep()
	m.sweep()
	require.Zero(t, restarted.Load())
	m.sweep()
	require.Equal(t, int32(1), restarted.Load())
}

func TestSweepSkipsNonProbeablePhases(t *testing.T) {
	stopped := service.New(service.Spec{Key: "stopped", Command: "/bin/true"})

	failed := service.New(service.Spec{Key: "failed", Command: "/bin/true"})
	failed.SetFailed(errors.New("gave up"))

	starting := service.New(service.Spec{Key: "starting", Command: "/bin/true"})
	if runtime.GOOS != "windows" {
		cmd := exec.Command("/bin/true")
		require.NoError(t, starting.TryStart(cmd))
		t.Cleanup(func() { _ = cmd.Wait() })
	}

	var calls atomic.Int32
	m := New(Options{
		Prober: failingProbe(&calls),
		Instances: func() []*service.Instance {
			return []*service.Instance{stopped, failed, starting}
		},
		Logger: discardLogger(),
	})
	m.sweep()
	require.Zero(t, calls.Load())
}

func TestMonitorRunLoop(t *testing.T) {
	inst := runningInstance(t, "ja-en")

	var calls atomic.Int32
	m := New(Options{
		Interval: 10 * time.Millisecond,
		Prober: ProbeFunc(func(context.Context, string) error {
			calls.Add(1)
			return nil
		}),
		Instances: func() []*service.Instance { return []*service.Instance{inst} },
		Logger:    discardLogger(),
	})
	m.Start()
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 5*time.Second, 5*time.Millisecond)

	m.Stop()
	frozen := calls.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, frozen, calls.Load())
	m.Stop() // idempotent
}

func TestStrategyForPhases(t *testing.T) {
	starting := StrategyFor(service.StateStarting)
	require.Greater(t, starting.Warmup, time.Duration(0))
	require.Greater(t, starting.Timeout, StrategyFor(service.StateRunning).Timeout)

	running := StrategyFor(service.StateRunning)
	require.Zero(t, running.Warmup)
	require.Zero(t, running.Retries)
	require.Equal(t, running, StrategyFor(service.StateUnhealthy))

	dead := StrategyFor(service.StateStopped)
	require.Zero(t, dead.Retries)
	require.Zero(t, dead.Warmup)
}

func TestStrategyRunRetriesUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	p := ProbeFunc(func(context.Context, string) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	s := Strategy{Timeout: 100 * time.Millisecond, Retries: 3, RetryInterval: time.Millisecond}
	require.NoError(t, s.Run(context.Background(), p, "127.0.0.1:1"))
	require.Equal(t, int32(3), calls.Load())
}

func TestStrategyRunExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	s := Strategy{Timeout: 100 * time.Millisecond, Retries: 2, RetryInterval: time.Millisecond}
	err := s.Run(context.Background(), failingProbe(&calls), "127.0.0.1:1")
	require.Error(t, err)
	require.Equal(t, int32(3), calls.Load()) // first try + two retries
}

func TestStrategyWarmupKeepsTrying(t *testing.T) {
	var calls atomic.Int32
	p := ProbeFunc(func(context.Context, string) error {
		if calls.Add(1) < 5 {
			return errors.New("loading")
		}
		return nil
	})
	s := Strategy{Timeout: 100 * time.Millisecond, RetryInterval: time.Millisecond, Warmup: 5 * time.Second}
	require.NoError(t, s.Run(context.Background(), p, "127.0.0.1:1"))
	require.GreaterOrEqual(t, calls.Load(), int32(5))
}

func TestStrategyRunHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := Strategy{Timeout: 100 * time.Millisecond, Retries: 50, RetryInterval: 10 * time.Millisecond}
	err := s.Run(ctx, failingProbe(nil), "127.0.0.1:1")
	require.Error(t, err)
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, TCPProber{}.Probe(ctx, addr))

	require.NoError(t, ln.Close())
	require.Error(t, TCPProber{}.Probe(ctx, addr))
}

func TestProberFor(t *testing.T) {
	p, err := ProberFor("")
	require.NoError(t, err)
	require.IsType(t, TCPProber{}, p)

	p, err = ProberFor("tcp")
	require.NoError(t, err)
	require.IsType(t, TCPProber{}, p)

	p, err = ProberFor("ping")
	require.NoError(t, err)
	require.IsType(t, PingProber{}, p)

	_, err = ProberFor("icmp")
	require.Error(t, err)
}
