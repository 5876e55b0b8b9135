package health

import (
	"context"
	"time"

	"github.com/renkaru/servisr/internal/service"
)

// Strategy describes how aggressively to probe an instance in its current
// lifecycle phase. It is pure configuration: nothing in it is persisted.
type Strategy struct {
	Timeout       time.Duration // per-attempt bound
	Retries       int           // extra attempts after the first
	RetryInterval time.Duration // pause between attempts
	Warmup        time.Duration // total allowance while a cold start settles
}

// StrategyFor maps a lifecycle phase to its probe strategy: generous while
// Starting (first-run model loads are slow), tight once Running so failures
// surface fast, and zero-retry for Stopped/Failed — a dead process does not
// come back without a restart, so there is nothing to wait for.
func StrategyFor(st service.State) Strategy {
	switch st {
	case service.StateStarting:
		return Strategy{Timeout: 10 * time.Second, Retries: 3, RetryInterval: 2 * time.Second, Warmup: 30 * time.Second}
	case service.StateRunning, service.StateUnhealthy:
		return Strategy{Timeout: 2 * time.Second, Retries: 0, RetryInterval: 500 * time.Millisecond}
	default:
		return Strategy{Timeout: 500 * time.Millisecond, Retries: 0}
	}
}

// Run executes p against addr under this strategy. With a warmup allowance
// the probe keeps retrying until the allowance is spent; otherwise the retry
// budget bounds it. The last probe error is returned.
func (s Strategy) Run(ctx context.Context, p Prober, addr string) error {
	if s.Warmup > 0 {
		deadline := time.Now().Add(s.Warmup)
		for {
			err := s.attempt(ctx, p, addr)
			if err == nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if time.Now().After(deadline) {
				return err
			}
			if err := sleepCtx(ctx, s.RetryInterval); err != nil {
				return err
			}
		}
	}
	var err error
	for attempt := 0; ; attempt++ {
		err = s.attempt(ctx, p, addr)
		if err == nil || attempt >= s.Retries {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := sleepCtx(ctx, s.RetryInterval); err != nil {
			return err
		}
	}
}

func (s Strategy) attempt(ctx context.Context, p Prober, addr string) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Probe(cctx, addr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
