package fallback

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/renkaru/servisr/internal/enginestatus"
	"github.com/renkaru/servisr/internal/metrics"
)

// Options tunes a Router.
type Options struct {
	// Cooldown applied when a provider fails non-retryably.
	// Zero means DefaultCooldown.
	Cooldown time.Duration
	// OnResult, when set, observes every completed routing pass.
	// Called synchronously after the trail is final.
	OnResult func(Result)
}

// Router tries providers in the order given until one succeeds.
// The priority order is fixed at construction.
type Router struct {
	providers []Provider
	status    *enginestatus.Registry
	cooldown  time.Duration
	onResult  func(Result)
}

// NewRouter builds a router over the given chain. Providers are seeded
// into the status registry so listings show them before first use.
func NewRouter(status *enginestatus.Registry, providers []Provider, opts Options) *Router {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	for _, p := range providers {
		status.IsAvailable(p.ID())
	}
	return &Router{
		providers: providers,
		status:    status,
		cooldown:  cooldown,
		onResult:  opts.OnResult,
	}
}

// Providers returns the chain's ids in priority order.
func (r *Router) Providers() []string {
	ids := make([]string, len(r.providers))
	for i, p := range r.providers {
		ids[i] = p.ID()
	}
	return ids
}

// Route runs req through the chain. Provider failures are folded into
// the Result; the returned error is reserved for nil requests and
// context cancellation.
func (r *Router) Route(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	start := time.Now()
	res := &Result{RequestID: id, Attempts: make([]Attempt, 0, len(r.providers))}

	for i, p := range r.providers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		pid := p.ID()

		if !r.status.IsAvailable(pid) {
			res.Attempts = append(res.Attempts, Attempt{
				Provider: pid, Priority: i, Outcome: OutcomeSkipped, Code: "cooldown",
			})
			metrics.IncFallbackAttempt(pid, string(OutcomeSkipped))
			continue
		}
		if !p.IsAvailable(ctx) {
			res.Attempts = append(res.Attempts, Attempt{
				Provider: pid, Priority: i, Outcome: OutcomeSkipped, Code: "not_ready",
			})
			metrics.IncFallbackAttempt(pid, string(OutcomeSkipped))
			continue
		}

		t0 := time.Now()
		resp, err := p.Execute(ctx, req)
		took := time.Since(t0)
		metrics.ObserveProviderDuration(pid, took.Seconds())

		if err == nil && resp == nil {
			err = &ProviderError{Code: "empty_response", Retryable: true}
		}
		if err == nil {
			r.status.MarkAvailable(pid)
			res.Attempts = append(res.Attempts, Attempt{
				Provider: pid, Priority: i, Outcome: OutcomeSuccess, Duration: took,
			})
			metrics.IncFallbackAttempt(pid, string(OutcomeSuccess))
			res.Success = true
			res.Provider = pid
			res.Response = resp
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Cancellation mid-execute is the caller's doing, not a
			// provider verdict; surface it instead of a result.
			return nil, ctxErr
		}

		code, retryable := classify(err)
		res.Attempts = append(res.Attempts, Attempt{
			Provider: pid, Priority: i, Outcome: OutcomeFailed,
			Code: code, Error: err.Error(), Duration: took,
		})
		metrics.IncFallbackAttempt(pid, string(OutcomeFailed))
		slog.Warn("provider attempt failed",
			"provider", pid, "request_id", id, "code", code, "retryable", retryable, "error", err)
		if !retryable {
			r.status.MarkUnavailable(pid, r.cooldown, err.Error())
		}
	}

	res.Duration = time.Since(start)
	if res.Success {
		slog.Debug("request routed",
			"request_id", id, "provider", res.Provider, "attempts", len(res.Attempts), "duration", res.Duration)
	} else {
		slog.Warn("all providers exhausted",
			"request_id", id, "attempts", len(res.Attempts), "duration", res.Duration)
	}
	if r.onResult != nil {
		r.onResult(*res)
	}
	return res, nil
}
