// Package fallback routes requests through a fixed-priority provider
// chain with availability tracking and cooldown-based demotion.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultCooldown is how long a provider stays demoted after a
// non-retryable failure unless configured otherwise.
const DefaultCooldown = 5 * time.Minute

// ErrNilRequest marks programmer misuse; provider failures never
// surface as errors from Route.
var ErrNilRequest = errors.New("fallback: nil request")

// Request is one unit of work for the chain. The field layout matches
// the line-JSON the local translation children accept.
type Request struct {
	ID         string `json:"request_id,omitempty"`
	Text       string `json:"text"`
	SourceLang string `json:"source_lang"`
	TargetLang string `json:"target_lang"`
}

// Response is a successful provider answer.
type Response struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
	Engine     string  `json:"engine,omitempty"`
}

// Provider is one entry in the chain. Execute errors should be
// *ProviderError so the router can classify them; anything else is
// treated as retryable.
type Provider interface {
	ID() string
	IsAvailable(ctx context.Context) bool
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ProviderError carries the classification the router needs: a short
// machine code and whether trying again later could help.
type ProviderError struct {
	Code      string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Outcome labels one attempt in the trail.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Attempt records one provider touch, including skips where no call
// was made.
type Attempt struct {
	Provider string        `json:"provider"`
	Priority int           `json:"priority"`
	Outcome  Outcome       `json:"outcome"`
	Code     string        `json:"code,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// Result aggregates a full pass over the chain. Success is false only
// when every provider failed or was skipped; the trail always lists
// every provider touched, in priority order.
type Result struct {
	RequestID string        `json:"request_id"`
	Success   bool          `json:"success"`
	Provider  string        `json:"provider,omitempty"`
	Response  *Response     `json:"response,omitempty"`
	Attempts  []Attempt     `json:"attempts"`
	Duration  time.Duration `json:"duration_ns"`
}

// classify maps an Execute error to (code, retryable). Unknown error
// types stay retryable so a transient bug never cools a provider down.
func classify(err error) (string, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code, pe.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", true
	}
	return "error", true
}
