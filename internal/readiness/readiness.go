// Package readiness implements the two-phase startup confirmation for
// supervised children: first a literal marker on the diagnostic stream proves
// the serving loop started, then an is_ready command over stdio proves the
// model actually loaded. The marker alone is not authoritative — a child can
// enter its loop long before a slow model load finishes — so only the
// command round-trip promotes an instance to ready.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/renkaru/servisr/internal/pipeproto"
)

const (
	// DefaultStartupTimeout bounds the wait for the start marker. Generous:
	// first runs may download model weights before the loop starts.
	DefaultStartupTimeout = 120 * time.Second
	// DefaultCommandTimeout bounds the is_ready round-trip once the marker
	// has been seen.
	DefaultCommandTimeout = 10 * time.Second
)

var (
	// ErrTimeout covers both phases: marker not seen, or command
	// round-trip not completed, within the respective deadline.
	ErrTimeout = errors.New("readiness timeout")
	// ErrProcessExited means the child died before confirming readiness.
	ErrProcessExited = errors.New("process exited before becoming ready")
	// ErrNotReady means the child answered the command but reported itself
	// unusable.
	ErrNotReady = errors.New("service reported not ready")
)

// Signal reports that a child's serving loop has started. Detection
// strategies (marker scan today, a readiness socket tomorrow) stay behind
// this interface so the startup state machine never sees how the signal was
// produced.
type Signal interface {
	// Started returns a channel closed once the start signal is observed.
	Started() <-chan struct{}
}

// ReadyResponse is the child's answer to {"command":"is_ready"}. Success,
// Ready and ModelLoaded must all be true; a missing field decodes to false
// and counts as not ready.
type ReadyResponse struct {
	Success     bool   `json:"success"`
	Ready       bool   `json:"ready"`
	ModelLoaded bool   `json:"model_loaded"`
	Engine      string `json:"engine,omitempty"`
	Error       string `json:"error,omitempty"`
}

type readyRequest struct {
	Command string `json:"command"`
}

// AwaitMarker waits until sig fires, the child exits, the startup timeout
// elapses, or ctx is cancelled — whichever comes first.
func AwaitMarker(ctx context.Context, sig Signal, timeout time.Duration, exited <-chan struct{}) error {
	if timeout <= 0 {
		timeout = DefaultStartupTimeout
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-sig.Started():
		return nil
	case <-exited:
		return ErrProcessExited
	case <-t.C:
		return fmt.Errorf("start marker not seen within %s: %w", timeout, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Confirm sends the is_ready command over the child's stdio and validates the
// answer. The conn serializes the exchange, so nothing else can consume the
// response line while it is in flight.
func Confirm(ctx context.Context, conn *pipeproto.Conn, timeout time.Duration) (*ReadyResponse, error) {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var resp ReadyResponse
	if err := conn.Request(cctx, readyRequest{Command: "is_ready"}, &resp); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("is_ready round-trip exceeded %s: %w", timeout, ErrTimeout)
		}
		return nil, fmt.Errorf("is_ready exchange: %w", err)
	}
	if !resp.Success || !resp.Ready || !resp.ModelLoaded {
		if resp.Error != "" {
			return &resp, fmt.Errorf("%w: %s", ErrNotReady, resp.Error)
		}
		return &resp, fmt.Errorf("%w (success=%t ready=%t model_loaded=%t)",
			ErrNotReady, resp.Success, resp.Ready, resp.ModelLoaded)
	}
	return &resp, nil
}

// Establish runs both phases in order and returns the child's ready response.
func Establish(ctx context.Context, sig Signal, conn *pipeproto.Conn, startupTimeout, cmdTimeout time.Duration, exited <-chan struct{}) (*ReadyResponse, error) {
	if err := AwaitMarker(ctx, sig, startupTimeout, exited); err != nil {
		return nil, err
	}
	return Confirm(ctx, conn, cmdTimeout)
}
