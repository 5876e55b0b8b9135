package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/renkaru/servisr/internal/fallback"
	"github.com/renkaru/servisr/internal/pipeproto"
	"github.com/renkaru/servisr/internal/portwait"
)

// LocalConfig configures the supervised-child provider.
type LocalConfig struct {
	ID      string        `json:"id" mapstructure:"id"`
	Engine  string        `json:"engine" mapstructure:"engine"`
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// AwaitPort bounds how long Execute waits for the supervisor to
	// publish the child's port before giving up on this attempt.
	AwaitPort time.Duration `json:"await_port" mapstructure:"await_port"`
}

// Local is the terminal chain entry: it talks line-JSON over TCP to
// the child the supervisor runs on this machine. It reports available
// unconditionally and only ever fails retryably, so the status
// registry never cools it down and the chain always ends at a
// provider that will be tried.
type Local struct {
	id        string
	engine    string
	port      func() *portwait.Future
	timeout   time.Duration
	awaitPort time.Duration
}

// NewLocal builds the provider around the supervisor's port handoff.
// The future is fetched per call because the supervisor hands out a
// fresh one on every restart.
func NewLocal(cfg LocalConfig, port func() *portwait.Future) *Local {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	awaitPort := cfg.AwaitPort
	if awaitPort <= 0 {
		awaitPort = 5 * time.Second
	}
	return &Local{
		id:        cfg.ID,
		engine:    cfg.Engine,
		port:      port,
		timeout:   timeout,
		awaitPort: awaitPort,
	}
}

func (p *Local) ID() string { return p.id }

// IsAvailable always reports true; a child that is still starting
// shows up as a retryable Execute failure instead of a skip.
func (p *Local) IsAvailable(context.Context) bool { return true }

type localWireResponse struct {
	Success     bool    `json:"success"`
	Translation string  `json:"translation"`
	Confidence  float64 `json:"confidence"`
	Error       string  `json:"error"`
	ErrorCode   string  `json:"error_code"`
}

func (p *Local) Execute(ctx context.Context, req *fallback.Request) (*fallback.Response, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.awaitPort)
	port, err := p.port().Await(waitCtx)
	cancel()
	if err != nil {
		return nil, &fallback.ProviderError{Code: "starting", Retryable: true,
			Err: fmt.Errorf("local service port: %w", err)}
	}
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprint(port))

	execCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var wire localWireResponse
	if err := pipeproto.Exchange(execCtx, addr, req, &wire); err != nil {
		code := "unreachable"
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
			code = "timeout"
		}
		return nil, &fallback.ProviderError{Code: code, Retryable: true, Err: err}
	}
	if !wire.Success {
		code := wire.ErrorCode
		if code == "" {
			code = "child_error"
		}
		return nil, &fallback.ProviderError{Code: code, Retryable: true,
			Err: errors.New(orUnknown(wire.Error))}
	}
	return &fallback.Response{
		Text:       wire.Translation,
		Confidence: wire.Confidence,
		Engine:     p.engine,
	}, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unspecified child failure"
	}
	return s
}
