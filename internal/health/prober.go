package health

import (
	"context"
	"fmt"
	"net"

	"github.com/renkaru/servisr/internal/pipeproto"
)

// Prober performs one liveness probe against a child's serving address.
type Prober interface {
	Probe(ctx context.Context, addr string) error
	Describe() string
}

// TCPProber dials and closes: the cheapest "is anything listening" check.
type TCPProber struct{}

func (TCPProber) Probe(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (TCPProber) Describe() string { return "tcp" }

// PingProber goes one level deeper and exchanges the PING command over the
// serving port, proving the request loop answers, not just that the socket
// accepts.
type PingProber struct{}

func (PingProber) Probe(ctx context.Context, addr string) error {
	return pipeproto.Ping(ctx, addr)
}

func (PingProber) Describe() string { return "ping" }

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context, addr string) error

func (f ProbeFunc) Probe(ctx context.Context, addr string) error { return f(ctx, addr) }
func (f ProbeFunc) Describe() string                             { return "func" }

// ProberFor resolves the configured probe kind.
func ProberFor(kind string) (Prober, error) {
	switch kind {
	case "", "tcp":
		return TCPProber{}, nil
	case "ping":
		return PingProber{}, nil
	default:
		return nil, fmt.Errorf("unknown probe kind %q", kind)
	}
}
