// Package pipeproto implements the line-oriented JSON protocol spoken by
// supervised children: one JSON object per line in, one JSON object per line
// out. The same framing runs over the child's stdin/stdout (control commands
// such as is_ready) and over its TCP port (request traffic and PING).
package pipeproto

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// ErrStreamBroken marks a Conn whose stream state is unknown after a failed
// exchange. Once broken, the conn refuses further requests: a response that
// straggles in later must not be misdelivered to the next caller.
var ErrStreamBroken = errors.New("pipe stream unusable after failed exchange")

// maxLine bounds a single response line. Children answer with small JSON
// documents; anything bigger is a protocol violation.
const maxLine = 1 << 20

// Conn performs request/response exchanges over a stream pair, typically the
// stdin/stdout of a child process. Exchanges are serialized: the caller that
// wrote a request is the only reader of the stream until its response
// arrives, so no other reader can consume it.
type Conn struct {
	mu     sync.Mutex
	w      io.Writer
	r      *bufio.Reader
	broken error
}

func NewConn(w io.Writer, r io.Reader) *Conn {
	return &Conn{w: w, r: bufio.NewReaderSize(r, 64*1024)}
}

// Request writes req as one JSON line and decodes exactly one JSON line into
// resp. On ctx expiry the conn is marked broken, because the response may
// still arrive later and would desynchronize the stream.
func (c *Conn) Request(ctx context.Context, req, resp any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return fmt.Errorf("%w: %v", ErrStreamBroken, c.broken)
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := c.w.Write(payload); err != nil {
		c.broken = err
		return fmt.Errorf("write request: %w", err)
	}

	type read struct {
		line []byte
		err  error
	}
	ch := make(chan read, 1)
	go func() {
		line, err := c.r.ReadBytes('\n')
		ch <- read{line: line, err: err}
	}()
	select {
	case got := <-ch:
		if len(bytes.TrimSpace(got.line)) == 0 {
			if got.err == nil {
				got.err = io.ErrUnexpectedEOF
			}
			c.broken = got.err
			return fmt.Errorf("read response: %w", got.err)
		}
		if len(got.line) > maxLine {
			c.broken = errors.New("response line too long")
			return c.broken
		}
		if err := json.Unmarshal(bytes.TrimSpace(got.line), resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case <-ctx.Done():
		c.broken = ctx.Err()
		return ctx.Err()
	}
}

// Broken reports whether the conn has been poisoned by a failed exchange.
func (c *Conn) Broken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.broken != nil
}

// Exchange dials addr, sends req as one JSON line and decodes the single-line
// response. The connection lives for exactly one exchange; ctx bounds dial,
// write and read.
func Exchange(ctx context.Context, addr string, req, resp any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return exchangeLine(ctx, addr, append(payload, '\n'), resp)
}

// PingResponse is what children answer to the bare PING token.
type PingResponse struct {
	Success bool   `json:"success"`
	Status  string `json:"status,omitempty"`
	Engine  string `json:"engine,omitempty"`
}

// Ping sends the bare PING token and succeeds when a well-formed JSON line
// comes back. It is the application-level liveness probe, one step deeper
// than a TCP connect.
func Ping(ctx context.Context, addr string) error {
	var resp PingResponse
	if err := exchangeLine(ctx, addr, []byte("PING\n"), &resp); err != nil {
		return err
	}
	return nil
}

func exchangeLine(ctx context.Context, addr string, line []byte, resp any) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	} else {
		_ = conn.SetDeadline(time.Now().Add(30 * time.Second))
	}
	if _, err := conn.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", addr, err)
	}
	r := bufio.NewReaderSize(io.LimitReader(conn, maxLine), 64*1024)
	got, err := r.ReadBytes('\n')
	if len(bytes.TrimSpace(got)) == 0 {
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("read %s: %w", addr, err)
	}
	if err := json.Unmarshal(bytes.TrimSpace(got), resp); err != nil {
		return fmt.Errorf("decode response from %s: %w", addr, err)
	}
	return nil
}
