package pipeproto

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoReq struct {
	Command string `json:"command"`
	Seq     int    `json:"seq"`
}

type echoResp struct {
	Success bool `json:"success"`
	Seq     int  `json:"seq"`
}

// fakeChild answers line-JSON requests on the given pipe pair the way a
// supervised server would on its stdio.
func fakeChild(t *testing.T, in io.Reader, out io.Writer, delay time.Duration) {
	t.Helper()
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			var req echoReq
			if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
				continue
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			b, _ := json.Marshal(echoResp{Success: true, Seq: req.Seq})
			b = append(b, '\n')
			_, _ = out.Write(b)
		}
	}()
}

func newConnPair(t *testing.T, delay time.Duration) *Conn {
	t.Helper()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	fakeChild(t, inR, outW, delay)
	t.Cleanup(func() {
		_ = inW.Close()
		_ = outR.Close()
	})
	return NewConn(inW, outR)
}

func TestConnRoundTrip(t *testing.T) {
	c := newConnPair(t, 0)
	var resp echoResp
	err := c.Request(context.Background(), echoReq{Command: "is_ready", Seq: 1}, &resp)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, 1, resp.Seq)
}

func TestConnSerializesExchanges(t *testing.T) {
	c := newConnPair(t, 5*time.Millisecond)
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		wg.Add(1)
		go func(seq int) {
			defer wg.Done()
			var resp echoResp
			err := c.Request(context.Background(), echoReq{Command: "noop", Seq: seq}, &resp)
			require.NoError(t, err)
			// Each caller must receive the answer to its own request,
			// never one consumed from a neighbouring exchange.
			require.Equal(t, seq, resp.Seq)
		}(i)
	}
	wg.Wait()
}

func TestConnTimeoutPoisonsStream(t *testing.T) {
	c := newConnPair(t, 200*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	var resp echoResp
	err := c.Request(ctx, echoReq{Command: "slow", Seq: 1}, &resp)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, c.Broken())

	err = c.Request(context.Background(), echoReq{Command: "next", Seq: 2}, &resp)
	require.ErrorIs(t, err, ErrStreamBroken)
}

func TestConnEOF(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go func() {
		sc := bufio.NewScanner(inR)
		sc.Scan()
		_ = outW.Close() // child dies without answering
	}()
	c := NewConn(inW, outR)
	var resp echoResp
	err := c.Request(context.Background(), echoReq{Command: "is_ready"}, &resp)
	require.Error(t, err)
	require.True(t, c.Broken())
}

// lineServer accepts one connection at a time and answers each line with a
// canned JSON document, mimicking a translation child on its TCP port.
func lineServer(t *testing.T, handle func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer func() { _ = conn.Close() }()
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					_, _ = conn.Write(append([]byte(handle(sc.Text())), '\n'))
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestExchange(t *testing.T) {
	addr := lineServer(t, func(line string) string {
		return `{"success":true,"translation":"hello","processing_time":0.01}`
	})
	var resp struct {
		Success     bool   `json:"success"`
		Translation string `json:"translation"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := Exchange(ctx, addr, map[string]string{"text": "konnichiwa"}, &resp)
	require.NoError(t, err)
	require.True(t, resp.Success)
	require.Equal(t, "hello", resp.Translation)
}

func TestPing(t *testing.T) {
	addr := lineServer(t, func(line string) string {
		if line == "PING" {
			return `{"success":true,"status":"ok"}`
		}
		return `{"success":false}`
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, Ping(ctx, addr))
}

func TestPingRefusedPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Error(t, Ping(ctx, addr))
}
