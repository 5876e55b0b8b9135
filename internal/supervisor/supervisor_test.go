package supervisor

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/renkaru/servisr/internal/history"
	"github.com/renkaru/servisr/internal/portreg"
	"github.com/renkaru/servisr/internal/readiness"
	"github.com/renkaru/servisr/internal/service"
	"github.com/renkaru/servisr/internal/store/sqlite"
)

// readyChild prints the readiness marker, then answers is_ready probes on
// stdio until stopped.
const readyChild = `#!/bin/sh
echo "SERVER_READY" >&2
while IFS= read -r line; do
  case "$line" in
    *is_ready*) printf '%s\n' '{"success":true,"ready":true,"model_loaded":true,"engine":"marian"}' ;;
  esac
done
`

// markerOnlyChild reaches the marker but never answers the handshake.
const markerOnlyChild = `#!/bin/sh
echo "SERVER_READY" >&2
exec cat >/dev/null
`

const exitEarlyChild = `#!/bin/sh
exit 3
`

// crashOnceChild serves one full run that dies shortly after becoming
// ready, then behaves like readyChild on every following run.
const crashOnceChild = `#!/bin/sh
if [ -f "$CRASH_FLAG" ]; then
  echo "SERVER_READY" >&2
  while IFS= read -r line; do
    case "$line" in
      *is_ready*) printf '%s\n' '{"success":true,"ready":true,"model_loaded":true}' ;;
    esac
  done
  exit 0
fi
: > "$CRASH_FLAG"
echo "SERVER_READY" >&2
IFS= read -r line
printf '%s\n' '{"success":true,"ready":true,"model_loaded":true}'
sleep 1
exit 7
`

// crashThenFailChild dies after its first ready run and refuses to come
// back up, so the restart ladder must run out of budget.
const crashThenFailChild = `#!/bin/sh
if [ -f "$CRASH_FLAG" ]; then
  exit 1
fi
: > "$CRASH_FLAG"
echo "SERVER_READY" >&2
IFS= read -r line
printf '%s\n' '{"success":true,"ready":true,"model_loaded":true}'
sleep 1
exit 7
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSupervisor(t *testing.T, lo, hi int) (*Supervisor, *portreg.Registry) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("child scripts require /bin/sh")
	}
	reg, err := portreg.New(portreg.Options{
		Path:     filepath.Join(t.TempDir(), "ports.json"),
		LockWait: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	sup, err := New(Options{Ports: reg, PortLo: lo, PortHi: hi, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(sup.Shutdown)
	return sup, reg
}

func writeChild(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "child.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func baseSpec(key, script string) service.Spec {
	return service.Spec{
		Key:            key,
		Command:        "/bin/sh " + script,
		Marker:         "SERVER_READY",
		StartupTimeout: 5 * time.Second,
		ReadyTimeout:   2 * time.Second,
		StopGrace:      2 * time.Second,
		RestartBackoff: 10 * time.Millisecond,
	}
}

func statusOf(t *testing.T, sup *Supervisor, key string) service.Status {
	t.Helper()
	st, err := sup.Status(key)
	require.NoError(t, err)
	return st
}

func TestStartStopLifecycle(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42100, 42109)
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))

	st := statusOf(t, sup, "ja-en")
	require.Equal(t, service.StateRunning, st.State)
	require.NotZero(t, st.PID)
	require.GreaterOrEqual(t, st.Port, 42100)
	require.LessOrEqual(t, st.Port, 42109)
	require.Contains(t, reg.Owned(), st.Port)

	port, ok := sup.PortFuture("ja-en").TryPort()
	require.True(t, ok)
	require.Equal(t, st.Port, port)

	require.NoError(t, sup.Stop(context.Background(), "ja-en"))
	require.Eventually(t, func() bool {
		st, err := sup.Status("ja-en")
		return err == nil && st.State == service.StateStopped
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return len(reg.Owned()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	// stopping a stopped service is a no-op
	require.NoError(t, sup.Stop(context.Background(), "ja-en"))
}

func TestStartIdempotentWhileHealthy(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42110, 42119)
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))
	pid := statusOf(t, sup, "ja-en").PID

	require.NoError(t, sup.Start(context.Background(), "ja-en"))
	st := statusOf(t, sup, "ja-en")
	require.Equal(t, service.StateRunning, st.State)
	require.Equal(t, pid, st.PID)
	require.Zero(t, st.Restarts)
}

func TestManualRestartReplacesChild(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42120, 42129)
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))
	pid := statusOf(t, sup, "ja-en").PID

	require.NoError(t, sup.Restart(context.Background(), "ja-en"))
	st := statusOf(t, sup, "ja-en")
	require.Equal(t, service.StateRunning, st.State)
	require.NotEqual(t, pid, st.PID)
	require.Equal(t, 1, st.Restarts)
}

func TestReadinessTimeoutReleasesPort(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42130, 42139)
	spec := baseSpec("ja-en", writeChild(t, markerOnlyChild))
	spec.ReadyTimeout = 300 * time.Millisecond
	require.NoError(t, sup.Register(spec))

	err := sup.Start(context.Background(), "ja-en")
	require.Error(t, err)
	require.ErrorIs(t, err, readiness.ErrTimeout)

	// the claim must already be gone when Start returns
	require.Empty(t, reg.Owned())

	fut := sup.PortFuture("ja-en")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, ferr := fut.Await(ctx)
	require.Error(t, ferr)

	require.Eventually(t, func() bool {
		st, serr := sup.Status("ja-en")
		return serr == nil && st.State == service.StateStopped
	}, 5*time.Second, 10*time.Millisecond)
}

func TestChildExitBeforeMarker(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42140, 42149)
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, exitEarlyChild))))

	err := sup.Start(context.Background(), "ja-en")
	require.Error(t, err)
	require.ErrorIs(t, err, readiness.ErrProcessExited)
	require.Empty(t, reg.Owned())
}

func TestAutoRestartAfterCrash(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42150, 42159)
	spec := baseSpec("ja-en", writeChild(t, crashOnceChild))
	spec.AutoRestart = true
	spec.RestartMax = 3
	spec.Env = []string{"CRASH_FLAG=" + filepath.Join(t.TempDir(), "crashed")}
	require.NoError(t, sup.Register(spec))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))
	pid := statusOf(t, sup, "ja-en").PID

	require.Eventually(t, func() bool {
		st, err := sup.Status("ja-en")
		return err == nil && st.State == service.StateRunning && st.Restarts == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.NotEqual(t, pid, statusOf(t, sup, "ja-en").PID)
}

func TestRestartBudgetExhausted(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42160, 42169)
	spec := baseSpec("ja-en", writeChild(t, crashThenFailChild))
	spec.AutoRestart = true
	spec.RestartMax = 2
	spec.Env = []string{"CRASH_FLAG=" + filepath.Join(t.TempDir(), "crashed")}
	require.NoError(t, sup.Register(spec))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))

	require.Eventually(t, func() bool {
		st, err := sup.Status("ja-en")
		return err == nil && st.State == service.StateFailed
	}, 10*time.Second, 20*time.Millisecond)
	st := statusOf(t, sup, "ja-en")
	require.Contains(t, st.Error, "restart budget exhausted")
	require.Eventually(t, func() bool {
		return len(reg.Owned()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopDuringStartupAborts(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42170, 42179)
	spec := baseSpec("ja-en", writeChild(t, markerOnlyChild))
	spec.ReadyTimeout = 8 * time.Second
	require.NoError(t, sup.Register(spec))

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(context.Background(), "ja-en") }()

	require.Eventually(t, func() bool {
		st, err := sup.Status("ja-en")
		return err == nil && st.State == service.StateStarting
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, sup.Stop(context.Background(), "ja-en"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("start did not return after stop")
	}
	require.Eventually(t, func() bool {
		return len(reg.Owned()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerRestartReplacesChild(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42180, 42189)
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))
	pid := statusOf(t, sup, "ja-en").PID

	sup.TriggerRestart("ja-en")

	require.Eventually(t, func() bool {
		st, err := sup.Status("ja-en")
		return err == nil && st.State == service.StateRunning && st.Restarts == 1 && st.PID != pid
	}, 10*time.Second, 20*time.Millisecond)
}

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) types(key string) []history.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []history.EventType
	for _, e := range c.events {
		if e.Key == key {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestStoreAndHistoryRecording(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42190, 42199)

	st, err := sqlite.New(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, sup.SetStore(st))

	sink := &captureSink{}
	sup.SetHistorySinks(sink)

	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))
	require.NoError(t, sup.Start(context.Background(), "ja-en"))
	require.NoError(t, sup.Stop(context.Background(), "ja-en"))

	require.Eventually(t, func() bool {
		types := sink.types("ja-en")
		return len(types) >= 2 &&
			types[0] == history.EventStart &&
			types[len(types)-1] == history.EventStop
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		rows, err := st.GetByKey(context.Background(), "ja-en", 10)
		if err != nil || len(rows) == 0 {
			return false
		}
		r := rows[0]
		return r.State == "stopped" && r.Port >= 42190 && r.PID > 0 && !r.ExitErr.Valid
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRegisterValidatesAndUpdates(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42200, 42209)

	require.Error(t, sup.Register(service.Spec{Key: "", Command: "true"}))
	require.Error(t, sup.Register(service.Spec{Key: "bad key", Command: "true"}))
	require.Error(t, sup.Register(service.Spec{Key: "ja-en", Command: ""}))

	require.NoError(t, sup.Register(service.Spec{Key: "ja-en", Command: "/bin/sh one.sh"}))
	require.NoError(t, sup.Register(service.Spec{Key: "ja-en", Command: "/bin/sh two.sh"}))

	h, err := sup.handlerFor("ja-en")
	require.NoError(t, err)
	require.Equal(t, "/bin/sh two.sh", h.inst.Spec().Command)

	require.NoError(t, sup.UpdateSpec(service.Spec{Key: "ja-en", Command: "/bin/sh three.sh"}))
	require.Eventually(t, func() bool {
		return h.inst.Spec().Command == "/bin/sh three.sh"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUnknownServiceErrors(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42210, 42219)

	require.ErrorIs(t, sup.Start(context.Background(), "nope"), ErrUnknownService)
	require.ErrorIs(t, sup.Stop(context.Background(), "nope"), ErrUnknownService)
	require.ErrorIs(t, sup.Restart(context.Background(), "nope"), ErrUnknownService)
	_, err := sup.Status("nope")
	require.ErrorIs(t, err, ErrUnknownService)
	require.ErrorIs(t, sup.UpdateSpec(service.Spec{Key: "nope", Command: "true"}), ErrUnknownService)
}

func TestPortExhaustionSurfacesAndRecovers(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42220, 42220) // single-port range
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))
	require.NoError(t, sup.Register(baseSpec("en-ja", writeChild(t, readyChild))))

	require.NoError(t, sup.Start(context.Background(), "ja-en"))

	err := sup.Start(context.Background(), "en-ja")
	require.Error(t, err)
	require.ErrorIs(t, err, portreg.ErrPortExhausted)

	require.NoError(t, sup.Stop(context.Background(), "ja-en"))
	require.Eventually(t, func() bool {
		return len(reg.Owned()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Start(context.Background(), "en-ja"))
	require.Equal(t, 42220, statusOf(t, sup, "en-ja").Port)
}

func TestStatusAllSorted(t *testing.T) {
	sup, _ := newTestSupervisor(t, 42230, 42239)
	require.NoError(t, sup.Register(baseSpec("zh-en", writeChild(t, readyChild))))
	require.NoError(t, sup.Register(baseSpec("en-ja", writeChild(t, readyChild))))
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))

	all := sup.StatusAll()
	require.Len(t, all, 3)
	require.Equal(t, "en-ja", all[0].Key)
	require.Equal(t, "ja-en", all[1].Key)
	require.Equal(t, "zh-en", all[2].Key)
	for _, st := range all {
		require.Equal(t, service.StateStopped, st.State)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	sup, reg := newTestSupervisor(t, 42240, 42249)
	require.NoError(t, sup.Register(baseSpec("ja-en", writeChild(t, readyChild))))
	require.NoError(t, sup.Start(context.Background(), "ja-en"))

	sup.Shutdown()

	require.Eventually(t, func() bool {
		return len(reg.Owned()) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, sup.Start(context.Background(), "ja-en"), ErrShuttingDown)
}
