// Package service models one supervised model-server child: its spec, its
// lifecycle state, its stdio wiring and the primitives the supervisor builds
// lifecycle operations out of. At most one live child exists per Instance;
// the supervisor serializes all operations that could violate that.
package service

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/renkaru/servisr/internal/pipeproto"
)

// Instance tracks the current (or last) run of one service key. All fields
// are guarded by mu; accessors keep locking internal so callers never hold
// the lock across blocking operations.
type Instance struct {
	mu   sync.Mutex
	spec Spec

	state     State
	port      int
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stdout    io.ReadCloser
	conn      *pipeproto.Conn
	logCloser io.Closer

	failures  int
	lastCheck time.Time
	restarts  int
	startedAt time.Time
	stoppedAt time.Time
	lastErr   error

	stopping   bool
	waitDone   chan struct{} // closed by whoever reaps cmd.Wait
	monitoring bool          // an observer goroutine owns the wait
}

func New(spec Spec) *Instance {
	spec.Normalize()
	return &Instance{spec: spec, state: StateStopped}
}

func (i *Instance) Key() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.spec.Key
}

func (i *Instance) Spec() Spec {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.spec
}

// UpdateSpec replaces the spec for the next start; the current run keeps the
// spec it was launched with.
func (i *Instance) UpdateSpec(s Spec) {
	s.Normalize()
	i.mu.Lock()
	i.spec = s
	i.mu.Unlock()
}

// ConfigureCmd builds the child command for the given bound port: stdin and
// stdout become the protocol pipes, stderr goes to the rotating capture file
// teed into any extra diagnostic sinks (the start-marker watcher rides here).
func (i *Instance) ConfigureCmd(port int, mergedEnv []string, diag ...io.Writer) (*exec.Cmd, error) {
	i.mu.Lock()
	spec := i.spec
	i.mu.Unlock()

	cmd := spec.BuildCommand(port)
	if spec.WorkDir != "" {
		cmd.Dir = spec.WorkDir
	}
	if len(mergedEnv) > 0 {
		cmd.Env = mergedEnv
	}
	configureSysProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe for %s: %w", spec.Key, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("stdout pipe for %s: %w", spec.Key, err)
	}

	sinks := make([]io.Writer, 0, len(diag)+1)
	var logCloser io.Closer
	if w, err := spec.Log.Writer(spec.Key); err == nil && w != nil {
		sinks = append(sinks, w)
		logCloser = w
	}
	sinks = append(sinks, diag...)
	switch len(sinks) {
	case 0:
		null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		cmd.Stderr = null
	case 1:
		cmd.Stderr = sinks[0]
	default:
		cmd.Stderr = io.MultiWriter(sinks...)
	}

	i.mu.Lock()
	i.port = port
	i.stdin = stdin
	i.stdout = stdout
	i.conn = pipeproto.NewConn(stdin, stdout)
	i.logCloser = logCloser
	i.mu.Unlock()
	return cmd, nil
}

// TryStart launches the configured command and records the new run as
// Starting. On start failure the pipes are torn down again.
func (i *Instance) TryStart(cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		i.CloseIO()
		return err
	}
	i.mu.Lock()
	i.cmd = cmd
	i.state = StateStarting
	i.startedAt = time.Now()
	i.stoppedAt = time.Time{}
	i.lastErr = nil
	i.failures = 0
	i.stopping = false
	i.waitDone = make(chan struct{})
	i.mu.Unlock()
	return nil
}

// Conn returns the stdio protocol conn of the current run, nil when no run
// is wired up.
func (i *Instance) Conn() *pipeproto.Conn {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.conn
}

func (i *Instance) Cmd() *exec.Cmd {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.cmd
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Instance) Port() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.port
}

// Addr is the loopback address of the child's serving port.
func (i *Instance) Addr() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(i.Port()))
}

// SetRunning promotes a Starting or Unhealthy run; the health failure streak
// resets with it.
func (i *Instance) SetRunning() {
	i.mu.Lock()
	if i.state == StateStarting || i.state == StateUnhealthy {
		i.state = StateRunning
	}
	i.failures = 0
	i.mu.Unlock()
}

// MarkUnhealthy drops a Running instance to Unhealthy; reports whether this
// call made the transition.
func (i *Instance) MarkUnhealthy() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state != StateRunning {
		return false
	}
	i.state = StateUnhealthy
	return true
}

// SetFailed parks the instance in the terminal Failed state with the error
// that exhausted it.
func (i *Instance) SetFailed(err error) {
	i.mu.Lock()
	i.state = StateFailed
	if err != nil {
		i.lastErr = err
	}
	i.mu.Unlock()
}

// MarkExited records the end of a run. err is the exit error worth surfacing;
// pass nil for a requested stop.
func (i *Instance) MarkExited(err error) {
	i.mu.Lock()
	if i.state != StateFailed {
		i.state = StateStopped
	}
	i.stoppedAt = time.Now()
	if err != nil {
		i.lastErr = err
	}
	i.mu.Unlock()
}

// HealthFailure bumps the consecutive-failure streak and returns it.
func (i *Instance) HealthFailure(at time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failures++
	i.lastCheck = at
	return i.failures
}

// HealthOK clears the streak; reports whether this probe recovered an
// Unhealthy instance back to Running.
func (i *Instance) HealthOK(at time.Time) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.failures = 0
	i.lastCheck = at
	if i.state == StateUnhealthy {
		i.state = StateRunning
		return true
	}
	return false
}

func (i *Instance) IncRestarts() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.restarts++
	return i.restarts
}

func (i *Instance) SetStopRequested(v bool) {
	i.mu.Lock()
	i.stopping = v
	i.mu.Unlock()
}

func (i *Instance) StopRequested() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stopping
}

func (i *Instance) WaitDoneChan() chan struct{} {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.waitDone
}

// CloseWaitDone is called exactly once per run by the goroutine that reaped
// cmd.Wait.
func (i *Instance) CloseWaitDone() {
	i.mu.Lock()
	if i.waitDone != nil {
		close(i.waitDone)
		i.waitDone = nil
	}
	i.mu.Unlock()
}

// MonitoringStartIfNeeded claims the single-waiter role for the current run.
// Only the claimant may call cmd.Wait; everyone else waits on WaitDoneChan.
func (i *Instance) MonitoringStartIfNeeded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.monitoring {
		return false
	}
	i.monitoring = true
	return true
}

func (i *Instance) MonitoringStop() {
	i.mu.Lock()
	i.monitoring = false
	i.mu.Unlock()
}

func (i *Instance) IsMonitoring() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.monitoring
}

// DetectAlive probes the child with signal 0, treating Linux zombies as dead:
// a reaped-but-unwaited child cannot serve traffic.
func (i *Instance) DetectAlive() bool {
	i.mu.Lock()
	cmd := i.cmd
	i.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return false
	}
	pid := cmd.Process.Pid
	if runtime.GOOS == "linux" && isZombie(pid) {
		return false
	}
	return pidExists(pid)
}

func isZombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// Stop terminates the child group: TERM, then KILL once grace elapses. Safe
// on an instance that already exited. Coordination with the observer that
// owns cmd.Wait happens via the waitDone channel; when no observer is
// attached, Stop claims the wait itself.
func (i *Instance) Stop(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	i.SetStopRequested(true)
	if !i.DetectAlive() {
		return nil
	}
	cmd := i.Cmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	_ = signalPID(-pid, syscall.SIGTERM)

	if i.IsMonitoring() {
		i.awaitReaped(pid, grace)
		return nil
	}
	if i.MonitoringStartIfNeeded() {
		done := make(chan struct{})
		go func() {
			err := cmd.Wait()
			i.MarkExited(exitErrOrNil(err, true))
			i.CloseWaitDone()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(grace):
			_ = signalPID(-pid, syscall.SIGKILL)
			select {
			case <-done:
			case <-time.After(500 * time.Millisecond):
			}
		}
		i.CloseIO()
		i.MonitoringStop()
		return nil
	}
	// Lost the claim race; an observer picked up the wait concurrently.
	i.awaitReaped(pid, grace)
	return nil
}

// Kill force-terminates the child group without a grace period.
func (i *Instance) Kill() error {
	cmd := i.Cmd()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	i.SetStopRequested(true)
	pid := cmd.Process.Pid
	_ = signalPID(-pid, syscall.SIGKILL)
	i.awaitReaped(pid, 500*time.Millisecond)
	return nil
}

// awaitReaped waits for the observer to reap the child, escalating to KILL
// when the grace period runs out.
func (i *Instance) awaitReaped(pid int, grace time.Duration) {
	wd := i.WaitDoneChan()
	if wd == nil {
		return
	}
	select {
	case <-wd:
	case <-time.After(grace):
		_ = signalPID(-pid, syscall.SIGKILL)
		select {
		case <-wd:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// CloseIO tears down the protocol pipes and the stderr capture writer.
// Idempotent; called after the run is reaped or when start failed.
func (i *Instance) CloseIO() {
	i.mu.Lock()
	stdin, stdout, logc := i.stdin, i.stdout, i.logCloser
	i.stdin, i.stdout, i.logCloser = nil, nil, nil
	i.mu.Unlock()
	if stdin != nil {
		_ = stdin.Close()
	}
	if stdout != nil {
		_ = stdout.Close()
	}
	if logc != nil {
		_ = logc.Close()
	}
}

// RunIdentity reports the pid and start time of the current or most recent
// run, usable for persistence keys even after the run exited.
func (i *Instance) RunIdentity() (pid int, startedAt time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cmd != nil && i.cmd.Process != nil {
		pid = i.cmd.Process.Pid
	}
	return pid, i.startedAt
}

// Snapshot returns the externally visible status. The port is reported only
// while a run is live; a stopped instance holds no claim.
func (i *Instance) Snapshot() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	st := Status{
		Key:       i.spec.Key,
		State:     i.state,
		Restarts:  i.restarts,
		Failures:  i.failures,
		LastCheck: i.lastCheck,
		StartedAt: i.startedAt,
		StoppedAt: i.stoppedAt,
	}
	if i.state.Live() {
		st.Port = i.port
		if i.cmd != nil && i.cmd.Process != nil {
			st.PID = i.cmd.Process.Pid
		}
	}
	if i.lastErr != nil {
		st.Error = i.lastErr.Error()
	}
	return st
}

// exitErrOrNil suppresses the expected exit error of a requested stop
// (killed by our own TERM/KILL) while keeping real crash errors.
func exitErrOrNil(err error, stopRequested bool) error {
	if err == nil || !stopRequested {
		return err
	}
	return nil
}
