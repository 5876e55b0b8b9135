package supervisor

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/renkaru/servisr/internal/history"
	"github.com/renkaru/servisr/internal/metrics"
	"github.com/renkaru/servisr/internal/portwait"
	"github.com/renkaru/servisr/internal/service"
)

// waitAndHandleExit reaps one run: it owns cmd.Wait for the child,
// transitions the instance, frees the port claim and persists the stop.
// The waitDone close comes first so Stop callers unblock as soon as the
// child is reaped; the stop-requested and state reads come before it, so
// a restart that follows a Stop can trust what the observer saw. done is
// closed last-but-one, gating the next start on finished bookkeeping.
func (s *Supervisor) waitAndHandleExit(h *handler, cmd *exec.Cmd, port int, fut *portwait.Future, release func(), done chan struct{}) {
	err := cmd.Wait()

	inst := h.inst
	key := inst.Key()
	wasStarting := inst.State() == service.StateStarting
	stopReq := inst.StopRequested()
	exitErr := err
	if stopReq {
		exitErr = nil
	}
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	inst.CloseWaitDone()
	release()
	fut.Fail(fmt.Errorf("service %s exited during startup", key))
	inst.MarkExited(exitErr)
	inst.CloseIO()
	inst.MonitoringStop()

	metrics.IncServiceStop(key)
	metrics.SetServiceState(key, inst.State())
	s.recordStop(inst, port, pid, exitErr)

	if exitErr != nil {
		s.logger.Warn("service exited", "service", key, "pid", pid, "port", port, "error", exitErr)
	} else {
		s.logger.Info("service exited", "service", key, "pid", pid, "port", port)
	}

	close(done)

	// Runs that died mid-startup report their failure through the start
	// caller; requested stops restart nothing.
	if wasStarting || stopReq {
		return
	}
	if inst.Spec().AutoRestart {
		s.autoRestart(h)
	}
}

// autoRestart drives the bounded restart ladder: sleep the exponential
// backoff, then request a start through the handler, until one succeeds or
// the budget is spent. A spent budget marks the service Failed; a requested
// stop or supervisor shutdown abandons the ladder quietly.
func (s *Supervisor) autoRestart(h *handler) {
	inst := h.inst
	spec := inst.Spec()
	key := spec.Key

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = spec.RestartBackoff
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= spec.RestartMax; attempt++ {
		if inst.StopRequested() {
			return
		}
		delay := bo.NextBackOff()
		s.logger.Info("restarting service",
			"service", key, "attempt", attempt, "max", spec.RestartMax, "backoff", delay)
		s.emit(history.Event{
			Type:   history.EventRestart,
			Key:    key,
			Detail: fmt.Sprintf("attempt %d/%d", attempt, spec.RestartMax),
		})

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-s.quit:
			t.Stop()
			return
		}
		if inst.StopRequested() {
			return
		}

		reply := make(chan error, 1)
		select {
		case h.ctrl <- ctrlMsg{typ: ctrlStart, reply: reply}:
		case <-s.quit:
			return
		}
		select {
		case lastErr = <-reply:
		case <-s.quit:
			return
		}
		if lastErr == nil {
			return
		}
		s.logger.Warn("restart attempt failed",
			"service", key, "attempt", attempt, "max", spec.RestartMax, "error", lastErr)
	}

	err := fmt.Errorf("restart budget exhausted after %d attempts: %w", spec.RestartMax, lastErr)
	inst.SetFailed(err)
	metrics.SetServiceState(key, service.StateFailed)
	s.upsertStatus(inst)
	s.logger.Error("service failed permanently", "service", key, "error", err)
}
