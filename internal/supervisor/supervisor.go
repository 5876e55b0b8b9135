package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/renkaru/servisr/internal/env"
	"github.com/renkaru/servisr/internal/history"
	"github.com/renkaru/servisr/internal/metrics"
	"github.com/renkaru/servisr/internal/portreg"
	"github.com/renkaru/servisr/internal/portwait"
	"github.com/renkaru/servisr/internal/readiness"
	"github.com/renkaru/servisr/internal/service"
	"github.com/renkaru/servisr/internal/store"
)

var (
	// ErrUnknownService is returned for operations on an unregistered key.
	ErrUnknownService = errors.New("unknown service")
	// ErrShuttingDown is returned for operations after Shutdown began.
	ErrShuttingDown = errors.New("supervisor shutting down")
)

// Supervisor coordinates the lifecycle of all registered services: port
// claims, child startup with the readiness handshake, exit observation,
// bounded restart and persistence. Each service gets a dedicated handler
// goroutine; the Supervisor routes control messages to it and carries the
// shared machinery (port registry, env, store, history sinks).
type Supervisor struct {
	mu      sync.RWMutex
	entries map[string]*svcEntry

	futMu   sync.Mutex
	futures map[string]*portwait.Future

	ports  *portreg.Registry
	portLo int
	portHi int

	envM *env.Env

	st        store.Store
	histSinks []history.Sink

	logger *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
}

type svcEntry struct {
	h      *handler
	cancel context.CancelFunc
}

// Options configures a Supervisor. Ports and the port range are required;
// everything else has a usable zero value.
type Options struct {
	Ports  *portreg.Registry
	PortLo int
	PortHi int
	Logger *slog.Logger
}

func New(opts Options) (*Supervisor, error) {
	if opts.Ports == nil {
		return nil, errors.New("supervisor: port registry is required")
	}
	if opts.PortLo <= 0 || opts.PortHi < opts.PortLo {
		return nil, fmt.Errorf("supervisor: invalid port range %d-%d", opts.PortLo, opts.PortHi)
	}
	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	em := env.New()
	em.FromOS()
	return &Supervisor{
		entries: make(map[string]*svcEntry),
		futures: make(map[string]*portwait.Future),
		ports:   opts.Ports,
		portLo:  opts.PortLo,
		portHi:  opts.PortHi,
		envM:    em,
		logger:  lg,
		quit:    make(chan struct{}),
	}, nil
}

// SetStore attaches a persistence backend and prepares its schema.
func (s *Supervisor) SetStore(st store.Store) error {
	if st == nil {
		return errors.New("supervisor: nil store")
	}
	if err := st.EnsureSchema(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	return nil
}

// SetHistorySinks attaches lifecycle event sinks. Send failures are ignored;
// history is best effort.
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.mu.Lock()
	s.histSinks = sinks
	s.mu.Unlock()
}

// SetGlobalEnv installs KEY=VALUE pairs shared by every child, expanded and
// merged with per-service env at spawn time.
func (s *Supervisor) SetGlobalEnv(kvs []string) {
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		s.envM.Set(k, v)
	}
}

// Register adds a service definition. Registering an existing key replaces
// its spec; the new spec applies from the next run.
func (s *Supervisor) Register(spec service.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if e, ok := s.entries[spec.Key]; ok {
		s.mu.Unlock()
		e.h.inst.UpdateSpec(spec)
		return nil
	}
	inst := service.New(spec)
	h := newHandler(s, inst)
	ctx, cancel := context.WithCancel(context.Background())
	s.entries[spec.Key] = &svcEntry{h: h, cancel: cancel}
	s.mu.Unlock()
	go h.run(ctx)
	metrics.SetServiceState(spec.Key, service.StateStopped)
	return nil
}

// UpdateSpec replaces the spec of a registered service without touching the
// current run.
func (s *Supervisor) UpdateSpec(spec service.Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	h, err := s.handlerFor(spec.Key)
	if err != nil {
		return err
	}
	sp := spec
	select {
	case h.ctrl <- ctrlMsg{typ: ctrlUpdateSpec, spec: &sp}:
	default:
		h.inst.UpdateSpec(sp)
	}
	return nil
}

// Start brings the service up and waits for it to become ready. Starting a
// service that is already running and healthy is a no-op; an alive but
// degraded child is replaced. On any startup failure the port claim is
// released before Start returns.
func (s *Supervisor) Start(ctx context.Context, key string) error {
	return s.roundTrip(ctx, key, ctrlMsg{typ: ctrlStart, ctx: ctx})
}

// Stop terminates the service: graceful signal first, forced kill after the
// spec's grace period. Stopping a stopped service is a no-op. An in-flight
// start is aborted.
func (s *Supervisor) Stop(ctx context.Context, key string) error {
	h, err := s.handlerFor(key)
	if err != nil {
		return err
	}
	h.inst.SetStopRequested(true)
	h.abortStart()
	return s.roundTrip(ctx, key, ctrlMsg{typ: ctrlStop, ctx: ctx})
}

// Restart stops the service and immediately starts it again, reporting the
// start error directly; the backoff ladder is for crash recovery, not for
// operator-driven restarts.
func (s *Supervisor) Restart(ctx context.Context, key string) error {
	return s.roundTrip(ctx, key, ctrlMsg{typ: ctrlRestart, ctx: ctx})
}

func (s *Supervisor) roundTrip(ctx context.Context, key string, msg ctrlMsg) error {
	h, err := s.handlerFor(key)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	msg.reply = reply
	select {
	case h.ctrl <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.quit:
		return ErrShuttingDown
	}
}

// TriggerRestart stops the service and runs the restart ladder for it. It
// never blocks; the health monitor calls it from its sweep.
func (s *Supervisor) TriggerRestart(key string) {
	h, err := s.handlerFor(key)
	if err != nil {
		return
	}
	go func() {
		reply := make(chan error, 1)
		select {
		case h.ctrl <- ctrlMsg{typ: ctrlStop, reply: reply}:
		case <-s.quit:
			return
		}
		select {
		case <-reply:
		case <-s.quit:
			return
		}
		h.inst.SetStopRequested(false)
		s.autoRestart(h)
	}()
}

// Status reports the current state of one service.
func (s *Supervisor) Status(key string) (service.Status, error) {
	h, err := s.handlerFor(key)
	if err != nil {
		return service.Status{}, err
	}
	return h.inst.Snapshot(), nil
}

// StatusAll reports every registered service, sorted by key.
func (s *Supervisor) StatusAll() []service.Status {
	s.mu.RLock()
	hs := make([]*handler, 0, len(s.entries))
	for _, e := range s.entries {
		hs = append(hs, e.h)
	}
	s.mu.RUnlock()
	out := make([]service.Status, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.inst.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Instances exposes the live instances for the health monitor.
func (s *Supervisor) Instances() []*service.Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*service.Instance, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.h.inst)
	}
	return out
}

// PIDs maps service keys to the pid of their live child, for resource
// usage sampling.
func (s *Supervisor) PIDs() map[string]int32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int32, len(s.entries))
	for k, e := range s.entries {
		if snap := e.h.inst.Snapshot(); snap.PID != 0 {
			out[k] = int32(snap.PID)
		}
	}
	return out
}

// PortFuture returns the current port future for a key, creating a pending
// one if none exists yet. Callers await it to learn the service's port.
func (s *Supervisor) PortFuture(key string) *portwait.Future {
	s.futMu.Lock()
	defer s.futMu.Unlock()
	f, ok := s.futures[key]
	if !ok {
		f = portwait.New()
		s.futures[key] = f
	}
	return f
}

// PortSource adapts PortFuture for callers that must re-fetch per call:
// every restart installs a fresh future, so holding one across runs would
// pin a dead port.
func (s *Supervisor) PortSource(key string) func() *portwait.Future {
	return func() *portwait.Future { return s.PortFuture(key) }
}

// futureForRun returns the future the next run should settle: the current
// one while it is still pending, otherwise a fresh replacement.
func (s *Supervisor) futureForRun(key string) *portwait.Future {
	s.futMu.Lock()
	defer s.futMu.Unlock()
	f, ok := s.futures[key]
	if !ok {
		f = portwait.New()
		s.futures[key] = f
		return f
	}
	select {
	case <-f.Done():
		nf := portwait.New()
		s.futures[key] = nf
		return nf
	default:
		return f
	}
}

// SyncStore upserts the latest state of every service that has run at
// least once. Called periodically so the store converges even if an
// individual record write was lost.
func (s *Supervisor) SyncStore(ctx context.Context) {
	s.mu.RLock()
	hs := make([]*handler, 0, len(s.entries))
	for _, e := range s.entries {
		hs = append(hs, e.h)
	}
	st := s.st
	s.mu.RUnlock()
	if st == nil {
		return
	}
	for _, h := range hs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.upsertStatus(h.inst)
	}
}

// Shutdown stops all services and the handler goroutines. Waits a bounded
// time per handler; a wedged child is abandoned to its context cancel.
func (s *Supervisor) Shutdown() {
	s.quitOnce.Do(func() { close(s.quit) })
	s.mu.Lock()
	entries := make([]*svcEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		e.h.inst.SetStopRequested(true)
		e.h.abortStart()
		reply := make(chan error, 1)
		select {
		case e.h.ctrl <- ctrlMsg{typ: ctrlShutdown, reply: reply}:
			wg.Add(1)
			go func(r chan error) {
				defer wg.Done()
				select {
				case <-r:
				case <-time.After(2 * time.Second):
				}
			}(reply)
		default:
			e.cancel()
		}
	}
	wg.Wait()
	for _, e := range entries {
		e.cancel()
	}
}

func (s *Supervisor) handlerFor(key string) (*handler, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, key)
	}
	return e.h, nil
}

// startSequence runs one full startup: claim a port, spawn the child with
// stdio wired up, attach the exit observer, then drive the two-phase
// readiness handshake. Any failure tears the run down and releases the port
// before returning, so a failed start never leaves a half-registered
// service behind. Runs on the handler goroutine only.
func (s *Supervisor) startSequence(ctx context.Context, h *handler) error {
	inst := h.inst
	spec := inst.Spec()
	key := spec.Key

	if err := h.awaitPreviousRun(ctx); err != nil {
		return fmt.Errorf("service %s: %w", key, err)
	}

	fut := s.futureForRun(key)

	port, err := s.ports.Acquire(ctx, s.portLo, s.portHi)
	if err != nil {
		err = fmt.Errorf("service %s: acquire port: %w", key, err)
		fut.Fail(err)
		return err
	}
	release := s.releasePort(port)

	watcher := readiness.NewMarkerWatcher(spec.Marker)
	cmd, err := inst.ConfigureCmd(port, s.envM.Merge(spec.Env), watcher)
	if err != nil {
		release()
		err = fmt.Errorf("service %s: configure: %w", key, err)
		fut.Fail(err)
		return err
	}
	if err := inst.TryStart(cmd); err != nil {
		release()
		err = fmt.Errorf("service %s: spawn: %w", key, err)
		fut.Fail(err)
		return err
	}
	began := time.Now()
	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	metrics.SetServiceState(key, service.StateStarting)
	metrics.SetPortsClaimed(len(s.ports.Owned()))
	s.logger.Info("service starting", "service", key, "port", port, "pid", pid)

	// Capture before the observer can run: the reaper nils the channel.
	exited := inst.WaitDoneChan()

	done := make(chan struct{})
	h.observerDone = done
	if !inst.MonitoringStartIfNeeded() {
		// Another waiter owns this run; nothing sane to hand over.
		close(done)
		prior := inst.StopRequested()
		_ = inst.Stop(spec.StopGrace)
		inst.SetStopRequested(prior)
		release()
		err = fmt.Errorf("service %s: run already claimed by another waiter", key)
		fut.Fail(err)
		return err
	}
	go s.waitAndHandleExit(h, cmd, port, fut, release, done)

	resp, err := readiness.Establish(ctx, watcher, inst.Conn(), spec.StartupTimeout, spec.ReadyTimeout, exited)
	if err != nil {
		prior := inst.StopRequested()
		_ = inst.Stop(spec.StopGrace)
		inst.SetStopRequested(prior)
		release()
		err = fmt.Errorf("service %s: readiness: %w", key, err)
		fut.Fail(err)
		s.logger.Error("service failed readiness", "service", key, "port", port, "pid", pid, "error", err)
		return err
	}

	inst.SetRunning()
	fut.Complete(port)

	metrics.IncServiceStart(key)
	metrics.SetServiceState(key, service.StateRunning)
	metrics.ObserveReadiness(key, time.Since(began).Seconds())
	if h.seenFirstRun {
		inst.IncRestarts()
		metrics.IncServiceRestart(key)
	} else {
		h.seenFirstRun = true
	}
	s.recordStart(inst)

	engine := ""
	if resp != nil {
		engine = resp.Engine
	}
	s.logger.Info("service ready",
		"service", key, "port", port, "pid", pid,
		"engine", engine, "elapsed", time.Since(began).Round(time.Millisecond))
	return nil
}

// releasePort returns a release function for one run's claim. Both the
// startup failure path and the exit observer call it; the sync.Once makes
// whichever runs second a no-op, and a stale observer can never free a
// port some newer run re-claimed.
func (s *Supervisor) releasePort(port int) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := s.ports.Release(port); err != nil {
				s.logger.Warn("release port", "port", port, "error", err)
			}
			metrics.SetPortsClaimed(len(s.ports.Owned()))
		})
	}
}

func (s *Supervisor) recordStart(inst *service.Instance) {
	snap := inst.Snapshot()
	s.mu.RLock()
	st := s.st
	s.mu.RUnlock()
	if st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = st.RecordStart(ctx, store.Record{
			Key:       snap.Key,
			Port:      snap.Port,
			PID:       snap.PID,
			State:     snap.State.String(),
			Restarts:  snap.Restarts,
			StartedAt: snap.StartedAt,
		})
		cancel()
	}
	s.emit(history.Event{
		Type: history.EventStart,
		Key:  snap.Key,
		Port: snap.Port,
		PID:  snap.PID,
	})
}

func (s *Supervisor) recordStop(inst *service.Instance, port, pid int, exitErr error) {
	snap := inst.Snapshot()
	stoppedAt := snap.StoppedAt
	if stoppedAt.IsZero() {
		stoppedAt = time.Now()
	}
	s.mu.RLock()
	st := s.st
	s.mu.RUnlock()
	if st != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = st.RecordStop(ctx, store.UniqueKey(pid, snap.StartedAt), stoppedAt, exitErr)
		cancel()
	}
	detail := ""
	if exitErr != nil {
		detail = exitErr.Error()
	}
	s.emit(history.Event{
		Type:   history.EventStop,
		Key:    snap.Key,
		Port:   port,
		PID:    pid,
		Detail: detail,
	})
}

// upsertStatus writes the instance's current state to the store keyed by
// its latest run identity. Skips instances that never ran.
func (s *Supervisor) upsertStatus(inst *service.Instance) {
	pid, startedAt := inst.RunIdentity()
	if startedAt.IsZero() {
		return
	}
	s.mu.RLock()
	st := s.st
	s.mu.RUnlock()
	if st == nil {
		return
	}
	snap := inst.Snapshot()
	rec := store.Record{
		Key:       snap.Key,
		Port:      inst.Port(),
		PID:       pid,
		State:     snap.State.String(),
		Restarts:  snap.Restarts,
		StartedAt: startedAt,
		Uniq:      store.UniqueKey(pid, startedAt),
	}
	if !snap.StoppedAt.IsZero() {
		rec.StoppedAt = sql.NullTime{Time: snap.StoppedAt, Valid: true}
	}
	if snap.Error != "" {
		rec.ExitErr = sql.NullString{String: snap.Error, Valid: true}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	_ = st.UpsertStatus(ctx, rec)
	cancel()
}

func (s *Supervisor) emit(e history.Event) {
	s.mu.RLock()
	sinks := s.histSinks
	s.mu.RUnlock()
	if len(sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, snk := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = snk.Send(ctx, e)
		cancel()
	}
}
