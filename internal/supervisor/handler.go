package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/renkaru/servisr/internal/service"
)

// ctrlType enumerates control message kinds handled by a handler.
type ctrlType int

const (
	ctrlStart ctrlType = iota
	ctrlStop
	ctrlRestart
	ctrlUpdateSpec
	ctrlShutdown
)

// ctrlMsg is a control-plane message sent to a handler to serialize lifecycle ops.
type ctrlMsg struct {
	typ   ctrlType
	ctx   context.Context
	spec  *service.Spec
	wait  time.Duration
	reply chan error
}

// handler owns the control path for a single service. Every lifecycle
// transition runs on its goroutine, so start, stop and restart for one
// service never interleave.
type handler struct {
	mu   sync.Mutex
	inst *service.Instance
	ctrl chan ctrlMsg
	sup  *Supervisor

	// cancel for the in-flight start sequence, if any; guarded by mu
	startCancel context.CancelFunc
	// closed by the exit observer of the previous run once its bookkeeping
	// (port release, persistence) is done; only the handler goroutine
	// replaces it
	observerDone chan struct{}
	// whether this handler has already brought up one run
	seenFirstRun bool
}

func newHandler(sup *Supervisor, inst *service.Instance) *handler {
	return &handler{
		inst: inst,
		ctrl: make(chan ctrlMsg, 16),
		sup:  sup,
	}
}

func (h *handler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = h.stopNow(3 * time.Second)
			return
		case msg := <-h.ctrl:
			var err error
			switch msg.typ {
			case ctrlStart:
				err = h.handleStart(msg)
			case ctrlStop:
				err = h.stopNow(msg.wait)
			case ctrlRestart:
				_ = h.stopNow(msg.wait)
				h.inst.SetStopRequested(false)
				err = h.runStart(msg)
			case ctrlUpdateSpec:
				if msg.spec != nil {
					h.inst.UpdateSpec(*msg.spec)
				}
			case ctrlShutdown:
				_ = h.stopNow(3 * time.Second)
				if msg.reply != nil {
					msg.reply <- nil
				}
				return
			}
			if msg.reply != nil {
				msg.reply <- err
			}
		}
	}
}

// handleStart brings the service up. A healthy running child is left alone;
// an alive but degraded one is replaced with a fresh child.
func (h *handler) handleStart(msg ctrlMsg) error {
	alive := h.inst.DetectAlive()
	if alive && h.inst.State() == service.StateRunning {
		return nil
	}
	if alive {
		// Replacing a degraded child: the teardown sets the stop flag,
		// which must not leak into the fresh run.
		_ = h.stopNow(0)
		h.inst.SetStopRequested(false)
	}
	return h.runStart(msg)
}

func (h *handler) runStart(msg ctrlMsg) error {
	base := msg.ctx
	if base == nil {
		base = context.Background()
	}
	runCtx, cancel := context.WithCancel(base)
	h.setStartCancel(cancel)
	err := h.sup.startSequence(runCtx, h)
	h.setStartCancel(nil)
	cancel()
	return err
}

func (h *handler) stopNow(wait time.Duration) error {
	if wait <= 0 {
		wait = h.inst.Spec().StopGrace
	}
	return h.inst.Stop(wait)
}

func (h *handler) setStartCancel(cancel context.CancelFunc) {
	h.mu.Lock()
	h.startCancel = cancel
	h.mu.Unlock()
}

// abortStart cancels the in-flight start sequence, if any. Safe to call from
// any goroutine; the handler unwinds through its normal cleanup path.
func (h *handler) abortStart() {
	h.mu.Lock()
	cancel := h.startCancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// awaitPreviousRun blocks until the previous run's observer finished its
// bookkeeping, so a new start never races the old run's port release.
func (h *handler) awaitPreviousRun(ctx context.Context) error {
	if h.observerDone == nil {
		return nil
	}
	select {
	case <-h.observerDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
