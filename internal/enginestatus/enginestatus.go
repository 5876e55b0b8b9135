// Package enginestatus tracks per-provider availability with timed
// cooldowns. Providers are marked unavailable after non-retryable
// failures and recover lazily: the first query at or past the retry
// time flips the entry back to available, no background timer needed.
package enginestatus

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Status is a point-in-time snapshot of one provider entry.
type Status struct {
	Provider         string    `json:"provider"`
	Available        bool      `json:"available"`
	UnavailableSince time.Time `json:"unavailable_since,omitempty"`
	RetryAt          time.Time `json:"retry_at,omitempty"`
	Failures         int       `json:"failures"`
	LastSuccessAt    time.Time `json:"last_success_at,omitempty"`
	LastFailureAt    time.Time `json:"last_failure_at,omitempty"`
	Reason           string    `json:"reason,omitempty"`
}

// Listener receives availability transitions. Called without any
// registry lock held, so it may safely query the registry back.
type Listener func(provider string, available bool, reason string)

type notice struct {
	provider  string
	available bool
	reason    string
}

// Registry is the in-process availability table. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*Status
	listeners []Listener
	now       func() time.Time
}

// New returns a registry with the given providers seeded as available.
// Providers touched later are created on demand, also available.
func New(providers ...string) *Registry {
	r := &Registry{
		entries: make(map[string]*Status),
		now:     time.Now,
	}
	for _, p := range providers {
		r.entries[p] = &Status{Provider: p, Available: true}
	}
	return r
}

// Subscribe registers a transition listener. Listeners are invoked in
// subscription order, once per actual available<->unavailable flip.
func (r *Registry) Subscribe(l Listener) {
	if l == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) ensureLocked(provider string) *Status {
	e, ok := r.entries[provider]
	if !ok {
		e = &Status{Provider: provider, Available: true}
		r.entries[provider] = e
	}
	return e
}

// recoverLocked flips an entry back to available when its cooldown has
// elapsed. Failure count is kept; only MarkAvailable resets it.
func (r *Registry) recoverLocked(e *Status, at time.Time) (notice, bool) {
	if e.Available || e.RetryAt.IsZero() || at.Before(e.RetryAt) {
		return notice{}, false
	}
	e.Available = true
	e.UnavailableSince = time.Time{}
	e.RetryAt = time.Time{}
	e.Reason = ""
	return notice{provider: e.Provider, available: true, reason: "cooldown elapsed"}, true
}

// IsAvailable reports whether the provider may be tried. An expired
// cooldown is cleared as a side effect of the query.
func (r *Registry) IsAvailable(provider string) bool {
	r.mu.Lock()
	e := r.ensureLocked(provider)
	n, flipped := r.recoverLocked(e, r.now())
	avail := e.Available
	ls := r.snapshotListenersLocked()
	r.mu.Unlock()

	if flipped {
		slog.Info("provider recovered after cooldown", "provider", provider)
		dispatch(ls, n)
	}
	return avail
}

// MarkUnavailable places the provider in a cooldown window. Repeated
// calls extend the window and accumulate the failure count, but only
// an actual available->unavailable flip notifies listeners.
func (r *Registry) MarkUnavailable(provider string, cooldown time.Duration, reason string) {
	at := r.now()

	r.mu.Lock()
	e := r.ensureLocked(provider)
	wasAvailable := e.Available
	e.Available = false
	e.Failures++
	failures := e.Failures
	e.LastFailureAt = at
	e.RetryAt = at.Add(cooldown)
	e.Reason = reason
	if wasAvailable {
		e.UnavailableSince = at
	}
	ls := r.snapshotListenersLocked()
	r.mu.Unlock()

	slog.Warn("provider marked unavailable",
		"provider", provider, "cooldown", cooldown, "reason", reason, "failures", failures)
	if wasAvailable {
		dispatch(ls, notice{provider: provider, available: false, reason: reason})
	}
}

// MarkAvailable clears any cooldown and resets the failure streak.
func (r *Registry) MarkAvailable(provider string) {
	at := r.now()

	r.mu.Lock()
	e := r.ensureLocked(provider)
	wasAvailable := e.Available
	e.Available = true
	e.Failures = 0
	e.LastSuccessAt = at
	e.UnavailableSince = time.Time{}
	e.RetryAt = time.Time{}
	e.Reason = ""
	ls := r.snapshotListenersLocked()
	r.mu.Unlock()

	if !wasAvailable {
		slog.Info("provider marked available", "provider", provider)
		dispatch(ls, notice{provider: provider, available: true, reason: ""})
	}
}

// GetStatus returns a copy of the provider entry, applying lazy
// recovery first so callers never observe an expired cooldown.
func (r *Registry) GetStatus(provider string) (Status, bool) {
	r.mu.Lock()
	e, ok := r.entries[provider]
	var (
		n       notice
		flipped bool
		out     Status
	)
	if ok {
		n, flipped = r.recoverLocked(e, r.now())
		out = *e
	}
	ls := r.snapshotListenersLocked()
	r.mu.Unlock()

	if flipped {
		dispatch(ls, n)
	}
	return out, ok
}

// All returns snapshots of every known provider, sorted by id.
func (r *Registry) All() []Status {
	at := r.now()

	r.mu.Lock()
	var notices []notice
	out := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		if n, flipped := r.recoverLocked(e, at); flipped {
			notices = append(notices, n)
		}
		out = append(out, *e)
	}
	ls := r.snapshotListenersLocked()
	r.mu.Unlock()

	for _, n := range notices {
		dispatch(ls, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

func (r *Registry) snapshotListenersLocked() []Listener {
	if len(r.listeners) == 0 {
		return nil
	}
	ls := make([]Listener, len(r.listeners))
	copy(ls, r.listeners)
	return ls
}

func dispatch(ls []Listener, n notice) {
	for _, l := range ls {
		l(n.provider, n.available, n.reason)
	}
}
