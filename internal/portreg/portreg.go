// Package portreg implements a machine-wide ledger of TCP port claims shared
// by every supervisor process on the host. The ledger is one JSON document
// guarded by a file lock with a bounded wait; claims are kept alive by
// periodic heartbeats and reclaimed by any process once their heartbeat age
// exceeds the staleness threshold. Heartbeat age is the sole liveness signal:
// owner PIDs are recorded for diagnostics but never trusted, since PIDs get
// reused.
package portreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

var (
	// ErrPortExhausted means no port in the requested range was claimable.
	ErrPortExhausted = errors.New("no free port in range")
	// ErrLockTimeout means the registry lock was not acquired within the
	// bounded wait. Transient: callers may retry.
	ErrLockTimeout = errors.New("registry lock wait timed out")
)

const (
	DefaultLockWait  = 10 * time.Second
	DefaultHeartbeat = 30 * time.Second
	DefaultStaleness = 90 * time.Second

	lockRetryDelay = 50 * time.Millisecond
)

// entry is the on-disk shape of one claim. Field names are the cross-process
// file contract and must not change.
type entry struct {
	ProcessID        int       `json:"processId"`
	LastHeartbeatUTC time.Time `json:"lastHeartbeatUtc"`
}

// Claim is the externally visible view of a live registry entry.
type Claim struct {
	Port          int       `json:"port"`
	ProcessID     int       `json:"process_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Options configures a Registry. Zero durations fall back to the defaults
// above; Path is required.
type Options struct {
	Path      string        // ledger file (one per machine-wide scope)
	LockPath  string        // lock file; defaults to Path + ".lock"
	LockWait  time.Duration // bounded wait for the lock
	Heartbeat time.Duration // refresh interval for owned claims
	Staleness time.Duration // heartbeat age after which any process may reclaim
}

// Registry allocates ports out of the shared ledger and heartbeats the claims
// it owns until Close.
type Registry struct {
	path      string
	flk       *flock.Flock
	lockWait  time.Duration
	heartbeat time.Duration
	staleness time.Duration

	pid   int
	now   func() time.Time
	probe func(port int) bool

	mu     sync.Mutex
	owned  map[int]struct{}
	hbOn   bool
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

func New(opts Options) (*Registry, error) {
	if opts.Path == "" {
		return nil, errors.New("portreg: registry path required")
	}
	lockPath := opts.LockPath
	if lockPath == "" {
		lockPath = opts.Path + ".lock"
	}
	if opts.LockWait <= 0 {
		opts.LockWait = DefaultLockWait
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Staleness <= 0 {
		opts.Staleness = DefaultStaleness
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o750); err != nil {
		return nil, fmt.Errorf("portreg: create registry dir: %w", err)
	}
	return &Registry{
		path:      opts.Path,
		flk:       flock.New(lockPath),
		lockWait:  opts.LockWait,
		heartbeat: opts.Heartbeat,
		staleness: opts.Staleness,
		pid:       os.Getpid(),
		now:       time.Now,
		probe:     probeBind,
		owned:     make(map[int]struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Acquire claims the first free port in [lo, hi]. A port is free when the
// ledger holds no live claim for it and a bind probe succeeds, so ports bound
// by processes that never registered are skipped too. Stale claims
// encountered during the scan are purged. The new claim is persisted before
// Acquire returns; Release (or Close) undoes it immediately, without waiting
// for staleness.
func (r *Registry) Acquire(ctx context.Context, lo, hi int) (int, error) {
	if lo <= 0 || hi < lo {
		return 0, fmt.Errorf("portreg: invalid port range %d-%d", lo, hi)
	}
	port := 0
	err := r.withLedger(ctx, func(led map[int]entry) (bool, error) {
		dirty := r.purgeStale(led) > 0
		for p := lo; p <= hi; p++ {
			if _, claimed := led[p]; claimed {
				continue
			}
			if !r.probe(p) {
				continue
			}
			led[p] = entry{ProcessID: r.pid, LastHeartbeatUTC: r.now().UTC()}
			port = p
			return true, nil
		}
		return dirty, fmt.Errorf("%w (%d-%d)", ErrPortExhausted, lo, hi)
	})
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	r.owned[port] = struct{}{}
	r.startHeartbeatLocked()
	r.mu.Unlock()
	return port, nil
}

// Release removes this process's claim on port. Releasing a port owned by
// another live process, or not claimed at all, is a no-op.
func (r *Registry) Release(port int) error {
	r.mu.Lock()
	delete(r.owned, port)
	r.mu.Unlock()
	return r.withLedger(context.Background(), func(led map[int]entry) (bool, error) {
		e, ok := led[port]
		if !ok || e.ProcessID != r.pid {
			return false, nil
		}
		delete(led, port)
		return true, nil
	})
}

// ListActive returns all live claims ordered by port, purging any stale
// entries it encounters.
func (r *Registry) ListActive(ctx context.Context) ([]Claim, error) {
	var claims []Claim
	err := r.withLedger(ctx, func(led map[int]entry) (bool, error) {
		dirty := r.purgeStale(led) > 0
		claims = make([]Claim, 0, len(led))
		for p, e := range led {
			claims = append(claims, Claim{Port: p, ProcessID: e.ProcessID, LastHeartbeat: e.LastHeartbeatUTC})
		}
		sort.Slice(claims, func(i, j int) bool { return claims[i].Port < claims[j].Port })
		return dirty, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Owned returns the ports this registry instance currently claims.
func (r *Registry) Owned() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	ports := make([]int, 0, len(r.owned))
	for p := range r.owned {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// Close stops the heartbeat loop and releases every owned claim.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	hbOn := r.hbOn
	close(r.stop)
	ports := make([]int, 0, len(r.owned))
	for p := range r.owned {
		ports = append(ports, p)
	}
	r.owned = make(map[int]struct{})
	r.mu.Unlock()

	if hbOn {
		<-r.done
	}
	if len(ports) == 0 {
		return nil
	}
	return r.withLedger(context.Background(), func(led map[int]entry) (bool, error) {
		dirty := false
		for _, p := range ports {
			if e, ok := led[p]; ok && e.ProcessID == r.pid {
				delete(led, p)
				dirty = true
			}
		}
		return dirty, nil
	})
}

// withLedger runs fn with the ledger loaded under the cross-process lock and
// persists it atomically when fn reports changes. fn's error is returned after
// any dirty state is saved, so purges survive a failed acquire.
func (r *Registry) withLedger(ctx context.Context, fn func(map[int]entry) (bool, error)) error {
	lctx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()
	ok, err := r.flk.TryLockContext(lctx, lockRetryDelay)
	if !ok {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrLockTimeout, r.lockWait)
		}
		return fmt.Errorf("portreg: lock %s: %w", r.flk.Path(), err)
	}
	defer func() { _ = r.flk.Unlock() }()

	led := r.load()
	dirty, fnErr := fn(led)
	if dirty {
		if err := r.save(led); err != nil {
			return err
		}
	}
	return fnErr
}

// load reads the ledger, tolerating a missing or corrupt file: both read as
// an empty ledger (the lock is already held, so nothing else is mid-write).
func (r *Registry) load() map[int]entry {
	led := make(map[int]entry)
	b, err := os.ReadFile(r.path)
	if err != nil {
		return led
	}
	var raw map[string]entry
	if err := json.Unmarshal(b, &raw); err != nil {
		return led
	}
	for k, e := range raw {
		p, err := strconv.Atoi(k)
		if err != nil || p <= 0 {
			continue
		}
		led[p] = e
	}
	return led
}

// save writes the ledger via temp file + rename so concurrent readers never
// observe a partial document.
func (r *Registry) save(led map[int]entry) error {
	raw := make(map[string]entry, len(led))
	for p, e := range led {
		raw[strconv.Itoa(p)] = e
	}
	b, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("portreg: encode ledger: %w", err)
	}
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".ports-*.json")
	if err != nil {
		return fmt.Errorf("portreg: temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("portreg: write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("portreg: close ledger: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("portreg: replace ledger: %w", err)
	}
	return nil
}

func (r *Registry) purgeStale(led map[int]entry) int {
	now := r.now()
	purged := 0
	for p, e := range led {
		if now.Sub(e.LastHeartbeatUTC) > r.staleness {
			delete(led, p)
			purged++
		}
	}
	return purged
}

func (r *Registry) startHeartbeatLocked() {
	if r.hbOn || r.closed {
		return
	}
	r.hbOn = true
	go r.heartbeatLoop()
}

func (r *Registry) heartbeatLoop() {
	defer close(r.done)
	t := time.NewTicker(r.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			r.beat()
		}
	}
}

// beat refreshes the heartbeat on every owned claim. A claim another process
// reclaimed as stale is re-asserted here: the owner is demonstrably alive, so
// its claim wins.
func (r *Registry) beat() {
	r.mu.Lock()
	ports := make([]int, 0, len(r.owned))
	for p := range r.owned {
		ports = append(ports, p)
	}
	r.mu.Unlock()
	if len(ports) == 0 {
		return
	}
	_ = r.withLedger(context.Background(), func(led map[int]entry) (bool, error) {
		now := r.now().UTC()
		for _, p := range ports {
			led[p] = entry{ProcessID: r.pid, LastHeartbeatUTC: now}
		}
		return true, nil
	})
}

// probeBind verifies a port is actually bindable right now. Bind-and-release
// on loopback matches where supervised children listen.
func probeBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
