// Package servisr supervises long-lived model-serving children behind a
// machine-wide port ledger and routes requests through a prioritized
// provider chain with health-driven fallback. This file is the public
// facade: embedders build an App from a Config and either run it as a
// daemon or mount its HTTP handler into their own server.
package servisr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/renkaru/servisr/internal/config"
	"github.com/renkaru/servisr/internal/enginestatus"
	"github.com/renkaru/servisr/internal/fallback"
	"github.com/renkaru/servisr/internal/fallback/providers"
	"github.com/renkaru/servisr/internal/health"
	"github.com/renkaru/servisr/internal/history"
	histfactory "github.com/renkaru/servisr/internal/history/factory"
	"github.com/renkaru/servisr/internal/logger"
	"github.com/renkaru/servisr/internal/metrics"
	"github.com/renkaru/servisr/internal/portreg"
	"github.com/renkaru/servisr/internal/server"
	"github.com/renkaru/servisr/internal/service"
	"github.com/renkaru/servisr/internal/store"
	storefactory "github.com/renkaru/servisr/internal/store/factory"
	"github.com/renkaru/servisr/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Spec = service.Spec

type Status = service.Status

type Config = config.Config

type RouteRequest = fallback.Request

type RouteResult = fallback.Result

type ProviderStatus = enginestatus.Status

type PortClaim = portreg.Claim

type HistoryEvent = history.Event

type HistorySink = history.Sink

type UsageSample = metrics.UsageSample

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// WatchConfig invokes fn with a freshly validated Config every time the
// file changes on disk. Invalid intermediate saves are skipped.
func WatchConfig(path string, fn func(*Config)) error {
	return config.Watch(path, fn)
}

// App assembles the whole daemon from a Config: port registry,
// supervisor, health monitor, fallback chain, persistence and the HTTP
// API. Construct with NewApp, run with Start, tear down with Shutdown.
type App struct {
	cfg     *config.Config
	log     *slog.Logger
	ports   *portreg.Registry
	sup     *supervisor.Supervisor
	mon     *health.Monitor
	engines *enginestatus.Registry
	chain   *fallback.Router
	st      store.Store
	sinks   []history.Sink
	usage   *metrics.UsageCollector
	httpSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdownOnce sync.Once
}

// NewApp wires every component the config enables. Nothing is started;
// children, monitors and the HTTP listener come up in Start.
func NewApp(cfg *Config) (*App, error) {
	log := logger.New(os.Stderr, cfg.Log.Level, cfg.Log.Color)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("metrics registration failed", "error", err)
	}

	ports, err := portreg.New(portreg.Options{
		Path:      cfg.Registry.Path,
		LockPath:  cfg.Registry.LockPath,
		LockWait:  cfg.Registry.LockWait,
		Heartbeat: cfg.Registry.Heartbeat,
		Staleness: cfg.Registry.Staleness,
	})
	if err != nil {
		return nil, fmt.Errorf("port registry: %w", err)
	}

	sup, err := supervisor.New(supervisor.Options{
		Ports:  ports,
		PortLo: cfg.Registry.PortLo,
		PortHi: cfg.Registry.PortHi,
		Logger: log,
	})
	if err != nil {
		_ = ports.Close()
		return nil, err
	}

	app := &App{cfg: cfg, log: log, ports: ports, sup: sup}

	fail := func(err error) (*App, error) {
		sup.Shutdown()
		_ = ports.Close()
		return nil, err
	}

	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return fail(fmt.Errorf("global env: %w", err))
	}
	sup.SetGlobalEnv(globalEnv)

	for _, spec := range cfg.ServiceSpecs() {
		if err := sup.Register(spec); err != nil {
			return fail(fmt.Errorf("register %s: %w", spec.Key, err))
		}
	}

	if cfg.Store.DSN != "" {
		st, err := storefactory.NewFromDSN(cfg.Store.DSN)
		if err != nil {
			return fail(fmt.Errorf("store: %w", err))
		}
		if err := sup.SetStore(st); err != nil {
			_ = st.Close()
			return fail(fmt.Errorf("store schema: %w", err))
		}
		app.st = st
	}

	for _, dsn := range cfg.History.DSNs {
		sink, err := histfactory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink skipped", "dsn", dsn, "error", err)
			continue
		}
		app.sinks = append(app.sinks, sink)
	}
	sup.SetHistorySinks(app.sinks...)

	if len(cfg.Fallback.Providers) > 0 {
		app.engines = enginestatus.New(cfg.Fallback.Priority...)
		chain, err := buildChain(cfg, sup)
		if err != nil {
			return fail(err)
		}
		app.chain = fallback.NewRouter(app.engines, chain, fallback.Options{
			Cooldown: cfg.Fallback.Cooldown,
			OnResult: app.recordRoute,
		})
	}

	prober, err := health.ProberFor(cfg.Health.Probe)
	if err != nil {
		return fail(err)
	}
	app.mon = health.New(health.Options{
		Interval:  cfg.Health.Interval,
		Threshold: cfg.Health.Threshold,
		Prober:    prober,
		Instances: sup.Instances,
		Restart:   sup.TriggerRestart,
		OnTransition: func(key string, healthy bool) {
			typ := history.EventUnhealthy
			if healthy {
				typ = history.EventRecovered
			}
			app.emit(history.Event{Type: typ, Key: key})
		},
		Logger: log,
	})

	app.usage = metrics.NewUsageCollector(metrics.UsageConfig{
		Enabled:     cfg.Usage.Enabled,
		Interval:    cfg.Usage.Interval,
		HistorySize: cfg.Usage.HistorySize,
	})
	if err := app.usage.Register(prometheus.DefaultRegisterer); err != nil {
		log.Warn("usage metrics registration failed", "error", err)
	}

	return app, nil
}

// buildChain instantiates the configured providers in priority order.
func buildChain(cfg *config.Config, sup *supervisor.Supervisor) ([]fallback.Provider, error) {
	byName := make(map[string]config.ProviderConfig, len(cfg.Fallback.Providers))
	for _, pc := range cfg.Fallback.Providers {
		byName[pc.Name] = pc
	}
	out := make([]fallback.Provider, 0, len(cfg.Fallback.Priority))
	for _, name := range cfg.Fallback.Priority {
		pc, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("fallback: priority names unknown provider %q", name)
		}
		switch pc.Type {
		case "http":
			out = append(out, providers.NewHTTP(providers.HTTPConfig{
				ID:        pc.Name,
				Endpoint:  pc.Endpoint,
				HealthURL: pc.HealthURL,
				APIKey:    pc.ResolveAPIKey(),
				Timeout:   pc.Timeout,
			}))
		case "local":
			out = append(out, providers.NewLocal(providers.LocalConfig{
				ID:        pc.Name,
				Engine:    pc.Engine,
				Timeout:   pc.Timeout,
				AwaitPort: pc.AwaitPort,
			}, sup.PortSource(pc.Service)))
		default:
			return nil, fmt.Errorf("fallback: provider %q has unknown type %q", pc.Name, pc.Type)
		}
	}
	return out, nil
}

// Start brings the daemon up: auto-start services, the health monitor,
// usage sampling, persistence upkeep and (when enabled) the HTTP API.
// Auto-start failures are logged, not fatal; the service stays
// registered and can be started later over the API.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	for _, spec := range a.cfg.ServiceSpecs() {
		if !spec.AutoStart {
			continue
		}
		if err := a.sup.Start(runCtx, spec.Key); err != nil {
			a.log.Warn("auto-start failed", "service", spec.Key, "error", err)
		}
	}

	a.mon.Start()
	a.usage.Start(runCtx, a.sup.PIDs)
	if a.st != nil {
		a.wg.Add(1)
		go a.storeUpkeep(runCtx)
	}

	if a.cfg.Server.Enabled {
		srv, err := server.NewServer(a.cfg.Server.Listen, a.cfg.Server.BasePath, a.serverDeps())
		if err != nil {
			return err
		}
		a.httpSrv = srv
	}
	return nil
}

// Handler returns the HTTP API as a mountable handler, for embedding
// into an existing gin, echo or net/http server.
func (a *App) Handler() http.Handler {
	return server.NewRouter(a.serverDeps(), a.cfg.Server.BasePath).Handler()
}

func (a *App) serverDeps() server.Deps {
	return server.Deps{
		Supervisor: a.sup,
		Ports:      a.ports,
		Fallback:   a.chain,
		Engines:    a.engines,
		Usage:      a.usage,
		Metrics:    metrics.Handler(),
	}
}

// storeUpkeep mirrors live statuses into the store and prunes old runs.
func (a *App) storeUpkeep(ctx context.Context) {
	defer a.wg.Done()
	syncTick := time.NewTicker(30 * time.Second)
	purgeTick := time.NewTicker(a.cfg.Store.PurgeInterval)
	defer syncTick.Stop()
	defer purgeTick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-syncTick.C:
			a.sup.SyncStore(ctx)
		case <-purgeTick.C:
			cutoff := time.Now().UTC().Add(-a.cfg.Store.Retention)
			if _, err := a.st.PurgeOlderThan(ctx, cutoff); err != nil {
				a.log.Warn("store purge failed", "error", err)
			}
		}
	}
}

// recordRoute forwards routing outcomes to the history sinks.
func (a *App) recordRoute(res fallback.Result) {
	e := history.Event{
		Type:      history.EventRoute,
		Key:       res.Provider,
		Provider:  res.Provider,
		RequestID: res.RequestID,
		Duration:  res.Duration,
	}
	if !res.Success {
		e.Detail = fmt.Sprintf("exhausted after %d attempts", len(res.Attempts))
		if n := len(res.Attempts); n > 0 {
			e.Key = res.Attempts[n-1].Provider
			e.Provider = e.Key
		}
	}
	a.emit(e)
}

func (a *App) emit(e history.Event) {
	if len(a.sinks) == 0 {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	for _, s := range a.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = s.Send(ctx, e)
		cancel()
	}
}

// Shutdown stops everything in reverse dependency order: API first so
// no new work arrives, then monitors, children, persistence.
func (a *App) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		if a.httpSrv != nil {
			_ = a.httpSrv.Shutdown(ctx)
		}
		a.mon.Stop()
		a.usage.Stop()
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
		a.sup.Shutdown()
		if a.st != nil {
			syncCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			a.sup.SyncStore(syncCtx)
			cancel()
			_ = a.st.Close()
		}
		for _, s := range a.sinks {
			if c, ok := s.(io.Closer); ok {
				_ = c.Close()
			}
		}
		_ = a.ports.Close()
	})
}

// ApplyConfig applies a reloaded config to the running app: the global
// env layer and service specs update in place (new specs take effect
// from each service's next run); registry, chain and server settings
// require a restart and are left untouched, but changes to them are
// logged so the operator knows a restart is pending.
func (a *App) ApplyConfig(cfg *Config) error {
	globalEnv, err := cfg.GlobalEnv()
	if err != nil {
		return err
	}
	a.sup.SetGlobalEnv(globalEnv)
	for _, spec := range cfg.ServiceSpecs() {
		if err := a.sup.Register(spec); err != nil {
			return fmt.Errorf("register %s: %w", spec.Key, err)
		}
	}
	if dormant := a.dormantChanges(cfg); len(dormant) > 0 {
		a.log.Info("config sections changed; they take effect on restart", "sections", dormant)
	}
	return nil
}

// dormantChanges lists the reloaded sections that differ from the
// running configuration but only apply at construction time.
func (a *App) dormantChanges(cfg *Config) []string {
	var out []string
	if !reflect.DeepEqual(a.cfg.Registry, cfg.Registry) {
		out = append(out, "registry")
	}
	if !reflect.DeepEqual(a.cfg.Health, cfg.Health) {
		out = append(out, "health")
	}
	if !reflect.DeepEqual(a.cfg.Fallback, cfg.Fallback) {
		out = append(out, "fallback")
	}
	if !reflect.DeepEqual(a.cfg.Server, cfg.Server) {
		out = append(out, "server")
	}
	if !reflect.DeepEqual(a.cfg.Store, cfg.Store) {
		out = append(out, "store")
	}
	if !reflect.DeepEqual(a.cfg.History, cfg.History) {
		out = append(out, "history")
	}
	if !reflect.DeepEqual(a.cfg.Usage, cfg.Usage) {
		out = append(out, "usage")
	}
	return out
}

// Register adds or replaces a service definition.
func (a *App) Register(spec Spec) error { return a.sup.Register(spec) }

// StartService brings a service up and waits for readiness.
func (a *App) StartService(ctx context.Context, key string) error { return a.sup.Start(ctx, key) }

// StopService stops a service's child, keeping the registration.
func (a *App) StopService(ctx context.Context, key string) error { return a.sup.Stop(ctx, key) }

// RestartService replaces a service's child with a fresh run.
func (a *App) RestartService(ctx context.Context, key string) error { return a.sup.Restart(ctx, key) }

// ServiceStatus returns one service's status.
func (a *App) ServiceStatus(key string) (Status, error) { return a.sup.Status(key) }

// Statuses returns every registered service's status, sorted by key.
func (a *App) Statuses() []Status { return a.sup.StatusAll() }

// Route runs a request through the fallback chain.
func (a *App) Route(ctx context.Context, req *RouteRequest) (*RouteResult, error) {
	if a.chain == nil {
		return nil, fmt.Errorf("no fallback providers configured")
	}
	return a.chain.Route(ctx, req)
}

// Providers returns the availability table of the fallback chain.
func (a *App) Providers() []ProviderStatus {
	if a.engines == nil {
		return nil
	}
	return a.engines.All()
}

// Ports lists the active claims in the shared port ledger.
func (a *App) Ports(ctx context.Context) ([]PortClaim, error) { return a.ports.ListActive(ctx) }

// Usage returns the latest resource sample per running service.
func (a *App) Usage() map[string]UsageSample { return a.usage.All() }

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics on addr using the default registry. It
// blocks in the caller's goroutine like http.ListenAndServe.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
