package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/renkaru/servisr/internal/enginestatus"
	"github.com/renkaru/servisr/internal/fallback"
	"github.com/renkaru/servisr/internal/metrics"
	"github.com/renkaru/servisr/internal/portreg"
	"github.com/renkaru/servisr/internal/service"
	"github.com/renkaru/servisr/internal/supervisor"
)

// Router provides embeddable HTTP handlers for the daemon. Endpoints:
//
//	POST {basePath}/start        body: service spec JSON (key-only body
//	                             starts an already registered service)
//	POST {basePath}/stop         query: key=...
//	POST {basePath}/restart      query: key=...
//	GET  {basePath}/status       query: key=...
//	GET  {basePath}/services     all service statuses
//	GET  {basePath}/ports        active claims in the shared port ledger
//	GET  {basePath}/providers    fallback chain availability
//	POST {basePath}/route        body: routing request JSON
//	GET  {basePath}/usage        query: key=... (optional), history=1 (optional)
//	GET  {basePath}/healthz      daemon liveness
//	GET  {basePath}/metrics      prometheus exposition (when wired)
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	deps     Deps
	basePath string
}

// Deps are the daemon components the API fronts. Supervisor is required;
// the rest are optional and their endpoints answer 503 when absent.
type Deps struct {
	Supervisor *supervisor.Supervisor
	Ports      *portreg.Registry
	Fallback   *fallback.Router
	Engines    *enginestatus.Registry
	Usage      *metrics.UsageCollector
	Metrics    http.Handler
}

// NewRouter constructs a Router with a configurable basePath.
// Example basePath: "/abc" results in /abc/start, /abc/stop, ...
func NewRouter(deps Deps, basePath string) *Router {
	return &Router{deps: deps, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in
// any server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/status", r.handleStatus)
	group.GET("/services", r.handleServices)
	group.GET("/ports", r.handlePorts)
	group.GET("/providers", r.handleProviders)
	group.POST("/route", r.handleRoute)
	group.GET("/usage", r.handleUsage)
	group.GET("/healthz", r.handleHealthz)
	if r.deps.Metrics != nil {
		group.GET("/metrics", gin.WrapH(r.deps.Metrics))
	}
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
// Shut it down through the returned http.Server.
func NewServer(addr, basePath string, deps Deps) (*http.Server, error) {
	r := NewRouter(deps, basePath)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = srv.ListenAndServe() }()
	return srv, nil
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) handleStart(c *gin.Context) {
	var spec service.Spec
	if err := c.ShouldBindJSON(&spec); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if spec.Key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "spec.key required"})
		return
	}
	// keys land in ledger entries and log file names, so reject path-like input
	if !isSafeKey(spec.Key) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid spec.key: allowed [A-Za-z0-9._-], no '..' or separators"})
		return
	}
	// a body without a command starts an already registered service
	if spec.Command != "" {
		for field, p := range map[string]string{
			"work_dir": spec.WorkDir,
			"log.dir":  spec.Log.Dir,
			"log.path": spec.Log.Path,
		} {
			if !isSafeAbsPath(p) {
				writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid " + field + ": must be absolute path without traversal"})
				return
			}
		}
		if err := r.deps.Supervisor.Register(spec); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
			return
		}
	}
	if err := r.deps.Supervisor.Start(c.Request.Context(), spec.Key); err != nil {
		if errors.Is(err, supervisor.ErrUnknownService) {
			writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
			return
		}
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key query param required"})
		return
	}
	if err := r.deps.Supervisor.Stop(c.Request.Context(), key); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key query param required"})
		return
	}
	if err := r.deps.Supervisor.Restart(c.Request.Context(), key); err != nil {
		writeJSON(c, http.StatusBadGateway, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStatus(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "key query param required"})
		return
	}
	st, err := r.deps.Supervisor.Status(key)
	if err != nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleServices(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.deps.Supervisor.StatusAll())
}

func (r *Router) handlePorts(c *gin.Context) {
	if r.deps.Ports == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "port registry not configured"})
		return
	}
	claims, err := r.deps.Ports.ListActive(c.Request.Context())
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, claims)
}

func (r *Router) handleProviders(c *gin.Context) {
	if r.deps.Engines == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "fallback chain not configured"})
		return
	}
	writeJSON(c, http.StatusOK, r.deps.Engines.All())
}

func (r *Router) handleRoute(c *gin.Context) {
	if r.deps.Fallback == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "fallback chain not configured"})
		return
	}
	var req fallback.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	res, err := r.deps.Fallback.Route(c.Request.Context(), &req)
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	// provider failures are data, not transport errors: 200 with success=false
	writeJSON(c, http.StatusOK, res)
}

func (r *Router) handleUsage(c *gin.Context) {
	if r.deps.Usage == nil || !r.deps.Usage.Enabled() {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "usage sampling not enabled"})
		return
	}
	key := c.Query("key")
	if key == "" {
		writeJSON(c, http.StatusOK, r.deps.Usage.All())
		return
	}
	if c.Query("history") != "" {
		samples, ok := r.deps.Usage.History(key)
		if !ok {
			writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + key})
			return
		}
		writeJSON(c, http.StatusOK, samples)
		return
	}
	s, ok := r.deps.Usage.Latest(key)
	if !ok {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no samples for " + key})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleHealthz(c *gin.Context) {
	writeJSON(c, http.StatusOK, okResp{OK: true})
}
