package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/renkaru/servisr/internal/enginestatus"
	"github.com/renkaru/servisr/internal/fallback"
	"github.com/renkaru/servisr/internal/portreg"
	"github.com/renkaru/servisr/internal/service"
	"github.com/renkaru/servisr/internal/supervisor"
)

const readyChild = `#!/bin/sh
echo "SERVER_READY" >&2
while IFS= read -r line; do
  case "$line" in
    *is_ready*) printf '%s\n' '{"success":true,"ready":true,"model_loaded":true}' ;;
  esac
done
`

func setupDeps(t *testing.T, lo, hi int) Deps {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("child scripts require /bin/sh")
	}
	gin.SetMode(gin.TestMode)
	reg, err := portreg.New(portreg.Options{
		Path:     filepath.Join(t.TempDir(), "ports.json"),
		LockWait: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(func() { _ = reg.Close() })

	sup, err := supervisor.New(supervisor.Options{
		Ports: reg, PortLo: lo, PortHi: hi,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("supervisor: %v", err)
	}
	t.Cleanup(sup.Shutdown)
	return Deps{Supervisor: sup, Ports: reg}
}

func setupRouter(t *testing.T, base string, lo, hi int) http.Handler {
	t.Helper()
	return NewRouter(setupDeps(t, lo, hi), base).Handler()
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func writeChild(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "child.sh")
	if err := os.WriteFile(path, []byte(readyChild), 0o755); err != nil {
		t.Fatalf("write child: %v", err)
	}
	return path
}

func TestStartMissingKey(t *testing.T) {
	h := setupRouter(t, "/abc", 42300, 42304)
	rec := doReq(t, h, http.MethodPost, "/abc/start", service.Spec{Command: "/bin/true"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStartInvalidKeyAndPaths(t *testing.T) {
	h := setupRouter(t, "", 42305, 42309)

	bad := service.Spec{Key: "../bad", Command: "/bin/true"}
	if rec := doReq(t, h, http.MethodPost, "/start", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid key expected 400, got %d", rec.Code)
	}

	bad = service.Spec{Key: "ok", Command: "/bin/true", WorkDir: "rel/path"}
	if rec := doReq(t, h, http.MethodPost, "/start", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("relative work_dir expected 400, got %d", rec.Code)
	}

	bad = service.Spec{Key: "ok", Command: "/bin/true"}
	bad.Log.Dir = "logs"
	if rec := doReq(t, h, http.MethodPost, "/start", bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("relative log.dir expected 400, got %d", rec.Code)
	}
}

func TestStartRegisteredByKeyOnly(t *testing.T) {
	deps := setupDeps(t, 42350, 42354)
	h := NewRouter(deps, "").Handler()

	spec := service.Spec{
		Key:            "pre-registered",
		Command:        "/bin/sh " + writeChild(t),
		Marker:         "SERVER_READY",
		StartupTimeout: 5 * time.Second,
		ReadyTimeout:   2 * time.Second,
		StopGrace:      2 * time.Second,
	}
	if err := deps.Supervisor.Register(spec); err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := doReq(t, h, http.MethodPost, "/start", service.Spec{Key: "pre-registered"})
	if rec.Code != http.StatusOK {
		t.Fatalf("key-only start expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	defer doReq(t, h, http.MethodPost, "/stop?key=pre-registered", nil)

	if rec := doReq(t, h, http.MethodPost, "/start", service.Spec{Key: "ghost"}); rec.Code != http.StatusNotFound {
		t.Fatalf("key-only start of unknown key expected 404, got %d", rec.Code)
	}
}

func TestStopRequiresKey(t *testing.T) {
	h := setupRouter(t, "", 42310, 42314)
	if rec := doReq(t, h, http.MethodPost, "/stop", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/restart", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/status", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusUnknownKey(t *testing.T) {
	h := setupRouter(t, "", 42315, 42319)
	if rec := doReq(t, h, http.MethodGet, "/status?key=ghost", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartStatusStopRoundtrip(t *testing.T) {
	deps := setupDeps(t, 42320, 42329)
	h := NewRouter(deps, "/api/").Handler()

	spec := service.Spec{
		Key:            "ja-en",
		Command:        "/bin/sh " + writeChild(t),
		Marker:         "SERVER_READY",
		StartupTimeout: 5 * time.Second,
		ReadyTimeout:   2 * time.Second,
		StopGrace:      2 * time.Second,
	}
	rec := doReq(t, h, http.MethodPost, "/api/start", spec)
	if rec.Code != http.StatusOK {
		t.Fatalf("start expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, http.MethodGet, "/api/status?key=ja-en", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var st service.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("parse status: %v", err)
	}
	if st.State != service.StateRunning || st.Port < 42320 || st.Port > 42329 {
		t.Fatalf("unexpected status: %+v", st)
	}

	rec = doReq(t, h, http.MethodGet, "/api/services", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("services expected 200, got %d", rec.Code)
	}
	var all []service.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &all); err != nil {
		t.Fatalf("parse services: %v", err)
	}
	if len(all) != 1 || all[0].Key != "ja-en" {
		t.Fatalf("expected one ja-en status, got %+v", all)
	}

	rec = doReq(t, h, http.MethodGet, "/api/ports", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ports expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var claims []portreg.Claim
	if err := json.Unmarshal(rec.Body.Bytes(), &claims); err != nil {
		t.Fatalf("parse claims: %v", err)
	}
	if len(claims) != 1 || claims[0].Port != st.Port {
		t.Fatalf("expected one claim on %d, got %+v", st.Port, claims)
	}

	rec = doReq(t, h, http.MethodPost, "/api/stop?key=ja-en", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestUnconfiguredComponents(t *testing.T) {
	h := setupRouter(t, "", 42330, 42334)
	if rec := doReq(t, h, http.MethodGet, "/providers", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("providers expected 503, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodPost, "/route", fallback.Request{Text: "hi"}); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("route expected 503, got %d", rec.Code)
	}
	if rec := doReq(t, h, http.MethodGet, "/usage", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("usage expected 503, got %d", rec.Code)
	}
}

type echoProvider struct{ id string }

func (p echoProvider) ID() string                           { return p.id }
func (p echoProvider) IsAvailable(ctx context.Context) bool { return true }

func (p echoProvider) Execute(ctx context.Context, req *fallback.Request) (*fallback.Response, error) {
	return &fallback.Response{Text: req.Text, Engine: p.id}, nil
}

func TestRouteAndProviders(t *testing.T) {
	deps := setupDeps(t, 42335, 42339)
	engines := enginestatus.New()
	deps.Engines = engines
	deps.Fallback = fallback.NewRouter(engines, []fallback.Provider{echoProvider{id: "stub"}}, fallback.Options{})
	h := NewRouter(deps, "").Handler()

	rec := doReq(t, h, http.MethodPost, "/route", fallback.Request{Text: "hello", SourceLang: "en", TargetLang: "ja"})
	if rec.Code != http.StatusOK {
		t.Fatalf("route expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res fallback.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if !res.Success || res.Provider != "stub" || res.Response.Text != "hello" {
		t.Fatalf("unexpected result: %+v", res)
	}

	rec = doReq(t, h, http.MethodGet, "/providers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("providers expected 200, got %d", rec.Code)
	}
	var sts []enginestatus.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &sts); err != nil {
		t.Fatalf("parse providers: %v", err)
	}
	if len(sts) != 1 || sts[0].Provider != "stub" || !sts[0].Available {
		t.Fatalf("unexpected providers: %+v", sts)
	}
}

func TestHealthz(t *testing.T) {
	h := setupRouter(t, "", 42340, 42344)
	if rec := doReq(t, h, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestNewServerStartClose(t *testing.T) {
	deps := setupDeps(t, 42345, 42349)
	srv, err := NewServer("127.0.0.1:0", "/x", deps)
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	_ = srv.Close()
}
