package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keycast/keycast/internal/config"
	"github.com/keycast/keycast/internal/metrics"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	m := metrics.New()
	m.Inc(metrics.EventSessionCreated)

	signal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUpgradeRequired)
	})

	return New(config.Config{ListenAddr: "127.0.0.1:0"}, zerolog.Nop(),
		BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"},
		signal, metrics.PrometheusHandler(m))
}

func (s *Server) handler() http.Handler { return s.srv.Handler }

func TestServer_Healthz(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type=%q", ct)
	}
}

func TestServer_ReadyzFollowsServeLifecycle(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz before serve status=%d, want 503", rec.Code)
	}

	s.ready.Store(true)
	rec = httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz while serving status=%d, want 200", rec.Code)
	}
}

func TestServer_Version(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("version status=%d, want 200", rec.Code)
	}

	var build BuildInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &build); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if build.Commit != "abc123" {
		t.Fatalf("commit=%q, want abc123", build.Commit)
	}
}

func TestServer_MetricsRoute(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status=%d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), metrics.EventSessionCreated) {
		t.Fatalf("metrics body missing counter: %s", rec.Body.String())
	}
}

func TestServer_SignalRouteMounted(t *testing.T) {
	s := testServer(t)

	rec := httptest.NewRecorder()
	s.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/signal", nil))
	if rec.Code != http.StatusUpgradeRequired {
		t.Fatalf("signal status=%d, want the mounted handler's 426", rec.Code)
	}
}

func TestServer_RecovererConvertsPanics(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})
	h := recoverer(zerolog.Nop())(panicking)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rec.Code)
	}
}
