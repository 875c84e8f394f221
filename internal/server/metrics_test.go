package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matst80/tunnelrelay/internal/tunnel"
)

func TestMetricsHandler(t *testing.T) {
	s := newTestServer(t)
	if err := s.registry.Add(tunnel.Descriptor{Name: "web", Protocol: tunnel.KindHTTP, ServerPort: 8080,
		ProxyHosts: []tunnel.HostRule{{Host: "a.example.com", Forward: "127.0.0.1:3000"}}}, "c1"); err != nil {
		t.Fatal(err)
	}
	h := s.MetricsHandler()
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := get("/healthz"); rec.Code != http.StatusOK {
		t.Errorf("/healthz = %d", rec.Code)
	}
	if rec := get("/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/readyz before serving = %d", rec.Code)
	}
	s.state.setReady(true)
	if rec := get("/readyz"); rec.Code != http.StatusOK {
		t.Errorf("/readyz = %d", rec.Code)
	}

	var st Stats
	if err := json.NewDecoder(get("/api/state").Body).Decode(&st); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(st.Tunnels) != 1 || st.Tunnels[0].Name != "web" || st.Tunnels[0].Hosts[0] != "a.example.com" {
		t.Errorf("state tunnels = %+v", st.Tunnels)
	}

	rec := get("/dashboard")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "a.example.com") {
		t.Errorf("/dashboard = %d %q", rec.Code, rec.Body.String())
	}
	if rec := get("/metrics"); !strings.Contains(rec.Body.String(), "tunnelrelay_pending_connections") {
		t.Errorf("/metrics lacks relay collectors")
	}
}
