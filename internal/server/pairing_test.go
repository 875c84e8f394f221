package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testServerConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// pend registers a pending public connection and returns the test's end of it.
func pend(t *testing.T, s *Server, id string, kind tunnel.Kind, init []byte) (net.Conn, *pendingInfo) {
	t.Helper()
	server, peer := net.Pipe()
	t.Cleanup(func() { peer.Close() })
	pc := s.trackPublic(server, 80, kind)
	pc.resolve(tunnel.Descriptor{Name: "web", Protocol: kind, ServerPort: 80}, "a.example.com", init)
	p := &pendingInfo{public: pc, clientID: "c1", created: time.Now(), readyCh: make(chan struct{})}
	s.state.setPending(id, p)
	return peer, p
}

func registerProxy(t *testing.T, id string, trailing []byte) []byte {
	t.Helper()
	var b bytes.Buffer
	if err := proto.Send(&b, proto.ActionRegisterProxy, tunnel.Descriptor{Name: "web"}, map[string]string{proto.HeaderPublicConnectionID: id}); err != nil {
		t.Fatal(err)
	}
	b.Write(trailing)
	return b.Bytes()
}

func TestRegisterProxyUnknownID(t *testing.T) {
	s := newTestServer(t)
	_, other := pend(t, s, "known", tunnel.KindHTTP, []byte("GET / HTTP/1.1\r\n\r\n"))

	srvSide, proxy := net.Pipe()
	defer proxy.Close()
	go s.handleConn(context.Background(), srvSide)
	go func() { _, _ = proxy.Write(registerProxy(t, "unknown", nil)) }()

	_ = proxy.SetReadDeadline(time.Now().Add(3 * time.Second))
	if b, err := io.ReadAll(proxy); err != nil || len(b) != 0 {
		t.Errorf("unknown id should be closed without a reply, got %q %v", b, err)
	}
	select {
	case <-other.readyCh:
		t.Fatal("unrelated pending connection was signalled")
	default:
	}
	if got := s.state.popPending("known"); got != other {
		t.Errorf("unrelated pending connection was dropped")
	}
	if s.ActiveConnections() != 1 {
		t.Errorf("active connections = %d", s.ActiveConnections())
	}
}

func TestRegisterProxyPairs(t *testing.T) {
	s := newTestServer(t)
	init := []byte("GET / HTTP/1.1\r\nHost: a.example.com\r\n\r\n")
	public, p := pend(t, s, "p1", tunnel.KindHTTP, init)

	srvSide, proxy := net.Pipe()
	defer proxy.Close()
	go s.handleConn(context.Background(), srvSide)
	go func() { _, _ = proxy.Write(registerProxy(t, "p1", []byte("HTTP/1.1 204 No Content\r\n\r\n"))) }()

	_ = proxy.SetReadDeadline(time.Now().Add(3 * time.Second))
	rd := proto.NewReader(proxy, 0)
	m, err := rd.Next()
	if err != nil || m.Action != proto.ActionStartProxy {
		t.Fatalf("expected START_PROXY, got %+v %v", m, err)
	}
	got := rd.Remaining()
	for len(got) < len(init) {
		buf := make([]byte, 256)
		n, err := proxy.Read(buf)
		if err != nil {
			t.Fatalf("read init: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	if !bytes.Equal(got, init) {
		t.Errorf("proxy received %q, want init buffer %q", got, init)
	}

	_ = public.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp := make([]byte, len("HTTP/1.1 204 No Content\r\n\r\n"))
	if _, err := io.ReadFull(public, resp); err != nil {
		t.Fatalf("public read: %v", err)
	}
	select {
	case <-p.readyCh:
	default:
		t.Error("ready channel not closed")
	}

	proxy.Close()
	waitFor(t, "public teardown", func() bool { return s.ActiveConnections() == 0 })
}

func TestRemoveClientClosesPending(t *testing.T) {
	s := newTestServer(t)
	public, _ := pend(t, s, "p1", tunnel.KindTCP, nil)
	if n := s.state.removeClient("c1"); n != 1 {
		t.Errorf("closed %d pending", n)
	}
	_ = public.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := public.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("pending public connection still open: %v", err)
	}
}

func TestCleanupExpiredPending(t *testing.T) {
	s := newTestServer(t)
	public, _ := pend(t, s, "old", tunnel.KindHTTP, nil)
	go func() {
		if n := s.state.cleanupExpiredPending(0); n != 1 {
			t.Errorf("expired %d", n)
		}
	}()
	_ = public.SetReadDeadline(time.Now().Add(3 * time.Second))
	b, _ := io.ReadAll(public)
	if !bytes.HasPrefix(b, []byte("HTTP/1.1 500 Internal Server Error\r\n")) || !bytes.HasSuffix(b, []byte("\r\n\r\nTimeout")) {
		t.Errorf("timeout response = %q", b)
	}
	if _, _, _, timeouts := s.state.getStats(); timeouts != 1 {
		t.Errorf("timeouts = %d", timeouts)
	}
}

func TestReadProxyLine(t *testing.T) {
	pc := &PublicConnection{}
	rest, done, err := pc.readProxyLine([]byte("PROXY TCP4 203.0.113.7 10.0.0.1 5555 80\r\nGET / HTTP/1.1\r\n"))
	if err != nil || !done || string(rest) != "GET / HTTP/1.1\r\n" || pc.remoteIP != "203.0.113.7" {
		t.Errorf("got rest=%q done=%v err=%v ip=%q", rest, done, err, pc.remoteIP)
	}
	if _, done, _ := pc.readProxyLine([]byte("PRO")); done {
		t.Errorf("partial signature reported done")
	}
	rest, done, _ = pc.readProxyLine([]byte("GET / HTTP/1.1\r\n"))
	if !done || string(rest) != "GET / HTTP/1.1\r\n" {
		t.Errorf("plain request altered: %q %v", rest, done)
	}
}

func TestRateLimitKeyedPerPort(t *testing.T) {
	cfg := testServerConfig()
	cfg.RateLimit = config.RateLimit{PerTunnelPerSecond: 1, Burst: 1}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a := tunnel.Descriptor{Name: "web", Protocol: tunnel.KindTCP, ServerPort: 9001, Host: "127.0.0.1:1"}
	b := tunnel.Descriptor{Name: "web", Protocol: tunnel.KindTCP, ServerPort: 9002, Host: "127.0.0.1:1"}
	if err := s.registry.Add(a, "c1"); err != nil {
		t.Fatal(err)
	}
	if err := s.registry.Add(b, "c2"); err != nil {
		t.Fatal(err)
	}
	if !s.limiter.AllowConnection(b.Key()) {
		t.Fatal("first connection on b rejected")
	}
	if !s.limiter.AllowConnection(a.Key()) {
		t.Error("a shares b's limiter")
	}
	s.releaseClient("c1")
	if s.limiter.AllowConnection(b.Key()) {
		t.Error("releasing a reset b's limiter")
	}
}
