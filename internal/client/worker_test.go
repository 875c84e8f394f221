package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln
}

// closedAddr returns an address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// fakeRelay accepts one proxy connection, checks REGISTER_PROXY and answers
// with START_PROXY immediately followed by payload in a single write.
func fakeRelay(t *testing.T, id string, payload []byte) (addr string, conns <-chan net.Conn) {
	t.Helper()
	ln := listen(t)
	ch := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		rd := proto.NewReader(c, 0)
		m, err := rd.Next()
		if err != nil || m.Action != proto.ActionRegisterProxy || m.Header(proto.HeaderPublicConnectionID) != id {
			t.Errorf("unexpected registration: %+v %v", m, err)
			c.Close()
			return
		}
		var out bytes.Buffer
		_ = proto.Send(&out, proto.ActionStartProxy, nil, nil)
		out.Write(payload)
		_, _ = c.Write(out.Bytes())
		ch <- c
	}()
	return ln.Addr().String(), ch
}

func testWorker(id, serverAddr string, d tunnel.Descriptor, proxyHost string, onStop func(*Worker)) *Worker {
	return newWorker(id, d, proxyHost, workerConfig{
		serverAddr:   serverAddr,
		serverDialer: &net.Dialer{},
		localDialer:  &net.Dialer{},
		dialTimeout:  2 * time.Second,
		onStop:       onStop,
	})
}

func TestWorkerReplaysInitBufferFirst(t *testing.T) {
	local := listen(t)
	got := make(chan []byte, 1)
	go func() {
		c, err := local.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		b, _ := io.ReadAll(c)
		got <- b
	}()
	payload := []byte(`{"action":"PING"} not a message`)
	addr, conns := fakeRelay(t, "id-1", payload)
	d := tunnel.Descriptor{Name: "db", Protocol: tunnel.KindTCP, ServerPort: 5432, Host: local.Addr().String()}
	w := testWorker("id-1", addr, d, "", nil)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	var relay net.Conn
	select {
	case relay = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("relay never saw a registration")
	}
	// Wait until the worker is piping, then send more and close.
	deadline := time.Now().Add(3 * time.Second)
	for w.State() != StatePiping && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := relay.Write([]byte(" then more")); err != nil {
		t.Fatalf("write: %v", err)
	}
	relay.(*net.TCPConn).CloseWrite()

	select {
	case b := <-got:
		want := string(payload) + " then more"
		if string(b) != want {
			t.Errorf("local received %q, want %q", b, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("local never finished reading")
	}
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	if w.State() != StateStopped {
		t.Errorf("state = %s", w.State())
	}
}

func TestWorkerHTTPConnectFailureSends500(t *testing.T) {
	addr, conns := fakeRelay(t, "id-2", nil)
	d := tunnel.Descriptor{Name: "web", Protocol: tunnel.KindHTTP, ServerPort: 80,
		ProxyHosts: []tunnel.HostRule{{Host: "a.example.com", Forward: closedAddr(t)}}}
	w := testWorker("id-2", addr, d, "a.example.com", nil)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	relay := <-conns
	defer relay.Close()
	_ = relay.SetReadDeadline(time.Now().Add(3 * time.Second))

	resp, err := http.ReadResponse(bufio.NewReader(relay), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "refused") {
		t.Errorf("body %q does not carry the failure reason", body)
	}
	if resp.Header.Get("X-Tunnelrelay") != Product {
		t.Errorf("product header = %q", resp.Header.Get("X-Tunnelrelay"))
	}
	if err := <-errCh; !errors.Is(err, ErrUpstreamConnect) {
		t.Errorf("Run err = %v, want ErrUpstreamConnect", err)
	}
}

func TestWorkerTCPConnectFailureSendsErrorText(t *testing.T) {
	addr, conns := fakeRelay(t, "id-3", nil)
	d := tunnel.Descriptor{Name: "raw", Protocol: tunnel.KindTCP, ServerPort: 7000, Host: closedAddr(t)}
	w := testWorker("id-3", addr, d, "", nil)
	go w.Run(context.Background())

	relay := <-conns
	defer relay.Close()
	_ = relay.SetReadDeadline(time.Now().Add(3 * time.Second))
	b, _ := io.ReadAll(relay)
	if !strings.Contains(string(b), ErrUpstreamConnect.Error()) {
		t.Errorf("proxy received %q", b)
	}
	if strings.HasPrefix(string(b), "HTTP/") {
		t.Errorf("tcp tunnel must not answer with an HTTP response")
	}
}

func TestWorkerStopIsIdempotent(t *testing.T) {
	var stops atomic.Int32
	c := &Client{workers: make(map[*Worker]struct{})}
	d := tunnel.Descriptor{Name: "raw", Protocol: tunnel.KindTCP, ServerPort: 7000, Host: "127.0.0.1:1"}
	w := testWorker("id-4", "127.0.0.1:1", d, "", func(w *Worker) {
		stops.Add(1)
		c.removeWorker(w)
	})
	c.addWorker(w)

	a, b := net.Pipe()
	defer b.Close()
	w.proxyConn = a
	w.state = StateAwaitingStart

	done := make(chan struct{})
	go func() { w.Stop(); close(done) }()
	w.Stop()
	<-done
	w.Stop()

	if n := stops.Load(); n != 1 {
		t.Errorf("teardown ran %d times", n)
	}
	if n := len(c.Workers()); n != 0 {
		t.Errorf("active workers = %d", n)
	}
	if w.State() != StateStopped {
		t.Errorf("state = %s", w.State())
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Errorf("proxy connection still open")
	}
}

func TestWorkerStopBeforeConnect(t *testing.T) {
	d := tunnel.Descriptor{Name: "raw", Protocol: tunnel.KindTCP, ServerPort: 7000, Host: "127.0.0.1:1"}
	w := testWorker("id-5", closedAddr(t), d, "", nil)
	w.Stop()
	select {
	case <-w.Done():
	default:
		t.Fatal("done not closed")
	}
	if err := w.Run(context.Background()); err == nil {
		t.Errorf("Run after Stop succeeded")
	}
}

func TestResolveTargetHost(t *testing.T) {
	d := tunnel.Descriptor{Name: "web", Protocol: tunnel.KindHTTP, ServerPort: 80, ProxyHosts: []tunnel.HostRule{
		{Host: "a.example.com", Forward: "127.0.0.1:3001"},
		{Host: "*.example.com", Forward: "127.0.0.1:3002"},
	}}
	for host, want := range map[string]string{"a.example.com": "127.0.0.1:3001", "b.example.com": "127.0.0.1:3002"} {
		w := testWorker("id", "", d, host, nil)
		got, err := w.ResolveTargetHost()
		if err != nil || got != want {
			t.Errorf("%s: got %q, %v want %q", host, got, err, want)
		}
	}
	w := testWorker("id", "", d, "other.org", nil)
	if _, err := w.ResolveTargetHost(); !errors.Is(err, tunnel.ErrRouting) {
		t.Errorf("unmatched host err = %v", err)
	}
}
