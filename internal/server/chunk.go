package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/tunnelrelay/internal/events"
	"github.com/matst80/tunnelrelay/internal/httpx"
	"github.com/matst80/tunnelrelay/internal/obs"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

// ChunkServer owns the public listener of one tunnel port and dispatches
// each accepted connection to the tunnel bound there.
type ChunkServer struct {
	srv  *Server
	port int
	kind tunnel.Kind
	ln   net.Listener

	closeOnce sync.Once
	done      chan struct{}
}

func newChunkServer(srv *Server, port int, kind tunnel.Kind, ln net.Listener) *ChunkServer {
	return &ChunkServer{srv: srv, port: port, kind: kind, ln: ln, done: make(chan struct{})}
}

// Addr returns the listening address.
func (cs *ChunkServer) Addr() net.Addr { return cs.ln.Addr() }

func (cs *ChunkServer) serve(ctx context.Context) {
	defer close(cs.done)
	for {
		c, err := cs.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.public.timeout", obs.Fields{"port": cs.port, "err": err.Error()})
				continue
			}
			return
		}
		pc := cs.srv.trackPublic(c, cs.port, cs.kind)
		go cs.dispatch(ctx, pc)
	}
}

// Close stops accepting. Connections already accepted are unaffected.
func (cs *ChunkServer) Close() {
	cs.closeOnce.Do(func() { _ = cs.ln.Close() })
}

func (cs *ChunkServer) dispatch(ctx context.Context, pc *PublicConnection) {
	if cs.kind == tunnel.KindHTTP {
		cs.dispatchHTTP(ctx, pc)
		return
	}
	cs.dispatchTCP(ctx, pc)
}

func (cs *ChunkServer) dispatchTCP(ctx context.Context, pc *PublicConnection) {
	var pre []byte
	if cs.srv.cfg.ProxyProtocol {
		_ = pc.conn.SetReadDeadline(time.Now().Add(cs.srv.cfg.RequestTimeout))
		rest, err := cs.consumeProxyLine(pc)
		_ = pc.conn.SetReadDeadline(time.Time{})
		if err != nil {
			obs.Debug("public.proxy_line", obs.Fields{"port": cs.port, "err": err.Error()})
			pc.Close()
			return
		}
		pre = rest
	}
	entries := cs.srv.registry.Port(cs.port)
	if len(entries) == 0 {
		pc.Close()
		return
	}
	e := entries[0]
	if !cs.srv.limiter.AllowConnection(e.Descriptor.Key()) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		pc.Close()
		return
	}
	pc.resolve(e.Descriptor, "", pre)
	cs.matched(pc, e, "")
	cs.srv.requestProxy(ctx, pc, e, "")
}

func (cs *ChunkServer) dispatchHTTP(ctx context.Context, pc *PublicConnection) {
	head, rest, err := cs.readHead(pc)
	if err != nil {
		if errors.Is(err, httpx.ErrFraming) {
			obs.ErrorsTotal.WithLabelValues("public_header").Inc()
			obs.Error("public.header", obs.Fields{"port": cs.port, "remote": pc.remoteIP, "err": err.Error()})
			pc.Fail(400, "")
			return
		}
		obs.Debug("public.read", obs.Fields{"port": cs.port, "err": err.Error()})
		pc.Close()
		return
	}
	host := head.Host()
	e, err := cs.srv.registry.Route(cs.port, host)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("routing").Inc()
		obs.Info("public.not_bound", obs.Fields{"port": cs.port, "host": host})
		pc.Fail(404, fmt.Sprintf("The host \"%s\" was not bound.", host))
		return
	}
	if !cs.srv.limiter.AllowRequest(e.Descriptor.Key()) {
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		pc.Fail(429, "")
		return
	}
	if cs.srv.cfg.AddXFF && pc.remoteIP != "" {
		head.AugmentXFF(pc.remoteIP)
	}
	pc.resolve(e.Descriptor, host, append(head.Bytes(), rest...))
	cs.matched(pc, e, host)
	cs.srv.requestProxy(ctx, pc, e, host)
}

func (cs *ChunkServer) matched(pc *PublicConnection, e tunnel.Entry, host string) {
	cs.srv.events.Publish(events.TunnelMatched, map[string]any{
		"tunnel": e.Descriptor.Name,
		"port":   cs.port,
		"host":   host,
		"remote": pc.remoteIP,
	})
}

// readHead reads until a complete request head is buffered. It returns the
// head and the bytes that followed it.
func (cs *ChunkServer) readHead(pc *PublicConnection) (*httpx.ProxyHeaders, []byte, error) {
	_ = pc.conn.SetReadDeadline(time.Now().Add(cs.srv.cfg.RequestTimeout))
	defer pc.conn.SetReadDeadline(time.Time{})

	hp := httpx.NewHeadParser(cs.srv.cfg.MaxHeaderSize)
	if cs.srv.cfg.ProxyProtocol {
		rest, err := cs.consumeProxyLine(pc)
		if err != nil {
			return nil, nil, err
		}
		head, err := hp.Push(rest)
		if err != nil || head != nil {
			return head, hp.Remaining(), err
		}
	}
	buf := make([]byte, 4096)
	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			head, perr := hp.Push(buf[:n])
			if perr != nil || head != nil {
				return head, hp.Remaining(), perr
			}
		}
		if err != nil {
			return nil, nil, err
		}
	}
}

// consumeProxyLine reads until a PROXY protocol line, if any, has been
// stripped and returns the bytes read past it.
func (cs *ChunkServer) consumeProxyLine(pc *PublicConnection) ([]byte, error) {
	var pending []byte
	buf := make([]byte, 512)
	for {
		n, err := pc.conn.Read(buf)
		pending = append(pending, buf[:n]...)
		rest, done, perr := pc.readProxyLine(pending)
		if perr != nil {
			return nil, perr
		}
		if done {
			return rest, nil
		}
		if err != nil {
			return nil, err
		}
	}
}
