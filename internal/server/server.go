// Package server is the relay side of the tunnel: it authenticates client
// control channels, binds their tunnels to public ports and pairs each public
// connection with a proxy connection opened by the client.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/sizestr"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/events"
	"github.com/matst80/tunnelrelay/internal/obs"
	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/ratelimit"
	"github.com/matst80/tunnelrelay/internal/splice"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

var (
	// ErrTimeout means no proxy connection registered for a public connection in time.
	ErrTimeout = errors.New("proxy registration timeout")
	// ErrUnknownConnection means a REGISTER_PROXY named no pending public connection.
	ErrUnknownConnection = errors.New("no pending public connection")
	// ErrUnauthorized means AUTH carried the wrong token.
	ErrUnauthorized = errors.New("unauthorized")
)

// Server accepts control channels and proxy connections on one address and
// runs a ChunkServer for every bound tunnel port.
type Server struct {
	cfg       config.Server
	state     StateStore
	registry  *tunnel.Registry
	limiter   *ratelimit.RateLimiter
	events    events.Sink
	tlsConfig *tls.Config

	mu      sync.Mutex
	ln      net.Listener
	chunks  map[int]*ChunkServer
	publics map[*PublicConnection]struct{}
	wg      sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithEvents sets the lifecycle event sink.
func WithEvents(s events.Sink) Option { return func(srv *Server) { srv.events = events.OrNop(s) } }

// New validates cfg and builds a server with its state store.
func New(cfg config.Server, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	state, err := newStateStore(cfg.Redis)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := cfg.TLS.ServerConfig()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:       cfg,
		state:     state,
		registry:  tunnel.NewRegistry(),
		events:    events.Nop,
		tlsConfig: tlsConfig,
		chunks:    make(map[int]*ChunkServer),
		publics:   make(map[*PublicConnection]struct{}),
	}
	rl := cfg.RateLimit
	if rl.GlobalPerSecond > 0 || rl.PerTunnelPerSecond > 0 {
		s.limiter = ratelimit.NewRateLimiter(rl.GlobalPerSecond, rl.PerTunnelPerSecond, rl.GlobalPerSecond, rl.PerTunnelPerSecond, rl.Burst)
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Listen opens the control listener on the configured address, with TLS if
// configured.
func (s *Server) Listen() (net.Listener, error) {
	if s.tlsConfig != nil {
		return tls.Listen("tcp", s.cfg.Address, s.tlsConfig)
	}
	return net.Listen("tcp", s.cfg.Address)
}

// Addr returns the control listener address once serving.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe listens on the configured address and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := s.Listen()
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts control and proxy connections on ln until ctx is done, then
// shuts down: listeners close, pending public connections are expired and
// control channels are dropped.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.runCleanupLoop(ctx)
	if rs, ok := s.state.(*redisState); ok {
		go rs.startMaintenance(ctx)
	}
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.state.setReady(true)
	obs.Info("server.ready", obs.Fields{"addr": ln.Addr().String(), "tls": s.tlsConfig != nil})
	for {
		c, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, c)
		}()
	}
	s.shutdown()
	return nil
}

func (s *Server) shutdown() {
	obs.Info("server.shutdown.signal", obs.Fields{})
	s.state.setClosing(true)
	s.state.setReady(false)
	s.mu.Lock()
	chunks := make([]*ChunkServer, 0, len(s.chunks))
	for _, cs := range s.chunks {
		chunks = append(chunks, cs)
	}
	s.mu.Unlock()
	for _, cs := range chunks {
		cs.Close()
	}
	s.state.cleanupExpiredPending(s.cfg.RequestTimeout)
	s.wg.Wait()
	if rs, ok := s.state.(*redisState); ok {
		_ = rs.close()
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
}

// handleConn reads the first message of an inbound connection: AUTH opens a
// control channel, REGISTER_PROXY pairs a proxy connection.
func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	rd := proto.NewReader(c, s.cfg.MaxFrameSize)
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.RequestTimeout))
	m, err := rd.Next()
	_ = c.SetReadDeadline(time.Time{})
	if err != nil {
		if errors.Is(err, proto.ErrFraming) {
			obs.ErrorsTotal.WithLabelValues("framing").Inc()
			obs.Error("conn.framing", obs.Fields{"remote": c.RemoteAddr().String(), "err": err.Error()})
		}
		_ = c.Close()
		return
	}
	switch m.Action {
	case proto.ActionAuth:
		s.handleControl(ctx, c, rd, m)
	case proto.ActionRegisterProxy:
		s.handleProxyConnection(c, m, rd.Remaining())
	default:
		obs.ErrorsTotal.WithLabelValues("unexpected_action").Inc()
		obs.Error("conn.unexpected_action", obs.Fields{"action": string(m.Action), "remote": c.RemoteAddr().String()})
		_ = c.Close()
	}
}

// controlChannel is an authenticated client connection. Writes are
// serialized because REQUEST_PROXY is sent from public connection goroutines.
type controlChannel struct {
	id   string
	conn net.Conn
	wmu  sync.Mutex
}

func (cc *controlChannel) send(action proto.Action, body any, headers map[string]string) error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	_ = cc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	defer cc.conn.SetWriteDeadline(time.Time{})
	return proto.Send(cc.conn, action, body, headers)
}

func (s *Server) handleControl(ctx context.Context, c net.Conn, rd *proto.Reader, auth *proto.ControlMessage) {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	remote := c.RemoteAddr().String()
	var creds proto.Auth
	if err := auth.Decode(&creds); err != nil {
		obs.ErrorsTotal.WithLabelValues("auth_json").Inc()
		obs.Error("control.auth.json", obs.Fields{"remote": remote, "err": err.Error()})
		return
	}
	if s.cfg.Token != "" && creds.Token != s.cfg.Token {
		obs.ErrorsTotal.WithLabelValues("auth_token").Inc()
		obs.Error("control.auth.token", obs.Fields{"remote": remote})
		_ = proto.Send(c, proto.ActionAuthResponse, proto.Result{Code: proto.CodeFailed, Message: ErrUnauthorized.Error()}, nil)
		return
	}
	cc := &controlChannel{id: uuid.NewString(), conn: c}
	if err := s.state.registerClient(cc.id, &clientSession{id: cc.id, remote: remote, control: cc, lastSeen: time.Now()}); err != nil {
		obs.ErrorsTotal.WithLabelValues("register_client").Inc()
		_ = proto.Send(c, proto.ActionAuthResponse, proto.Result{Code: proto.CodeFailed, Message: err.Error()}, nil)
		return
	}
	defer s.releaseClient(cc.id)
	if err := cc.send(proto.ActionAuthResponse, proto.Result{Code: proto.CodeOK}, map[string]string{proto.HeaderClientID: cc.id}); err != nil {
		return
	}
	obs.Info("client.registered", obs.Fields{"id": cc.id, "remote": remote, "version": creds.Version})
	s.events.Publish(events.ClientAuthenticated, map[string]any{"client_id": cc.id, "remote": remote})

	for {
		m, err := rd.Next()
		if err != nil {
			if !splice.IsExpectedClose(err) && !errors.Is(err, io.EOF) {
				obs.Error("control.conn.read", obs.Fields{"id": cc.id, "err": err.Error()})
			}
			return
		}
		switch m.Action {
		case proto.ActionRegisterTunnel:
			s.handleRegisterTunnel(ctx, cc, m)
		case proto.ActionPing:
			_ = cc.send(proto.ActionPong, nil, nil)
		case proto.ActionPong:
		default:
			obs.Debug("control.unknown_action", obs.Fields{"id": cc.id, "action": string(m.Action)})
		}
	}
}

func (s *Server) handleRegisterTunnel(ctx context.Context, cc *controlChannel, m *proto.ControlMessage) {
	var d tunnel.Descriptor
	err := m.Decode(&d)
	if err == nil {
		err = s.bindTunnel(ctx, d, cc.id)
	}
	res := proto.Result{Code: proto.CodeOK}
	if err != nil {
		res = proto.Result{Code: proto.CodeFailed, Message: err.Error()}
		obs.ErrorsTotal.WithLabelValues("register_tunnel").Inc()
		obs.Error("tunnel.register_failed", obs.Fields{"id": cc.id, "tunnel": d.Name, "err": err.Error()})
	} else {
		obs.Info("tunnel.registered", obs.Fields{"id": cc.id, "tunnel": d.Name, "protocol": string(d.Protocol), "port": d.ServerPort})
		s.events.Publish(events.TunnelRegistered, map[string]any{"client_id": cc.id, "tunnel": d.Name, "port": d.ServerPort})
	}
	_ = cc.send(proto.ActionRegisterTunnelResponse, res, map[string]string{proto.HeaderTunnelName: d.Name})
}

// bindTunnel adds d to the registry and makes sure its port is listening.
func (s *Server) bindTunnel(ctx context.Context, d tunnel.Descriptor, owner string) error {
	if err := s.registry.Add(d, owner); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[d.ServerPort]; ok {
		obs.RegisteredTunnels.Set(float64(s.registry.Len()))
		return nil
	}
	addr := net.JoinHostPort(s.cfg.BindHost, strconv.Itoa(d.ServerPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.registry.Remove(d.ServerPort, d.Name, owner)
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	cs := newChunkServer(s, d.ServerPort, d.Protocol, ln)
	s.chunks[d.ServerPort] = cs
	go cs.serve(ctx)
	obs.RegisteredTunnels.Set(float64(s.registry.Len()))
	obs.Info("chunk.listen", obs.Fields{"addr": ln.Addr().String(), "protocol": string(d.Protocol)})
	return nil
}

// releaseClient unbinds every tunnel of a closed control channel, stops
// ports nobody uses any more and closes the client's pending connections.
func (s *Server) releaseClient(id string) {
	removed := s.registry.RemoveOwner(id)
	s.mu.Lock()
	for _, d := range removed {
		s.limiter.Forget(d.Key())
		if cs, ok := s.chunks[d.ServerPort]; ok && len(s.registry.Port(d.ServerPort)) == 0 {
			cs.Close()
			delete(s.chunks, d.ServerPort)
		}
	}
	s.mu.Unlock()
	closed := s.state.removeClient(id)
	obs.RegisteredTunnels.Set(float64(s.registry.Len()))
	obs.Info("control.conn.cleanup", obs.Fields{"id": id, "tunnels": len(removed), "pending_closed": closed})
}

// requestProxy asks the owning client for a proxy connection and waits for it
// to pair. On timeout the public connection is failed.
func (s *Server) requestProxy(ctx context.Context, pc *PublicConnection, e tunnel.Entry, proxyHost string) {
	sess := s.state.getClient(e.Owner)
	if sess == nil || sess.control == nil {
		obs.ErrorsTotal.WithLabelValues("client_unavailable").Inc()
		pc.Fail(502, "tunnel client unavailable")
		return
	}
	id := uuid.NewString()
	p := &pendingInfo{public: pc, clientID: e.Owner, created: time.Now(), readyCh: make(chan struct{})}
	s.state.setPending(id, p)
	headers := map[string]string{proto.HeaderPublicConnectionID: id}
	if err := sess.control.send(proto.ActionRequestProxy, e.Descriptor.Info(proxyHost), headers); err != nil {
		if s.state.popPending(id) != nil {
			obs.ErrorsTotal.WithLabelValues("request_proxy").Inc()
			pc.Fail(502, "tunnel client unavailable")
		}
		return
	}
	obs.Debug("public.request_proxy", obs.Fields{"id": id, "tunnel": e.Descriptor.Name, "host": proxyHost})
	s.events.Publish(events.RequestProxy, map[string]any{"id": id, "tunnel": e.Descriptor.Name, "client_id": e.Owner})

	t := time.NewTimer(s.cfg.RequestTimeout)
	defer t.Stop()
	select {
	case <-p.readyCh:
	case <-t.C:
		if s.state.popPending(id) != nil {
			obs.ProxyTimeoutTotal.Inc()
			obs.ErrorsTotal.WithLabelValues("timeout").Inc()
			obs.Error("public.timeout", obs.Fields{"id": id, "tunnel": e.Descriptor.Name, "err": ErrTimeout.Error()})
			pc.Timeout()
		}
	case <-ctx.Done():
		if s.state.popPending(id) != nil {
			pc.Timeout()
		}
	}
}

// handleProxyConnection pairs a REGISTER_PROXY connection with its pending
// public connection. rest holds bytes read past REGISTER_PROXY.
func (s *Server) handleProxyConnection(c net.Conn, m *proto.ControlMessage, rest []byte) {
	id := m.Header(proto.HeaderPublicConnectionID)
	p := s.state.popPending(id)
	if p == nil {
		obs.ErrorsTotal.WithLabelValues("no_pending").Inc()
		obs.Error("data.no_pending", obs.Fields{"id": id, "err": ErrUnknownConnection.Error()})
		_ = c.Close()
		return
	}
	close(p.readyCh)
	pc := p.public
	if err := proto.Send(c, proto.ActionStartProxy, nil, nil); err != nil {
		obs.Error("proxy.start", obs.Fields{"id": id, "err": err.Error()})
		_ = c.Close()
		pc.Fail(502, "proxy connection failed")
		return
	}
	init := pc.takeInit()
	if len(init) > 0 {
		if _, err := c.Write(init); err != nil {
			obs.ErrorsTotal.WithLabelValues("forward_initial").Inc()
			obs.Error("proxy.forward_initial", obs.Fields{"id": id, "err": err.Error()})
		}
	}
	if len(rest) > 0 {
		if _, err := pc.conn.Write(rest); err != nil {
			obs.Error("proxy.forward_rest", obs.Fields{"id": id, "err": err.Error()})
		}
	}
	name := ""
	if d := pc.Tunnel(); d != nil {
		name = d.Name
	}
	obs.ProxyEstablishedTotal.Inc()
	s.state.incrementProxyCount()
	obs.Info("proxy.established", obs.Fields{"id": id, "tunnel": name, "initial_bytes": len(init)})
	s.events.Publish(events.ProxyEstablished, map[string]any{"id": id, "tunnel": name})

	splice.Join(pc.conn, c, func(st splice.Stats) {
		obs.ProxyDurationSeconds.Observe(st.Duration.Seconds())
		obs.BytesTotal.WithLabelValues("public_to_proxy").Add(float64(st.AToB + int64(len(init))))
		obs.BytesTotal.WithLabelValues("proxy_to_public").Add(float64(st.BToA + int64(len(rest))))
		f := obs.Fields{
			"id":       id,
			"tunnel":   name,
			"in":       sizestr.ToString(st.AToB + int64(len(init))),
			"out":      sizestr.ToString(st.BToA + int64(len(rest))),
			"duration": st.Duration.String(),
		}
		if st.Err != nil {
			f["err"] = st.Err.Error()
		}
		obs.Info("proxy.closed", f)
		pc.Close()
	})
}

func (s *Server) trackPublic(c net.Conn, port int, kind tunnel.Kind) *PublicConnection {
	pc := newPublicConnection(c, port, kind, s.untrackPublic)
	s.mu.Lock()
	s.publics[pc] = struct{}{}
	s.mu.Unlock()
	return pc
}

func (s *Server) untrackPublic(pc *PublicConnection) {
	s.mu.Lock()
	delete(s.publics, pc)
	s.mu.Unlock()
}

// ActiveConnections returns the number of open public connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.publics)
}

// ChunkAddr returns the listening address of the ChunkServer bound on port.
func (s *Server) ChunkAddr(port int) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.chunks[port]; ok {
		return cs.Addr()
	}
	return nil
}

func (s *Server) runCleanupLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.state.cleanupExpiredPending(s.cfg.RequestTimeout); n > 0 {
				obs.Info("pending.expired", obs.Fields{"count": n})
			}
			if s.limiter != nil {
				active := make(map[string]bool)
				for _, e := range s.registry.Entries() {
					active[e.Descriptor.Key()] = true
				}
				s.limiter.CleanupExpiredKeys(active)
			}
		}
	}
}
