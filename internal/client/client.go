// Package client keeps a control channel open to the relay server and runs one
// Worker per proxied session the server requests.
package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/events"
	"github.com/matst80/tunnelrelay/internal/obs"
	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

// ErrAuth means the server rejected the client's credentials. It is not retried.
var ErrAuth = errors.New("authentication rejected")

// A connection that stayed up this long resets the reconnect backoff.
const stableConnection = 30 * time.Second

// Client owns the control channel and the active-worker set.
type Client struct {
	cfg config.Client
	// serverDialer reaches the relay, localDialer the tunnelled services.
	serverDialer Dialer
	localDialer  Dialer
	events       events.Sink
	tunnels      *tunnel.Registry

	mu       sync.Mutex
	clientID string
	workers  map[*Worker]struct{}
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the dialer used for the control channel, proxy
// connections and local services.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.serverDialer, c.localDialer = d, d }
}

// WithEvents sets the lifecycle event sink.
func WithEvents(s events.Sink) Option { return func(c *Client) { c.events = events.OrNop(s) } }

// New validates cfg and builds a client for its tunnels.
func New(cfg config.Client, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nd := &net.Dialer{KeepAlive: 30 * time.Second}
	c := &Client{
		cfg:          cfg,
		serverDialer: nd,
		localDialer:  nd,
		events:       events.Nop,
		tunnels:      tunnel.NewRegistry(),
		workers:      make(map[*Worker]struct{}),
	}
	tlsCfg, err := cfg.TLS.ClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		if tlsCfg.ServerName == "" {
			tlsCfg.ServerName, _, _ = net.SplitHostPort(cfg.ServerAddress)
		}
		c.serverDialer = &tls.Dialer{NetDialer: nd, Config: tlsCfg}
	}
	for _, t := range cfg.Tunnels {
		if err := c.tunnels.Add(t, ""); err != nil {
			return nil, err
		}
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ID returns the id the server assigned on the last successful AUTH.
func (c *Client) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Run keeps the control channel connected until ctx is done, reconnecting
// with exponential backoff. Workers are stopped on return.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: c.cfg.MaxRetryInterval, Factor: 2, Jitter: true}
	for {
		started := time.Now()
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuth) {
			return err
		}
		if time.Since(started) > stableConnection {
			b.Reset()
		}
		attempt := int(b.Attempt())
		d := b.Duration()
		f := obs.Fields{"server": c.cfg.ServerAddress, "attempt": attempt, "retry_in": d.String()}
		if err != nil {
			f["err"] = err.Error()
		}
		obs.Warn("control.disconnected", f)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// controlConn serializes writes on the control channel.
type controlConn struct {
	net.Conn
	wmu sync.Mutex
}

func (cc *controlConn) send(action proto.Action, body any, headers map[string]string) error {
	cc.wmu.Lock()
	defer cc.wmu.Unlock()
	return proto.Send(cc.Conn, action, body, headers)
}

func (c *Client) runOnce(ctx context.Context) error {
	dctx := ctx
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}
	raw, err := c.serverDialer.DialContext(dctx, "tcp", c.cfg.ServerAddress)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	conn := &controlConn{Conn: raw}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	rd := proto.NewReader(conn, c.cfg.MaxFrameSize)
	if err := c.authenticate(conn, rd); err != nil {
		return err
	}
	for _, t := range c.cfg.Tunnels {
		if err := conn.send(proto.ActionRegisterTunnel, t, nil); err != nil {
			return fmt.Errorf("register tunnel %s: %w", t.Name, err)
		}
	}
	if c.cfg.KeepAlive > 0 {
		kctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go c.keepAlive(kctx, conn)
	}
	for {
		m, err := rd.Next()
		if err != nil {
			return err
		}
		c.handleMessage(ctx, conn, m)
	}
}

func (c *Client) authenticate(conn *controlConn, rd *proto.Reader) error {
	if err := conn.send(proto.ActionAuth, proto.Auth{Token: c.cfg.Token, Version: proto.Version}, nil); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	m, err := rd.Next()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if m.Action != proto.ActionAuthResponse {
		return fmt.Errorf("%w: expected %s, got %s", proto.ErrFraming, proto.ActionAuthResponse, m.Action)
	}
	var res proto.Result
	if err := m.Decode(&res); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%w: %s", ErrAuth, res.Message)
	}
	id := m.Header(proto.HeaderClientID)
	c.mu.Lock()
	c.clientID = id
	c.mu.Unlock()
	obs.Info("control.authenticated", obs.Fields{"server": c.cfg.ServerAddress, "client_id": id})
	c.events.Publish(events.ClientAuthenticated, map[string]any{"client_id": id})
	return nil
}

func (c *Client) keepAlive(ctx context.Context, conn *controlConn) {
	t := time.NewTicker(c.cfg.KeepAlive)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := conn.send(proto.ActionPing, nil, nil); err != nil {
				obs.Debug("control.ping_failed", obs.Fields{"err": err.Error()})
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) handleMessage(ctx context.Context, conn *controlConn, m *proto.ControlMessage) {
	switch m.Action {
	case proto.ActionRegisterTunnelResponse:
		var res proto.Result
		name := m.Header(proto.HeaderTunnelName)
		if err := m.Decode(&res); err != nil || !res.OK() {
			obs.Error("tunnel.register_failed", obs.Fields{"tunnel": name, "message": res.Message})
			return
		}
		obs.Info("tunnel.registered", obs.Fields{"tunnel": name})
		c.events.Publish(events.TunnelRegistered, map[string]any{"tunnel": name})
	case proto.ActionRequestProxy:
		w, err := c.HandleRequestProxy(m)
		if err != nil {
			obs.ErrorsTotal.WithLabelValues("no_matching_tunnel").Inc()
			obs.Error("request_proxy.rejected", obs.Fields{"id": m.Header(proto.HeaderPublicConnectionID), "err": err.Error()})
			return
		}
		go func() {
			if err := w.Run(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, context.Canceled) {
				obs.Debug("worker.ended", obs.Fields{"id": w.ID(), "err": err.Error()})
			}
		}()
	case proto.ActionPing:
		if err := conn.send(proto.ActionPong, nil, nil); err != nil {
			obs.Debug("control.pong_failed", obs.Fields{"err": err.Error()})
		}
	case proto.ActionPong:
	default:
		obs.Debug("control.unknown_action", obs.Fields{"action": string(m.Action)})
	}
}

// HandleRequestProxy creates and registers the Worker for a REQUEST_PROXY
// message. The first configured tunnel matching the request wins. The worker
// is returned unstarted.
func (c *Client) HandleRequestProxy(m *proto.ControlMessage) (*Worker, error) {
	id := m.Header(proto.HeaderPublicConnectionID)
	if id == "" {
		return nil, fmt.Errorf("%w: %s without %s", proto.ErrFraming, m.Action, proto.HeaderPublicConnectionID)
	}
	var info tunnel.Info
	if err := m.Decode(&info); err != nil {
		return nil, err
	}
	e, ok := c.tunnels.Find(info)
	if !ok {
		return nil, fmt.Errorf("%w: %s:%d host %q", tunnel.ErrNoMatchingTunnel, info.Protocol, info.ServerPort, info.ProxyHost)
	}
	w := newWorker(id, e.Descriptor, info.ProxyHost, workerConfig{
		serverAddr:   c.cfg.ServerAddress,
		serverDialer: c.serverDialer,
		localDialer:  c.localDialer,
		dialTimeout:  c.cfg.DialTimeout,
		maxFrame:     c.cfg.MaxFrameSize,
		events:       c.events,
		onStop:       c.removeWorker,
	})
	c.addWorker(w)
	payload := map[string]any{"id": id, "tunnel": e.Descriptor.Name, "proxy_host": info.ProxyHost}
	c.events.Publish(events.RequestProxy, payload)
	c.events.Publish(events.WorkerCreated, payload)
	return w, nil
}

func (c *Client) addWorker(w *Worker) {
	c.mu.Lock()
	c.workers[w] = struct{}{}
	n := len(c.workers)
	c.mu.Unlock()
	obs.ActiveWorkers.Set(float64(n))
}

func (c *Client) removeWorker(w *Worker) {
	c.mu.Lock()
	delete(c.workers, w)
	n := len(c.workers)
	c.mu.Unlock()
	obs.ActiveWorkers.Set(float64(n))
}

// Workers returns a snapshot of the active-worker set.
func (c *Client) Workers() []*Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Worker, 0, len(c.workers))
	for w := range c.workers {
		out = append(out, w)
	}
	return out
}

// StopAll stops every active worker.
func (c *Client) StopAll() {
	for _, w := range c.Workers() {
		w.Stop()
	}
}

// shutdown waits up to the grace period for workers to finish on their own,
// then stops the rest.
func (c *Client) shutdown() {
	if c.cfg.GracePeriod > 0 {
		deadline := time.NewTimer(c.cfg.GracePeriod)
		defer deadline.Stop()
		for _, w := range c.Workers() {
			select {
			case <-w.Done():
			case <-deadline.C:
				obs.Warn("client.grace_expired", obs.Fields{"workers": len(c.Workers())})
				c.StopAll()
				return
			}
		}
	}
	c.StopAll()
}
