package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jpillora/sizestr"

	"github.com/matst80/tunnelrelay/internal/events"
	"github.com/matst80/tunnelrelay/internal/httpx"
	"github.com/matst80/tunnelrelay/internal/obs"
	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/splice"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

// ErrUpstreamConnect means the local service of a tunnel could not be reached.
var ErrUpstreamConnect = errors.New("upstream connect failed")

// Product identifies the client in synthesized responses.
var Product = "tunnelrelay-client " + proto.Version

// State is a Worker lifecycle state.
type State int

const (
	StateCreated State = iota
	StateAwaitingStart
	StateConnectingLocal
	StatePiping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateConnectingLocal:
		return "CONNECTING_LOCAL"
	case StatePiping:
		return "PIPING"
	case StateStopped:
		return "STOPPED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Worker serves one proxied session: it registers a proxy connection with the
// server, waits for START_PROXY, connects the local service and splices the two.
type Worker struct {
	id         string
	tunnel     tunnel.Descriptor
	proxyHost  string
	serverAddr string

	serverDialer Dialer
	localDialer  Dialer
	dialTimeout  time.Duration
	maxFrame     int
	events       events.Sink
	onStop       func(*Worker)

	mu         sync.Mutex
	state      State
	proxyConn  net.Conn
	localConn  net.Conn
	initBuffer []byte

	stopOnce sync.Once
	done     chan struct{}
}

type workerConfig struct {
	serverAddr   string
	serverDialer Dialer
	localDialer  Dialer
	dialTimeout  time.Duration
	maxFrame     int
	events       events.Sink
	onStop       func(*Worker)
}

func newWorker(id string, d tunnel.Descriptor, proxyHost string, wc workerConfig) *Worker {
	return &Worker{
		id:           id,
		tunnel:       d,
		proxyHost:    proxyHost,
		serverAddr:   wc.serverAddr,
		serverDialer: wc.serverDialer,
		localDialer:  wc.localDialer,
		dialTimeout:  wc.dialTimeout,
		maxFrame:     wc.maxFrame,
		events:       events.OrNop(wc.events),
		onStop:       wc.onStop,
		done:         make(chan struct{}),
	}
}

// ID returns the correlation id the worker serves.
func (w *Worker) ID() string { return w.id }

// Tunnel returns the descriptor the worker was created for.
func (w *Worker) Tunnel() tunnel.Descriptor { return w.tunnel }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Done is closed once the worker has stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run drives the worker until it stops. A nil error means the session ended
// normally; setup failures are returned after the worker has been stopped.
// Cancelling ctx stops the worker.
func (w *Worker) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.Stop)
	defer stop()

	if err := w.register(ctx); err != nil {
		w.Stop()
		return err
	}
	init, err := w.awaitStart()
	if err != nil {
		w.Stop()
		return err
	}
	if err := w.connectLocal(ctx, init); err != nil {
		return err
	}
	<-w.done
	return nil
}

func (w *Worker) register(ctx context.Context) error {
	conn, err := w.dial(ctx, w.serverDialer, w.serverAddr)
	if err != nil {
		return fmt.Errorf("dial server %s: %w", w.serverAddr, err)
	}
	if !w.setConn(&w.proxyConn, conn, StateAwaitingStart) {
		_ = conn.Close()
		return context.Canceled
	}
	headers := map[string]string{proto.HeaderPublicConnectionID: w.id}
	if err := proto.Send(conn, proto.ActionRegisterProxy, w.tunnel, headers); err != nil {
		return fmt.Errorf("register proxy: %w", err)
	}
	obs.Debug("worker.registered", obs.Fields{"id": w.id, "tunnel": w.tunnel.Name})
	return nil
}

// awaitStart reads control messages until START_PROXY and returns the bytes
// that followed it. Nothing after START_PROXY is decoded as a message.
func (w *Worker) awaitStart() ([]byte, error) {
	rd := proto.NewReader(w.proxyConn, w.maxFrame)
	for {
		m, err := rd.Next()
		if err != nil {
			return nil, fmt.Errorf("await start: %w", err)
		}
		if m.Action == proto.ActionStartProxy {
			return rd.Remaining(), nil
		}
		obs.Debug("worker.unexpected_message", obs.Fields{"id": w.id, "action": string(m.Action)})
	}
}

func (w *Worker) connectLocal(ctx context.Context, init []byte) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return context.Canceled
	}
	w.state = StateConnectingLocal
	w.initBuffer = init
	w.mu.Unlock()

	target, err := w.ResolveTargetHost()
	if err == nil {
		var local net.Conn
		local, err = w.dial(ctx, w.localDialer, target)
		if err == nil {
			return w.pipe(local)
		}
	}
	err = fmt.Errorf("%w: %s: %v", ErrUpstreamConnect, target, err)
	obs.ErrorsTotal.WithLabelValues("upstream_connect").Inc()
	obs.Error("worker.connect_local", obs.Fields{"id": w.id, "tunnel": w.tunnel.Name, "target": target, "err": err.Error()})
	w.HandleConnectLocalError(err)
	w.Stop()
	return err
}

func (w *Worker) pipe(local net.Conn) error {
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		_ = local.Close()
		return context.Canceled
	}
	w.localConn = local
	init := w.initBuffer
	w.initBuffer = nil
	proxy := w.proxyConn
	w.mu.Unlock()

	if len(init) > 0 {
		if _, err := local.Write(init); err != nil {
			w.Stop()
			return fmt.Errorf("replay init buffer: %w", err)
		}
	}
	w.mu.Lock()
	if w.state == StateStopped {
		w.mu.Unlock()
		return context.Canceled
	}
	w.state = StatePiping
	w.mu.Unlock()

	obs.Debug("worker.piping", obs.Fields{"id": w.id, "tunnel": w.tunnel.Name, "init": len(init)})
	splice.Join(local, proxy, func(st splice.Stats) {
		obs.BytesTotal.WithLabelValues("local_to_proxy").Add(float64(st.AToB))
		obs.BytesTotal.WithLabelValues("proxy_to_local").Add(float64(st.BToA))
		f := obs.Fields{
			"id":       w.id,
			"tunnel":   w.tunnel.Name,
			"sent":     sizestr.ToString(st.AToB),
			"received": sizestr.ToString(st.BToA + int64(len(init))),
			"duration": st.Duration.String(),
		}
		if st.Err != nil {
			f["err"] = st.Err.Error()
		}
		obs.Info("worker.closed", f)
		w.Stop()
	})
	return nil
}

// ResolveTargetHost returns the local address this session forwards to. An
// http tunnel resolves it against the host the server matched.
func (w *Worker) ResolveTargetHost() (string, error) {
	switch w.tunnel.Protocol {
	case tunnel.KindTCP:
		return w.tunnel.Host, nil
	case tunnel.KindHTTP:
		return w.tunnel.ForwardHost(w.proxyHost)
	}
	return "", fmt.Errorf("%w: unsupported protocol %q", tunnel.ErrInvalid, w.tunnel.Protocol)
}

// HandleConnectLocalError reports a failed local connect to the public peer:
// the raw error text for tcp, an HTTP 500 response for http.
func (w *Worker) HandleConnectLocalError(err error) {
	w.mu.Lock()
	proxy := w.proxyConn
	w.mu.Unlock()
	if proxy == nil {
		return
	}
	var msg []byte
	switch w.tunnel.Protocol {
	case tunnel.KindHTTP:
		msg = httpx.ErrorResponse(500, err.Error(), Product)
	default:
		msg = []byte(err.Error())
	}
	_ = proxy.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = proxy.Write(msg)
}

// Stop tears the worker down. It is safe to call from any goroutine, any
// number of times, in any state.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		prev := w.state
		w.state = StateStopped
		conns := []net.Conn{w.proxyConn, w.localConn}
		w.mu.Unlock()

		for _, c := range conns {
			if c == nil {
				continue
			}
			splice.CloseWrite(c)
			_ = c.Close()
		}
		if w.onStop != nil {
			w.onStop(w)
		}
		close(w.done)
		w.events.Publish(events.WorkerStopped, map[string]any{"id": w.id, "tunnel": w.tunnel.Name, "state": prev.String()})
	})
}

func (w *Worker) setConn(slot *net.Conn, c net.Conn, next State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == StateStopped {
		return false
	}
	*slot = c
	w.state = next
	return true
}

func (w *Worker) dial(ctx context.Context, d Dialer, addr string) (net.Conn, error) {
	if w.dialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.dialTimeout)
		defer cancel()
	}
	return d.DialContext(ctx, "tcp", addr)
}
