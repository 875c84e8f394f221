package server

import (
	"bytes"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/matst80/tunnelrelay/internal/httpx"
	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

// Product identifies the server in synthesized responses.
var Product = "tunnelrelay-server " + proto.Version

// PublicConnection is one inbound connection accepted on a tunnel port.
type PublicConnection struct {
	conn     net.Conn
	port     int
	kind     tunnel.Kind
	accepted time.Time
	// remoteIP is the peer address, or the source from a PROXY protocol line.
	remoteIP string

	mu         sync.Mutex
	tunnel     *tunnel.Descriptor
	proxyHost  string
	initBuffer []byte

	closeOnce sync.Once
	onClose   func(*PublicConnection)
}

func newPublicConnection(c net.Conn, port int, kind tunnel.Kind, onClose func(*PublicConnection)) *PublicConnection {
	return &PublicConnection{
		conn:     c,
		port:     port,
		kind:     kind,
		accepted: time.Now(),
		remoteIP: httpx.RemoteIPFromConn(c),
		onClose:  onClose,
	}
}

// Tunnel returns the resolved tunnel, or nil before dispatch.
func (p *PublicConnection) Tunnel() *tunnel.Descriptor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tunnel
}

func (p *PublicConnection) resolve(d tunnel.Descriptor, proxyHost string, init []byte) {
	p.mu.Lock()
	p.tunnel = &d
	p.proxyHost = proxyHost
	p.initBuffer = init
	p.mu.Unlock()
}

// takeInit returns the init buffer and clears it so it is replayed once.
func (p *PublicConnection) takeInit() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.initBuffer
	p.initBuffer = nil
	return b
}

// Close closes the connection and drops it from the active set. Repeated
// calls are no-ops.
func (p *PublicConnection) Close() {
	p.closeOnce.Do(func() {
		_ = p.conn.Close()
		if p.onClose != nil {
			p.onClose(p)
		}
	})
}

// Fail ends the connection with status for http, or a plain close for tcp.
func (p *PublicConnection) Fail(status int, message string) {
	if p.kind == tunnel.KindHTTP {
		_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_, _ = p.conn.Write(httpx.ErrorResponse(status, message, Product))
	}
	p.Close()
}

// Timeout ends a connection whose proxy never registered.
func (p *PublicConnection) Timeout() { p.Fail(500, "Timeout") }

// readProxyLine consumes a PROXY protocol v1 header if one leads buf. It
// returns the bytes after the header and whether a full line was present.
// A buffer that does not start with "PROXY " is returned unchanged.
func (p *PublicConnection) readProxyLine(buf []byte) ([]byte, bool, error) {
	const sig = "PROXY "
	if len(buf) < len(sig) {
		if bytes.HasPrefix([]byte(sig), buf) {
			return buf, false, nil
		}
		return buf, true, nil
	}
	if !bytes.HasPrefix(buf, []byte(sig)) {
		return buf, true, nil
	}
	end := bytes.Index(buf, []byte("\r\n"))
	if end < 0 {
		if len(buf) > 107 {
			return nil, false, fmt.Errorf("%w: PROXY line too long", httpx.ErrFraming)
		}
		return buf, false, nil
	}
	fields := strings.Fields(string(buf[:end]))
	if len(fields) >= 6 && fields[1] != "UNKNOWN" {
		p.remoteIP = fields[2]
	}
	return buf[end+2:], true, nil
}
