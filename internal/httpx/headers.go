package httpx

import (
	"fmt"
	"io"
	"net"
	"strings"
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// ProxyHeaders is a parsed representation of an HTTP request start-line + headers.
// Duplicate fields are kept in wire order.
type ProxyHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *ProxyHeaders) Get(name string) string {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// Values returns every value of name in wire order.
func (p *ProxyHeaders) Values(name string) []string {
	var out []string
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Set sets (replaces) a header (case of Name preserved as provided).
func (p *ProxyHeaders) Set(name, value string) {
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			p.Headers[i].Value = value
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Add appends a header (does not replace existing).
func (p *ProxyHeaders) Add(name, value string) {
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Del deletes all headers with given name (case-insensitive).
func (p *ProxyHeaders) Del(name string) {
	out := p.Headers[:0]
	for _, h := range p.Headers {
		if !strings.EqualFold(h.Name, name) {
			out = append(out, h)
		}
	}
	p.Headers = out
}

// Host returns the request host without port. An absolute-form request target
// takes precedence over the Host header.
func (p *ProxyHeaders) Host() string {
	if i := strings.Index(p.URI, "://"); i > 0 {
		rest := p.URI[i+3:]
		if j := strings.IndexAny(rest, "/?#"); j >= 0 {
			rest = rest[:j]
		}
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		if rest != "" {
			return StripPort(rest)
		}
	}
	return StripPort(p.Get("Host"))
}

// StripPort removes a trailing :port from a host, keeping bracketed IPv6 intact.
func StripPort(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return strings.Trim(hostport, "[]")
}

// WriteTo writes the start line and headers, terminated by an empty line.
func (p *ProxyHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(s string) error {
		n, err := io.WriteString(w, s)
		total += int64(n)
		return err
	}
	if err := write(fmt.Sprintf("%s %s %s\r\n", p.Method, p.URI, p.Proto)); err != nil {
		return total, err
	}
	for _, h := range p.Headers {
		if err := write(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return total, err
		}
	}
	err := write("\r\n")
	return total, err
}

// Bytes returns the serialized head.
func (p *ProxyHeaders) Bytes() []byte {
	var sb strings.Builder
	_, _ = p.WriteTo(&sb)
	return []byte(sb.String())
}

// AugmentXFF appends / sets X-Forwarded-For using clientIP.
func (p *ProxyHeaders) AugmentXFF(clientIP string) {
	if clientIP == "" {
		return
	}
	for i, h := range p.Headers {
		if strings.EqualFold(h.Name, "X-Forwarded-For") {
			p.Headers[i].Value = h.Value + ", " + clientIP
			return
		}
	}
	p.Headers = append(p.Headers, Header{Name: "X-Forwarded-For", Value: clientIP})
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
