// Package tunnel describes exposed services and matches inbound requests to them.
package tunnel

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Kind is the protocol a tunnel speaks on its public port.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindHTTP Kind = "http"
)

var (
	// ErrNoMatchingTunnel means a request names a tunnel this side does not have.
	ErrNoMatchingTunnel = errors.New("no matching tunnel")
	// ErrRouting means an http host is not bound to any tunnel on the port.
	ErrRouting = errors.New("host not bound")
	// ErrConflict means a descriptor claims a listen rule already claimed.
	ErrConflict = errors.New("tunnel conflict")
	// ErrInvalid means a descriptor is structurally unusable.
	ErrInvalid = errors.New("invalid tunnel")
)

// HostRule maps a virtual host pattern to the backend serving it. Host is an
// exact host name or a "*.suffix" wildcard.
type HostRule struct {
	Host    string `yaml:"host" json:"host"`
	Forward string `yaml:"forward" json:"forward"`
}

// Descriptor is one exposed service. It is immutable after configuration load.
type Descriptor struct {
	Name       string `yaml:"name" json:"name"`
	Protocol   Kind   `yaml:"protocol" json:"protocol"`
	ServerPort int    `yaml:"server_port" json:"serverPort"`
	// Host is the forward target of a tcp tunnel.
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	// ProxyHosts are the ordered virtual host rules of an http tunnel.
	ProxyHosts []HostRule `yaml:"proxy_hosts,omitempty" json:"proxyHosts,omitempty"`
}

// Info is what the server tells a client about the tunnel a public connection
// arrived on; the client picks its own descriptor from it.
type Info struct {
	Name       string `json:"name,omitempty"`
	Protocol   Kind   `json:"protocol"`
	ServerPort int    `json:"serverPort"`
	ProxyHost  string `json:"proxyHost,omitempty"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s(%s:%d)", d.Name, d.Protocol, d.ServerPort)
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if d.ServerPort <= 0 || d.ServerPort > 65535 {
		return fmt.Errorf("%w: %s: server_port %d out of range", ErrInvalid, d.Name, d.ServerPort)
	}
	switch d.Protocol {
	case KindTCP:
		if _, _, err := net.SplitHostPort(d.Host); err != nil {
			return fmt.Errorf("%w: %s: host %q: %v", ErrInvalid, d.Name, d.Host, err)
		}
	case KindHTTP:
		if len(d.ProxyHosts) == 0 {
			return fmt.Errorf("%w: %s: http tunnel needs proxy_hosts", ErrInvalid, d.Name)
		}
		for _, r := range d.ProxyHosts {
			if normalizeHost(r.Host) == "" {
				return fmt.Errorf("%w: %s: empty proxy host", ErrInvalid, d.Name)
			}
			if _, _, err := net.SplitHostPort(r.Forward); err != nil {
				return fmt.Errorf("%w: %s: forward %q: %v", ErrInvalid, d.Name, r.Forward, err)
			}
		}
	default:
		return fmt.Errorf("%w: %s: unknown protocol %q", ErrInvalid, d.Name, d.Protocol)
	}
	return nil
}

// Info returns the wire summary of d for a request routed via proxyHost.
func (d Descriptor) Info(proxyHost string) Info {
	return Info{Name: d.Name, Protocol: d.Protocol, ServerPort: d.ServerPort, ProxyHost: proxyHost}
}

// Match reports whether d serves a request described by info. tcp tunnels
// match on protocol and port alone; http tunnels must also bind the host.
func (d Descriptor) Match(info Info) bool {
	if d.Protocol != info.Protocol || d.ServerPort != info.ServerPort {
		return false
	}
	if d.Protocol == KindHTTP {
		return d.SupportsProxyHost(info.ProxyHost)
	}
	return true
}

// SupportsProxyHost reports whether any host rule matches host.
func (d Descriptor) SupportsProxyHost(host string) bool {
	_, ok := d.rule(host)
	return ok
}

// ForwardHost returns the backend for a request routed via proxyHost: the
// first matching rule's forward for http, the fixed host for tcp.
func (d Descriptor) ForwardHost(proxyHost string) (string, error) {
	if d.Protocol == KindTCP {
		return d.Host, nil
	}
	r, ok := d.rule(proxyHost)
	if !ok {
		return "", fmt.Errorf("%w: %q on %s", ErrRouting, proxyHost, d)
	}
	return r.Forward, nil
}

func (d Descriptor) rule(host string) (HostRule, bool) {
	for _, r := range d.ProxyHosts {
		if MatchHost(r.Host, host) {
			return r, true
		}
	}
	return HostRule{}, false
}

// ListenKey identifies the public port a descriptor binds.
func (d Descriptor) ListenKey() string {
	return string(d.Protocol) + ":" + strconv.Itoa(d.ServerPort)
}

// Key identifies the descriptor server-wide. Names are only unique per port.
func (d Descriptor) Key() string {
	return d.ListenKey() + "/" + d.Name
}
