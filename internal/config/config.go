// Package config loads the YAML configuration of the server and the client.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/matst80/tunnelrelay/internal/tunnel"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Server is the relay server configuration.
type Server struct {
	// Address accepts control channels and proxy connections.
	Address string `yaml:"address"`
	// Token, when set, must be presented by clients in AUTH.
	Token string `yaml:"token"`
	// RequestTimeout bounds the wait for a client proxy connection.
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	MaxHeaderSize   int           `yaml:"max_header_size"`
	MaxFrameSize    int           `yaml:"max_frame_size"`
	// BindHost is the interface public tunnel ports listen on.
	BindHost       string `yaml:"bind_host"`
	MetricsAddress string `yaml:"metrics_address"`
	Debug          bool   `yaml:"debug"`
	// AddXFF appends X-Forwarded-For to http requests before forwarding.
	AddXFF bool `yaml:"add_xff"`
	// ProxyProtocol expects a PROXY protocol v1 line ahead of public traffic.
	ProxyProtocol bool      `yaml:"proxy_protocol"`
	Redis         Redis     `yaml:"redis"`
	RateLimit     RateLimit `yaml:"rate_limit"`
	TLS           TLS       `yaml:"tls"`
}

// Redis selects the shared session store; an empty Address keeps state in memory.
type Redis struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RateLimit configures admission of public connections. Zero disables a limit.
type RateLimit struct {
	GlobalPerSecond    int `yaml:"global_per_second"`
	PerTunnelPerSecond int `yaml:"per_tunnel_per_second"`
	Burst              int `yaml:"burst"`
}

// Client is the tunnel client configuration.
type Client struct {
	ServerAddress    string        `yaml:"server_address"`
	Token            string        `yaml:"token"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	MaxRetryInterval time.Duration `yaml:"max_retry_interval"`
	// KeepAlive is the PING interval on the control channel; zero disables it.
	KeepAlive    time.Duration `yaml:"keep_alive"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	// GracePeriod lets active workers drain after shutdown before they are stopped.
	GracePeriod time.Duration       `yaml:"grace_period"`
	Debug       bool                `yaml:"debug"`
	TLS         TLS                 `yaml:"tls"`
	Tunnels     []tunnel.Descriptor `yaml:"tunnels"`
}

// DefaultServer returns the server defaults.
func DefaultServer() Server {
	return Server{
		Address:         ":8090",
		RequestTimeout:  10 * time.Second,
		CleanupInterval: 5 * time.Second,
		MaxHeaderSize:   32 * 1024,
		MaxFrameSize:    1 << 20,
		MetricsAddress:  ":9100",
		AddXFF:          true,
	}
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		ServerAddress:    "127.0.0.1:8090",
		DialTimeout:      10 * time.Second,
		MaxRetryInterval: time.Minute,
		KeepAlive:        30 * time.Second,
		MaxFrameSize:     1 << 20,
	}
}

// LoadServer reads path over the defaults. An empty path returns the defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadClient reads path over the defaults. An empty path returns the defaults.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := load(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func load(path string, into any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks the server configuration.
func (s Server) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalid)
	}
	if s.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalid)
	}
	if s.CleanupInterval <= 0 {
		return fmt.Errorf("%w: cleanup_interval must be positive", ErrInvalid)
	}
	if s.MaxHeaderSize <= 0 || s.MaxFrameSize <= 0 {
		return fmt.Errorf("%w: max_header_size and max_frame_size must be positive", ErrInvalid)
	}
	if s.TLS.Enabled && (s.TLS.CertFile == "" || s.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls requires cert_file and key_file", ErrInvalid)
	}
	return nil
}

// Validate checks the client configuration, including that its tunnels do not
// claim the same listen rule twice.
func (c Client) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("%w: server_address is required", ErrInvalid)
	}
	if len(c.Tunnels) == 0 {
		return fmt.Errorf("%w: at least one tunnel is required", ErrInvalid)
	}
	reg := tunnel.NewRegistry()
	for _, t := range c.Tunnels {
		if err := reg.Add(t, ""); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}
