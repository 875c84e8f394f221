package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/tunnel"
)

// flags holds command line overrides. --target adds one tunnel to those of
// the config file, which is enough to expose a single service without a file.
type flags struct {
	configPath  string
	server      string
	token       string
	debug       bool
	gracePeriod time.Duration
	tls         bool
	tlsCA       string

	name     string
	protocol string
	port     int
	host     string
	target   string
}

func (f *flags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fs.StringVar(&f.server, "server", "127.0.0.1:8090", "relay server address")
	fs.StringVar(&f.token, "token", "", "shared secret token")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logs")
	fs.DurationVar(&f.gracePeriod, "grace-period", 0, "time to wait for active sessions to drain after shutdown signal (0 = immediate)")
	fs.BoolVar(&f.tls, "tls", false, "connect to the server over TLS")
	fs.StringVar(&f.tlsCA, "tls-ca", "", "CA file to verify the server with")

	fs.StringVar(&f.name, "name", "demo", "tunnel name")
	fs.StringVar(&f.protocol, "protocol", "http", "tunnel protocol (http or tcp)")
	fs.IntVar(&f.port, "port", 8080, "public port on the server")
	fs.StringVar(&f.host, "host", tunnel.CatchAll, "virtual host pattern for http tunnels (* matches every host)")
	fs.StringVar(&f.target, "target", "", "local address to expose, e.g. 127.0.0.1:3000")
}

func (f *flags) load(cmd *cobra.Command) (config.Client, error) {
	cfg, err := config.LoadClient(f.configPath)
	if err != nil {
		return cfg, err
	}
	changed := cmd.Flags().Changed
	if changed("server") {
		cfg.ServerAddress = f.server
	}
	if changed("token") {
		cfg.Token = f.token
	}
	if changed("debug") {
		cfg.Debug = f.debug
	}
	if changed("grace-period") {
		cfg.GracePeriod = f.gracePeriod
	}
	if changed("tls") {
		cfg.TLS.Enabled = f.tls
	}
	if changed("tls-ca") {
		cfg.TLS.CAFile = f.tlsCA
	}
	if f.target != "" {
		d, err := f.tunnel()
		if err != nil {
			return cfg, err
		}
		cfg.Tunnels = append(cfg.Tunnels, d)
	}
	return cfg, cfg.Validate()
}

func (f *flags) tunnel() (tunnel.Descriptor, error) {
	d := tunnel.Descriptor{Name: f.name, Protocol: tunnel.Kind(f.protocol), ServerPort: f.port}
	switch d.Protocol {
	case tunnel.KindTCP:
		d.Host = f.target
	case tunnel.KindHTTP:
		d.ProxyHosts = []tunnel.HostRule{{Host: f.host, Forward: f.target}}
	default:
		return d, fmt.Errorf("%w: unknown protocol %q", config.ErrInvalid, f.protocol)
	}
	return d, nil
}
